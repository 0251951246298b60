package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mihaimyh/entitle/pkg/entitle"
	"github.com/mihaimyh/entitle/storage/memory"
)

type testEnv struct {
	handler *Handler
	guard   *entitle.Guard
	storage *memory.Storage
}

func setupTestHandler(t *testing.T) *testEnv {
	t.Helper()

	store := memory.New()
	config := entitle.Config{}

	catalog, err := entitle.NewCatalog(store, config)
	if err != nil {
		t.Fatalf("Failed to create catalog: %v", err)
	}
	err = catalog.Seed(context.Background(), []*entitle.Tier{
		{Name: "freemium", MonthlyAllowance: 10, Metered: true},
		{Name: "pro", MonthlyAllowance: 1000, Metered: true},
	})
	if err != nil {
		t.Fatalf("Failed to seed tiers: %v", err)
	}

	guard, err := entitle.NewGuard(store, catalog, config)
	if err != nil {
		t.Fatalf("Failed to create guard: %v", err)
	}
	sweeper, err := entitle.NewSweeper(store, config)
	if err != nil {
		t.Fatalf("Failed to create sweeper: %v", err)
	}
	auditor, err := entitle.NewAuditor(store, catalog, config)
	if err != nil {
		t.Fatalf("Failed to create auditor: %v", err)
	}

	handler, err := NewHandler(Config{
		Guard:     guard,
		Catalog:   catalog,
		Sweeper:   sweeper,
		Auditor:   auditor,
		GetUserID: FromHeader("X-User-ID"),
	})
	if err != nil {
		t.Fatalf("Failed to create handler: %v", err)
	}

	return &testEnv{handler: handler, guard: guard, storage: store}
}

func TestNewHandlerValidation(t *testing.T) {
	if _, err := NewHandler(Config{}); err == nil {
		t.Error("NewHandler accepted an empty config")
	}
}

func TestGetUsage(t *testing.T) {
	env := setupTestHandler(t)

	// Consume a few messages first.
	for i := 0; i < 3; i++ {
		if _, err := env.guard.CheckAndConsume(context.Background(), "user1"); err != nil {
			t.Fatalf("CheckAndConsume failed: %v", err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/quota", nil)
	req.Header.Set("X-User-ID", "user1")
	rec := httptest.NewRecorder()
	env.handler.GetUsage(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp UsageResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.UserID != "user1" || resp.Tier != "freemium" {
		t.Errorf("response = %+v", resp)
	}
	if resp.Remaining != 7 {
		t.Errorf("Remaining = %d, want 7", resp.Remaining)
	}
	if !resp.Allowed {
		t.Error("Allowed = false, want true")
	}

	// The read must not consume.
	row, err := env.guard.Usage(context.Background(), "user1")
	if err != nil {
		t.Fatalf("Usage failed: %v", err)
	}
	if row.MessagesUsed != 3 {
		t.Errorf("GetUsage consumed: MessagesUsed = %d, want 3", row.MessagesUsed)
	}
}

func TestGetUsageUnknownUser(t *testing.T) {
	env := setupTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/quota", nil)
	req.Header.Set("X-User-ID", "stranger")
	rec := httptest.NewRecorder()
	env.handler.GetUsage(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp UsageResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Tier != "freemium" || resp.Remaining != 10 {
		t.Errorf("response = %+v, want fresh freemium standing", resp)
	}
}

func TestGetUsageUnauthorized(t *testing.T) {
	env := setupTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/quota", nil)
	rec := httptest.NewRecorder()
	env.handler.GetUsage(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestSetTier(t *testing.T) {
	env := setupTestHandler(t)

	body, _ := json.Marshal(SetTierRequest{Tier: "pro"})
	req := httptest.NewRequest(http.MethodPut, "/v1/quota/tier", bytes.NewReader(body))
	req.Header.Set("X-User-ID", "user1")
	rec := httptest.NewRecorder()
	env.handler.SetTier(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}

	row, err := env.guard.Usage(context.Background(), "user1")
	if err != nil {
		t.Fatalf("Usage failed: %v", err)
	}
	if row.TierName != "pro" {
		t.Errorf("TierName = %q, want %q", row.TierName, "pro")
	}
}

func TestSetTierUnknown(t *testing.T) {
	env := setupTestHandler(t)

	body, _ := json.Marshal(SetTierRequest{Tier: "platinum"})
	req := httptest.NewRequest(http.MethodPut, "/v1/quota/tier", bytes.NewReader(body))
	req.Header.Set("X-User-ID", "user1")
	rec := httptest.NewRecorder()
	env.handler.SetTier(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestListTiers(t *testing.T) {
	env := setupTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/tiers", nil)
	rec := httptest.NewRecorder()
	env.handler.ListTiers(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var tiers []TierResponse
	if err := json.NewDecoder(rec.Body).Decode(&tiers); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(tiers) != 2 {
		t.Errorf("got %d tiers, want 2", len(tiers))
	}
}

func TestTriggerSweep(t *testing.T) {
	env := setupTestHandler(t)
	ctx := context.Background()

	if _, err := env.guard.CheckAndConsume(ctx, "user1"); err != nil {
		t.Fatalf("CheckAndConsume failed: %v", err)
	}
	past := time.Now().UTC().Add(-time.Hour)
	if err := env.storage.RepairUsage(ctx, "user1", entitle.Repair{PeriodResetAt: &past}); err != nil {
		t.Fatalf("RepairUsage failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/ops/sweep", nil)
	rec := httptest.NewRecorder()
	env.handler.TriggerSweep(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var result entitle.SweepResult
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if result.Scanned != 1 || result.Reset != 1 {
		t.Errorf("result = %+v, want 1 scanned / 1 reset", result)
	}
}

func TestTriggerAudit(t *testing.T) {
	env := setupTestHandler(t)
	ctx := context.Background()

	err := env.storage.CreateUsage(ctx, &entitle.UsageRow{UserID: "broken", TierName: "ghost"})
	if err != nil {
		t.Fatalf("CreateUsage failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/ops/audit", nil)
	rec := httptest.NewRecorder()
	env.handler.TriggerAudit(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var report entitle.Report
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if report.Checked != 1 || report.Total() == 0 {
		t.Errorf("report = %+v, want repairs recorded", report)
	}
}

func TestOpsEndpointsDisabled(t *testing.T) {
	env := setupTestHandler(t)
	handler, err := NewHandler(Config{
		Guard:     env.handler.config.Guard,
		Catalog:   env.handler.config.Catalog,
		GetUserID: FromHeader("X-User-ID"),
	})
	if err != nil {
		t.Fatalf("NewHandler failed: %v", err)
	}

	rec := httptest.NewRecorder()
	handler.TriggerSweep(rec, httptest.NewRequest(http.MethodPost, "/v1/ops/sweep", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("sweep status = %d, want 404", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.TriggerAudit(rec, httptest.NewRequest(http.MethodPost, "/v1/ops/audit", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("audit status = %d, want 404", rec.Code)
	}
}
