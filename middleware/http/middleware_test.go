package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mihaimyh/entitle/pkg/entitle"
	"github.com/mihaimyh/entitle/storage/memory"
)

func setupTestGuard(t *testing.T) *entitle.Guard {
	t.Helper()

	store := memory.New()
	catalog, err := entitle.NewCatalog(store, entitle.Config{})
	if err != nil {
		t.Fatalf("Failed to create catalog: %v", err)
	}
	err = catalog.Seed(context.Background(), []*entitle.Tier{
		{Name: "freemium", MonthlyAllowance: 3, Metered: true},
		{Name: "enterprise", Metered: false},
	})
	if err != nil {
		t.Fatalf("Failed to seed tiers: %v", err)
	}

	guard, err := entitle.NewGuard(store, catalog, entitle.Config{})
	if err != nil {
		t.Fatalf("Failed to create guard: %v", err)
	}
	return guard
}

func okHandler(called *int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called++
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddlewareAllowsWithinAllowance(t *testing.T) {
	guard := setupTestGuard(t)
	var called int
	handler := Middleware(Config{
		Guard:     guard,
		GetUserID: FromHeader("X-User-ID"),
	})(okHandler(&called))

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/messages", nil)
		req.Header.Set("X-User-ID", "user1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i+1, rec.Code)
		}
	}
	if called != 3 {
		t.Errorf("handler called %d times, want 3", called)
	}
}

func TestMiddlewareSetsQuotaHeaders(t *testing.T) {
	guard := setupTestGuard(t)
	handler := Middleware(Config{
		Guard:     guard,
		GetUserID: FromHeader("X-User-ID"),
	})(okHandler(new(int)))

	req := httptest.NewRequest(http.MethodPost, "/messages", nil)
	req.Header.Set("X-User-ID", "user1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Quota-Remaining"); got != "2" {
		t.Errorf("X-Quota-Remaining = %q, want %q", got, "2")
	}
	if rec.Header().Get("X-Quota-Reset") == "" {
		t.Error("X-Quota-Reset header missing")
	}
}

func TestMiddlewareDeniesWhenExhausted(t *testing.T) {
	guard := setupTestGuard(t)
	var called int
	handler := Middleware(Config{
		Guard:     guard,
		GetUserID: FromHeader("X-User-ID"),
	})(okHandler(&called))

	for i := 0; i < 4; i++ {
		req := httptest.NewRequest(http.MethodPost, "/messages", nil)
		req.Header.Set("X-User-ID", "user1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if i < 3 && rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i+1, rec.Code)
		}
		if i == 3 {
			if rec.Code != http.StatusTooManyRequests {
				t.Errorf("request 4: status = %d, want 429", rec.Code)
			}
			if got := rec.Header().Get("X-Quota-Remaining"); got != "0" {
				t.Errorf("X-Quota-Remaining = %q, want %q", got, "0")
			}
		}
	}
	if called != 3 {
		t.Errorf("handler called %d times, want 3", called)
	}
}

func TestMiddlewareUnauthorized(t *testing.T) {
	guard := setupTestGuard(t)
	var called int
	handler := Middleware(Config{
		Guard:     guard,
		GetUserID: FromHeader("X-User-ID"),
	})(okHandler(&called))

	req := httptest.NewRequest(http.MethodPost, "/messages", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	if called != 0 {
		t.Error("handler called for unauthenticated request")
	}
}

func TestMiddlewareUnlimitedHeader(t *testing.T) {
	guard := setupTestGuard(t)
	if err := guard.SetTier(context.Background(), "bigco", "enterprise"); err != nil {
		t.Fatalf("SetTier failed: %v", err)
	}

	handler := Middleware(Config{
		Guard:     guard,
		GetUserID: FromHeader("X-User-ID"),
	})(okHandler(new(int)))

	req := httptest.NewRequest(http.MethodPost, "/messages", nil)
	req.Header.Set("X-User-ID", "bigco")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("X-Quota-Unlimited"); got != "true" {
		t.Errorf("X-Quota-Unlimited = %q, want %q", got, "true")
	}
}

func TestMiddlewareCustomQuotaExceededHook(t *testing.T) {
	guard := setupTestGuard(t)
	var hookDecision entitle.Decision
	handler := Middleware(Config{
		Guard:     guard,
		GetUserID: FromHeader("X-User-ID"),
		OnQuotaExceeded: func(w http.ResponseWriter, r *http.Request, decision entitle.Decision) {
			hookDecision = decision
			w.WriteHeader(http.StatusPaymentRequired)
		},
	})(okHandler(new(int)))

	for i := 0; i < 4; i++ {
		req := httptest.NewRequest(http.MethodPost, "/messages", nil)
		req.Header.Set("X-User-ID", "user1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if i == 3 {
			if rec.Code != http.StatusPaymentRequired {
				t.Errorf("status = %d, want 402 from hook", rec.Code)
			}
			if hookDecision.Allowed {
				t.Error("hook received an allowed decision")
			}
		}
	}
}

func TestFromContextExtractor(t *testing.T) {
	guard := setupTestGuard(t)
	var called int
	handler := Middleware(Config{
		Guard:     guard,
		GetUserID: FromContext(UserIDKey),
	})(okHandler(&called))

	req := httptest.NewRequest(http.MethodPost, "/messages", nil)
	req = req.WithContext(WithUserID(req.Context(), "ctxuser"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if called != 1 {
		t.Errorf("handler called %d times, want 1", called)
	}
}

func TestHandlerFuncWrapper(t *testing.T) {
	guard := setupTestGuard(t)
	var called int
	wrapped := HandlerFunc(Config{
		Guard:     guard,
		GetUserID: FromHeader("X-User-ID"),
	})(func(w http.ResponseWriter, r *http.Request) {
		called++
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/messages", nil)
	req.Header.Set("X-User-ID", "user1")
	rec := httptest.NewRecorder()
	wrapped(rec, req)

	if rec.Code != http.StatusOK || called != 1 {
		t.Errorf("status = %d, called = %d", rec.Code, called)
	}
}
