package entitle_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mihaimyh/entitle/pkg/entitle"
	"github.com/mihaimyh/entitle/storage/memory"
)

// fixedTime is a TimeSource pinned to an adjustable instant.
type fixedTime struct {
	mu sync.Mutex
	t  time.Time
}

func newFixedTime(t time.Time) *fixedTime {
	return &fixedTime{t: t}
}

func (f *fixedTime) Now(_ context.Context) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t, nil
}

func (f *fixedTime) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = t
}

func (f *fixedTime) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

var testTiers = []*entitle.Tier{
	{Name: "freemium", MonthlyAllowance: 10, Metered: true},
	{Name: "pro", MonthlyAllowance: 1000, Metered: true},
	{Name: "team", MonthlyAllowance: 5000, Metered: true},
	{Name: "enterprise", Metered: false},
	{Name: "paused", MonthlyAllowance: 0, Metered: true},
}

// testHarness wires a guard, sweeper, and auditor over one in-memory
// store with a controllable clock.
type testHarness struct {
	storage *memory.Storage
	catalog *entitle.Catalog
	guard   *entitle.Guard
	sweeper *entitle.Sweeper
	auditor *entitle.Auditor
	clock   *fixedTime
}

func newTestHarness(t *testing.T, start time.Time) *testHarness {
	t.Helper()

	store := memory.New()
	clock := newFixedTime(start)
	config := entitle.Config{TimeSource: clock}

	catalog, err := entitle.NewCatalog(store, config)
	if err != nil {
		t.Fatalf("Failed to create catalog: %v", err)
	}
	if err := catalog.Seed(context.Background(), testTiers); err != nil {
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

	return &testHarness{
		storage: store,
		catalog: catalog,
		guard:   guard,
		sweeper: sweeper,
		auditor: auditor,
		clock:   clock,
	}
}

// consume charges n messages and fails the test if any is denied.
func (h *testHarness) consume(t *testing.T, userID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		decision, err := h.guard.CheckAndConsume(context.Background(), userID)
		if err != nil {
			t.Fatalf("CheckAndConsume failed on message %d: %v", i+1, err)
		}
		if !decision.Allowed {
			t.Fatalf("message %d unexpectedly denied", i+1)
		}
	}
}
