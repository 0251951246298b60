package entitle_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// Fifty writers race for a ten-message allowance; exactly ten may win.
func TestConcurrentConsumeNeverOverAdmits(t *testing.T) {
	h := newTestHarness(t, testStart)
	ctx := context.Background()

	const writers = 50
	var allowed atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decision, err := h.guard.CheckAndConsume(ctx, "contended")
			if err != nil {
				t.Errorf("CheckAndConsume failed: %v", err)
				return
			}
			if decision.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if allowed.Load() != 10 {
		t.Errorf("allowed = %d, want exactly 10", allowed.Load())
	}

	row, err := h.guard.Usage(ctx, "contended")
	if err != nil {
		t.Fatalf("Usage failed: %v", err)
	}
	if row.MessagesUsed != 10 {
		t.Errorf("MessagesUsed = %d, want 10", row.MessagesUsed)
	}
}

// Concurrent first use: every writer races to create the row, one wins,
// and no admission is lost or double-counted.
func TestConcurrentFirstUse(t *testing.T) {
	h := newTestHarness(t, testStart)
	ctx := context.Background()

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.guard.CheckAndConsume(ctx, "fresh"); err != nil {
				t.Errorf("CheckAndConsume failed: %v", err)
			}
		}()
	}
	wg.Wait()

	row, err := h.guard.Usage(ctx, "fresh")
	if err != nil {
		t.Fatalf("Usage failed: %v", err)
	}
	if row.MessagesUsed != 10 {
		t.Errorf("MessagesUsed = %d, want 10 (allowance cap)", row.MessagesUsed)
	}
}

// Admission checks racing a sweep across the period boundary: the reset
// applies exactly once and the new period admits a full allowance.
func TestConsumeRacingSweep(t *testing.T) {
	h := newTestHarness(t, testStart)
	ctx := context.Background()

	h.consume(t, "user1", 10)
	h.clock.Set(time.Date(2026, time.February, 16, 12, 0, 0, 0, time.UTC))

	var wg sync.WaitGroup
	var allowed atomic.Int64

	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := h.sweeper.SweepOnce(ctx); err != nil {
			t.Errorf("SweepOnce failed: %v", err)
		}
	}()

	for i := 0; i < 15; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decision, err := h.guard.CheckAndConsume(ctx, "user1")
			if err != nil {
				t.Errorf("CheckAndConsume failed: %v", err)
				return
			}
			if decision.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if allowed.Load() != 10 {
		t.Errorf("allowed = %d, want exactly 10 in the new period", allowed.Load())
	}

	row, _ := h.guard.Usage(ctx, "user1")
	wantReset := time.Date(2026, time.March, 15, 12, 0, 0, 0, time.UTC)
	if !row.PeriodResetAt.Equal(wantReset) {
		t.Errorf("PeriodResetAt = %v, want %v (single reset)", row.PeriodResetAt, wantReset)
	}
}
