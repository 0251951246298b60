package entitle_test

import (
	"context"
	"testing"
	"time"

	"github.com/mihaimyh/entitle/pkg/entitle"
)

func TestSweepResetsOnlyDueRows(t *testing.T) {
	h := newTestHarness(t, testStart)
	ctx := context.Background()

	h.consume(t, "due1", 5)
	h.consume(t, "due2", 3)
	h.consume(t, "fresh", 2)

	// Backdate two rows so their periods have elapsed.
	past := testStart.AddDate(0, 0, -1)
	for _, userID := range []string{"due1", "due2"} {
		if err := h.storage.RepairUsage(ctx, userID, entitle.Repair{PeriodResetAt: &past}); err != nil {
			t.Fatalf("RepairUsage failed: %v", err)
		}
	}

	result, err := h.sweeper.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("SweepOnce failed: %v", err)
	}
	if result.Scanned != 3 {
		t.Errorf("Scanned = %d, want 3", result.Scanned)
	}
	if result.Reset != 2 {
		t.Errorf("Reset = %d, want 2", result.Reset)
	}
	if result.Failed != 0 {
		t.Errorf("Failed = %d, want 0", result.Failed)
	}

	for _, userID := range []string{"due1", "due2"} {
		row, err := h.guard.Usage(ctx, userID)
		if err != nil {
			t.Fatalf("Usage(%s) failed: %v", userID, err)
		}
		if row.MessagesUsed != 0 {
			t.Errorf("%s: MessagesUsed = %d, want 0", userID, row.MessagesUsed)
		}
		if !row.PeriodResetAt.After(testStart) {
			t.Errorf("%s: PeriodResetAt = %v, want after %v", userID, row.PeriodResetAt, testStart)
		}
	}

	row, _ := h.guard.Usage(ctx, "fresh")
	if row.MessagesUsed != 2 {
		t.Errorf("fresh row was reset: MessagesUsed = %d, want 2", row.MessagesUsed)
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	h := newTestHarness(t, testStart)
	ctx := context.Background()

	h.consume(t, "user1", 5)
	h.clock.Set(time.Date(2026, time.February, 16, 12, 0, 0, 0, time.UTC))

	first, err := h.sweeper.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("first sweep failed: %v", err)
	}
	if first.Reset != 1 {
		t.Fatalf("first sweep Reset = %d, want 1", first.Reset)
	}
	boundary, _ := h.guard.Usage(ctx, "user1")

	second, err := h.sweeper.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("second sweep failed: %v", err)
	}
	if second.Reset != 0 {
		t.Errorf("second sweep Reset = %d, want 0", second.Reset)
	}

	after, _ := h.guard.Usage(ctx, "user1")
	if !after.PeriodResetAt.Equal(boundary.PeriodResetAt) {
		t.Errorf("second sweep moved the boundary: %v -> %v",
			boundary.PeriodResetAt, after.PeriodResetAt)
	}
}

// A sweep that runs late still lands the boundary on the calendar
// schedule, not at sweep time.
func TestSweepBoundaryStaysCalendarAligned(t *testing.T) {
	h := newTestHarness(t, testStart)
	ctx := context.Background()

	h.consume(t, "user1", 1)

	// Three missed periods, sweep arrives mid-April.
	h.clock.Set(time.Date(2026, time.April, 20, 9, 0, 0, 0, time.UTC))

	if _, err := h.sweeper.SweepOnce(ctx); err != nil {
		t.Fatalf("SweepOnce failed: %v", err)
	}

	row, _ := h.guard.Usage(ctx, "user1")
	want := time.Date(2026, time.May, 15, 12, 0, 0, 0, time.UTC)
	if !row.PeriodResetAt.Equal(want) {
		t.Errorf("PeriodResetAt = %v, want %v", row.PeriodResetAt, want)
	}
}

func TestSweepEmptyLedger(t *testing.T) {
	h := newTestHarness(t, testStart)

	result, err := h.sweeper.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("SweepOnce failed: %v", err)
	}
	if result.Scanned != 0 || result.Reset != 0 || result.Failed != 0 {
		t.Errorf("result = %+v, want all zero", result)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	h := newTestHarness(t, testStart)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- h.sweeper.Run(ctx)
	}()

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}
