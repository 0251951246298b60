package entitle

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Sweeper is the periodic reset process: it finds every ledger row
// whose period has elapsed and has not yet been lazily reset on the
// admission path, and rolls it forward.
//
// The sweep is idempotent and safe at any cadence: each row's reset is
// the same conditional storage operation the Guard uses, so re-running
// after a crash or racing a live admission check cannot double-apply a
// reset or revive a pre-reset counter.
type Sweeper struct {
	storage Storage
	config  Config
}

// SweepResult reports the outcome of one sweep pass.
type SweepResult struct {
	// Scanned is the number of ledger rows examined.
	Scanned int `json:"scanned"`

	// Reset is the number of rows this pass rolled forward.
	Reset int `json:"reset"`

	// Failed is the number of rows whose reset returned an error; they
	// are retried naturally on the next pass.
	Failed int `json:"failed"`
}

// NewSweeper creates a reset sweeper over the given storage.
func NewSweeper(storage Storage, config Config) (*Sweeper, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}
	return &Sweeper{storage: storage, config: config.withDefaults()}, nil
}

// SweepOnce scans the whole ledger and resets every due row, with
// bounded per-row concurrency. Row-level failures are logged and
// counted but do not abort the pass.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepResult, error) {
	start := time.Now()

	now, err := s.config.TimeSource.Now(ctx)
	if err != nil {
		return SweepResult{}, fmt.Errorf("time source: %w", err)
	}

	var result SweepResult
	var due []string
	err = s.storage.ForEachUsage(ctx, func(row *UsageRow) error {
		result.Scanned++
		if row.Stale(now) {
			due = append(due, row.UserID)
		}
		return nil
	})
	if err != nil {
		return result, fmt.Errorf("scan ledger: %w", err)
	}

	var reset, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(s.config.SweepConcurrency)
	for _, userID := range due {
		g.Go(func() error {
			applied, err := s.storage.ResetIfDue(ctx, userID, now)
			if err != nil {
				failed.Add(1)
				s.config.Logger.Error("row reset failed",
					Field{Key: "user_id", Value: userID},
					Field{Key: "error", Value: err.Error()},
				)
				return nil
			}
			if applied {
				reset.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	result.Reset = int(reset.Load())
	result.Failed = int(failed.Load())
	s.config.Metrics.RecordSweep(result.Scanned, result.Reset, time.Since(start))
	s.config.Logger.Info("reset sweep complete",
		Field{Key: "scanned", Value: result.Scanned},
		Field{Key: "reset", Value: result.Reset},
		Field{Key: "failed", Value: result.Failed},
	)
	return result, nil
}

// Run sweeps on the configured interval until ctx is done. A failed
// pass is logged and retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.config.Logger.Error("sweep failed", Field{Key: "error", Value: err.Error()})
			}
		}
	}
}
