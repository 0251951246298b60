package entitle

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Invariant names used as Report keys and repair metric labels.
const (
	// InvariantTierName: every ledger row references a tier present in
	// the catalog, never null/empty.
	InvariantTierName = "tier_name"

	// InvariantPeriodResetAt: every row of a user who has ever made a
	// request carries a reset timestamp.
	InvariantPeriodResetAt = "period_reset_at"

	// InvariantMessagesUsed: the usage counter is never negative.
	InvariantMessagesUsed = "messages_used"
)

// Auditor is the on-demand consistency pass over the usage ledger. For
// each invariant violation it applies a deterministic repair, never a
// deletion, and reports what it corrected. Running it twice in a row
// yields zero corrections on the second pass.
type Auditor struct {
	storage Storage
	catalog *Catalog
	config  Config
}

// Report summarizes one audit pass.
type Report struct {
	// Checked is the number of ledger rows examined.
	Checked int `json:"checked"`

	// Corrected counts applied repairs per invariant.
	Corrected map[string]int `json:"corrected"`
}

// Total returns the total number of corrections in the report.
func (r *Report) Total() int {
	total := 0
	for _, n := range r.Corrected {
		total += n
	}
	return total
}

// NewAuditor creates a consistency auditor over the given storage and
// catalog. Repaired tier references are rewritten to the configured
// default tier.
func NewAuditor(storage Storage, catalog *Catalog, config Config) (*Auditor, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}
	if catalog == nil {
		return nil, errors.New("catalog is required")
	}
	return &Auditor{storage: storage, catalog: catalog, config: config.withDefaults()}, nil
}

// Audit verifies every ledger row against the data-model invariants and
// repairs the violations it finds. Nothing is fixed silently: each
// repair is logged with the user id and counted in the report.
func (a *Auditor) Audit(ctx context.Context) (*Report, error) {
	now, err := a.config.TimeSource.Now(ctx)
	if err != nil {
		return nil, fmt.Errorf("time source: %w", err)
	}

	report := &Report{Corrected: make(map[string]int)}

	// Snapshot first, repair after: iteration must not re-enter
	// storage while the backend may be holding its own locks.
	type pending struct {
		userID string
		rep    Repair
	}
	var repairs []pending

	err = a.storage.ForEachUsage(ctx, func(row *UsageRow) error {
		report.Checked++
		rep, violated, err := a.inspect(ctx, row, now)
		if err != nil {
			return err
		}
		if !rep.Empty() {
			repairs = append(repairs, pending{userID: row.UserID, rep: rep})
			for _, inv := range violated {
				report.Corrected[inv]++
				a.config.Metrics.RecordRepair(inv)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan ledger: %w", err)
	}

	for _, p := range repairs {
		if err := a.storage.RepairUsage(ctx, p.userID, p.rep); err != nil {
			return nil, fmt.Errorf("repair user %s: %w", p.userID, err)
		}
	}

	a.config.Logger.Info("audit complete",
		Field{Key: "checked", Value: report.Checked},
		Field{Key: "corrected", Value: report.Total()},
	)
	return report, nil
}

// inspect returns the repair for one row plus the invariants it
// violates. A clean row yields an empty repair.
func (a *Auditor) inspect(ctx context.Context, row *UsageRow, now time.Time) (Repair, []string, error) {
	var rep Repair
	var violated []string

	if bad, err := a.badTierRef(ctx, row.TierName); err != nil {
		return Repair{}, nil, err
	} else if bad {
		defaultTier := a.config.DefaultTier
		rep.TierName = &defaultTier
		violated = append(violated, InvariantTierName)
		a.config.Logger.Warn("repairing tier reference",
			Field{Key: "user_id", Value: row.UserID},
			Field{Key: "tier", Value: row.TierName},
			Field{Key: "repaired_to", Value: defaultTier},
		)
	}

	if row.PeriodResetAt.IsZero() {
		resetAt, anchor := FirstReset(now)
		rep.PeriodResetAt = &resetAt
		rep.AnchorDay = &anchor
		violated = append(violated, InvariantPeriodResetAt)
		a.config.Logger.Warn("repairing missing reset timestamp",
			Field{Key: "user_id", Value: row.UserID},
		)
	}

	if row.MessagesUsed < 0 {
		rep.ClampNegativeUsed = true
		violated = append(violated, InvariantMessagesUsed)
		a.config.Logger.Warn("clamping negative usage counter",
			Field{Key: "user_id", Value: row.UserID},
			Field{Key: "messages_used", Value: row.MessagesUsed},
		)
	}

	return rep, violated, nil
}

// badTierRef reports whether a tier reference violates referential
// integrity. Catalog errors other than a miss abort the audit rather
// than trigger a spurious rewrite.
func (a *Auditor) badTierRef(ctx context.Context, tierName string) (bool, error) {
	if tierName == "" {
		return true, nil
	}
	_, err := a.catalog.Get(ctx, tierName)
	if errors.Is(err, ErrTierNotFound) {
		return true, nil
	}
	return false, err
}
