package entitle

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Guard is the admission-control component: given a user, it decides
// allow/deny against the user's current quota and, on allow, atomically
// charges one message.
//
// The decision is always computed against a non-stale period: a row
// whose PeriodResetAt has passed is reset (idempotently, via the same
// conditional storage operation the sweeper uses) before evaluation, so
// a request arriving one second after a period boundary is never
// charged against the prior period's exhausted counter.
type Guard struct {
	storage Storage
	catalog *Catalog
	config  Config
}

// incrementAttempts bounds the retry loop when an increment is refused
// because the row went stale between the load and the conditional
// update. One reset-and-retry is sufficient; the extra attempt covers a
// sweep landing in between.
const incrementAttempts = 3

// NewGuard creates an admission guard over the given storage and catalog.
func NewGuard(storage Storage, catalog *Catalog, config Config) (*Guard, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}
	if catalog == nil {
		return nil, errors.New("catalog is required")
	}
	return &Guard{
		storage: storage,
		catalog: catalog,
		config:  config.withDefaults(),
	}, nil
}

// CheckAndConsume decides whether userID may send one message and, on
// allow, atomically increments the user's counter. A first-time user
// gets a ledger row created lazily on the default tier.
//
// Denials are not errors: a Decision with Allowed=false and a nil error
// means the quota is exhausted (or the allowance is zero). An unknown
// tier reference denies and returns ErrUnknownTier; storage failures
// return the error untouched for the caller's retry policy.
func (g *Guard) CheckAndConsume(ctx context.Context, userID string) (Decision, error) {
	start := time.Now()
	decision, tierName, err := g.checkAndConsume(ctx, userID)
	g.config.Metrics.RecordAdmission(tierName, decision.Allowed, time.Since(start))
	return decision, err
}

func (g *Guard) checkAndConsume(ctx context.Context, userID string) (Decision, string, error) {
	now, err := g.config.TimeSource.Now(ctx)
	if err != nil {
		return Decision{}, "", fmt.Errorf("time source: %w", err)
	}

	row, err := g.loadOrCreate(ctx, userID, now)
	if err != nil {
		return Decision{}, "", err
	}

	if row.Stale(now) {
		if _, err := g.resetIfDue(ctx, userID, now); err != nil {
			return Decision{}, row.TierName, err
		}
	}

	tier, err := g.resolveTier(ctx, userID, row.TierName)
	if err != nil {
		return Decision{Allowed: false, ResetAt: row.PeriodResetAt}, row.TierName, err
	}

	allowance := tier.allowance()
	for attempt := 0; attempt < incrementAttempts; attempt++ {
		opStart := time.Now()
		updated, ok, err := g.storage.Increment(ctx, userID, allowance, now)
		g.config.Metrics.RecordStorageOperation("increment", time.Since(opStart), err)
		if err != nil {
			return Decision{}, tier.Name, err
		}
		if ok {
			return decisionFor(tier, updated, true), tier.Name, nil
		}
		if updated.Stale(now) {
			// Lost a race with the period boundary: reset and retry.
			if _, err := g.resetIfDue(ctx, userID, now); err != nil {
				return Decision{}, tier.Name, err
			}
			continue
		}
		// Exhausted (or zero allowance): deny without incrementing.
		return decisionFor(tier, updated, false), tier.Name, nil
	}

	// The boundary kept moving under us; deny closed rather than
	// over-grant.
	g.config.Logger.Warn("admission retries exhausted", Field{Key: "user_id", Value: userID})
	return Decision{Allowed: false, ResetAt: row.PeriodResetAt}, tier.Name, nil
}

// Peek computes the admission decision for userID without consuming
// quota or mutating any state. A user with no ledger row is evaluated
// as a fresh default-tier account; the row is not created.
func (g *Guard) Peek(ctx context.Context, userID string) (Decision, error) {
	now, err := g.config.TimeSource.Now(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("time source: %w", err)
	}

	row, err := g.storage.LoadUsage(ctx, userID)
	if errors.Is(err, ErrUsageNotFound) {
		resetAt, anchor := FirstReset(now)
		row = &UsageRow{
			UserID:        userID,
			TierName:      g.config.DefaultTier,
			PeriodResetAt: resetAt,
			AnchorDay:     anchor,
		}
	} else if err != nil {
		return Decision{}, err
	}

	tier, err := g.resolveTier(ctx, userID, row.TierName)
	if err != nil {
		return Decision{Allowed: false, ResetAt: row.PeriodResetAt}, err
	}

	// Evaluate a stale row as if it had been reset; the actual reset is
	// left to the next consuming check or the sweeper.
	used := row.MessagesUsed
	resetAt := row.PeriodResetAt
	if row.Stale(now) {
		used = 0
		resetAt = NextReset(row.PeriodResetAt, row.AnchorDay, now)
	}

	if !tier.Metered {
		return Decision{Allowed: true, Unlimited: true, ResetAt: resetAt}, nil
	}
	remaining := tier.MonthlyAllowance - used
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: remaining > 0, Remaining: remaining, ResetAt: resetAt}, nil
}

// DefaultTier returns the tier assigned to first-time users.
func (g *Guard) DefaultTier() string {
	return g.config.DefaultTier
}

// Usage returns the user's raw ledger row without mutating any state.
// Returns ErrUsageNotFound for a user who has never consumed.
func (g *Guard) Usage(ctx context.Context, userID string) (*UsageRow, error) {
	return g.storage.LoadUsage(ctx, userID)
}

// SetTier changes the user's tier in place, creating the ledger row if
// the user has none yet. The usage counter and period boundary are left
// untouched; only future admission checks see the new allowance.
func (g *Guard) SetTier(ctx context.Context, userID, tierName string) error {
	if _, err := g.catalog.Get(ctx, tierName); err != nil {
		if errors.Is(err, ErrTierNotFound) {
			return fmt.Errorf("tier %q: %w", tierName, ErrUnknownTier)
		}
		return err
	}

	now, err := g.config.TimeSource.Now(ctx)
	if err != nil {
		return fmt.Errorf("time source: %w", err)
	}

	err = g.storage.RepairUsage(ctx, userID, Repair{TierName: &tierName})
	if errors.Is(err, ErrUsageNotFound) {
		row := g.freshRow(userID, now)
		row.TierName = tierName
		if err := g.storage.CreateUsage(ctx, row); err != nil && !errors.Is(err, ErrUsageExists) {
			return err
		}
		// Lost the creation race: the winner has the recorded tier;
		// apply the change on top of it.
		if errors.Is(err, ErrUsageExists) {
			return g.storage.RepairUsage(ctx, userID, Repair{TierName: &tierName})
		}
		return nil
	}
	return err
}

// loadOrCreate resolves the user's ledger row, creating it with a fresh
// period on first use.
func (g *Guard) loadOrCreate(ctx context.Context, userID string, now time.Time) (*UsageRow, error) {
	opStart := time.Now()
	row, err := g.storage.LoadUsage(ctx, userID)
	g.config.Metrics.RecordStorageOperation("load_usage", time.Since(opStart), err)
	if err == nil {
		return row, nil
	}
	if !errors.Is(err, ErrUsageNotFound) {
		return nil, err
	}

	row = g.freshRow(userID, now)
	err = g.storage.CreateUsage(ctx, row)
	if errors.Is(err, ErrUsageExists) {
		// Concurrent first use; the winner's row is authoritative.
		return g.storage.LoadUsage(ctx, userID)
	}
	if err != nil {
		return nil, err
	}
	g.config.Logger.Debug("usage row created",
		Field{Key: "user_id", Value: userID},
		Field{Key: "tier", Value: row.TierName},
	)
	return row, nil
}

func (g *Guard) freshRow(userID string, now time.Time) *UsageRow {
	resetAt, anchor := FirstReset(now)
	return &UsageRow{
		UserID:        userID,
		TierName:      g.config.DefaultTier,
		MessagesUsed:  0,
		PeriodResetAt: resetAt,
		AnchorDay:     anchor,
		UpdatedAt:     now,
	}
}

func (g *Guard) resetIfDue(ctx context.Context, userID string, now time.Time) (bool, error) {
	opStart := time.Now()
	applied, err := g.storage.ResetIfDue(ctx, userID, now)
	g.config.Metrics.RecordStorageOperation("reset_if_due", time.Since(opStart), err)
	return applied, err
}

// resolveTier maps a catalog miss to an integrity fault on the
// admission path: deny closed, log, count.
func (g *Guard) resolveTier(ctx context.Context, userID, tierName string) (*Tier, error) {
	tier, err := g.catalog.Get(ctx, tierName)
	if err == nil {
		return tier, nil
	}
	if errors.Is(err, ErrTierNotFound) {
		g.config.Metrics.RecordIntegrityFault("unknown_tier")
		g.config.Logger.Error("ledger row references unknown tier",
			Field{Key: "user_id", Value: userID},
			Field{Key: "tier", Value: tierName},
		)
		return nil, fmt.Errorf("user %s tier %q: %w", userID, tierName, ErrUnknownTier)
	}
	return nil, err
}

func decisionFor(tier *Tier, row *UsageRow, allowed bool) Decision {
	if !tier.Metered {
		return Decision{Allowed: allowed, Unlimited: true, ResetAt: row.PeriodResetAt}
	}
	remaining := tier.MonthlyAllowance - row.MessagesUsed
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: allowed, Remaining: remaining, ResetAt: row.PeriodResetAt}
}
