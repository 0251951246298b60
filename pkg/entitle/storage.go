package entitle

import (
	"context"
	"time"
)

// Storage defines the interface for quota persistence.
// All methods use concrete types from this package to avoid import cycles.
//
// Per-user mutation (Increment, ResetIfDue) must be atomic at the row
// level: a database conditional update, a transaction, or a lock around
// a read-modify-write, whichever the backend supports. Rows are
// independent; no cross-user coordination is required.
type Storage interface {
	// LoadTier retrieves a tier definition.
	// Returns ErrTierNotFound if the tier does not exist.
	LoadTier(ctx context.Context, name string) (*Tier, error)

	// SaveTier upserts a tier definition. Validation happens in the
	// Catalog before this is called.
	SaveTier(ctx context.Context, tier *Tier) error

	// ListTiers returns all tier definitions.
	ListTiers(ctx context.Context) ([]*Tier, error)

	// LoadUsage retrieves a user's ledger row.
	// Returns ErrUsageNotFound if the user has no row.
	LoadUsage(ctx context.Context, userID string) (*UsageRow, error)

	// CreateUsage creates a ledger row if absent.
	// Returns ErrUsageExists if the row already exists; concurrent
	// first-use races resolve first-writer-wins.
	CreateUsage(ctx context.Context, row *UsageRow) error

	// Increment atomically increments the user's counter by one iff
	// the row is non-stale (PeriodResetAt > now) and under allowance
	// (allowance < 0 means unmetered: no upper bound). Returns the row
	// as observed and whether the increment was applied. A refusal is
	// not an error; the caller inspects the row to tell an exhausted
	// period from a stale one.
	Increment(ctx context.Context, userID string, allowance int, now time.Time) (*UsageRow, bool, error)

	// ResetIfDue zeroes the counter and advances PeriodResetAt by
	// whole calendar periods (see NextReset) iff the period has
	// elapsed. Idempotent: resetting an already-reset row is a no-op.
	// Returns whether a reset was applied by this call.
	ResetIfDue(ctx context.Context, userID string, now time.Time) (bool, error)

	// ForEachUsage invokes fn for every ledger row. Used by the sweep
	// and the auditor. Iteration stops on the first error from fn.
	ForEachUsage(ctx context.Context, fn func(row *UsageRow) error) error

	// RepairUsage applies an auditor repair to a row.
	// Returns ErrUsageNotFound if the row does not exist.
	RepairUsage(ctx context.Context, userID string, rep Repair) error
}

// Repair describes a deterministic correction to a ledger row. Nil
// pointer fields are left untouched.
type Repair struct {
	// TierName rewrites the row's tier reference.
	TierName *string

	// PeriodResetAt rewrites the next reset timestamp.
	PeriodResetAt *time.Time

	// AnchorDay rewrites the billing anniversary day.
	AnchorDay *int

	// ClampNegativeUsed raises a negative counter to zero. A
	// non-negative counter is left as-is.
	ClampNegativeUsed bool
}

// Empty reports whether the repair would change nothing.
func (r Repair) Empty() bool {
	return r.TierName == nil && r.PeriodResetAt == nil && r.AnchorDay == nil && !r.ClampNegativeUsed
}

// TimeSource defines an interface for getting time from the storage
// engine. This ensures consistency in distributed systems by using
// storage engine time instead of application server time, preventing
// clock skew issues.
type TimeSource interface {
	// Now returns the current time. Implementations backed by a
	// storage engine (e.g. Redis TIME) return an error if the engine
	// cannot serve time.
	Now(ctx context.Context) (time.Time, error)
}

// SystemTimeSource is a TimeSource backed by the local system clock.
type SystemTimeSource struct{}

// Now implements TimeSource.
func (SystemTimeSource) Now(context.Context) (time.Time, error) {
	return time.Now().UTC(), nil
}
