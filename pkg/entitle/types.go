package entitle

import (
	"time"
)

// UnlimitedAllowance is the wire sentinel storage adapters use for
// unmetered tiers. The Tier type itself never carries it; Metered is
// the authoritative flag.
const UnlimitedAllowance = -1

// DefaultTierName is used when no default tier is configured.
// It is the lowest free tier in the standard catalog.
const DefaultTierName = "freemium"

// Tier defines a subscription level and its monthly message allowance.
type Tier struct {
	// Name is the unique tier identifier (e.g. "freemium", "pro").
	Name string

	// MonthlyAllowance is the number of messages a metered tier may
	// consume per billing period. Must be >= 0. Ignored for unmetered
	// tiers.
	MonthlyAllowance int

	// Metered is false for unlimited tiers. Unmetered tiers always
	// admit; their usage counter is still tracked for analytics.
	Metered bool

	// Features holds optional per-tier feature flags.
	Features map[string]bool
}

// allowance returns the effective allowance for admission checks,
// using the wire sentinel for unmetered tiers.
func (t *Tier) allowance() int {
	if !t.Metered {
		return UnlimitedAllowance
	}
	return t.MonthlyAllowance
}

// UsageRow is the per-user ledger entry: current tier, messages
// consumed this period, and when the next reset is due.
type UsageRow struct {
	UserID string

	// TierName must resolve in the tier catalog. Tier changes mutate
	// it in place; a row is never recreated for a tier change.
	TierName string

	// MessagesUsed is non-negative and non-decreasing within a period.
	MessagesUsed int

	// PeriodResetAt is the moment the NEXT reset is due, i.e. the end
	// of the current billing period.
	PeriodResetAt time.Time

	// AnchorDay is the billing anniversary day-of-month, preserved
	// across short months (a Jan 31 signup resets Feb 28, then Mar 31).
	AnchorDay int

	UpdatedAt time.Time
}

// Stale reports whether the row's period has elapsed and the counter
// must be treated as reset before any admission decision.
func (r *UsageRow) Stale(now time.Time) bool {
	return !now.Before(r.PeriodResetAt)
}

// Decision is the result of a single admission check. It is owned by
// the caller for the duration of one request and never persisted.
type Decision struct {
	// Allowed reports whether the action is permitted.
	Allowed bool

	// Unlimited is true for unmetered tiers; Remaining is meaningless
	// when set.
	Unlimited bool

	// Remaining is the allowance left in the current period after this
	// check.
	Remaining int

	// ResetAt is when the current period ends.
	ResetAt time.Time
}

// Config holds configuration shared by the engine components.
type Config struct {
	// DefaultTier is assigned to ledger rows created lazily on first
	// use, and is the repair target for rows referencing unknown tiers
	// (default: "freemium").
	DefaultTier string

	// CatalogCacheTTL bounds how long a tier definition may be served
	// from the catalog's read cache (default: 1 minute).
	CatalogCacheTTL time.Duration

	// SweepInterval is the cadence of the background reset sweep
	// (default: 1 hour).
	SweepInterval time.Duration

	// SweepConcurrency bounds how many per-row resets a sweep runs in
	// parallel (default: 8).
	SweepConcurrency int

	// Logger is used for structured logging (default: NoopLogger).
	Logger Logger

	// Metrics is used for tracking engine operations (default: NoopMetrics).
	Metrics Metrics

	// TimeSource supplies the current time, preferably from the storage
	// engine to avoid clock skew (default: system clock).
	TimeSource TimeSource
}

// withDefaults returns a copy of the config with zero values filled in.
func (c Config) withDefaults() Config {
	if c.DefaultTier == "" {
		c.DefaultTier = DefaultTierName
	}
	if c.CatalogCacheTTL == 0 {
		c.CatalogCacheTTL = time.Minute
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = time.Hour
	}
	if c.SweepConcurrency <= 0 {
		c.SweepConcurrency = 8
	}
	if c.Logger == nil {
		c.Logger = &NoopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
	if c.TimeSource == nil {
		c.TimeSource = SystemTimeSource{}
	}
	return c
}
