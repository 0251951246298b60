// Package postgres provides a PostgreSQL implementation of the
// entitle.Storage interface. Per-row atomicity comes from single
// conditional UPDATEs on the hot path and short SELECT FOR UPDATE
// transactions everywhere else.
//
// Expected schema:
//
//	CREATE TABLE tiers (
//	    name              TEXT PRIMARY KEY,
//	    monthly_allowance INTEGER NOT NULL,
//	    metered           BOOLEAN NOT NULL,
//	    features          JSONB,
//	    updated_at        TIMESTAMPTZ NOT NULL
//	);
//
//	CREATE TABLE usage_ledger (
//	    user_id         TEXT PRIMARY KEY,
//	    tier_name       TEXT NOT NULL,
//	    messages_used   INTEGER NOT NULL DEFAULT 0,
//	    period_reset_at TIMESTAMPTZ NOT NULL,
//	    anchor_day      INTEGER NOT NULL,
//	    updated_at      TIMESTAMPTZ NOT NULL
//	);
//	CREATE INDEX usage_ledger_reset_idx ON usage_ledger (period_reset_at);
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/entitle/pkg/entitle"
)

// Storage implements entitle.Storage using PostgreSQL.
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string.
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL storage adapter.
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Storage{pool: pool, config: config}, nil
}

// Close closes the PostgreSQL connection pool.
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection.
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// TimeSource implements entitle.TimeSource using the database clock, so
// every app server agrees on period boundaries regardless of local
// clock skew.
type TimeSource struct {
	pool *pgxpool.Pool
}

// NewTimeSource creates a TimeSource backed by the storage's pool.
func NewTimeSource(s *Storage) *TimeSource {
	return &TimeSource{pool: s.pool}
}

// Now returns the current database time.
func (t *TimeSource) Now(ctx context.Context) (time.Time, error) {
	var now time.Time
	if err := t.pool.QueryRow(ctx, "SELECT now()").Scan(&now); err != nil {
		return time.Time{}, fmt.Errorf("failed to read database time: %w", err)
	}
	return now.UTC(), nil
}

// LoadTier implements entitle.Storage.
func (s *Storage) LoadTier(ctx context.Context, name string) (*entitle.Tier, error) {
	var tier entitle.Tier
	var featuresJSON []byte

	err := s.pool.QueryRow(ctx,
		`SELECT name, monthly_allowance, metered, features
			FROM tiers WHERE name = $1`,
		name).Scan(&tier.Name, &tier.MonthlyAllowance, &tier.Metered, &featuresJSON)

	if err == pgx.ErrNoRows {
		return nil, entitle.ErrTierNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tier: %w", err)
	}

	if len(featuresJSON) > 0 {
		if err := json.Unmarshal(featuresJSON, &tier.Features); err != nil {
			return nil, fmt.Errorf("failed to decode tier features: %w", err)
		}
	}
	return &tier, nil
}

// SaveTier implements entitle.Storage.
func (s *Storage) SaveTier(ctx context.Context, tier *entitle.Tier) error {
	if tier == nil || tier.Name == "" {
		return fmt.Errorf("invalid tier")
	}

	var featuresVal interface{}
	if len(tier.Features) > 0 {
		featuresJSON, err := json.Marshal(tier.Features)
		if err != nil {
			return fmt.Errorf("failed to encode tier features: %w", err)
		}
		featuresVal = string(featuresJSON)
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO tiers (name, monthly_allowance, metered, features, updated_at)
			VALUES ($1, $2, $3, $4, NOW())
			ON CONFLICT (name) DO UPDATE SET
				monthly_allowance = EXCLUDED.monthly_allowance,
				metered = EXCLUDED.metered,
				features = EXCLUDED.features,
				updated_at = EXCLUDED.updated_at`,
		tier.Name, tier.MonthlyAllowance, tier.Metered, featuresVal)
	if err != nil {
		return fmt.Errorf("failed to save tier: %w", err)
	}
	return nil
}

// ListTiers implements entitle.Storage.
func (s *Storage) ListTiers(ctx context.Context) ([]*entitle.Tier, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT name, monthly_allowance, metered, features FROM tiers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tiers: %w", err)
	}
	defer rows.Close()

	var tiers []*entitle.Tier
	for rows.Next() {
		var tier entitle.Tier
		var featuresJSON []byte
		if err := rows.Scan(&tier.Name, &tier.MonthlyAllowance, &tier.Metered, &featuresJSON); err != nil {
			return nil, fmt.Errorf("failed to scan tier: %w", err)
		}
		if len(featuresJSON) > 0 {
			if err := json.Unmarshal(featuresJSON, &tier.Features); err != nil {
				return nil, fmt.Errorf("failed to decode tier features: %w", err)
			}
		}
		tiers = append(tiers, &tier)
	}
	return tiers, rows.Err()
}

// LoadUsage implements entitle.Storage.
func (s *Storage) LoadUsage(ctx context.Context, userID string) (*entitle.UsageRow, error) {
	var row entitle.UsageRow

	err := s.pool.QueryRow(ctx,
		`SELECT user_id, tier_name, messages_used, period_reset_at, anchor_day, updated_at
			FROM usage_ledger WHERE user_id = $1`,
		userID).Scan(&row.UserID, &row.TierName, &row.MessagesUsed,
		&row.PeriodResetAt, &row.AnchorDay, &row.UpdatedAt)

	if err == pgx.ErrNoRows {
		return nil, entitle.ErrUsageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load usage: %w", err)
	}
	return &row, nil
}

// CreateUsage implements entitle.Storage. Concurrent first-use races
// resolve first-writer-wins via ON CONFLICT DO NOTHING.
func (s *Storage) CreateUsage(ctx context.Context, row *entitle.UsageRow) error {
	if row == nil || row.UserID == "" {
		return fmt.Errorf("invalid usage row")
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO usage_ledger
				(user_id, tier_name, messages_used, period_reset_at, anchor_day, updated_at)
			VALUES ($1, $2, $3, $4, $5, NOW())
			ON CONFLICT (user_id) DO NOTHING`,
		row.UserID, row.TierName, row.MessagesUsed, row.PeriodResetAt, row.AnchorDay)
	if err != nil {
		return fmt.Errorf("failed to create usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return entitle.ErrUsageExists
	}
	return nil
}

// Increment implements entitle.Storage as a single conditional UPDATE:
// the predicate (non-stale period, under allowance) and the increment
// commit atomically or not at all, so concurrent calls cannot
// over-grant.
func (s *Storage) Increment(
	ctx context.Context, userID string, allowance int, now time.Time,
) (*entitle.UsageRow, bool, error) {
	var row entitle.UsageRow

	err := s.pool.QueryRow(ctx,
		`UPDATE usage_ledger
			SET messages_used = messages_used + 1, updated_at = NOW()
			WHERE user_id = $1
				AND period_reset_at > $2
				AND ($3 < 0 OR messages_used < $3)
			RETURNING user_id, tier_name, messages_used, period_reset_at, anchor_day, updated_at`,
		userID, now, allowance).Scan(&row.UserID, &row.TierName, &row.MessagesUsed,
		&row.PeriodResetAt, &row.AnchorDay, &row.UpdatedAt)

	if err == nil {
		return &row, true, nil
	}
	if err != pgx.ErrNoRows {
		return nil, false, fmt.Errorf("failed to increment usage: %w", err)
	}

	// Refused: re-read so the caller can tell exhausted from stale
	// (or from a missing row).
	current, err := s.LoadUsage(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

// ResetIfDue implements entitle.Storage. The row is locked for the
// duration of the read-compute-write so a racing sweep or lazy reset
// observes either the old period or the fully advanced one.
func (s *Storage) ResetIfDue(ctx context.Context, userID string, now time.Time) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var resetAt time.Time
	var anchorDay int
	err = tx.QueryRow(ctx,
		`SELECT period_reset_at, anchor_day FROM usage_ledger
			WHERE user_id = $1 FOR UPDATE`,
		userID).Scan(&resetAt, &anchorDay)
	if err == pgx.ErrNoRows {
		return false, entitle.ErrUsageNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to lock usage row: %w", err)
	}

	if resetAt.After(now) {
		// Already reset by a racing writer; nothing to do.
		return false, tx.Commit(ctx)
	}

	next := entitle.NextReset(resetAt, anchorDay, now)
	_, err = tx.Exec(ctx,
		`UPDATE usage_ledger
			SET messages_used = 0, period_reset_at = $1, updated_at = NOW()
			WHERE user_id = $2`,
		next, userID)
	if err != nil {
		return false, fmt.Errorf("failed to reset usage: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit: %w", err)
	}
	return true, nil
}

// ForEachUsage implements entitle.Storage.
func (s *Storage) ForEachUsage(ctx context.Context, fn func(row *entitle.UsageRow) error) error {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, tier_name, messages_used, period_reset_at, anchor_day, updated_at
			FROM usage_ledger ORDER BY user_id`)
	if err != nil {
		return fmt.Errorf("failed to query usage ledger: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var row entitle.UsageRow
		if err := rows.Scan(&row.UserID, &row.TierName, &row.MessagesUsed,
			&row.PeriodResetAt, &row.AnchorDay, &row.UpdatedAt); err != nil {
			return fmt.Errorf("failed to scan usage row: %w", err)
		}
		if err := fn(&row); err != nil {
			return err
		}
	}
	return rows.Err()
}

// RepairUsage implements entitle.Storage.
func (s *Storage) RepairUsage(ctx context.Context, userID string, rep entitle.Repair) error {
	if rep.Empty() {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var row entitle.UsageRow
	err = tx.QueryRow(ctx,
		`SELECT tier_name, messages_used, period_reset_at, anchor_day
			FROM usage_ledger WHERE user_id = $1 FOR UPDATE`,
		userID).Scan(&row.TierName, &row.MessagesUsed, &row.PeriodResetAt, &row.AnchorDay)
	if err == pgx.ErrNoRows {
		return entitle.ErrUsageNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock usage row: %w", err)
	}

	if rep.TierName != nil {
		row.TierName = *rep.TierName
	}
	if rep.PeriodResetAt != nil {
		row.PeriodResetAt = *rep.PeriodResetAt
	}
	if rep.AnchorDay != nil {
		row.AnchorDay = *rep.AnchorDay
	}
	if rep.ClampNegativeUsed && row.MessagesUsed < 0 {
		row.MessagesUsed = 0
	}

	_, err = tx.Exec(ctx,
		`UPDATE usage_ledger
			SET tier_name = $1, messages_used = $2, period_reset_at = $3,
				anchor_day = $4, updated_at = NOW()
			WHERE user_id = $5`,
		row.TierName, row.MessagesUsed, row.PeriodResetAt, row.AnchorDay, userID)
	if err != nil {
		return fmt.Errorf("failed to repair usage: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}
