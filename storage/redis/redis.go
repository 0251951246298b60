// Package redis provides a Redis implementation of the entitle.Storage
// interface. Per-row atomicity comes from Lua scripts: the conditional
// increment runs entirely server-side, and resets use compare-and-swap
// on the stored reset timestamp.
//
// Ledger rows are hashes keyed by user id; timestamps are stored as
// unix seconds (sub-second precision is not preserved).
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/entitle/pkg/entitle"
)

// Storage implements entitle.Storage using Redis.
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration.
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "entitle:").
	KeyPrefix string

	// MaxRetries bounds the CAS retry loop for resets (default: 3).
	MaxRetries int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		KeyPrefix:  "entitle:",
		MaxRetries: 3,
	}
}

// New creates a new Redis storage adapter.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring.
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "entitle:"
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()
	return s, nil
}

// loadScripts loads and compiles Lua scripts for atomic operations.
func (s *Storage) loadScripts() {
	// Conditional increment: charge one message iff the period is
	// current and the counter is under allowance (-1 = unmetered).
	s.scripts["increment"] = redis.NewScript(`
		if redis.call('EXISTS', KEYS[1]) == 0 then
			return {'missing', 0, 0, 0, ''}
		end

		local now = tonumber(ARGV[1])
		local allowance = tonumber(ARGV[2])
		local used = tonumber(redis.call('HGET', KEYS[1], 'messages_used') or '0')
		local reset = tonumber(redis.call('HGET', KEYS[1], 'period_reset_at') or '0')
		local anchor = tonumber(redis.call('HGET', KEYS[1], 'anchor_day') or '0')
		local tier = redis.call('HGET', KEYS[1], 'tier_name') or ''

		if reset <= now then
			return {'stale', used, reset, anchor, tier}
		end
		if allowance >= 0 and used >= allowance then
			return {'refused', used, reset, anchor, tier}
		end

		used = redis.call('HINCRBY', KEYS[1], 'messages_used', 1)
		redis.call('HSET', KEYS[1], 'updated_at', ARGV[1])
		return {'ok', used, reset, anchor, tier}
	`)

	// CAS reset: apply the precomputed next reset only if the stored
	// timestamp is still the one the caller observed.
	s.scripts["reset"] = redis.NewScript(`
		local cur = redis.call('HGET', KEYS[1], 'period_reset_at')
		if not cur or tonumber(cur) ~= tonumber(ARGV[1]) then
			return 0
		end
		redis.call('HSET', KEYS[1],
			'messages_used', 0,
			'period_reset_at', ARGV[2],
			'updated_at', ARGV[3])
		return 1
	`)

	// Create-if-absent.
	s.scripts["create"] = redis.NewScript(`
		if redis.call('EXISTS', KEYS[1]) == 1 then
			return 0
		end
		redis.call('HSET', KEYS[1],
			'tier_name', ARGV[1],
			'messages_used', ARGV[2],
			'period_reset_at', ARGV[3],
			'anchor_day', ARGV[4],
			'updated_at', ARGV[5])
		return 1
	`)

	// Auditor repair: rewrite the provided fields and clamp a negative
	// counter, all in one round trip.
	s.scripts["repair"] = redis.NewScript(`
		if redis.call('EXISTS', KEYS[1]) == 0 then
			return 0
		end
		if ARGV[1] ~= '' then
			redis.call('HSET', KEYS[1], 'tier_name', ARGV[1])
		end
		if ARGV[2] ~= '' then
			redis.call('HSET', KEYS[1], 'period_reset_at', ARGV[2])
		end
		if ARGV[3] ~= '' then
			redis.call('HSET', KEYS[1], 'anchor_day', ARGV[3])
		end
		if ARGV[4] == '1' then
			local used = tonumber(redis.call('HGET', KEYS[1], 'messages_used') or '0')
			if used < 0 then
				redis.call('HSET', KEYS[1], 'messages_used', 0)
			end
		end
		redis.call('HSET', KEYS[1], 'updated_at', ARGV[5])
		return 1
	`)
}

func (s *Storage) tierKey(name string) string {
	return s.config.KeyPrefix + "tier:" + name
}

func (s *Storage) usageKey(userID string) string {
	return s.config.KeyPrefix + "usage:" + userID
}

// LoadTier implements entitle.Storage.
func (s *Storage) LoadTier(ctx context.Context, name string) (*entitle.Tier, error) {
	data, err := s.client.Get(ctx, s.tierKey(name)).Result()
	if err == redis.Nil {
		return nil, entitle.ErrTierNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tier: %w", err)
	}

	var tier entitle.Tier
	if err := json.Unmarshal([]byte(data), &tier); err != nil {
		return nil, fmt.Errorf("failed to decode tier: %w", err)
	}
	return &tier, nil
}

// SaveTier implements entitle.Storage.
func (s *Storage) SaveTier(ctx context.Context, tier *entitle.Tier) error {
	if tier == nil || tier.Name == "" {
		return fmt.Errorf("invalid tier")
	}

	data, err := json.Marshal(tier)
	if err != nil {
		return fmt.Errorf("failed to encode tier: %w", err)
	}
	if err := s.client.Set(ctx, s.tierKey(tier.Name), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save tier: %w", err)
	}
	return nil
}

// ListTiers implements entitle.Storage.
func (s *Storage) ListTiers(ctx context.Context) ([]*entitle.Tier, error) {
	var tiers []*entitle.Tier
	iter := s.client.Scan(ctx, 0, s.tierKey("*"), 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Result()
		if err == redis.Nil {
			continue // deleted between scan and get
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load tier: %w", err)
		}
		var tier entitle.Tier
		if err := json.Unmarshal([]byte(data), &tier); err != nil {
			return nil, fmt.Errorf("failed to decode tier: %w", err)
		}
		tiers = append(tiers, &tier)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan tiers: %w", err)
	}
	return tiers, nil
}

// LoadUsage implements entitle.Storage.
func (s *Storage) LoadUsage(ctx context.Context, userID string) (*entitle.UsageRow, error) {
	data, err := s.client.HGetAll(ctx, s.usageKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load usage: %w", err)
	}
	if len(data) == 0 {
		return nil, entitle.ErrUsageNotFound
	}
	return rowFromHash(userID, data)
}

// CreateUsage implements entitle.Storage.
func (s *Storage) CreateUsage(ctx context.Context, row *entitle.UsageRow) error {
	if row == nil || row.UserID == "" {
		return fmt.Errorf("invalid usage row")
	}

	created, err := s.scripts["create"].Run(ctx, s.client,
		[]string{s.usageKey(row.UserID)},
		row.TierName,
		row.MessagesUsed,
		row.PeriodResetAt.UTC().Unix(),
		row.AnchorDay,
		row.UpdatedAt.UTC().Unix(),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to create usage: %w", err)
	}
	if created == 0 {
		return entitle.ErrUsageExists
	}
	return nil
}

// Increment implements entitle.Storage.
func (s *Storage) Increment(
	ctx context.Context, userID string, allowance int, now time.Time,
) (*entitle.UsageRow, bool, error) {
	res, err := s.scripts["increment"].Run(ctx, s.client,
		[]string{s.usageKey(userID)},
		now.UTC().Unix(),
		allowance,
	).Slice()
	if err != nil {
		return nil, false, fmt.Errorf("failed to increment usage: %w", err)
	}
	if len(res) != 5 {
		return nil, false, fmt.Errorf("unexpected increment reply: %v", res)
	}

	status, _ := res[0].(string)
	if status == "missing" {
		return nil, false, entitle.ErrUsageNotFound
	}

	row := &entitle.UsageRow{
		UserID:        userID,
		MessagesUsed:  int(toInt64(res[1])),
		PeriodResetAt: time.Unix(toInt64(res[2]), 0).UTC(),
		AnchorDay:     int(toInt64(res[3])),
		UpdatedAt:     now.UTC(),
	}
	row.TierName, _ = res[4].(string)
	return row, status == "ok", nil
}

// ResetIfDue implements entitle.Storage. The read-compute-CAS loop
// retries when a racing writer advanced the timestamp first; the loser
// observes a fresh period and backs off.
func (s *Storage) ResetIfDue(ctx context.Context, userID string, now time.Time) (bool, error) {
	key := s.usageKey(userID)

	for attempt := 0; attempt < s.config.MaxRetries; attempt++ {
		vals, err := s.client.HMGet(ctx, key, "period_reset_at", "anchor_day").Result()
		if err != nil {
			return false, fmt.Errorf("failed to read usage: %w", err)
		}
		if vals[0] == nil {
			return false, entitle.ErrUsageNotFound
		}

		resetUnix := parseInt64(vals[0])
		anchorDay := int(parseInt64(vals[1]))
		resetAt := time.Unix(resetUnix, 0).UTC()
		if resetAt.After(now) {
			return false, nil
		}

		next := entitle.NextReset(resetAt, anchorDay, now)
		applied, err := s.scripts["reset"].Run(ctx, s.client,
			[]string{key},
			resetUnix,
			next.UTC().Unix(),
			now.UTC().Unix(),
		).Int()
		if err != nil {
			return false, fmt.Errorf("failed to reset usage: %w", err)
		}
		if applied == 1 {
			return true, nil
		}
		// CAS lost; re-read and re-evaluate.
	}
	return false, nil
}

// ForEachUsage implements entitle.Storage.
func (s *Storage) ForEachUsage(ctx context.Context, fn func(row *entitle.UsageRow) error) error {
	prefix := s.config.KeyPrefix + "usage:"
	iter := s.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("failed to load usage: %w", err)
		}
		if len(data) == 0 {
			continue // deleted between scan and get
		}
		row, err := rowFromHash(strings.TrimPrefix(key, prefix), data)
		if err != nil {
			return err
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan usage ledger: %w", err)
	}
	return nil
}

// RepairUsage implements entitle.Storage.
func (s *Storage) RepairUsage(ctx context.Context, userID string, rep entitle.Repair) error {
	if rep.Empty() {
		return nil
	}

	tierArg := ""
	if rep.TierName != nil {
		tierArg = *rep.TierName
	}
	resetArg := ""
	if rep.PeriodResetAt != nil {
		resetArg = strconv.FormatInt(rep.PeriodResetAt.UTC().Unix(), 10)
	}
	anchorArg := ""
	if rep.AnchorDay != nil {
		anchorArg = strconv.Itoa(*rep.AnchorDay)
	}
	clampArg := "0"
	if rep.ClampNegativeUsed {
		clampArg = "1"
	}

	repaired, err := s.scripts["repair"].Run(ctx, s.client,
		[]string{s.usageKey(userID)},
		tierArg, resetArg, anchorArg, clampArg,
		time.Now().UTC().Unix(),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to repair usage: %w", err)
	}
	if repaired == 0 {
		return entitle.ErrUsageNotFound
	}
	return nil
}

// Ping checks the Redis connection.
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// TimeSource implements entitle.TimeSource using the Redis server
// clock, so every app server agrees on period boundaries.
type TimeSource struct {
	client redis.UniversalClient
}

// NewTimeSource creates a TimeSource backed by the storage's client.
func NewTimeSource(s *Storage) *TimeSource {
	return &TimeSource{client: s.client}
}

// Now returns the current Redis server time.
func (t *TimeSource) Now(ctx context.Context) (time.Time, error) {
	now, err := t.client.Time(ctx).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read server time: %w", err)
	}
	return now.UTC(), nil
}

func rowFromHash(userID string, data map[string]string) (*entitle.UsageRow, error) {
	used, err := strconv.Atoi(data["messages_used"])
	if err != nil {
		return nil, fmt.Errorf("corrupt messages_used for %s: %w", userID, err)
	}
	resetUnix, err := strconv.ParseInt(data["period_reset_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt period_reset_at for %s: %w", userID, err)
	}
	anchorDay, _ := strconv.Atoi(data["anchor_day"])
	updatedUnix, _ := strconv.ParseInt(data["updated_at"], 10, 64)

	return &entitle.UsageRow{
		UserID:        userID,
		TierName:      data["tier_name"],
		MessagesUsed:  used,
		PeriodResetAt: time.Unix(resetUnix, 0).UTC(),
		AnchorDay:     anchorDay,
		UpdatedAt:     time.Unix(updatedUnix, 0).UTC(),
	}, nil
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		parsed, _ := strconv.ParseInt(n, 10, 64)
		return parsed
	default:
		return 0
	}
}

func parseInt64(v interface{}) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	parsed, _ := strconv.ParseInt(s, 10, 64)
	return parsed
}
