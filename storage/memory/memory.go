// Package memory provides an in-memory implementation of the
// entitle.Storage interface. This implementation is primarily intended
// for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mihaimyh/entitle/pkg/entitle"
)

// Storage implements entitle.Storage using in-memory maps. All row
// mutations happen under the store lock, which makes Increment and
// ResetIfDue atomic per row.
type Storage struct {
	mu    sync.Mutex
	tiers map[string]*entitle.Tier
	usage map[string]*entitle.UsageRow
}

// New creates a new in-memory storage adapter.
func New() *Storage {
	return &Storage{
		tiers: make(map[string]*entitle.Tier),
		usage: make(map[string]*entitle.UsageRow),
	}
}

// LoadTier implements entitle.Storage.
func (s *Storage) LoadTier(ctx context.Context, name string) (*entitle.Tier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tier, ok := s.tiers[name]
	if !ok {
		return nil, entitle.ErrTierNotFound
	}
	return copyTier(tier), nil
}

// SaveTier implements entitle.Storage.
func (s *Storage) SaveTier(ctx context.Context, tier *entitle.Tier) error {
	if tier == nil || tier.Name == "" {
		return fmt.Errorf("invalid tier")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tiers[tier.Name] = copyTier(tier)
	return nil
}

// ListTiers implements entitle.Storage.
func (s *Storage) ListTiers(ctx context.Context) ([]*entitle.Tier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tiers := make([]*entitle.Tier, 0, len(s.tiers))
	for _, tier := range s.tiers {
		tiers = append(tiers, copyTier(tier))
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].Name < tiers[j].Name })
	return tiers, nil
}

// LoadUsage implements entitle.Storage.
func (s *Storage) LoadUsage(ctx context.Context, userID string) (*entitle.UsageRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.usage[userID]
	if !ok {
		return nil, entitle.ErrUsageNotFound
	}
	rowCopy := *row
	return &rowCopy, nil
}

// CreateUsage implements entitle.Storage.
func (s *Storage) CreateUsage(ctx context.Context, row *entitle.UsageRow) error {
	if row == nil || row.UserID == "" {
		return fmt.Errorf("invalid usage row")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.usage[row.UserID]; ok {
		return entitle.ErrUsageExists
	}
	rowCopy := *row
	s.usage[row.UserID] = &rowCopy
	return nil
}

// Increment implements entitle.Storage. The conditional check and the
// increment run under one lock acquisition, so two concurrent calls can
// never both charge the last unit of an allowance.
func (s *Storage) Increment(
	ctx context.Context, userID string, allowance int, now time.Time,
) (*entitle.UsageRow, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.usage[userID]
	if !ok {
		return nil, false, entitle.ErrUsageNotFound
	}

	if row.Stale(now) {
		rowCopy := *row
		return &rowCopy, false, nil
	}
	if allowance >= 0 && row.MessagesUsed >= allowance {
		rowCopy := *row
		return &rowCopy, false, nil
	}

	row.MessagesUsed++
	row.UpdatedAt = now
	rowCopy := *row
	return &rowCopy, true, nil
}

// ResetIfDue implements entitle.Storage.
func (s *Storage) ResetIfDue(ctx context.Context, userID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.usage[userID]
	if !ok {
		return false, entitle.ErrUsageNotFound
	}
	if !row.Stale(now) {
		return false, nil
	}

	row.MessagesUsed = 0
	row.PeriodResetAt = entitle.NextReset(row.PeriodResetAt, row.AnchorDay, now)
	row.UpdatedAt = now
	return true, nil
}

// ForEachUsage implements entitle.Storage. Iteration runs over a
// snapshot so fn may call back into the store.
func (s *Storage) ForEachUsage(ctx context.Context, fn func(row *entitle.UsageRow) error) error {
	s.mu.Lock()
	rows := make([]*entitle.UsageRow, 0, len(s.usage))
	for _, row := range s.usage {
		rowCopy := *row
		rows = append(rows, &rowCopy)
	}
	s.mu.Unlock()

	sort.Slice(rows, func(i, j int) bool { return rows[i].UserID < rows[j].UserID })
	for _, row := range rows {
		if err := fn(row); err != nil {
			return err
		}
	}
	return nil
}

// RepairUsage implements entitle.Storage.
func (s *Storage) RepairUsage(ctx context.Context, userID string, rep entitle.Repair) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.usage[userID]
	if !ok {
		return entitle.ErrUsageNotFound
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
	return nil
}

// Clear removes all data (useful for testing).
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tiers = make(map[string]*entitle.Tier)
	s.usage = make(map[string]*entitle.UsageRow)
}

func copyTier(t *entitle.Tier) *entitle.Tier {
	cp := *t
	if t.Features != nil {
		cp.Features = make(map[string]bool, len(t.Features))
		for k, v := range t.Features {
			cp.Features[k] = v
		}
	}
	return &cp
}
