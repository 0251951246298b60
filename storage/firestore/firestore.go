// Package firestore provides a Firestore implementation of the
// entitle.Storage interface. Conditional increments and period resets
// run inside Firestore transactions, which gives the same per-row
// atomicity the SQL backend gets from row locks.
package firestore

import (
	"context"
	"fmt"
	"math"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/entitle/pkg/entitle"
)

// Storage implements entitle.Storage using Google Cloud Firestore.
type Storage struct {
	client          *firestore.Client
	tiersCollection string
	usageCollection string
}

// Config holds Firestore storage configuration.
type Config struct {
	// TiersCollection is the Firestore collection for the tier catalog.
	// Default: "entitle_tiers"
	TiersCollection string

	// UsageCollection is the Firestore collection for the usage ledger.
	// Default: "entitle_usage"
	UsageCollection string
}

// New creates a new Firestore storage adapter.
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.TiersCollection == "" {
		config.TiersCollection = "entitle_tiers"
	}
	if config.UsageCollection == "" {
		config.UsageCollection = "entitle_usage"
	}

	return &Storage{
		client:          client,
		tiersCollection: config.TiersCollection,
		usageCollection: config.UsageCollection,
	}, nil
}

// LoadTier implements entitle.Storage.
func (s *Storage) LoadTier(ctx context.Context, name string) (*entitle.Tier, error) {
	doc := s.client.Collection(s.tiersCollection).Doc(name)
	snap, err := doc.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, entitle.ErrTierNotFound
		}
		return nil, fmt.Errorf("failed to load tier: %w", err)
	}
	if !snap.Exists() {
		return nil, entitle.ErrTierNotFound
	}
	return tierFromData(name, snap.Data()), nil
}

// SaveTier implements entitle.Storage.
func (s *Storage) SaveTier(ctx context.Context, tier *entitle.Tier) error {
	if tier == nil || tier.Name == "" {
		return fmt.Errorf("invalid tier")
	}

	doc := s.client.Collection(s.tiersCollection).Doc(tier.Name)
	_, err := doc.Set(ctx, tierData(tier), firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("failed to save tier: %w", err)
	}
	return nil
}

// ListTiers implements entitle.Storage.
func (s *Storage) ListTiers(ctx context.Context) ([]*entitle.Tier, error) {
	iter := s.client.Collection(s.tiersCollection).Documents(ctx)
	defer iter.Stop()

	var tiers []*entitle.Tier
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list tiers: %w", err)
		}
		tiers = append(tiers, tierFromData(snap.Ref.ID, snap.Data()))
	}
	return tiers, nil
}

// LoadUsage implements entitle.Storage.
func (s *Storage) LoadUsage(ctx context.Context, userID string) (*entitle.UsageRow, error) {
	snap, err := s.usageDoc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, entitle.ErrUsageNotFound
		}
		return nil, fmt.Errorf("failed to load usage: %w", err)
	}
	if !snap.Exists() {
		return nil, entitle.ErrUsageNotFound
	}
	return rowFromData(userID, snap.Data()), nil
}

// CreateUsage implements entitle.Storage.
func (s *Storage) CreateUsage(ctx context.Context, row *entitle.UsageRow) error {
	if row == nil || row.UserID == "" {
		return fmt.Errorf("invalid usage row")
	}

	_, err := s.usageDoc(row.UserID).Create(ctx, rowData(row))
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return entitle.ErrUsageExists
		}
		return fmt.Errorf("failed to create usage: %w", err)
	}
	return nil
}

// Increment implements entitle.Storage. The read, the period and
// allowance checks, and the write all run in one transaction.
func (s *Storage) Increment(
	ctx context.Context, userID string, allowance int, now time.Time,
) (*entitle.UsageRow, bool, error) {
	doc := s.usageDoc(userID)
	var row *entitle.UsageRow
	var charged bool

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return entitle.ErrUsageNotFound
			}
			return err
		}
		if !snap.Exists() {
			return entitle.ErrUsageNotFound
		}

		row = rowFromData(userID, snap.Data())
		charged = false

		if row.Stale(now) {
			return nil
		}
		if allowance >= 0 && row.MessagesUsed >= allowance {
			return nil
		}

		row.MessagesUsed++
		row.UpdatedAt = now.UTC()
		charged = true
		return tx.Set(doc, map[string]interface{}{
			"messagesUsed": row.MessagesUsed,
			"updatedAt":    row.UpdatedAt,
		}, firestore.MergeAll)
	})
	if err != nil {
		if err == entitle.ErrUsageNotFound {
			return nil, false, err
		}
		return nil, false, fmt.Errorf("failed to increment usage: %w", err)
	}
	return row, charged, nil
}

// ResetIfDue implements entitle.Storage.
func (s *Storage) ResetIfDue(ctx context.Context, userID string, now time.Time) (bool, error) {
	doc := s.usageDoc(userID)
	var applied bool

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return entitle.ErrUsageNotFound
			}
			return err
		}
		if !snap.Exists() {
			return entitle.ErrUsageNotFound
		}

		row := rowFromData(userID, snap.Data())
		applied = false
		if !row.Stale(now) {
			return nil
		}

		applied = true
		return tx.Set(doc, map[string]interface{}{
			"messagesUsed":  0,
			"periodResetAt": entitle.NextReset(row.PeriodResetAt, row.AnchorDay, now).UTC(),
			"updatedAt":     now.UTC(),
		}, firestore.MergeAll)
	})
	if err != nil {
		if err == entitle.ErrUsageNotFound {
			return false, err
		}
		return false, fmt.Errorf("failed to reset usage: %w", err)
	}
	return applied, nil
}

// ForEachUsage implements entitle.Storage.
func (s *Storage) ForEachUsage(ctx context.Context, fn func(row *entitle.UsageRow) error) error {
	iter := s.client.Collection(s.usageCollection).Documents(ctx)
	defer iter.Stop()

	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to scan usage ledger: %w", err)
		}
		if err := fn(rowFromData(snap.Ref.ID, snap.Data())); err != nil {
			return err
		}
	}
}

// RepairUsage implements entitle.Storage.
func (s *Storage) RepairUsage(ctx context.Context, userID string, rep entitle.Repair) error {
	if rep.Empty() {
		return nil
	}

	doc := s.usageDoc(userID)
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return entitle.ErrUsageNotFound
			}
			return err
		}
		if !snap.Exists() {
			return entitle.ErrUsageNotFound
		}

		data := map[string]interface{}{
			"updatedAt": time.Now().UTC(),
		}
		if rep.TierName != nil {
			data["tierName"] = *rep.TierName
		}
		if rep.PeriodResetAt != nil {
			data["periodResetAt"] = rep.PeriodResetAt.UTC()
		}
		if rep.AnchorDay != nil {
			data["anchorDay"] = *rep.AnchorDay
		}
		if rep.ClampNegativeUsed && getInt(snap.Data(), "messagesUsed") < 0 {
			data["messagesUsed"] = 0
		}
		return tx.Set(doc, data, firestore.MergeAll)
	})
	if err != nil {
		if err == entitle.ErrUsageNotFound {
			return err
		}
		return fmt.Errorf("failed to repair usage: %w", err)
	}
	return nil
}

func (s *Storage) usageDoc(userID string) *firestore.DocumentRef {
	return s.client.Collection(s.usageCollection).Doc(userID)
}

func tierData(tier *entitle.Tier) map[string]interface{} {
	features := map[string]bool{}
	if tier.Features != nil {
		features = tier.Features
	}
	return map[string]interface{}{
		"monthlyAllowance": tier.MonthlyAllowance,
		"metered":          tier.Metered,
		"features":         features,
	}
}

func tierFromData(name string, data map[string]interface{}) *entitle.Tier {
	tier := &entitle.Tier{
		Name:             name,
		MonthlyAllowance: getInt(data, "monthlyAllowance"),
		Metered:          getBool(data, "metered"),
	}
	if m, ok := data["features"].(map[string]interface{}); ok {
		tier.Features = make(map[string]bool, len(m))
		for k, v := range m {
			if b, ok := v.(bool); ok {
				tier.Features[k] = b
			}
		}
	}
	return tier
}

func rowData(row *entitle.UsageRow) map[string]interface{} {
	return map[string]interface{}{
		"tierName":      row.TierName,
		"messagesUsed":  row.MessagesUsed,
		"periodResetAt": row.PeriodResetAt.UTC(),
		"anchorDay":     row.AnchorDay,
		"updatedAt":     row.UpdatedAt.UTC(),
	}
}

func rowFromData(userID string, data map[string]interface{}) *entitle.UsageRow {
	return &entitle.UsageRow{
		UserID:        userID,
		TierName:      getString(data, "tierName"),
		MessagesUsed:  getInt(data, "messagesUsed"),
		PeriodResetAt: getTime(data, "periodResetAt"),
		AnchorDay:     getInt(data, "anchorDay"),
		UpdatedAt:     getTime(data, "updatedAt"),
	}
}

// Helper functions for type conversion from Firestore data.

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	if v, ok := data[key].(bool); ok {
		return v
	}
	return false
}

func getInt(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(math.Round(v))
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}
