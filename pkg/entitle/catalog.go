package entitle

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"
)

// Catalog serves tier definitions with a read-through TTL cache in
// front of storage. The read path is on every admission check, so
// lookups are O(1) for cached tiers and concurrent misses for the same
// tier are coalesced into a single storage load.
//
// Changing a tier's allowance never touches existing usage counters;
// only future admission checks see the new limit.
type Catalog struct {
	storage Storage
	config  Config
	cache   *tierCache
	group   singleflight.Group
}

// NewCatalog creates a tier catalog backed by the given storage.
func NewCatalog(storage Storage, config Config) (*Catalog, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}
	return &Catalog{
		storage: storage,
		config:  config.withDefaults(),
		cache:   newTierCache(),
	}, nil
}

// Get returns the tier definition for name.
// Returns ErrTierNotFound if the tier is not in the catalog.
func (c *Catalog) Get(ctx context.Context, name string) (*Tier, error) {
	if name == "" {
		return nil, ErrTierNotFound
	}

	if tier, ok := c.cache.get(name); ok {
		c.config.Metrics.RecordCacheHit("tier")
		return tier, nil
	}
	c.config.Metrics.RecordCacheMiss("tier")

	v, err, _ := c.group.Do(name, func() (interface{}, error) {
		start := time.Now()
		tier, err := c.storage.LoadTier(ctx, name)
		c.config.Metrics.RecordStorageOperation("load_tier", time.Since(start), err)
		if err != nil {
			return nil, err
		}
		c.cache.set(name, tier, c.config.CatalogCacheTTL)
		return tier, nil
	})
	if err != nil {
		return nil, err
	}
	return copyTier(v.(*Tier)), nil
}

// Put validates and upserts a tier definition, then invalidates the
// cache entry so the next read observes the new limits.
func (c *Catalog) Put(ctx context.Context, tier *Tier) error {
	if err := validateTier(tier); err != nil {
		return err
	}

	start := time.Now()
	err := c.storage.SaveTier(ctx, tier)
	c.config.Metrics.RecordStorageOperation("save_tier", time.Since(start), err)
	if err != nil {
		return err
	}

	c.cache.invalidate(tier.Name)
	c.config.Logger.Info("tier updated",
		Field{Key: "tier", Value: tier.Name},
		Field{Key: "allowance", Value: tier.MonthlyAllowance},
		Field{Key: "metered", Value: tier.Metered},
	)
	return nil
}

// Seed upserts a batch of tier definitions. Intended for deployment
// seeding of the closed tier set.
func (c *Catalog) Seed(ctx context.Context, tiers []*Tier) error {
	for _, tier := range tiers {
		if err := c.Put(ctx, tier); err != nil {
			return fmt.Errorf("seed tier %q: %w", tier.Name, err)
		}
	}
	return nil
}

// List returns all tier definitions from storage.
func (c *Catalog) List(ctx context.Context) ([]*Tier, error) {
	return c.storage.ListTiers(ctx)
}

// Stats returns tier cache performance counters.
func (c *Catalog) Stats() CacheStats {
	return c.cache.stats()
}

func validateTier(tier *Tier) error {
	if tier == nil || tier.Name == "" {
		return ErrInvalidTier
	}
	if tier.Metered && tier.MonthlyAllowance < 0 {
		return fmt.Errorf("tier %q: %w", tier.Name, ErrInvalidAllowance)
	}
	return nil
}
