package entitle

import (
	"sync"
	"time"
)

// tierCache is a small TTL cache for tier definitions. The tier set is
// closed and tiny, so there is no eviction policy: entries expire and
// get overwritten on the next read-through.
type tierCache struct {
	mu      sync.RWMutex
	entries map[string]tierCacheEntry
	hits    int64
	misses  int64
}

type tierCacheEntry struct {
	tier       *Tier
	expiration time.Time
}

func newTierCache() *tierCache {
	return &tierCache{entries: make(map[string]tierCacheEntry)}
}

// get returns a copy of the cached tier, or false on a miss or an
// expired entry.
func (c *tierCache) get(name string) (*Tier, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[name]
	if !ok || time.Now().After(entry.expiration) {
		c.misses++
		return nil, false
	}
	c.hits++
	return copyTier(entry.tier), true
}

func (c *tierCache) set(name string, tier *Tier, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[name] = tierCacheEntry{
		tier:       copyTier(tier),
		expiration: time.Now().Add(ttl),
	}
}

func (c *tierCache) invalidate(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, name)
}

// CacheStats holds tier cache performance counters.
type CacheStats struct {
	Hits   int64
	Misses int64
	Size   int
}

func (c *tierCache) stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CacheStats{Hits: c.hits, Misses: c.misses, Size: len(c.entries)}
}

// copyTier returns a deep copy so cached definitions cannot be mutated
// by callers.
func copyTier(t *Tier) *Tier {
	cp := *t
	if t.Features != nil {
		cp.Features = make(map[string]bool, len(t.Features))
		for k, v := range t.Features {
			cp.Features[k] = v
		}
	}
	return &cp
}
