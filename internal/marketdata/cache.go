package marketdata

import (
	"sync"
	"time"
)

// Per-operation-class TTLs. Short enough that the loop's decision cadence
// never sees stale prices, long enough to bound the request rate.
const (
	QuoteTTL       = 3 * time.Second
	OHLCTTL        = 10 * time.Second
	OptionChainTTL = 20 * time.Second
)

type cacheEntry struct {
	value     any
	expiresAt time.Time
}

// ShortTTLCache is a read-through cache with absolute per-entry expiry.
// Concurrent callers missing on the same key may each run compute; TTL
// bounding is the contract, de-duplication is not.
type ShortTTLCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	now     func() time.Time
}

// NewShortTTLCache creates an empty cache
func NewShortTTLCache() *ShortTTLCache {
	return &ShortTTLCache{
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// Fetch returns the cached value for key, or runs compute and stores the
// result with expiry now+ttl. Errors from compute are returned and not cached.
func (c *ShortTTLCache) Fetch(key string, ttl time.Duration, compute func() (any, error)) (any, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	now := c.now()
	c.mu.RUnlock()

	if ok && now.Before(entry.expiresAt) {
		return entry.value, nil
	}

	value, err := compute()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry{value: value, expiresAt: c.now().Add(ttl)}
	if len(c.entries) > 256 {
		c.pruneLocked()
	}
	c.mu.Unlock()

	return value, nil
}

// Len returns the number of stored entries, expired ones included
func (c *ShortTTLCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *ShortTTLCache) pruneLocked() {
	now := c.now()
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
		}
	}
}
