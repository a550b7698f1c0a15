package engine

import (
	"sync"
	"time"
)

// searchCache memoizes scored result sets keyed by request checksum. It is
// purged wholesale on every commit, so entries never outlive the committed
// state they were computed from.
type searchCache struct {
	mu       sync.RWMutex
	entries  map[uint64]cacheEntry
	order    []uint64
	capacity int
	expiry   time.Duration
}

type cacheEntry struct {
	hits   []ScoredHit
	expiry time.Time
}

func newSearchCache(capacity int, expiry time.Duration) *searchCache {
	if capacity <= 0 {
		capacity = 256
	}
	if expiry <= 0 {
		expiry = time.Minute
	}
	return &searchCache{
		entries:  make(map[uint64]cacheEntry, capacity),
		order:    make([]uint64, 0, capacity),
		capacity: capacity,
		expiry:   expiry,
	}
}

func (c *searchCache) get(key uint64) ([]ScoredHit, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(entry.expiry) {
		return nil, false
	}
	return entry.hits, true
}

func (c *searchCache) put(key uint64, hits []ScoredHit) {
	if len(hits) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists {
		if len(c.order) >= c.capacity {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
		c.order = append(c.order, key)
	}
	c.entries[key] = cacheEntry{hits: hits, expiry: time.Now().Add(c.expiry)}
}

func (c *searchCache) purge() {
	c.mu.Lock()
	c.entries = make(map[uint64]cacheEntry, c.capacity)
	c.order = c.order[:0]
	c.mu.Unlock()
}
