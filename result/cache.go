package result

import (
	"container/list"
	"fmt"
	"sync"
	"sync/atomic"
)

// CacheStats counts cache outcomes.
type CacheStats struct {
	Hits          atomic.Uint64
	Misses        atomic.Uint64
	StaleVersions atomic.Uint64
	Evictions     atomic.Uint64
}

func (s *CacheStats) String() string {
	return fmt.Sprintf("hits: %d misses: %d stale: %d evictions: %d",
		s.Hits.Load(), s.Misses.Load(), s.StaleVersions.Load(), s.Evictions.Load())
}

type cacheEntry struct {
	key     string
	version int64
	data    []byte
}

// Cache keeps recent query results keyed by a normalized query digest
// and a data version. A lookup with a newer version drops the stale
// entry so reruns after an ingest never see old rows.
//
// Eviction is elastic. Inserts may overshoot the configured size by up
// to the elasticity allowance, and crossing that bound prunes oldest
// entries back down to the base size in one sweep.
type Cache struct {
	mu         sync.Mutex
	maxBytes   int64
	elasticity int64
	usedBytes  int64
	evictList  *list.List
	items      map[string]*list.Element

	stats CacheStats
}

// NewCache creates a result cache bounded by maxSizeMB with an extra
// elasticityMB slack before pruning kicks in.
func NewCache(maxSizeMB, elasticityMB int) (*Cache, error) {
	if maxSizeMB <= 0 {
		return nil, fmt.Errorf("result: cache size must be positive, got %dMB", maxSizeMB)
	}
	if elasticityMB < 0 {
		return nil, fmt.Errorf("result: cache elasticity must not be negative, got %dMB", elasticityMB)
	}

	return &Cache{
		maxBytes:   int64(maxSizeMB) << 20,
		elasticity: int64(elasticityMB) << 20,
		evictList:  list.New(),
		items:      make(map[string]*list.Element),
	}, nil
}

// Update stores the result bytes for key at the given version,
// replacing any older version.
func (c *Cache) Update(key string, version int64, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		entry := el.Value.(*cacheEntry)
		c.usedBytes += int64(len(data)) - int64(len(entry.data))
		entry.version = version
		entry.data = data
		c.evictList.MoveToFront(el)
	} else {
		el := c.evictList.PushFront(&cacheEntry{key: key, version: version, data: data})
		c.items[key] = el
		c.usedBytes += int64(len(data))
	}

	if c.usedBytes > c.maxBytes+c.elasticity {
		c.pruneLocked()
	}
}

// pruneLocked evicts oldest entries until usage is back under the base
// size. Caller must hold c.mu.
func (c *Cache) pruneLocked() {
	for c.usedBytes > c.maxBytes {
		el := c.evictList.Back()
		if el == nil {
			return
		}
		c.removeElement(el)
		c.stats.Evictions.Add(1)
	}
}

// Fetch returns the cached result for key if it matches version. A
// version mismatch evicts the stale entry and reports a miss.
func (c *Cache) Fetch(key string, version int64) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.stats.Misses.Add(1)
		return nil, false
	}

	entry := el.Value.(*cacheEntry)
	if entry.version != version {
		c.removeElement(el)
		c.stats.StaleVersions.Add(1)
		c.stats.Misses.Add(1)
		return nil, false
	}

	c.evictList.MoveToFront(el)
	c.stats.Hits.Add(1)
	return entry.data, true
}

// Remove drops the entry for key if present.
func (c *Cache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
}

func (c *Cache) removeElement(el *list.Element) {
	entry := el.Value.(*cacheEntry)
	c.evictList.Remove(el)
	delete(c.items, entry.key)
	c.usedBytes -= int64(len(entry.data))
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictList.Init()
	c.items = make(map[string]*list.Element)
	c.usedBytes = 0
}

// Len returns the number of cached results.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Bytes returns the cached payload size.
func (c *Cache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usedBytes
}

// Stats exposes cache counters.
func (c *Cache) Stats() *CacheStats {
	return &c.stats
}
