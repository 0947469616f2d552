package cache

import (
	"container/list"
	"hash/maphash"
	"sync"
	"sync/atomic"

	"github.com/basaltdb/basalt/resource"
)

// Key identifies a cached page by its source file and the page offset
// within that file.
type Key struct {
	Path   string
	Offset uint64
}

// lruShard is a byte-bounded LRU for immutable pages. The order list
// keeps the most recently touched page at the front.
type lruShard struct {
	mu       sync.Mutex
	capacity int64
	size     int64
	table    map[Key]*list.Element
	order    *list.List
	tr       *resource.Tracker

	hits   atomic.Int64
	misses atomic.Int64
}

type page struct {
	key Key
	buf []byte
}

// newLRUShard creates an LRU shard with the given capacity in bytes.
// If tr is provided, it is charged for every cached byte.
func newLRUShard(capacity int64, tr *resource.Tracker) *lruShard {
	return &lruShard{
		capacity: capacity,
		table:    make(map[Key]*list.Element),
		order:    list.New(),
		tr:       tr,
	}
}

// get returns a cached page.
func (c *lruShard) get(key Key) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.table[key]
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	c.order.MoveToFront(el)
	return el.Value.(*page).buf, true
}

// set caches a page. Pages larger than the shard capacity are not
// cached, and a denied tracker reservation drops the page rather than
// blocking the caller.
func (c *lruShard) set(key Key, b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.table[key]; ok {
		c.order.MoveToFront(el)

		pg := el.Value.(*page)
		oldSize, newSize := int64(len(pg.buf)), int64(len(b))
		if c.tr != nil && newSize > oldSize {
			// Keep the old value when the tracker denies the growth.
			if !c.tr.TryAcquireMemory(newSize - oldSize) {
				return
			}
		}

		c.size += newSize - oldSize
		if c.tr != nil && newSize < oldSize {
			c.tr.ReleaseMemory(oldSize - newSize)
		}

		pg.buf = b
		c.evict()
		return
	}

	sz := int64(len(b))
	if sz > c.capacity {
		return
	}

	// Evict locally first so memory goes back to the tracker before we
	// reserve it again.
	for c.size+sz > c.capacity {
		el := c.order.Back()
		if el == nil {
			break
		}
		c.drop(el)
	}

	if c.tr != nil && !c.tr.TryAcquireMemory(sz) {
		return
	}

	c.table[key] = c.order.PushFront(&page{key: key, buf: b})
	c.size += sz
}

// invalidate removes entries matching the predicate.
func (c *lruShard) invalidate(predicate func(key Key) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// drop mutates the list, so collect first.
	var matched []*list.Element

	for key, el := range c.table {
		if predicate(key) {
			matched = append(matched, el)
		}
	}

	for _, el := range matched {
		c.drop(el)
	}
}

func (c *lruShard) evict() {
	for c.size > c.capacity {
		el := c.order.Back()
		if el == nil {
			break
		}
		c.drop(el)
	}
}

func (c *lruShard) stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *lruShard) drop(el *list.Element) {
	c.order.Remove(el)
	pg := el.Value.(*page)
	delete(c.table, pg.key)
	sz := int64(len(pg.buf))
	c.size -= sz
	if c.tr != nil {
		c.tr.ReleaseMemory(sz)
	}
}

// bytes returns the current size of the shard in bytes.
func (c *lruShard) bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// shardedLRU distributes pages across shards to reduce lock
// contention under concurrent scans.
type shardedLRU struct {
	shards []*lruShard
	seed   maphash.Seed
}

// newShardedLRU creates a sharded LRU. The capacity is divided evenly
// across all shards.
func newShardedLRU(capacity int64, numShards int, tr *resource.Tracker) *shardedLRU {
	shardCapacity := capacity / int64(numShards)

	s := &shardedLRU{
		shards: make([]*lruShard, numShards),
		seed:   maphash.MakeSeed(),
	}

	for i := range s.shards {
		s.shards[i] = newLRUShard(shardCapacity, tr)
	}

	return s
}

// shard hashes the key's path and offset to pick its shard.
func (s *shardedLRU) shard(key Key) *lruShard {
	var h maphash.Hash
	h.SetSeed(s.seed)

	_, _ = h.WriteString(key.Path)

	var buf [8]byte
	buf[0] = byte(key.Offset)
	buf[1] = byte(key.Offset >> 8)
	buf[2] = byte(key.Offset >> 16)
	buf[3] = byte(key.Offset >> 24)
	buf[4] = byte(key.Offset >> 32)
	buf[5] = byte(key.Offset >> 40)
	buf[6] = byte(key.Offset >> 48)
	buf[7] = byte(key.Offset >> 56)
	_, _ = h.Write(buf[:])

	idx := h.Sum64() % uint64(len(s.shards))
	return s.shards[idx]
}

func (s *shardedLRU) get(key Key) ([]byte, bool) {
	return s.shard(key).get(key)
}

func (s *shardedLRU) set(key Key, b []byte) {
	s.shard(key).set(key, b)
}

// invalidate removes entries matching the predicate across all shards.
func (s *shardedLRU) invalidate(predicate func(key Key) bool) {
	var wg sync.WaitGroup
	wg.Add(len(s.shards))

	for i := range s.shards {
		go func(shard *lruShard) {
			defer wg.Done()
			shard.invalidate(predicate)
		}(s.shards[i])
	}

	wg.Wait()
}

func (s *shardedLRU) stats() (hits, misses int64) {
	for i := range s.shards {
		h, m := s.shards[i].stats()
		hits += h
		misses += m
	}
	return hits, misses
}

func (s *shardedLRU) bytes() int64 {
	var total int64
	for i := range s.shards {
		total += s.shards[i].bytes()
	}
	return total
}
