// Package cache provides the storage page cache shared by all scans:
// decompressed data and index pages, bounded in bytes and split into
// shards to reduce lock contention.
package cache

import (
	"context"
	"fmt"

	"github.com/basaltdb/basalt/resource"
)

// PageType selects the sub-cache a page belongs to.
type PageType uint8

const (
	// DataPage holds decompressed column data pages.
	DataPage PageType = iota
	// IndexPage holds short key and ordinal index pages.
	IndexPage
)

// PageCache keeps immutable storage pages in memory. Data and index
// pages live in separate sub-caches so heavy scans cannot evict the
// small, hot index pages.
type PageCache struct {
	data  *shardedLRU
	index *shardedLRU

	dataCapacity  int64
	indexCapacity int64
}

// NewPageCache creates a page cache with the given total capacity in
// bytes. indexPercent of the capacity is set aside for index pages; 0
// disables index page caching entirely.
func NewPageCache(capacity int64, indexPercent, shards int, tr *resource.Tracker) (*PageCache, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("page cache: capacity must be positive, got %d", capacity)
	}
	if indexPercent < 0 || indexPercent > 100 {
		return nil, fmt.Errorf("page cache: index percent %d out of range [0, 100]", indexPercent)
	}
	if shards <= 0 {
		return nil, fmt.Errorf("page cache: shard count must be positive, got %d", shards)
	}

	indexCapacity := capacity * int64(indexPercent) / 100
	dataCapacity := capacity - indexCapacity

	return &PageCache{
		data:          newShardedLRU(dataCapacity, shards, tr),
		index:         newShardedLRU(indexCapacity, shards, tr),
		dataCapacity:  dataCapacity,
		indexCapacity: indexCapacity,
	}, nil
}

func (p *PageCache) sub(pt PageType) *shardedLRU {
	if pt == IndexPage {
		return p.index
	}
	return p.data
}

// Get returns a cached page. Returned slices must be treated as
// read-only.
func (p *PageCache) Get(ctx context.Context, pt PageType, key Key) ([]byte, bool) {
	return p.sub(pt).get(key)
}

// Set caches a page. The caller must not modify b afterwards.
func (p *PageCache) Set(ctx context.Context, pt PageType, key Key, b []byte) {
	p.sub(pt).set(key, b)
}

// EvictPath removes every cached page of the given file from both
// sub-caches, for example after a segment file is deleted by
// compaction.
func (p *PageCache) EvictPath(path string) {
	pred := func(key Key) bool { return key.Path == path }
	p.data.invalidate(pred)
	p.index.invalidate(pred)
}

// Stats returns hit and miss counts for one sub-cache.
func (p *PageCache) Stats(pt PageType) (hits, misses int64) {
	return p.sub(pt).stats()
}

// Bytes returns the bytes currently cached in one sub-cache.
func (p *PageCache) Bytes(pt PageType) int64 {
	return p.sub(pt).bytes()
}

// Capacity returns the configured capacity of one sub-cache.
func (p *PageCache) Capacity(pt PageType) int64 {
	if pt == IndexPage {
		return p.indexCapacity
	}
	return p.dataCapacity
}
