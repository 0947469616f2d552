package basalt

import (
	"context"
	"fmt"
	"runtime"

	"github.com/basaltdb/basalt/arena"
	"github.com/basaltdb/basalt/cache"
	"github.com/basaltdb/basalt/internal/bitutil"
	"github.com/basaltdb/basalt/internal/memspec"
	"github.com/basaltdb/basalt/segment"
)

// initMemEnv resolves the memory budgets against the system facts and
// builds the process-wide cache singletons. The singletons are created
// once and survive Destroy; a later Init observes the existing
// instances.
func (e *Env) initMemEnv(ctx context.Context) error {
	memLimit := e.sys.MemLimit()
	physMem := e.sys.PhysicalMem()

	// The guarded buffer pool sizes itself from min_buffer_size, so the
	// value is validated even though nothing here consumes it yet.
	if !bitutil.IsPowerOfTwo(e.cfg.Memory.MinBufferSize) {
		return &ConfigError{
			Option: "memory.min_buffer_size",
			cause:  fmt.Errorf("%w: got %d", ErrNotPowerOfTwo, e.cfg.Memory.MinBufferSize),
		}
	}

	pageCacheBytes, isPercent, err := memspec.Parse(e.cfg.Cache.StoragePageCacheLimit, memLimit, physMem)
	if err != nil {
		return &ConfigError{Option: "cache.storage_page_cache_limit", cause: err}
	}
	granted := pageCacheBytes
	if !isPercent {
		// Absolute specs may not claim more than half the memory
		// limit. Halving instead of clamping keeps the granted value a
		// power-of-two fraction of what was asked for.
		granted = halveWhileAbove(pageCacheBytes, memLimit/2)
	}
	e.logger.LogBudget(ctx, "storage_page_cache", pageCacheBytes, granted)
	if _, err := cache.CreateGlobalPageCache(granted, e.cfg.Cache.IndexPageCachePercent,
		e.cfg.Cache.StoragePageCacheShards, e.memTracker); err != nil {
		return translateError("storage page cache", err)
	}

	fds, err := e.sys.FDLimit()
	if err != nil {
		fds = e.cfg.Memory.MinFileDescriptorNumber
		e.logger.LogFallback(ctx, "file_descriptor_limit", int64(fds), err)
	}
	segCap := segmentCacheCapacity(fds)
	e.logger.LogBudget(ctx, "segment_cache_entries", int64(segCap), int64(segCap))
	if _, err := segment.CreateGlobalLoader(segCap); err != nil {
		return translateError("segment loader", err)
	}

	if err := e.initStep(ctx, "temp file manager", e.tmpFileMgr.Init); err != nil {
		return err
	}
	if err := e.initStep(ctx, "block spill manager", e.spillMgr.Init); err != nil {
		return err
	}

	if !bitutil.IsPowerOfTwo(e.cfg.Memory.MinChunkReservedBytes) {
		return &ConfigError{
			Option: "memory.min_chunk_reserved_bytes",
			cause:  fmt.Errorf("%w: got %d", ErrNotPowerOfTwo, e.cfg.Memory.MinChunkReservedBytes),
		}
	}
	chunkBytes, _, err := memspec.Parse(e.cfg.Memory.ChunkReservedBytesLimit, memLimit, physMem)
	if err != nil {
		return &ConfigError{Option: "memory.chunk_reserved_bytes_limit", cause: err}
	}
	reserved := bitutil.RoundDown(chunkBytes, e.cfg.Memory.MinChunkReservedBytes)
	e.logger.LogBudget(ctx, "chunk_allocator_reservation", chunkBytes, reserved)
	if _, err := arena.CreateGlobalChunkAllocator(reserved, runtime.NumCPU(),
		arena.WithMemoryAcquirer(e.memTracker)); err != nil {
		return translateError("chunk allocator", err)
	}
	return nil
}

// halveWhileAbove halves v until it no longer exceeds bound.
func halveWhileAbove(v, bound int64) int64 {
	for v > bound {
		v /= 2
	}
	return v
}

// segmentCacheCapacity derives the segment cache entry count from the
// descriptor limit. Segments are cached at rowset granularity, so the
// number of open files can exceed the entry count; two thirds of the
// budget leaves headroom for everything else holding descriptors.
func segmentCacheCapacity(fds uint64) int {
	return int(fds / 3 * 2)
}
