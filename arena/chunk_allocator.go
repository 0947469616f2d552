// Package arena provides the chunk allocator: recycled, power-of-two
// sized buffers that back row batches during scans and loads. Freed
// chunks are kept on per-slot free lists up to a configured reserve
// limit so hot allocation paths skip the system allocator.
package arena

import (
	"context"
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/basaltdb/basalt/internal/mmap"
)

// MemoryAcquirer reserves memory from a budget before the allocator
// takes it from the system.
type MemoryAcquirer interface {
	AcquireMemory(ctx context.Context, amount int64) error
	ReleaseMemory(amount int64)
}

const (
	// MinChunkSize is the smallest chunk handed out. Requests below it
	// are rounded up.
	MinChunkSize = 4096
	// MaxChunkSize is the largest chunk the allocator serves.
	MaxChunkSize = 1 << 30

	// Chunks at or above this size are backed by anonymous mappings
	// instead of the Go heap.
	mmapThreshold = 1 << 20

	maxClassBits = 31
)

// Chunk is a buffer owned by the allocator. Data length is the rounded
// power-of-two size, which may exceed what was requested.
type Chunk struct {
	Data []byte

	region *mmap.Region // nil for heap-backed chunks
	class  int
}

// Size returns the chunk size in bytes.
func (c *Chunk) Size() int64 { return int64(len(c.Data)) }

// Stats tracks allocator behavior.
type Stats struct {
	LocalHits     uint64 // served from the preferred free list
	StealHits     uint64 // served from another slot's free list
	SystemAllocs  uint64 // taken from the system allocator
	SystemFrees   uint64 // returned to the system allocator
	ReservedBytes int64  // bytes currently parked on free lists
}

type atomicStats struct {
	localHits    atomic.Uint64
	stealHits    atomic.Uint64
	systemAllocs atomic.Uint64
	systemFrees  atomic.Uint64
}

type freeList struct {
	mu      sync.Mutex
	classes [maxClassBits][]*Chunk
}

func (l *freeList) pop(class int) *Chunk {
	l.mu.Lock()
	defer l.mu.Unlock()

	stack := l.classes[class]
	if len(stack) == 0 {
		return nil
	}
	c := stack[len(stack)-1]
	l.classes[class] = stack[:len(stack)-1]
	return c
}

func (l *freeList) push(c *Chunk) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.classes[c.class] = append(l.classes[c.class], c)
}

// ChunkAllocator recycles chunks across queries. It is safe for
// concurrent use.
type ChunkAllocator struct {
	reserveLimit int64
	reserved     atomic.Int64

	lists []*freeList
	next  atomic.Uint32

	acquirer MemoryAcquirer
	stats    atomicStats
}

// Option is a configuration option for ChunkAllocator.
type Option func(*ChunkAllocator)

// WithMemoryAcquirer charges every system-held byte to the given
// budget.
func WithMemoryAcquirer(acquirer MemoryAcquirer) Option {
	return func(a *ChunkAllocator) {
		a.acquirer = acquirer
	}
}

// NewChunkAllocator creates an allocator that parks up to
// reserveLimitBytes of freed chunks for reuse. A limit of 0 disables
// recycling entirely.
func NewChunkAllocator(reserveLimitBytes int64, numSlots int, opts ...Option) (*ChunkAllocator, error) {
	if reserveLimitBytes < 0 {
		return nil, fmt.Errorf("chunk allocator: reserve limit must not be negative, got %d", reserveLimitBytes)
	}
	if numSlots <= 0 {
		return nil, fmt.Errorf("chunk allocator: slot count must be positive, got %d", numSlots)
	}

	a := &ChunkAllocator{
		reserveLimit: reserveLimitBytes,
		lists:        make([]*freeList, numSlots),
	}
	for i := range a.lists {
		a.lists[i] = &freeList{}
	}

	for _, opt := range opts {
		opt(a)
	}

	return a, nil
}

// Allocate returns a chunk of at least size bytes, rounded up to the
// next power of two. The chunk must be returned with Free.
func (a *ChunkAllocator) Allocate(ctx context.Context, size int) (*Chunk, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk allocator: size must be positive, got %d", size)
	}
	if size > MaxChunkSize {
		return nil, fmt.Errorf("chunk allocator: size %d exceeds max chunk size %d", size, MaxChunkSize)
	}
	if size < MinChunkSize {
		size = MinChunkSize
	}

	class := bits.Len(uint(size - 1))
	rounded := 1 << class

	// Preferred slot first, then steal from the others.
	start := int(a.next.Add(1)) % len(a.lists)
	if c := a.lists[start].pop(class); c != nil {
		a.reserved.Add(-c.Size())
		a.stats.localHits.Add(1)
		return c, nil
	}
	for i := 1; i < len(a.lists); i++ {
		idx := (start + i) % len(a.lists)
		if c := a.lists[idx].pop(class); c != nil {
			a.reserved.Add(-c.Size())
			a.stats.stealHits.Add(1)
			return c, nil
		}
	}

	return a.systemAllocate(ctx, rounded, class)
}

func (a *ChunkAllocator) systemAllocate(ctx context.Context, size, class int) (*Chunk, error) {
	if a.acquirer != nil {
		if err := a.acquirer.AcquireMemory(ctx, int64(size)); err != nil {
			return nil, err
		}
	}

	c := &Chunk{class: class}
	if size >= mmapThreshold {
		m, err := mmap.MapAnon(size)
		if err != nil {
			if a.acquirer != nil {
				a.acquirer.ReleaseMemory(int64(size))
			}
			return nil, fmt.Errorf("chunk allocator: map %d bytes: %w", size, err)
		}
		c.region = m
		c.Data = m.Bytes()
	} else {
		c.Data = make([]byte, size)
	}

	a.stats.systemAllocs.Add(1)
	return c, nil
}

// Free returns a chunk to the allocator. Chunks that fit under the
// reserve limit are parked for reuse; the rest go back to the system.
func (a *ChunkAllocator) Free(c *Chunk) {
	if c == nil || c.Data == nil {
		return
	}

	size := c.Size()
	for {
		cur := a.reserved.Load()
		if cur+size > a.reserveLimit {
			a.systemFree(c)
			return
		}
		if a.reserved.CompareAndSwap(cur, cur+size) {
			break
		}
	}

	idx := int(a.next.Add(1)) % len(a.lists)
	a.lists[idx].push(c)
}

func (a *ChunkAllocator) systemFree(c *Chunk) {
	size := c.Size()
	if c.region != nil {
		_ = c.region.Release()
		c.region = nil
	}
	c.Data = nil

	if a.acquirer != nil {
		a.acquirer.ReleaseMemory(size)
	}
	a.stats.systemFrees.Add(1)
}

// Clear returns every parked chunk to the system.
func (a *ChunkAllocator) Clear() {
	for _, l := range a.lists {
		l.mu.Lock()
		for class := range l.classes {
			for _, c := range l.classes[class] {
				a.reserved.Add(-c.Size())
				a.systemFree(c)
			}
			l.classes[class] = nil
		}
		l.mu.Unlock()
	}
}

// ReserveLimit returns the configured free list budget in bytes.
func (a *ChunkAllocator) ReserveLimit() int64 { return a.reserveLimit }

// Stats returns the current allocator statistics.
func (a *ChunkAllocator) Stats() Stats {
	return Stats{
		LocalHits:     a.stats.localHits.Load(),
		StealHits:     a.stats.stealHits.Load(),
		SystemAllocs:  a.stats.systemAllocs.Load(),
		SystemFrees:   a.stats.systemFrees.Load(),
		ReservedBytes: a.reserved.Load(),
	}
}

func (a *ChunkAllocator) String() string {
	s := a.Stats()
	return fmt.Sprintf(
		"ChunkAllocator{reserved: %.2f MB of %.2f MB, local: %d, steal: %d, sys_alloc: %d, sys_free: %d}",
		float64(s.ReservedBytes)/(1024*1024),
		float64(a.reserveLimit)/(1024*1024),
		s.LocalHits,
		s.StealHits,
		s.SystemAllocs,
		s.SystemFrees,
	)
}
