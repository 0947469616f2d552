package arena

import (
	"context"
	"testing"

	"github.com/basaltdb/basalt/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkAllocator_RoundsToPowerOfTwo(t *testing.T) {
	a, err := NewChunkAllocator(1<<20, 2)
	require.NoError(t, err)
	ctx := context.Background()

	c, err := a.Allocate(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(MinChunkSize), c.Size())
	a.Free(c)

	c, err = a.Allocate(ctx, 5000)
	require.NoError(t, err)
	assert.Equal(t, int64(8192), c.Size())
	a.Free(c)

	c, err = a.Allocate(ctx, 8192)
	require.NoError(t, err)
	assert.Equal(t, int64(8192), c.Size())
	a.Free(c)
}

func TestChunkAllocator_RejectsBadSizes(t *testing.T) {
	a, err := NewChunkAllocator(0, 1)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = a.Allocate(ctx, 0)
	assert.Error(t, err)

	_, err = a.Allocate(ctx, -5)
	assert.Error(t, err)

	_, err = a.Allocate(ctx, MaxChunkSize+1)
	assert.Error(t, err)

	_, err = NewChunkAllocator(-1, 1)
	assert.Error(t, err)

	_, err = NewChunkAllocator(0, 0)
	assert.Error(t, err)
}

func TestChunkAllocator_RecyclesFreedChunks(t *testing.T) {
	a, err := NewChunkAllocator(1<<20, 2)
	require.NoError(t, err)
	ctx := context.Background()

	c, err := a.Allocate(ctx, 4096)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), a.Stats().SystemAllocs)

	a.Free(c)
	assert.Equal(t, int64(4096), a.Stats().ReservedBytes)

	// Same class again: served from a free list, not the system.
	c2, err := a.Allocate(ctx, 4000)
	require.NoError(t, err)
	st := a.Stats()
	assert.Equal(t, uint64(1), st.SystemAllocs)
	assert.Equal(t, uint64(1), st.LocalHits+st.StealHits)
	assert.Equal(t, int64(0), st.ReservedBytes)

	// A different class misses the lists.
	c3, err := a.Allocate(ctx, 8192)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), a.Stats().SystemAllocs)

	a.Free(c2)
	a.Free(c3)
}

func TestChunkAllocator_ReserveLimit(t *testing.T) {
	// Room for exactly one 4 KiB chunk.
	a, err := NewChunkAllocator(4096, 1)
	require.NoError(t, err)
	ctx := context.Background()

	c1, err := a.Allocate(ctx, 4096)
	require.NoError(t, err)
	c2, err := a.Allocate(ctx, 4096)
	require.NoError(t, err)

	a.Free(c1)
	assert.Equal(t, int64(4096), a.Stats().ReservedBytes)

	// Over the reserve limit: goes back to the system.
	a.Free(c2)
	st := a.Stats()
	assert.Equal(t, int64(4096), st.ReservedBytes)
	assert.Equal(t, uint64(1), st.SystemFrees)
}

func TestChunkAllocator_ZeroLimitNeverParks(t *testing.T) {
	a, err := NewChunkAllocator(0, 1)
	require.NoError(t, err)
	ctx := context.Background()

	c, err := a.Allocate(ctx, 4096)
	require.NoError(t, err)
	a.Free(c)

	st := a.Stats()
	assert.Equal(t, int64(0), st.ReservedBytes)
	assert.Equal(t, uint64(1), st.SystemFrees)
}

func TestChunkAllocator_TrackerAccounting(t *testing.T) {
	tr := resource.NewTracker(resource.TrackerConfig{MemLimitBytes: 1 << 20})
	a, err := NewChunkAllocator(1<<20, 1, WithMemoryAcquirer(tr))
	require.NoError(t, err)
	ctx := context.Background()

	c, err := a.Allocate(ctx, 4096)
	require.NoError(t, err)
	assert.Equal(t, int64(4096), tr.MemoryUsage())

	// Parked chunks still hold their budget.
	a.Free(c)
	assert.Equal(t, int64(4096), tr.MemoryUsage())

	// Clearing the lists returns it.
	a.Clear()
	assert.Equal(t, int64(0), tr.MemoryUsage())

	// A denied budget fails the allocation.
	small := resource.NewTracker(resource.TrackerConfig{MemLimitBytes: 1024})
	b, err := NewChunkAllocator(0, 1, WithMemoryAcquirer(small))
	require.NoError(t, err)
	cctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = b.Allocate(cctx, 4096)
	assert.Error(t, err)
}

func TestGlobalChunkAllocator_CreateOnce(t *testing.T) {
	ResetGlobalChunkAllocatorForTesting()
	t.Cleanup(ResetGlobalChunkAllocatorForTesting)

	assert.Nil(t, GlobalChunkAllocator())

	first, err := CreateGlobalChunkAllocator(1<<20, 2)
	require.NoError(t, err)

	second, err := CreateGlobalChunkAllocator(1<<10, 1)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, int64(1<<20), second.ReserveLimit())
}
