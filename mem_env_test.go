package basalt

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basaltdb/basalt/arena"
	"github.com/basaltdb/basalt/cache"
	"github.com/basaltdb/basalt/segment"
)

func TestHalveWhileAbove(t *testing.T) {
	tests := []struct {
		v, bound, want int64
	}{
		{700, 500, 350},
		{2500, 500, 312},
		{500, 500, 500},
		{300, 500, 300},
		{1024, 512, 512},
		{0, 500, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, halveWhileAbove(tt.v, tt.bound),
			"halveWhileAbove(%d, %d)", tt.v, tt.bound)
	}
}

func TestSegmentCacheCapacity(t *testing.T) {
	assert.Equal(t, 2000, segmentCacheCapacity(3000))
	assert.Equal(t, 40000, segmentCacheCapacity(60000))
}

func TestMemoryBudgets(t *testing.T) {
	t.Run("AbsolutePageCacheSpecHalved", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Cache.StoragePageCacheLimit = "700"
		e := newTestEnv(t, WithConfig(cfg))

		// 700 exceeds half of the 1000 byte limit and gets halved once.
		require.NoError(t, e.Init(storeDirs(t, 1)))

		pc := cache.GlobalPageCache()
		require.NotNil(t, pc)
		total := pc.Capacity(cache.DataPage) + pc.Capacity(cache.IndexPage)
		assert.Equal(t, int64(350), total)
	})

	t.Run("PercentPageCacheSpecNotHalved", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Cache.StoragePageCacheLimit = "90%"
		e := newTestEnv(t, WithConfig(cfg))

		require.NoError(t, e.Init(storeDirs(t, 1)))

		pc := cache.GlobalPageCache()
		require.NotNil(t, pc)
		total := pc.Capacity(cache.DataPage) + pc.Capacity(cache.IndexPage)
		assert.Equal(t, int64(900), total)
	})

	t.Run("IndexShareOfPageCache", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Cache.StoragePageCacheLimit = "700"
		e := newTestEnv(t, WithConfig(cfg))

		require.NoError(t, e.Init(storeDirs(t, 1)))

		pc := cache.GlobalPageCache()
		require.NotNil(t, pc)
		assert.Equal(t, int64(35), pc.Capacity(cache.IndexPage))
		assert.Equal(t, int64(315), pc.Capacity(cache.DataPage))
	})

	t.Run("SegmentLoaderFromDescriptorLimit", func(t *testing.T) {
		e := newTestEnv(t)

		require.NoError(t, e.Init(storeDirs(t, 1)))

		require.NotNil(t, segment.GlobalLoader())
		assert.Equal(t, 2000, segment.GlobalLoader().Capacity())
	})

	t.Run("SegmentLoaderFallsBackOnDescriptorError", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Memory.MinFileDescriptorNumber = 3000
		sys := testSys()
		sys.FDs = 0
		sys.FDErr = errors.New("rlimit unavailable")
		e := newTestEnv(t, WithConfig(cfg), WithSysProvider(sys))

		require.NoError(t, e.Init(storeDirs(t, 1)))

		require.NotNil(t, segment.GlobalLoader())
		assert.Equal(t, 2000, segment.GlobalLoader().Capacity())
	})

	t.Run("ChunkReservationRoundedToGranularity", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Memory.MinChunkReservedBytes = 64
		cfg.Memory.ChunkReservedBytesLimit = "130"
		e := newTestEnv(t, WithConfig(cfg))

		require.NoError(t, e.Init(storeDirs(t, 1)))

		require.NotNil(t, arena.GlobalChunkAllocator())
		assert.Equal(t, int64(128), arena.GlobalChunkAllocator().ReserveLimit())
	})

	t.Run("SingletonsSurviveReinit", func(t *testing.T) {
		e := newTestEnv(t)
		require.NoError(t, e.Init(storeDirs(t, 1)))

		pc := cache.GlobalPageCache()
		loader := segment.GlobalLoader()
		alloc := arena.GlobalChunkAllocator()

		e.Destroy()

		e2 := NewEnv(WithConfig(testConfig(t)), WithSysProvider(testSys()))
		t.Cleanup(e2.Destroy)
		require.NoError(t, e2.Init(storeDirs(t, 1)))

		assert.Same(t, pc, cache.GlobalPageCache())
		assert.Same(t, loader, segment.GlobalLoader())
		assert.Same(t, alloc, arena.GlobalChunkAllocator())
	})
}
