package client

import (
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basaltdb/basalt/metrics"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// countingDial dials lazily, so no listener is needed.
func countingDial(dials *atomic.Int32) DialFunc {
	return func(target string) (*grpc.ClientConn, error) {
		dials.Add(1)
		return grpc.NewClient("passthrough:///"+target,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		)
	}
}

func TestCache_ReusesReturnedConnections(t *testing.T) {
	var dials atomic.Int32
	c, err := NewCache("backend", 2, func(o *Options) { o.Dial = countingDial(&dials) })
	require.NoError(t, err)
	defer c.Close()

	conn, err := c.Get("be1:9060")
	require.NoError(t, err)
	assert.Equal(t, int32(1), dials.Load())

	c.Put("be1:9060", conn)
	assert.Equal(t, 1, c.IdleCount("be1:9060"))

	again, err := c.Get("be1:9060")
	require.NoError(t, err)
	assert.Same(t, conn, again)
	assert.Equal(t, int32(1), dials.Load())
	assert.Equal(t, 0, c.IdleCount("be1:9060"))

	// A different host dials fresh.
	other, err := c.Get("be2:9060")
	require.NoError(t, err)
	assert.Equal(t, int32(2), dials.Load())

	c.Put("be1:9060", again)
	c.Put("be2:9060", other)
}

func TestCache_PerHostCap(t *testing.T) {
	var dials atomic.Int32
	c, err := NewCache("backend", 1, func(o *Options) { o.Dial = countingDial(&dials) })
	require.NoError(t, err)
	defer c.Close()

	c1, err := c.Get("be1:9060")
	require.NoError(t, err)
	c2, err := c.Get("be1:9060")
	require.NoError(t, err)

	c.Put("be1:9060", c1)
	c.Put("be1:9060", c2) // over the cap: closed, not pooled
	assert.Equal(t, 1, c.IdleCount("be1:9060"))
}

func TestCache_Close(t *testing.T) {
	var dials atomic.Int32
	c, err := NewCache("frontend", 2, func(o *Options) { o.Dial = countingDial(&dials) })
	require.NoError(t, err)

	conn, err := c.Get("fe1:9020")
	require.NoError(t, err)
	c.Put("fe1:9020", conn)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err = c.Get("fe1:9020")
	assert.ErrorIs(t, err, ErrCacheClosed)

	// Returns after close are closed, not pooled.
	late, err := countingDial(&dials)("fe1:9020")
	require.NoError(t, err)
	c.Put("fe1:9020", late)
	assert.Equal(t, 0, c.IdleCount("fe1:9020"))
}

func TestCache_Metrics(t *testing.T) {
	var dials atomic.Int32
	c, err := NewCache("broker", 2, func(o *Options) { o.Dial = countingDial(&dials) })
	require.NoError(t, err)
	defer c.Close()

	reg := metrics.NewRegistry("basalt")
	counters := reg.ClientCacheCounters("broker")
	c.BindMetrics(counters)

	conn, err := c.Get("broker1:8000")
	require.NoError(t, err)
	c.Put("broker1:8000", conn)
	_, err = c.Get("broker1:8000")
	require.NoError(t, err)

	assert.Equal(t, 2.0, testutil.ToFloat64(counters.Get))
	assert.Equal(t, 1.0, testutil.ToFloat64(counters.Reuse))
	assert.Equal(t, 1.0, testutil.ToFloat64(counters.Create))

	c.Put("broker1:8000", conn)
}

func TestCache_Validation(t *testing.T) {
	_, err := NewCache("backend", 0)
	assert.Error(t, err)
}
