package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_GaugeFuncLifecycle(t *testing.T) {
	r := NewRegistry("basalt")

	val := 3.0
	err := r.RegisterGaugeFunc("pool_thread_num", "Threads in the pool.", func() float64 { return val })
	require.NoError(t, err)
	assert.Equal(t, 1, r.GaugeCount())

	// Duplicate names are rejected.
	err = r.RegisterGaugeFunc("pool_thread_num", "dup", func() float64 { return 0 })
	assert.Error(t, err)

	// The hook is read at scrape time.
	families, err := r.Gatherer().Gather()
	require.NoError(t, err)
	found := false
	for _, mf := range families {
		if mf.GetName() == "basalt_pool_thread_num" {
			found = true
			require.Len(t, mf.GetMetric(), 1)
			assert.Equal(t, 3.0, mf.GetMetric()[0].GetGauge().GetValue())
		}
	}
	assert.True(t, found, "gauge should be gathered")

	r.Deregister("pool_thread_num")
	assert.Equal(t, 0, r.GaugeCount())

	// Deregistering again, or a name never bound, is a no-op.
	r.Deregister("pool_thread_num")
	r.Deregister("never_bound_gauge")

	// The name is free again after deregistration.
	err = r.RegisterGaugeFunc("pool_thread_num", "Threads in the pool.", func() float64 { return 7 })
	require.NoError(t, err)
}

func TestRegistry_ClientCacheCounters(t *testing.T) {
	r := NewRegistry("basalt")

	backend := r.ClientCacheCounters("backend")
	backend.Get.Inc()
	backend.Get.Inc()
	backend.Reuse.Inc()
	backend.Create.Inc()

	frontend := r.ClientCacheCounters("frontend")
	frontend.Get.Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(backend.Get))
	assert.Equal(t, 1.0, testutil.ToFloat64(backend.Reuse))
	assert.Equal(t, 1.0, testutil.ToFloat64(backend.Create))
	assert.Equal(t, 1.0, testutil.ToFloat64(frontend.Get))
	assert.Equal(t, 0.0, testutil.ToFloat64(frontend.Create))
}

func TestRegistry_Handler(t *testing.T) {
	r := NewRegistry("basalt")
	require.NoError(t, r.RegisterGaugeFunc("queue_size", "Queued tasks.", func() float64 { return 42 }))

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "basalt_queue_size 42")
}
