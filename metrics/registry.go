// Package metrics exposes runtime gauges and counters through a
// dedicated Prometheus registry. Subsystems bind named gauge hooks
// during startup and unbind them on shutdown; unbinding a name that
// was never bound is a no-op so teardown stays order-insensitive.
package metrics

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns the process metrics. It wraps its own Prometheus
// registry rather than the global default so tests and restarts never
// collide on duplicate registration.
type Registry struct {
	namespace string
	reg       *prometheus.Registry

	mu     sync.Mutex
	gauges map[string]prometheus.GaugeFunc

	clientCacheEvents *prometheus.CounterVec
}

// NewRegistry creates a registry. All metric names are prefixed with
// the given namespace.
func NewRegistry(namespace string) *Registry {
	reg := prometheus.NewRegistry()

	clientCacheEvents := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_cache_events_total",
			Help:      "Connection cache activity per service cache.",
		},
		[]string{"cache", "event"},
	)
	reg.MustRegister(clientCacheEvents)

	return &Registry{
		namespace:         namespace,
		reg:               reg,
		gauges:            make(map[string]prometheus.GaugeFunc),
		clientCacheEvents: clientCacheEvents,
	}
}

// RegisterGaugeFunc binds name to fn so every scrape reports the
// current value. Registering a name twice is an error.
func (r *Registry) RegisterGaugeFunc(name, help string, fn func() float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.gauges[name]; ok {
		return fmt.Errorf("metrics: gauge %q already registered", name)
	}

	g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: r.namespace,
		Name:      name,
		Help:      help,
	}, fn)

	if err := r.reg.Register(g); err != nil {
		return err
	}

	r.gauges[name] = g
	return nil
}

// Deregister unbinds the gauge registered under name. Names that were
// never bound are ignored.
func (r *Registry) Deregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.gauges[name]
	if !ok {
		return
	}

	r.reg.Unregister(g)
	delete(r.gauges, name)
}

// GaugeCount returns the number of currently bound gauge hooks.
func (r *Registry) GaugeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.gauges)
}

// ClientCacheCounters are the per-cache connection counters bound to
// one service client cache.
type ClientCacheCounters struct {
	// Get counts lookups against the cache.
	Get prometheus.Counter
	// Reuse counts lookups satisfied by a pooled connection.
	Reuse prometheus.Counter
	// Create counts new connections dialed on a miss.
	Create prometheus.Counter
}

// ClientCacheCounters returns the counters for the named cache,
// creating them on first use.
func (r *Registry) ClientCacheCounters(cache string) ClientCacheCounters {
	return ClientCacheCounters{
		Get:    r.clientCacheEvents.WithLabelValues(cache, "get"),
		Reuse:  r.clientCacheEvents.WithLabelValues(cache, "reuse"),
		Create: r.clientCacheEvents.WithLabelValues(cache, "create"),
	}
}

// Gatherer returns the underlying registry for scraping.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Handler returns an HTTP handler serving the registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
