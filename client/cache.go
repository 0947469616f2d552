// Package client caches gRPC connections to peer services (backends,
// frontends, brokers) with a per-host cap, so fragment exchange and
// metadata calls do not dial a fresh connection every time.
package client

import (
	"errors"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/basaltdb/basalt/metrics"
)

// ErrCacheClosed is returned when borrowing from a closed cache.
var ErrCacheClosed = errors.New("client: cache closed")

// DialFunc opens a connection to target. The default dials lazily with
// insecure transport credentials.
type DialFunc func(target string) (*grpc.ClientConn, error)

func defaultDial(target string) (*grpc.ClientConn, error) {
	return grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
}

// Options configures a Cache.
type Options struct {
	// Dial opens new connections. Defaults to an insecure lazy dial.
	Dial DialFunc
}

// DefaultOptions are the default cache options.
var DefaultOptions = Options{
	Dial: defaultDial,
}

// Cache pools idle connections per host. Borrow with Get, return with
// Put; connections beyond the per-host cap are closed on return.
type Cache struct {
	name       string
	maxPerHost int
	dial       DialFunc

	mu     sync.Mutex
	idle   map[string][]*grpc.ClientConn
	closed bool

	counters *metrics.ClientCacheCounters
}

// NewCache creates a connection cache holding at most maxPerHost idle
// connections per target host.
func NewCache(name string, maxPerHost int, optFns ...func(o *Options)) (*Cache, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if maxPerHost <= 0 {
		return nil, fmt.Errorf("client: cache %q: max per host must be positive, got %d", name, maxPerHost)
	}

	return &Cache{
		name:       name,
		maxPerHost: maxPerHost,
		dial:       opts.Dial,
		idle:       make(map[string][]*grpc.ClientConn),
	}, nil
}

// Name returns the cache name.
func (c *Cache) Name() string { return c.name }

// BindMetrics attaches per-cache connection counters. Called once
// during environment startup for the caches that report metrics.
func (c *Cache) BindMetrics(counters metrics.ClientCacheCounters) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters = &counters
}

// Get borrows a connection to host, reusing an idle one when
// available.
func (c *Cache) Get(host string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrCacheClosed
	}
	if c.counters != nil {
		c.counters.Get.Inc()
	}

	conns := c.idle[host]
	if n := len(conns); n > 0 {
		conn := conns[n-1]
		c.idle[host] = conns[:n-1]
		if c.counters != nil {
			c.counters.Reuse.Inc()
		}
		c.mu.Unlock()
		return conn, nil
	}
	counters := c.counters
	c.mu.Unlock()

	conn, err := c.dial(host)
	if err != nil {
		return nil, fmt.Errorf("client: cache %q: dial %s: %w", c.name, host, err)
	}
	if counters != nil {
		counters.Create.Inc()
	}
	return conn, nil
}

// Put returns a borrowed connection. Connections over the per-host cap,
// or returned after Close, are closed instead of pooled.
func (c *Cache) Put(host string, conn *grpc.ClientConn) {
	if conn == nil {
		return
	}

	c.mu.Lock()
	if c.closed || len(c.idle[host]) >= c.maxPerHost {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.idle[host] = append(c.idle[host], conn)
	c.mu.Unlock()
}

// IdleCount returns the number of pooled connections for host.
func (c *Cache) IdleCount(host string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.idle[host])
}

// Close closes every pooled connection. Borrowed connections are
// closed as they are returned.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	idle := c.idle
	c.idle = make(map[string][]*grpc.ClientConn)
	c.mu.Unlock()

	var firstErr error
	for _, conns := range idle {
		for _, conn := range conns {
			if err := conn.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
