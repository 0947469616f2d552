package resource

import (
	"errors"
	"runtime"
	"sync"

	"github.com/basaltdb/basalt/pool"
)

// ErrThreadMgrClosed is returned when registering a pool on a closed
// manager.
var ErrThreadMgrClosed = errors.New("resource: thread manager closed")

const defaultPoolQueueSize = 1024

// ThreadMgr hands out named worker pools so concurrent query fragments
// share a bounded set of execution threads instead of spawning their
// own.
type ThreadMgr struct {
	mu     sync.Mutex
	pools  map[string]*pool.ThreadPool
	closed bool

	threadsPerPool int
	queueSize      int
}

// NewThreadMgr creates a thread manager. A threadsPerPool of 0 sizes
// pools to the number of CPUs.
func NewThreadMgr(threadsPerPool, queueSize int) *ThreadMgr {
	if threadsPerPool <= 0 {
		threadsPerPool = runtime.NumCPU()
	}
	if queueSize <= 0 {
		queueSize = defaultPoolQueueSize
	}
	return &ThreadMgr{
		pools:          make(map[string]*pool.ThreadPool),
		threadsPerPool: threadsPerPool,
		queueSize:      queueSize,
	}
}

// RegisterPool returns the pool registered under name, creating it on
// first use.
func (m *ThreadMgr) RegisterPool(name string) (*pool.ThreadPool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrThreadMgrClosed
	}

	if p, ok := m.pools[name]; ok {
		return p, nil
	}

	p, err := pool.New(name, func(o *pool.Options) {
		o.MinThreads = 1
		o.MaxThreads = m.threadsPerPool
		o.MaxQueueSize = m.queueSize
	})
	if err != nil {
		return nil, err
	}

	m.pools[name] = p
	return p, nil
}

// UnregisterPool closes and forgets the pool registered under name.
// Unknown names are ignored.
func (m *ThreadMgr) UnregisterPool(name string) {
	m.mu.Lock()
	p := m.pools[name]
	delete(m.pools, name)
	m.mu.Unlock()

	if p != nil {
		p.Close()
	}
}

// PoolCount returns the number of registered pools.
func (m *ThreadMgr) PoolCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pools)
}

// Close shuts down every registered pool. Further registrations fail
// with ErrThreadMgrClosed.
func (m *ThreadMgr) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	pools := m.pools
	m.pools = nil
	m.mu.Unlock()

	for _, p := range pools {
		p.Close()
	}
}
