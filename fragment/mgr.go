// Package fragment runs the plan fragment instances handed to this
// backend and tracks them until they finish or are canceled.
package fragment

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/basaltdb/basalt/internal/uid"
	"github.com/basaltdb/basalt/pool"
)

var (
	// ErrDuplicateInstance is returned when an instance ID is already
	// executing.
	ErrDuplicateInstance = errors.New("fragment: duplicate instance")
	// ErrMgrStopped is returned when submitting to a stopped manager.
	ErrMgrStopped = errors.New("fragment: manager stopped")
)

// Logger is a simple interface for logging.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type noopLogger struct{}

func (l *noopLogger) Infof(format string, args ...interface{})  {}
func (l *noopLogger) Errorf(format string, args ...interface{}) {}

// Options configures a Mgr.
type Options struct {
	// Threads caps the fragment execution pool.
	Threads int
	// QueueSize bounds fragments admitted but not yet running.
	QueueSize int
	// Logger receives fragment failures.
	Logger Logger
}

// DefaultOptions holds the default manager configuration.
var DefaultOptions = Options{
	QueueSize: 1024,
}

// Params describes one fragment instance execution.
type Params struct {
	QueryID    uid.ID
	InstanceID uid.ID
	// Exec runs the fragment's pipeline tree.
	Exec func(ctx context.Context) error
	// OnFinish, when set, receives the terminal status of the
	// instance. It runs after the instance is deregistered.
	OnFinish func(err error)
}

type execution struct {
	queryID uid.ID
	cancel  context.CancelFunc
	done    chan struct{}
}

// Mgr executes fragment instances on a bounded pool, keyed by instance
// ID so coordinators can cancel them individually or per query.
type Mgr struct {
	opts Options
	pool *pool.ThreadPool

	mu        sync.Mutex
	instances map[uid.ID]*execution
	stopped   atomic.Bool
}

// NewMgr creates a fragment manager with a running execution pool.
func NewMgr(optFns ...func(o *Options)) (*Mgr, error) {
	opts := DefaultOptions

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Threads <= 0 {
		opts.Threads = runtime.NumCPU()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultOptions.QueueSize
	}
	if opts.Logger == nil {
		opts.Logger = &noopLogger{}
	}

	p, err := pool.New("fragment_exec", func(o *pool.Options) {
		o.MinThreads = 1
		o.MaxThreads = opts.Threads
		o.MaxQueueSize = opts.QueueSize
	})
	if err != nil {
		return nil, err
	}

	return &Mgr{
		opts:      opts,
		pool:      p,
		instances: make(map[uid.ID]*execution),
	}, nil
}

// Exec admits a fragment instance. It fails when the instance ID is
// already live or the execution pool is saturated.
func (m *Mgr) Exec(p Params) error {
	if m.stopped.Load() {
		return ErrMgrStopped
	}
	if p.Exec == nil {
		return errors.New("fragment: no exec function")
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &execution{
		queryID: p.QueryID,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	if _, ok := m.instances[p.InstanceID]; ok {
		m.mu.Unlock()
		cancel()
		return fmt.Errorf("%w: %s", ErrDuplicateInstance, p.InstanceID)
	}
	m.instances[p.InstanceID] = e
	m.mu.Unlock()

	err := m.pool.TrySubmit(func() { m.run(ctx, p, e) })
	if err != nil {
		m.remove(p.InstanceID)
		cancel()
		return fmt.Errorf("fragment: admit instance %s: %w", p.InstanceID, err)
	}
	return nil
}

func (m *Mgr) run(ctx context.Context, p Params, e *execution) {
	err := p.Exec(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		m.opts.Logger.Errorf("fragment instance %s failed: %v", p.InstanceID, err)
	}

	m.remove(p.InstanceID)
	e.cancel()
	close(e.done)

	if p.OnFinish != nil {
		p.OnFinish(err)
	}
}

func (m *Mgr) remove(instanceID uid.ID) {
	m.mu.Lock()
	delete(m.instances, instanceID)
	m.mu.Unlock()
}

// Cancel interrupts one fragment instance if it is live.
func (m *Mgr) Cancel(instanceID uid.ID) {
	m.mu.Lock()
	e, ok := m.instances[instanceID]
	m.mu.Unlock()

	if ok {
		e.cancel()
	}
}

// CancelQuery interrupts every live instance of the query.
func (m *Mgr) CancelQuery(queryID uid.ID) {
	m.mu.Lock()
	var targets []*execution
	for _, e := range m.instances {
		if e.queryID == queryID {
			targets = append(targets, e)
		}
	}
	m.mu.Unlock()

	for _, e := range targets {
		e.cancel()
	}
}

// InstanceCount returns the number of live instances.
func (m *Mgr) InstanceCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.instances)
}

// Stop cancels all live instances and drains the pool. Idempotent.
func (m *Mgr) Stop() {
	if !m.stopped.CompareAndSwap(false, true) {
		return
	}

	m.mu.Lock()
	var live []*execution
	for _, e := range m.instances {
		live = append(live, e)
	}
	m.mu.Unlock()

	for _, e := range live {
		e.cancel()
	}
	m.pool.Close()
}
