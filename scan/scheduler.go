// Package scan schedules storage scan work onto dedicated local and
// remote pools and tracks the contexts of external scan readers.
package scan

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/basaltdb/basalt/pool"
	"github.com/basaltdb/basalt/resource"
)

// Logger is a simple interface for logging.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type noopLogger struct{}

func (l *noopLogger) Infof(format string, args ...interface{})  {}
func (l *noopLogger) Errorf(format string, args ...interface{}) {}

// Env is the slice of the process environment the scheduler draws on
// at init time.
type Env interface {
	// RootMemTracker is the budget scan buffers are charged against.
	RootMemTracker() *resource.Tracker
	// StorePathCount scales the local scan pool.
	StorePathCount() int
}

// Options configures a Scheduler.
type Options struct {
	// LocalThreads caps the pool reading local store paths. The pool
	// is sized by the larger of LocalThreads and the store path count.
	LocalThreads int
	// RemoteThreads caps the pool reading remote storage.
	RemoteThreads int
	// QueueSize bounds each pool's pending-task queue.
	QueueSize int
	// Logger receives scan task failures.
	Logger Logger
}

// DefaultOptions holds the default scheduler configuration.
var DefaultOptions = Options{
	QueueSize: 1024,
}

// Task is one scan slice handed to the scheduler.
type Task struct {
	// Run reads the assigned ranges.
	Run func(ctx context.Context) error
	// Remote routes the task to the remote-storage pool.
	Remote bool
	// BufferBytes is charged against the memory budget while the task
	// runs. Zero skips admission.
	BufferBytes int64
}

// Scheduler serves scan tasks from two bounded pools, one for local
// store paths and one for remote storage. Construct it first and call
// Init once the environment is assembled.
type Scheduler struct {
	opts Options

	inited  atomic.Bool
	stopped atomic.Bool

	tracker    *resource.Tracker
	localPool  *pool.ThreadPool
	remotePool *pool.ThreadPool
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewScheduler creates an unstarted scheduler.
func NewScheduler(optFns ...func(o *Options)) *Scheduler {
	opts := DefaultOptions

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.LocalThreads <= 0 {
		opts.LocalThreads = runtime.NumCPU()
	}
	if opts.RemoteThreads <= 0 {
		opts.RemoteThreads = 2 * runtime.NumCPU()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultOptions.QueueSize
	}
	if opts.Logger == nil {
		opts.Logger = &noopLogger{}
	}

	return &Scheduler{opts: opts}
}

// Init builds the scan pools from the environment. Calling it again
// is a no-op.
func (s *Scheduler) Init(env Env) error {
	if env == nil {
		return errors.New("scan: nil environment")
	}
	if s.inited.Load() {
		return nil
	}

	localThreads := s.opts.LocalThreads
	if n := env.StorePathCount(); n > localThreads {
		localThreads = n
	}

	localPool, err := pool.New("scan_local", func(o *pool.Options) {
		o.MinThreads = 1
		o.MaxThreads = localThreads
		o.MaxQueueSize = s.opts.QueueSize
	})
	if err != nil {
		return fmt.Errorf("scan: local pool: %w", err)
	}

	remotePool, err := pool.New("scan_remote", func(o *pool.Options) {
		o.MinThreads = 1
		o.MaxThreads = s.opts.RemoteThreads
		o.MaxQueueSize = s.opts.QueueSize
	})
	if err != nil {
		localPool.Close()
		return fmt.Errorf("scan: remote pool: %w", err)
	}

	s.tracker = env.RootMemTracker()
	s.localPool = localPool
	s.remotePool = remotePool
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.inited.Store(true)
	return nil
}

// Submit queues a scan task, blocking while the target pool is full.
// The task's buffer budget is acquired before queueing and released
// when the task returns.
func (s *Scheduler) Submit(ctx context.Context, t Task) error {
	if !s.inited.Load() || s.stopped.Load() {
		return errors.New("scan: scheduler not running")
	}
	if t.Run == nil {
		return errors.New("scan: task has no run function")
	}

	if t.BufferBytes > 0 {
		if err := s.tracker.AcquireMemory(ctx, t.BufferBytes); err != nil {
			return err
		}
	}

	p := s.localPool
	if t.Remote {
		p = s.remotePool
	}

	err := p.Submit(ctx, func() {
		defer func() {
			if t.BufferBytes > 0 {
				s.tracker.ReleaseMemory(t.BufferBytes)
			}
		}()
		if err := t.Run(s.ctx); err != nil {
			s.opts.Logger.Errorf("scan task failed: %v", err)
		}
	})
	if err != nil {
		if t.BufferBytes > 0 {
			s.tracker.ReleaseMemory(t.BufferBytes)
		}
		return err
	}
	return nil
}

// QueueDepth returns the number of tasks waiting in both pools.
func (s *Scheduler) QueueDepth() int {
	if !s.inited.Load() {
		return 0
	}
	return s.localPool.QueueSize() + s.remotePool.QueueSize()
}

// Stop cancels running tasks and drains both pools. Idempotent.
func (s *Scheduler) Stop() {
	if !s.inited.Load() || !s.stopped.CompareAndSwap(false, true) {
		return
	}
	s.cancel()
	s.localPool.Close()
	s.remotePool.Close()
}
