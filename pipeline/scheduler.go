package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Logger is a simple interface for logging.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// noopLogger is a default logger that does nothing.
type noopLogger struct{}

func (l *noopLogger) Infof(format string, args ...interface{})  {}
func (l *noopLogger) Errorf(format string, args ...interface{}) {}

// Options configures a TaskScheduler.
type Options struct {
	// QueueSize bounds the ready-task queue.
	QueueSize int
	// PollInterval is how often the blocked scheduler rechecks parked
	// tasks.
	PollInterval time.Duration
	// Logger receives executor-level task failures.
	Logger Logger
}

// DefaultOptions holds the default scheduler configuration.
var DefaultOptions = Options{
	QueueSize:    1024,
	PollInterval: 10 * time.Millisecond,
}

// BlockedScheduler parks tasks waiting on dependencies and moves them
// back to the ready queue once Ready reports true.
type BlockedScheduler struct {
	queue    *TaskQueue
	interval time.Duration

	mu     sync.Mutex
	parked []Task
}

func newBlockedScheduler(queue *TaskQueue, interval time.Duration) *BlockedScheduler {
	return &BlockedScheduler{queue: queue, interval: interval}
}

func (b *BlockedScheduler) park(t Task) {
	b.mu.Lock()
	b.parked = append(b.parked, t)
	b.mu.Unlock()
}

// Len returns the number of parked tasks.
func (b *BlockedScheduler) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.parked)
}

func (b *BlockedScheduler) run(stopCh <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			b.sweep()
		}
	}
}

// sweep requeues every parked task whose dependency cleared. Tasks
// that do not fit in the queue stay parked until the next tick.
func (b *BlockedScheduler) sweep() {
	b.mu.Lock()
	var ready, still []Task
	for _, t := range b.parked {
		if t.Ready() {
			ready = append(ready, t)
		} else {
			still = append(still, t)
		}
	}
	b.parked = still
	b.mu.Unlock()

	for _, t := range ready {
		if !b.queue.tryOffer(t) {
			b.park(t)
		}
	}
}

// TaskScheduler drives pipeline tasks on a fixed pool of executor
// goroutines. Construct it, Start it once, Schedule tasks, and Stop it
// to join the executors.
type TaskScheduler struct {
	executors int
	queue     *TaskQueue
	blocked   *BlockedScheduler
	logger    Logger

	mu      sync.Mutex
	started atomic.Bool
	stopped atomic.Bool
	stopCh  chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	finished atomic.Uint64
	failed   atomic.Uint64
}

// NewTaskScheduler creates a scheduler with the given executor count.
func NewTaskScheduler(executors int, optFns ...func(o *Options)) (*TaskScheduler, error) {
	opts := DefaultOptions

	for _, fn := range optFns {
		fn(&opts)
	}

	if executors <= 0 {
		return nil, fmt.Errorf("pipeline: executor count must be positive, got %d", executors)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultOptions.PollInterval
	}
	if opts.Logger == nil {
		opts.Logger = &noopLogger{}
	}

	queue, err := NewTaskQueue(opts.QueueSize)
	if err != nil {
		return nil, err
	}

	return &TaskScheduler{
		executors: executors,
		queue:     queue,
		blocked:   newBlockedScheduler(queue, opts.PollInterval),
		logger:    opts.Logger,
	}, nil
}

// Start spins up the executors and the blocked scheduler. It fails if
// the scheduler already started or was stopped.
func (s *TaskScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped.Load() {
		return errors.New("pipeline: scheduler already stopped")
	}
	if s.started.Load() {
		return errors.New("pipeline: scheduler already started")
	}

	s.stopCh = make(chan struct{})
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(s.executors + 1)
	for i := 0; i < s.executors; i++ {
		go s.executorLoop()
	}
	go s.blocked.run(s.stopCh, &s.wg)

	s.started.Store(true)
	return nil
}

// Schedule submits a task, blocking while the ready queue is full.
func (s *TaskScheduler) Schedule(ctx context.Context, t Task) error {
	if !s.started.Load() || s.stopped.Load() {
		return errors.New("pipeline: scheduler not running")
	}
	return s.queue.Offer(ctx, t)
}

func (s *TaskScheduler) executorLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		case t := <-s.queue.ch:
			for t != nil {
				t = s.runTask(t)
				if t != nil {
					select {
					case <-s.stopCh:
						return
					default:
					}
				}
			}
		}
	}
}

// runTask executes one slice and routes the task by its outcome. It
// returns the task when it should run again on this executor, which
// happens when the ready queue is full.
func (s *TaskScheduler) runTask(t Task) Task {
	state, err := t.Execute(s.ctx)
	if err != nil {
		s.failed.Add(1)
		s.logger.Errorf("pipeline task failed: %v", err)
		return nil
	}

	switch state {
	case TaskReady:
		if s.queue.tryOffer(t) {
			return nil
		}
		return t
	case TaskBlocked:
		s.blocked.park(t)
	case TaskFinished:
		s.finished.Add(1)
	}
	return nil
}

// Stop joins the executors. Tasks still queued or parked are dropped;
// a task mid-execution sees its context canceled.
func (s *TaskScheduler) Stop() {
	s.mu.Lock()
	if !s.started.Load() || s.stopped.Load() {
		s.mu.Unlock()
		return
	}
	s.stopped.Store(true)
	close(s.stopCh)
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
}

// Executors returns the executor goroutine count.
func (s *TaskScheduler) Executors() int { return s.executors }

// QueueLen returns the number of ready tasks waiting for an executor.
func (s *TaskScheduler) QueueLen() int { return s.queue.Len() }

// BlockedLen returns the number of parked tasks.
func (s *TaskScheduler) BlockedLen() int { return s.blocked.Len() }

// FinishedCount returns how many tasks completed.
func (s *TaskScheduler) FinishedCount() uint64 { return s.finished.Load() }

// FailedCount returns how many tasks failed.
func (s *TaskScheduler) FailedCount() uint64 { return s.failed.Load() }
