package load

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/basaltdb/basalt/pool"
)

var (
	// ErrTaskNotFound is returned when querying an unknown task id.
	ErrTaskNotFound = errors.New("load: task not found")
	// ErrTooManyTasks is returned when the routine-load concurrency
	// limit is reached.
	ErrTooManyTasks = errors.New("load: too many routine-load tasks")
	// ErrExecutorStopped is returned when submitting to a released
	// executor.
	ErrExecutorStopped = errors.New("load: executor stopped")
)

// TaskState is the lifecycle state of a load task.
type TaskState int32

const (
	// TaskPending means the task is queued but not yet running.
	TaskPending TaskState = iota
	// TaskRunning means the task is executing.
	TaskRunning
	// TaskSucceeded means the task finished without error.
	TaskSucceeded
	// TaskFailed means the task finished with an error.
	TaskFailed
)

func (s TaskState) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskRunning:
		return "running"
	case TaskSucceeded:
		return "succeeded"
	case TaskFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// TaskStatus is a point-in-time snapshot of a load task.
type TaskStatus struct {
	ID    string
	Label string
	State TaskState
	Err   error
}

type taskEntry struct {
	id     string
	label  string
	state  TaskState
	err    error
	cancel context.CancelFunc
	done   chan struct{}
}

// taskSet is the id-keyed bookkeeping shared by both executors.
type taskSet struct {
	mu    sync.Mutex
	tasks map[string]*taskEntry
}

func newTaskSet() taskSet {
	return taskSet{tasks: make(map[string]*taskEntry)}
}

func (s *taskSet) add(e *taskEntry) {
	s.mu.Lock()
	s.tasks[e.id] = e
	s.mu.Unlock()
}

func (s *taskSet) get(id string) (*taskEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[id]
	return e, ok
}

func (s *taskSet) setState(id string, state TaskState, err error) {
	s.mu.Lock()
	if e, ok := s.tasks[id]; ok {
		e.state = state
		e.err = err
	}
	s.mu.Unlock()
}

func (s *taskSet) status(id string) (TaskStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.tasks[id]
	if !ok {
		return TaskStatus{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return TaskStatus{ID: e.id, Label: e.label, State: e.state, Err: e.err}, nil
}

func (s *taskSet) forget(id string) {
	s.mu.Lock()
	delete(s.tasks, id)
	s.mu.Unlock()
}

func (s *taskSet) cancelAll() {
	s.mu.Lock()
	entries := make([]*taskEntry, 0, len(s.tasks))
	for _, e := range s.tasks {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	for _, e := range entries {
		e.cancel()
	}
}

func (s *taskSet) activeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range s.tasks {
		if e.state == TaskPending || e.state == TaskRunning {
			n++
		}
	}
	return n
}

// StreamLoadExecutor runs one-shot stream loads on the shared batch
// pool. Each load gets a uuid task id the caller polls or waits on.
type StreamLoadExecutor struct {
	pool    *pool.ThreadPool
	logger  Logger
	tasks   taskSet
	stopped atomic.Bool
}

// NewStreamLoadExecutor creates an executor over the batch pool.
func NewStreamLoadExecutor(p *pool.ThreadPool, logger Logger) (*StreamLoadExecutor, error) {
	if p == nil {
		return nil, errors.New("load: pool must not be nil")
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &StreamLoadExecutor{pool: p, logger: logger, tasks: newTaskSet()}, nil
}

// Execute queues fn on the pool and returns its task id. A full queue
// surfaces as pool.ErrQueueFull so the caller can push back.
func (e *StreamLoadExecutor) Execute(ctx context.Context, label string, fn func(ctx context.Context) error) (string, error) {
	if fn == nil {
		return "", errors.New("load: fn must not be nil")
	}
	if e.stopped.Load() {
		return "", ErrExecutorStopped
	}

	taskCtx, cancel := context.WithCancel(ctx)
	entry := &taskEntry{
		id:     uuid.NewString(),
		label:  label,
		state:  TaskPending,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	e.tasks.add(entry)

	err := e.pool.TrySubmit(func() {
		defer close(entry.done)
		defer cancel()

		e.tasks.setState(entry.id, TaskRunning, nil)
		if err := fn(taskCtx); err != nil {
			e.tasks.setState(entry.id, TaskFailed, err)
			e.logger.Errorf("load: stream load %s (%s) failed: %v", entry.id, label, err)
			return
		}
		e.tasks.setState(entry.id, TaskSucceeded, nil)
	})
	if err != nil {
		e.tasks.forget(entry.id)
		cancel()
		return "", fmt.Errorf("load: admit stream load %q: %w", label, err)
	}

	return entry.id, nil
}

// Status returns a snapshot of the task.
func (e *StreamLoadExecutor) Status(id string) (TaskStatus, error) {
	return e.tasks.status(id)
}

// Wait blocks until the task finishes and returns its error.
func (e *StreamLoadExecutor) Wait(ctx context.Context, id string) error {
	entry, ok := e.tasks.get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	select {
	case <-entry.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	status, err := e.tasks.status(id)
	if err != nil {
		return err
	}
	return status.Err
}

// Cancel interrupts a running task. Cancelling an unknown id is a
// no-op.
func (e *StreamLoadExecutor) Cancel(id string) {
	if entry, ok := e.tasks.get(id); ok {
		entry.cancel()
	}
}

// Forget drops a finished task's bookkeeping.
func (e *StreamLoadExecutor) Forget(id string) {
	e.tasks.forget(id)
}

// ActiveCount returns the number of pending or running tasks.
func (e *StreamLoadExecutor) ActiveCount() int {
	return e.tasks.activeCount()
}

// Release stops accepting tasks and cancels the in-flight ones. The
// shared pool stays up.
func (e *StreamLoadExecutor) Release() {
	if !e.stopped.CompareAndSwap(false, true) {
		return
	}
	e.tasks.cancelAll()
}

// RoutineLoadExecutor runs continuously scheduled ingest tasks with a
// hard cap on concurrent tasks.
type RoutineLoadExecutor struct {
	pool    *pool.ThreadPool
	logger  Logger
	sem     *semaphore.Weighted
	tasks   taskSet
	stopped atomic.Bool
}

// NewRoutineLoadExecutor creates an executor over the batch pool
// admitting at most maxConcurrent tasks at a time.
func NewRoutineLoadExecutor(p *pool.ThreadPool, maxConcurrent int, logger Logger) (*RoutineLoadExecutor, error) {
	if p == nil {
		return nil, errors.New("load: pool must not be nil")
	}
	if maxConcurrent <= 0 {
		return nil, fmt.Errorf("load: max concurrent tasks must be positive, got %d", maxConcurrent)
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &RoutineLoadExecutor{
		pool:   p,
		logger: logger,
		sem:    semaphore.NewWeighted(int64(maxConcurrent)),
		tasks:  newTaskSet(),
	}, nil
}

// Submit queues fn and returns its task id. ErrTooManyTasks is
// returned once maxConcurrent tasks are in flight.
func (e *RoutineLoadExecutor) Submit(ctx context.Context, label string, fn func(ctx context.Context) error) (string, error) {
	if fn == nil {
		return "", errors.New("load: fn must not be nil")
	}
	if e.stopped.Load() {
		return "", ErrExecutorStopped
	}

	if !e.sem.TryAcquire(1) {
		return "", fmt.Errorf("%w: %q rejected", ErrTooManyTasks, label)
	}

	taskCtx, cancel := context.WithCancel(ctx)
	entry := &taskEntry{
		id:     uuid.NewString(),
		label:  label,
		state:  TaskPending,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	e.tasks.add(entry)

	err := e.pool.TrySubmit(func() {
		defer close(entry.done)
		defer cancel()
		defer e.sem.Release(1)

		e.tasks.setState(entry.id, TaskRunning, nil)
		if err := fn(taskCtx); err != nil {
			e.tasks.setState(entry.id, TaskFailed, err)
			e.logger.Errorf("load: routine load %s (%s) failed: %v", entry.id, label, err)
			return
		}
		e.tasks.setState(entry.id, TaskSucceeded, nil)
	})
	if err != nil {
		e.tasks.forget(entry.id)
		cancel()
		e.sem.Release(1)
		return "", fmt.Errorf("load: admit routine load %q: %w", label, err)
	}

	return entry.id, nil
}

// Status returns a snapshot of the task.
func (e *RoutineLoadExecutor) Status(id string) (TaskStatus, error) {
	return e.tasks.status(id)
}

// Wait blocks until the task finishes and returns its error.
func (e *RoutineLoadExecutor) Wait(ctx context.Context, id string) error {
	entry, ok := e.tasks.get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	select {
	case <-entry.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	status, err := e.tasks.status(id)
	if err != nil {
		return err
	}
	return status.Err
}

// Cancel interrupts a running task. Cancelling an unknown id is a
// no-op.
func (e *RoutineLoadExecutor) Cancel(id string) {
	if entry, ok := e.tasks.get(id); ok {
		entry.cancel()
	}
}

// Forget drops a finished task's bookkeeping.
func (e *RoutineLoadExecutor) Forget(id string) {
	e.tasks.forget(id)
}

// ActiveCount returns the number of pending or running tasks.
func (e *RoutineLoadExecutor) ActiveCount() int {
	return e.tasks.activeCount()
}

// Release stops accepting tasks and cancels the in-flight ones. The
// shared pool stays up.
func (e *RoutineLoadExecutor) Release() {
	if !e.stopped.CompareAndSwap(false, true) {
		return
	}
	e.tasks.cancelAll()
}
