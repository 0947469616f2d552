// Package pipeline runs the execution slices of query fragments on a
// fixed set of executor goroutines. Tasks cycle between a ready queue
// and a blocked set until they finish.
package pipeline

import (
	"context"
	"fmt"
)

// TaskState reports where a task landed after one execution slice.
type TaskState int32

const (
	// TaskReady means the task yielded and wants to run again.
	TaskReady TaskState = iota
	// TaskBlocked means the task waits on a dependency and must not
	// run until Ready reports true.
	TaskBlocked
	// TaskFinished means the task completed.
	TaskFinished
)

func (s TaskState) String() string {
	switch s {
	case TaskReady:
		return "ready"
	case TaskBlocked:
		return "blocked"
	case TaskFinished:
		return "finished"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// Task is one runnable slice of a fragment's execution pipeline.
type Task interface {
	// Execute runs until the task finishes, blocks on a dependency,
	// or yields its time share. The returned state decides where the
	// task goes next.
	Execute(ctx context.Context) (TaskState, error)
	// Ready reports whether a blocked task can run again.
	Ready() bool
}

// TaskQueue hands ready tasks to the executors.
type TaskQueue struct {
	ch chan Task
}

// NewTaskQueue creates a queue holding up to size ready tasks.
func NewTaskQueue(size int) (*TaskQueue, error) {
	if size <= 0 {
		return nil, fmt.Errorf("pipeline: queue size must be positive, got %d", size)
	}
	return &TaskQueue{ch: make(chan Task, size)}, nil
}

// Offer enqueues a task, blocking while the queue is full.
func (q *TaskQueue) Offer(ctx context.Context, t Task) error {
	select {
	case q.ch <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tryOffer enqueues without blocking and reports success.
func (q *TaskQueue) tryOffer(t Task) bool {
	select {
	case q.ch <- t:
		return true
	default:
		return false
	}
}

// Len returns the number of queued tasks.
func (q *TaskQueue) Len() int { return len(q.ch) }

// Cap returns the queue capacity.
func (q *TaskQueue) Cap() int { return cap(q.ch) }
