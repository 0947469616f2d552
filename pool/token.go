package pool

import (
	"context"
	"sync"
)

// SerialToken serializes tasks onto a pool: tasks submitted through the same
// token run one at a time, in submission order, while still executing on the
// pool's workers. Distinct tokens on the same pool run concurrently.
type SerialToken struct {
	pool *ThreadPool

	mu      sync.Mutex
	pending []func()
	running bool
}

// NewSerialToken creates a serial execution token bound to this pool.
func (p *ThreadPool) NewSerialToken() *SerialToken {
	return &SerialToken{pool: p}
}

// Submit enqueues a task behind all earlier tasks of this token.
func (t *SerialToken) Submit(ctx context.Context, task func()) error {
	t.mu.Lock()
	t.pending = append(t.pending, task)
	if t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = true
	t.mu.Unlock()

	if err := t.pool.Submit(ctx, t.run); err != nil {
		t.mu.Lock()
		t.running = false
		// Drop the task we just queued; earlier tasks were already claimed
		// by a running drain.
		if n := len(t.pending); n > 0 {
			t.pending = t.pending[:n-1]
		}
		t.mu.Unlock()
		return err
	}
	return nil
}

// run drains the token's queue on a pool worker.
func (t *SerialToken) run() {
	for {
		t.mu.Lock()
		if len(t.pending) == 0 {
			t.running = false
			t.mu.Unlock()
			return
		}
		task := t.pending[0]
		t.pending = t.pending[1:]
		t.mu.Unlock()

		task()
	}
}

// Pending returns the number of tasks waiting behind this token.
func (t *SerialToken) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
