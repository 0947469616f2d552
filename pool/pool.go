// Package pool provides bounded worker pools for background work.
//
// A pool runs between MinThreads and MaxThreads worker goroutines fed by a
// bounded queue. Fixed-size pools set MinThreads == MaxThreads. Submission
// applies backpressure once the queue is full; workers above the minimum
// retire after an idle timeout.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrPoolClosed is returned when submitting to a closed pool.
	ErrPoolClosed = errors.New("pool: closed")

	// ErrQueueFull is returned by TrySubmit when the queue is at capacity.
	ErrQueueFull = errors.New("pool: queue full")
)

// Options contains configuration for a ThreadPool.
type Options struct {
	// MinThreads is the number of workers kept alive at all times.
	MinThreads int

	// MaxThreads caps the number of concurrent workers. Must be >= MinThreads.
	MaxThreads int

	// MaxQueueSize bounds the number of queued tasks. Submit blocks and
	// TrySubmit rejects once the queue is full.
	MaxQueueSize int

	// IdleTimeout is how long a worker above MinThreads waits for work
	// before retiring.
	IdleTimeout time.Duration
}

// DefaultOptions returns the default pool options.
var DefaultOptions = Options{
	MinThreads:   1,
	MaxThreads:   1,
	MaxQueueSize: 1024,
	IdleTimeout:  30 * time.Second,
}

// ThreadPool is a bounded pool of worker goroutines.
type ThreadPool struct {
	name string
	opts Options

	workCh chan func()
	stopCh chan struct{}
	wg     sync.WaitGroup

	threads atomic.Int32
	idle    atomic.Int32
	closed  atomic.Bool

	submitMu sync.RWMutex
}

// New creates and starts a ThreadPool. The name is used in logs and metrics.
func New(name string, optFns ...func(o *Options)) (*ThreadPool, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.MaxThreads <= 0 {
		return nil, fmt.Errorf("pool %q: max threads must be positive, got %d", name, opts.MaxThreads)
	}
	if opts.MinThreads < 0 || opts.MinThreads > opts.MaxThreads {
		return nil, fmt.Errorf("pool %q: min threads %d out of range [0, %d]", name, opts.MinThreads, opts.MaxThreads)
	}
	if opts.MaxQueueSize <= 0 {
		return nil, fmt.Errorf("pool %q: max queue size must be positive, got %d", name, opts.MaxQueueSize)
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultOptions.IdleTimeout
	}

	p := &ThreadPool{
		name:   name,
		opts:   opts,
		workCh: make(chan func(), opts.MaxQueueSize),
		stopCh: make(chan struct{}),
	}

	p.wg.Add(opts.MinThreads)
	p.threads.Store(int32(opts.MinThreads))
	for i := 0; i < opts.MinThreads; i++ {
		go p.worker(true)
	}

	return p, nil
}

// Name returns the pool name.
func (p *ThreadPool) Name() string { return p.name }

// ThreadNum returns the current number of worker goroutines.
func (p *ThreadPool) ThreadNum() int { return int(p.threads.Load()) }

// QueueSize returns the current number of queued tasks.
func (p *ThreadPool) QueueSize() int { return len(p.workCh) }

// MinThreads returns the configured minimum thread count.
func (p *ThreadPool) MinThreads() int { return p.opts.MinThreads }

// MaxThreads returns the configured maximum thread count.
func (p *ThreadPool) MaxThreads() int { return p.opts.MaxThreads }

// Submit enqueues a task, blocking while the queue is full.
//
// Error conditions:
//   - Returns ErrPoolClosed if the pool is closed
//   - Returns the context error if ctx is cancelled before enqueueing
func (p *ThreadPool) Submit(ctx context.Context, task func()) error {
	p.submitMu.RLock()
	defer p.submitMu.RUnlock()

	if p.closed.Load() {
		return ErrPoolClosed
	}

	// Grow while all workers are busy and headroom remains.
	if p.idle.Load() == 0 {
		p.tryGrow()
	}

	select {
	case p.workCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit enqueues a task without blocking.
func (p *ThreadPool) TrySubmit(task func()) error {
	p.submitMu.RLock()
	defer p.submitMu.RUnlock()

	if p.closed.Load() {
		return ErrPoolClosed
	}

	if p.idle.Load() == 0 {
		p.tryGrow()
	}

	select {
	case p.workCh <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// tryGrow starts one extra worker if the pool is below MaxThreads.
// Safe from submitters (which hold submitMu) and from live workers
// (whose own WaitGroup slot keeps the counter above zero).
func (p *ThreadPool) tryGrow() bool {
	if p.closed.Load() {
		return false
	}
	for {
		n := p.threads.Load()
		if int(n) >= p.opts.MaxThreads {
			return false
		}
		if p.threads.CompareAndSwap(n, n+1) {
			p.wg.Add(1)
			go p.worker(false)
			return true
		}
	}
}

// worker processes tasks from the queue. Core workers live until Close;
// surplus workers retire after IdleTimeout without work.
func (p *ThreadPool) worker(core bool) {
	defer p.wg.Done()
	defer p.threads.Add(-1)

	for {
		p.idle.Add(1)

		if core {
			select {
			case <-p.stopCh:
				p.idle.Add(-1)
				p.drain()
				return
			case task, ok := <-p.workCh:
				p.idle.Add(-1)
				if !ok {
					return
				}
				p.handoff()
				task()
			}
		} else {
			timer := time.NewTimer(p.opts.IdleTimeout)
			select {
			case <-p.stopCh:
				timer.Stop()
				p.idle.Add(-1)
				p.drain()
				return
			case task, ok := <-p.workCh:
				timer.Stop()
				p.idle.Add(-1)
				if !ok {
					return
				}
				p.handoff()
				task()
			case <-timer.C:
				p.idle.Add(-1)
				return
			}
		}
	}
}

// handoff spawns a successor when a worker dequeues work while more
// tasks wait and no other worker is idle, so a queued task is never
// stranded below MaxThreads.
func (p *ThreadPool) handoff() {
	if len(p.workCh) > 0 && p.idle.Load() == 0 {
		p.tryGrow()
	}
}

// drain runs remaining queued tasks before a worker exits on shutdown.
func (p *ThreadPool) drain() {
	for {
		select {
		case task, ok := <-p.workCh:
			if !ok {
				return
			}
			task()
		default:
			return
		}
	}
}

// Close shuts down the pool, waiting for queued tasks to finish.
// It is idempotent.
func (p *ThreadPool) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}

	p.submitMu.Lock()
	close(p.stopCh)
	close(p.workCh)
	p.submitMu.Unlock()

	p.wg.Wait()
}
