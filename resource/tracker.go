// Package resource tracks memory consumption against configured limits
// and paces the IO of jobs that spill to disk.
package resource

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// TrackerConfig holds the limits enforced by a Tracker.
type TrackerConfig struct {
	// Label identifies the tracker in logs and metrics.
	Label string

	// MemLimitBytes is the hard limit for tracked memory.
	// If 0, consumption is tracked but never enforced.
	MemLimitBytes int64

	// MaxBackgroundJobs is the maximum number of concurrent background
	// maintenance jobs. If 0, defaults to 1.
	MaxBackgroundJobs int64

	// SpillIOBytesPerSec is the maximum throughput for spill reads and
	// writes. If 0, unlimited.
	SpillIOBytesPerSec int64
}

// Tracker accounts memory consumption for one subsystem. Trackers form
// a tree: a child's consumption also counts against its parent, so the
// root tracker always reflects process-wide usage.
type Tracker struct {
	label  string
	limit  int64
	parent *Tracker

	// Memory
	memSem  *semaphore.Weighted // nil if unlimited
	memUsed atomic.Int64

	// Concurrency
	bgSem *semaphore.Weighted

	// IO
	ioLimiter *rate.Limiter
}

// NewTracker creates a root tracker.
func NewTracker(cfg TrackerConfig) *Tracker {
	if cfg.MaxBackgroundJobs <= 0 {
		cfg.MaxBackgroundJobs = 1
	}

	t := &Tracker{
		label: cfg.Label,
		limit: cfg.MemLimitBytes,
		bgSem: semaphore.NewWeighted(cfg.MaxBackgroundJobs),
	}

	if cfg.MemLimitBytes > 0 {
		t.memSem = semaphore.NewWeighted(cfg.MemLimitBytes)
	}

	if cfg.SpillIOBytesPerSec > 0 {
		t.ioLimiter = rate.NewLimiter(rate.Limit(cfg.SpillIOBytesPerSec), int(cfg.SpillIOBytesPerSec))
	}

	return t
}

// NewChild creates a tracker whose consumption propagates to t.
// A limit of 0 means the child is bounded only by its ancestors.
func (t *Tracker) NewChild(label string, limitBytes int64) *Tracker {
	c := &Tracker{
		label:     label,
		limit:     limitBytes,
		parent:    t,
		bgSem:     t.bgSem,
		ioLimiter: t.ioLimiter,
	}
	if limitBytes > 0 {
		c.memSem = semaphore.NewWeighted(limitBytes)
	}
	return c
}

// Label returns the tracker label.
func (t *Tracker) Label() string {
	if t == nil {
		return ""
	}
	return t.label
}

// Limit returns the configured memory limit in bytes, 0 if unlimited.
func (t *Tracker) Limit() int64 {
	if t == nil {
		return 0
	}
	return t.limit
}

// AcquireMemory reserves memory. If a hard limit is configured anywhere
// up the tree and usage would exceed it, this blocks until memory is
// available or ctx is canceled.
func (t *Tracker) AcquireMemory(ctx context.Context, bytes int64) error {
	if t == nil {
		return nil
	}
	if bytes <= 0 {
		return nil
	}

	if t.memSem != nil {
		if err := t.memSem.Acquire(ctx, bytes); err != nil {
			return err
		}
	}

	if t.parent != nil {
		if err := t.parent.AcquireMemory(ctx, bytes); err != nil {
			if t.memSem != nil {
				t.memSem.Release(bytes)
			}
			return err
		}
	}

	t.memUsed.Add(bytes)
	return nil
}

// TryAcquireMemory reserves memory without blocking.
// Returns true if acquired, false if a limit would be exceeded.
func (t *Tracker) TryAcquireMemory(bytes int64) bool {
	if t == nil {
		return true
	}
	if bytes <= 0 {
		return true
	}

	if t.memSem != nil {
		if !t.memSem.TryAcquire(bytes) {
			return false
		}
	}

	if t.parent != nil {
		if !t.parent.TryAcquireMemory(bytes) {
			if t.memSem != nil {
				t.memSem.Release(bytes)
			}
			return false
		}
	}

	t.memUsed.Add(bytes)
	return true
}

// ReleaseMemory returns reserved memory.
func (t *Tracker) ReleaseMemory(bytes int64) {
	if t == nil {
		return
	}
	if bytes <= 0 {
		return
	}

	if t.memSem != nil {
		t.memSem.Release(bytes)
	}
	if t.parent != nil {
		t.parent.ReleaseMemory(bytes)
	}
	t.memUsed.Add(-bytes)
}

// MemoryUsage returns the current tracked consumption in bytes.
func (t *Tracker) MemoryUsage() int64 {
	if t == nil {
		return 0
	}
	return t.memUsed.Load()
}

// AcquireBackground reserves a background job slot, blocking while all
// slots are busy. Slots are shared across the whole tracker tree.
func (t *Tracker) AcquireBackground(ctx context.Context) error {
	if t == nil {
		return nil
	}
	return t.bgSem.Acquire(ctx, 1)
}

// TryAcquireBackground reserves a background job slot without blocking.
func (t *Tracker) TryAcquireBackground() bool {
	if t == nil {
		return true
	}
	return t.bgSem.TryAcquire(1)
}

// ReleaseBackground returns a background job slot.
func (t *Tracker) ReleaseBackground() {
	if t == nil {
		return
	}
	t.bgSem.Release(1)
}

// AcquireIO waits until the spill IO budget allows the given number of
// bytes. Requests larger than the limiter burst are paid off in burst
// sized installments.
func (t *Tracker) AcquireIO(ctx context.Context, bytes int) error {
	if t == nil || t.ioLimiter == nil {
		return nil
	}

	burst := t.ioLimiter.Burst()
	for bytes > 0 {
		n := bytes
		if burst > 0 && n > burst {
			n = burst
		}
		if err := t.ioLimiter.WaitN(ctx, n); err != nil {
			return err
		}
		bytes -= n
	}
	return nil
}
