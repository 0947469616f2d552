package scan

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basaltdb/basalt/internal/uid"
)

// ErrContextNotFound is returned for unknown external scan contexts.
var ErrContextNotFound = errors.New("scan: context not found")

// Context tracks one external reader's scan session: the fragment
// serving it and its read offset.
type Context struct {
	ID                 string
	FragmentInstanceID uid.ID

	mu         sync.Mutex
	offset     int64
	lastAccess time.Time
}

// Offset returns the reader's acknowledged position.
func (c *Context) Offset() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offset
}

// Advance moves the acknowledged position forward.
func (c *Context) Advance(offset int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if offset > c.offset {
		c.offset = offset
	}
	c.lastAccess = time.Now()
}

func (c *Context) touch(now time.Time) {
	c.mu.Lock()
	c.lastAccess = now
	c.mu.Unlock()
}

func (c *Context) idleSince(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastAccess)
}

// ContextMgrOptions configures a ContextMgr.
type ContextMgrOptions struct {
	// IdleTTL is how long an untouched context survives.
	IdleTTL time.Duration
	// SweepInterval is how often expired contexts are collected.
	SweepInterval time.Duration
	// OnExpire is called for each reaped context, outside the
	// manager lock.
	OnExpire func(c *Context)
}

// DefaultContextMgrOptions holds the default reaping configuration.
var DefaultContextMgrOptions = ContextMgrOptions{
	IdleTTL:       10 * time.Minute,
	SweepInterval: time.Minute,
}

// ContextMgr owns the external scan contexts and reaps the ones whose
// readers went away. The reaper starts with the manager and runs until
// Close.
type ContextMgr struct {
	opts ContextMgrOptions

	mu       sync.Mutex
	contexts map[string]*Context
	closed   bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewContextMgr creates a context manager and starts its reaper.
func NewContextMgr(optFns ...func(o *ContextMgrOptions)) *ContextMgr {
	opts := DefaultContextMgrOptions

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.IdleTTL <= 0 {
		opts.IdleTTL = DefaultContextMgrOptions.IdleTTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultContextMgrOptions.SweepInterval
	}

	m := &ContextMgr{
		opts:     opts,
		contexts: make(map[string]*Context),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go m.reap()
	return m
}

func (m *ContextMgr) reap() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case now := <-ticker.C:
			m.reapExpired(now)
		}
	}
}

func (m *ContextMgr) reapExpired(now time.Time) {
	m.mu.Lock()
	var expired []*Context
	for id, c := range m.contexts {
		if c.idleSince(now) >= m.opts.IdleTTL {
			delete(m.contexts, id)
			expired = append(expired, c)
		}
	}
	m.mu.Unlock()

	for _, c := range expired {
		if m.opts.OnExpire != nil {
			m.opts.OnExpire(c)
		}
	}
}

// Create registers a scan context for the fragment instance and
// returns it with a fresh ID.
func (m *ContextMgr) Create(instanceID uid.ID) (*Context, error) {
	c := &Context{
		ID:                 uuid.NewString(),
		FragmentInstanceID: instanceID,
		lastAccess:         time.Now(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New("scan: context manager closed")
	}
	m.contexts[c.ID] = c
	return c, nil
}

// Get returns the context and refreshes its idle clock.
func (m *ContextMgr) Get(id string) (*Context, error) {
	m.mu.Lock()
	c, ok := m.contexts[id]
	m.mu.Unlock()

	if !ok {
		return nil, ErrContextNotFound
	}
	c.touch(time.Now())
	return c, nil
}

// Clear drops the context if present.
func (m *ContextMgr) Clear(id string) {
	m.mu.Lock()
	delete(m.contexts, id)
	m.mu.Unlock()
}

// ContextCount returns the number of live contexts.
func (m *ContextMgr) ContextCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.contexts)
}

// Close stops the reaper and drops every context. Idempotent.
func (m *ContextMgr) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.contexts = make(map[string]*Context)
	close(m.stopCh)
	m.mu.Unlock()

	<-m.doneCh
	return nil
}
