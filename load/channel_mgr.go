package load

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/basaltdb/basalt/internal/uid"
	"github.com/basaltdb/basalt/resource"
)

// ErrChannelNotFound is returned when no channel is open for a load id.
var ErrChannelNotFound = errors.New("load: channel not found")

// Channel buffers one load's incoming batches against the shared
// memory budget until they are flushed.
type Channel struct {
	loadID  uid.ID
	tracker *resource.Tracker

	mu       sync.Mutex
	buffered int64
	received int64
	closed   bool
}

// LoadID returns the load this channel belongs to.
func (c *Channel) LoadID() uid.ID {
	return c.loadID
}

// AddBatch charges bytes against the memory budget, blocking while
// the load subsystem is over its limit.
func (c *Channel) AddBatch(ctx context.Context, bytes int64) error {
	if bytes <= 0 {
		return nil
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return fmt.Errorf("load: channel %s is closed", c.loadID)
	}

	if err := c.tracker.AcquireMemory(ctx, bytes); err != nil {
		return fmt.Errorf("load: admit batch for %s: %w", c.loadID, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.tracker.ReleaseMemory(bytes)
		return fmt.Errorf("load: channel %s is closed", c.loadID)
	}
	c.buffered += bytes
	c.received += bytes
	c.mu.Unlock()
	return nil
}

// Flush releases the buffered bytes back to the budget and returns how
// many were buffered.
func (c *Channel) Flush() int64 {
	c.mu.Lock()
	n := c.buffered
	c.buffered = 0
	c.mu.Unlock()

	c.tracker.ReleaseMemory(n)
	return n
}

// BufferedBytes returns the bytes currently charged to the channel.
func (c *Channel) BufferedBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffered
}

// ReceivedBytes returns the total bytes the channel has admitted.
func (c *Channel) ReceivedBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.received
}

func (c *Channel) close() {
	c.mu.Lock()
	c.closed = true
	n := c.buffered
	c.buffered = 0
	c.mu.Unlock()

	c.tracker.ReleaseMemory(n)
}

// ChannelMgr tracks the open load channels and owns their shared
// memory budget.
type ChannelMgr struct {
	mu       sync.Mutex
	channels map[uid.ID]*Channel
	tracker  *resource.Tracker
	inited   bool
}

// NewChannelMgr creates an empty channel manager. Call Init with the
// resolved memory limit before opening channels.
func NewChannelMgr() *ChannelMgr {
	return &ChannelMgr{channels: make(map[uid.ID]*Channel)}
}

// Init carves the load budget out of the parent tracker. limitBytes
// <= 0 tracks consumption without enforcing a limit.
func (m *ChannelMgr) Init(parent *resource.Tracker, limitBytes int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.inited {
		return nil
	}
	if parent == nil {
		return errors.New("load: parent tracker must not be nil")
	}

	m.tracker = parent.NewChild("load_channels", limitBytes)
	m.inited = true
	return nil
}

// Open returns the channel for loadID, creating it on first use.
func (m *ChannelMgr) Open(loadID uid.ID) (*Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.inited {
		return nil, errors.New("load: channel manager not initialized")
	}
	if ch, ok := m.channels[loadID]; ok {
		return ch, nil
	}

	ch := &Channel{loadID: loadID, tracker: m.tracker}
	m.channels[loadID] = ch
	return ch, nil
}

// Get returns the open channel for loadID.
func (m *ChannelMgr) Get(loadID uid.ID) (*Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.channels[loadID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, loadID)
	}
	return ch, nil
}

// Close finishes the load: buffered memory is returned and the
// channel forgotten. Closing an unknown load is a no-op.
func (m *ChannelMgr) Close(loadID uid.ID) {
	m.mu.Lock()
	ch, ok := m.channels[loadID]
	delete(m.channels, loadID)
	m.mu.Unlock()

	if ok {
		ch.close()
	}
}

// ChannelCount returns the number of open channels.
func (m *ChannelMgr) ChannelCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.channels)
}

// MemoryUsage returns the bytes currently charged to load channels.
func (m *ChannelMgr) MemoryUsage() int64 {
	m.mu.Lock()
	tracker := m.tracker
	m.mu.Unlock()
	return tracker.MemoryUsage()
}

// Release closes every open channel and drops the budget.
func (m *ChannelMgr) Release() {
	m.mu.Lock()
	channels := m.channels
	m.channels = make(map[uid.ID]*Channel)
	m.inited = false
	m.mu.Unlock()

	for _, ch := range channels {
		ch.close()
	}
}
