// Package result moves finished query results to their consumers: a
// buffer manager for coordinator-driven fetches, a queue manager for
// external pull protocols, and a versioned cache for repeatable
// queries.
package result

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/basaltdb/basalt/internal/uid"
)

var (
	// ErrBufferNotFound is returned when fetching results for an
	// unknown query.
	ErrBufferNotFound = errors.New("result: buffer not found")
	// ErrCanceled is returned when the query's results were canceled.
	ErrCanceled = errors.New("result: canceled")
)

// Batch is one slice of result rows in wire form.
type Batch struct {
	Rows int
	Data []byte
}

// Buffer hands the batches of one query from its root fragment to the
// fetching coordinator.
type Buffer struct {
	queryID uid.ID

	ch       chan *Batch
	cancelCh chan struct{}
	once     sync.Once
	closeCh  chan struct{}
}

func newBuffer(queryID uid.ID, capacity int) *Buffer {
	return &Buffer{
		queryID:  queryID,
		ch:       make(chan *Batch, capacity),
		cancelCh: make(chan struct{}),
		closeCh:  make(chan struct{}),
	}
}

// QueryID returns the owning query.
func (b *Buffer) QueryID() uid.ID { return b.queryID }

// Push appends a batch, blocking while the buffer is full.
func (b *Buffer) Push(ctx context.Context, batch *Batch) error {
	select {
	case <-b.cancelCh:
		return ErrCanceled
	default:
	}

	select {
	case b.ch <- batch:
		return nil
	case <-b.cancelCh:
		return ErrCanceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pull returns the next batch. After the producer closes the buffer
// and all batches are drained, Pull returns io.EOF.
func (b *Buffer) Pull(ctx context.Context) (*Batch, error) {
	select {
	case batch := <-b.ch:
		return batch, nil
	default:
	}

	select {
	case batch := <-b.ch:
		return batch, nil
	case <-b.closeCh:
		// Producer is done; drain what is left.
		select {
		case batch := <-b.ch:
			return batch, nil
		default:
			return nil, io.EOF
		}
	case <-b.cancelCh:
		return nil, ErrCanceled
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close marks the producer side done. Pending batches stay readable.
func (b *Buffer) Close() {
	b.once.Do(func() { close(b.closeCh) })
}

func (b *Buffer) cancel() {
	select {
	case <-b.cancelCh:
	default:
		close(b.cancelCh)
	}
}

// BufferMgr tracks the result buffers of running queries and cancels
// the ones whose consumers never came back.
type BufferMgr struct {
	mu      sync.Mutex
	buffers map[uid.ID]*Buffer
	cancels map[uid.ID]time.Time

	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewBufferMgr creates a buffer manager. Call Init to start the
// cancel sweeper.
func NewBufferMgr() *BufferMgr {
	return &BufferMgr{
		buffers: make(map[uid.ID]*Buffer),
		cancels: make(map[uid.ID]time.Time),
	}
}

// Init starts the background sweeper that cancels expired buffers.
func (m *BufferMgr) Init() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return nil
	}
	m.started = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})

	go m.sweep()
	return nil
}

func (m *BufferMgr) sweep() {
	defer close(m.doneCh)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case now := <-ticker.C:
			m.cancelExpired(now)
		}
	}
}

func (m *BufferMgr) cancelExpired(now time.Time) {
	m.mu.Lock()
	var expired []*Buffer
	for id, deadline := range m.cancels {
		if now.Before(deadline) {
			continue
		}
		delete(m.cancels, id)
		if b, ok := m.buffers[id]; ok {
			delete(m.buffers, id)
			expired = append(expired, b)
		}
	}
	m.mu.Unlock()

	for _, b := range expired {
		b.cancel()
	}
}

// CreateBuffer registers a result buffer for the query. Creating the
// same query twice returns the existing buffer.
func (m *BufferMgr) CreateBuffer(queryID uid.ID, capacity int) (*Buffer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("result: buffer capacity must be positive, got %d", capacity)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.buffers[queryID]; ok {
		return b, nil
	}

	b := newBuffer(queryID, capacity)
	m.buffers[queryID] = b
	return b, nil
}

// Fetch pulls the next batch of the query's results.
func (m *BufferMgr) Fetch(ctx context.Context, queryID uid.ID) (*Batch, error) {
	m.mu.Lock()
	b, ok := m.buffers[queryID]
	m.mu.Unlock()

	if !ok {
		return nil, ErrBufferNotFound
	}
	return b.Pull(ctx)
}

// Cancel tears down the query's buffer immediately.
func (m *BufferMgr) Cancel(queryID uid.ID) {
	m.mu.Lock()
	b, ok := m.buffers[queryID]
	delete(m.buffers, queryID)
	delete(m.cancels, queryID)
	m.mu.Unlock()

	if ok {
		b.cancel()
	}
}

// CancelAt schedules the query's buffer for cancellation at deadline,
// covering consumers that vanish without fetching.
func (m *BufferMgr) CancelAt(queryID uid.ID, deadline time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buffers[queryID]; ok {
		m.cancels[queryID] = deadline
	}
}

// BufferCount returns the number of live buffers.
func (m *BufferMgr) BufferCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buffers)
}

// Close stops the sweeper and cancels every remaining buffer.
func (m *BufferMgr) Close() error {
	m.mu.Lock()
	if m.started {
		m.started = false
		close(m.stopCh)
	}
	doneCh := m.doneCh
	buffers := m.buffers
	m.buffers = make(map[uid.ID]*Buffer)
	m.cancels = make(map[uid.ID]time.Time)
	m.mu.Unlock()

	if doneCh != nil {
		<-doneCh
	}
	for _, b := range buffers {
		b.cancel()
	}
	return nil
}
