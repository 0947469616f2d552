package result

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/basaltdb/basalt/internal/uid"
)

// ErrQueueNotFound is returned when fetching from an unknown queue.
var ErrQueueNotFound = errors.New("result: queue not found")

// Queue buffers serialized result blocks for external pull protocols.
// Unlike Buffer it is consumed by clients that reconnect between
// fetches, so it keeps its own closed and canceled state.
type Queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	capacity int
	blocks   [][]byte
	closed   bool
	canceled bool
}

func newQueue(capacity int) *Queue {
	q := &Queue{capacity: capacity}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Put appends a block, blocking while the queue is full. It fails once
// the queue is closed or canceled.
func (q *Queue) Put(ctx context.Context, block []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.blocks) >= q.capacity && !q.closed && !q.canceled {
		if err := ctx.Err(); err != nil {
			return err
		}
		q.waitWithContext(ctx, q.notFull)
	}
	if q.canceled {
		return ErrCanceled
	}
	if q.closed {
		return io.ErrClosedPipe
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	q.blocks = append(q.blocks, block)
	q.notEmpty.Signal()
	return nil
}

// Get removes the next block, blocking while the queue is empty. After
// Close and a full drain it returns io.EOF.
func (q *Queue) Get(ctx context.Context) ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.blocks) == 0 && !q.closed && !q.canceled {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		q.waitWithContext(ctx, q.notEmpty)
	}
	if q.canceled {
		return nil, ErrCanceled
	}
	if len(q.blocks) == 0 {
		if q.closed {
			return nil, io.EOF
		}
		return nil, ctx.Err()
	}

	block := q.blocks[0]
	q.blocks = q.blocks[1:]
	q.notFull.Signal()
	return block, nil
}

// waitWithContext waits on cond but wakes when ctx expires. Caller
// must hold q.mu.
func (q *Queue) waitWithContext(ctx context.Context, cond *sync.Cond) {
	if ctx.Done() == nil {
		cond.Wait()
		return
	}

	wake := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			cond.Broadcast()
			q.mu.Unlock()
		case <-wake:
		}
	}()
	cond.Wait()
	close(wake)
}

// Close marks the producer side done. Buffered blocks stay readable.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

func (q *Queue) cancel() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.canceled = true
	q.blocks = nil
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// Len returns the number of buffered blocks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.blocks)
}

// QueueMgr tracks the per-query result queues.
type QueueMgr struct {
	mu     sync.Mutex
	queues map[uid.ID]*Queue
}

// NewQueueMgr creates an empty queue manager.
func NewQueueMgr() *QueueMgr {
	return &QueueMgr{queues: make(map[uid.ID]*Queue)}
}

// CreateQueue registers a queue for the query. Creating the same query
// twice returns the existing queue.
func (m *QueueMgr) CreateQueue(queryID uid.ID, capacity int) (*Queue, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("result: queue capacity must be positive, got %d", capacity)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if q, ok := m.queues[queryID]; ok {
		return q, nil
	}

	q := newQueue(capacity)
	m.queues[queryID] = q
	return q, nil
}

// FetchBlock pulls the next result block of the query.
func (m *QueueMgr) FetchBlock(ctx context.Context, queryID uid.ID) ([]byte, error) {
	m.mu.Lock()
	q, ok := m.queues[queryID]
	m.mu.Unlock()

	if !ok {
		return nil, ErrQueueNotFound
	}
	return q.Get(ctx)
}

// Cancel tears down the query's queue.
func (m *QueueMgr) Cancel(queryID uid.ID) {
	m.mu.Lock()
	q, ok := m.queues[queryID]
	delete(m.queues, queryID)
	m.mu.Unlock()

	if ok {
		q.cancel()
	}
}

// QueueCount returns the number of live queues.
func (m *QueueMgr) QueueCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues)
}

// Close cancels every remaining queue.
func (m *QueueMgr) Close() error {
	m.mu.Lock()
	queues := m.queues
	m.queues = make(map[uid.ID]*Queue)
	m.mu.Unlock()

	for _, q := range queues {
		q.cancel()
	}
	return nil
}
