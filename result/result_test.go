package result

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basaltdb/basalt/internal/uid"
)

func TestBufferPushPull(t *testing.T) {
	ctx := context.Background()
	b := newBuffer(uid.ID{Hi: 1, Lo: 1}, 4)

	require.NoError(t, b.Push(ctx, &Batch{Rows: 10, Data: []byte("a")}))
	require.NoError(t, b.Push(ctx, &Batch{Rows: 20, Data: []byte("b")}))

	batch, err := b.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, batch.Rows)

	batch, err = b.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 20, batch.Rows)
}

func TestBufferCloseDrainsThenEOF(t *testing.T) {
	ctx := context.Background()
	b := newBuffer(uid.ID{Hi: 1, Lo: 2}, 4)

	require.NoError(t, b.Push(ctx, &Batch{Rows: 1}))
	b.Close()
	b.Close() // idempotent

	batch, err := b.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Rows)

	_, err = b.Pull(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestBufferCancel(t *testing.T) {
	ctx := context.Background()
	b := newBuffer(uid.ID{Hi: 1, Lo: 3}, 1)

	b.cancel()
	assert.ErrorIs(t, b.Push(ctx, &Batch{}), ErrCanceled)

	_, err := b.Pull(ctx)
	assert.ErrorIs(t, err, ErrCanceled)
}

func TestBufferPushBackpressure(t *testing.T) {
	b := newBuffer(uid.ID{Hi: 1, Lo: 4}, 1)
	require.NoError(t, b.Push(context.Background(), &Batch{Rows: 1}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := b.Push(ctx, &Batch{Rows: 2})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBufferMgrCreateReturnsExisting(t *testing.T) {
	m := NewBufferMgr()
	id := uid.ID{Hi: 2, Lo: 1}

	b1, err := m.CreateBuffer(id, 4)
	require.NoError(t, err)
	b2, err := m.CreateBuffer(id, 16)
	require.NoError(t, err)
	assert.Same(t, b1, b2)
	assert.Equal(t, 1, m.BufferCount())

	_, err = m.CreateBuffer(id, 0)
	assert.Error(t, err)
}

func TestBufferMgrFetchUnknown(t *testing.T) {
	m := NewBufferMgr()
	_, err := m.Fetch(context.Background(), uid.ID{Hi: 9, Lo: 9})
	assert.ErrorIs(t, err, ErrBufferNotFound)
}

func TestBufferMgrCancelAt(t *testing.T) {
	ctx := context.Background()
	m := NewBufferMgr()
	id := uid.ID{Hi: 2, Lo: 2}

	b, err := m.CreateBuffer(id, 4)
	require.NoError(t, err)

	// A deadline in the future keeps the buffer alive.
	m.CancelAt(id, time.Now().Add(time.Hour))
	m.cancelExpired(time.Now())
	require.NoError(t, b.Push(ctx, &Batch{Rows: 1}))

	// Moving past the deadline cancels it.
	m.CancelAt(id, time.Now().Add(-time.Second))
	m.cancelExpired(time.Now())
	assert.ErrorIs(t, b.Push(ctx, &Batch{}), ErrCanceled)
	assert.Equal(t, 0, m.BufferCount())

	// Scheduling for a query that no longer exists is a no-op.
	m.CancelAt(id, time.Now().Add(-time.Second))
	m.cancelExpired(time.Now())
}

func TestBufferMgrClose(t *testing.T) {
	m := NewBufferMgr()
	require.NoError(t, m.Init())
	require.NoError(t, m.Init()) // idempotent

	id := uid.ID{Hi: 2, Lo: 3}
	b, err := m.CreateBuffer(id, 4)
	require.NoError(t, err)

	require.NoError(t, m.Close())
	assert.Equal(t, 0, m.BufferCount())
	assert.ErrorIs(t, b.Push(context.Background(), &Batch{}), ErrCanceled)

	require.NoError(t, m.Close())
}

func TestQueuePutGet(t *testing.T) {
	ctx := context.Background()
	q := newQueue(4)

	require.NoError(t, q.Put(ctx, []byte("one")))
	require.NoError(t, q.Put(ctx, []byte("two")))
	assert.Equal(t, 2, q.Len())

	block, err := q.Get(ctx)
	require.NoError(t, err)
	assert.True(t, bytes.Equal([]byte("one"), block))

	block, err = q.Get(ctx)
	require.NoError(t, err)
	assert.True(t, bytes.Equal([]byte("two"), block))
}

func TestQueueGetBlocksUntilPut(t *testing.T) {
	ctx := context.Background()
	q := newQueue(4)

	got := make(chan []byte, 1)
	go func() {
		block, err := q.Get(ctx)
		if err == nil {
			got <- block
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Put(ctx, []byte("late")))

	select {
	case block := <-got:
		assert.Equal(t, []byte("late"), block)
	case <-time.After(2 * time.Second):
		t.Fatal("get did not observe the put")
	}
}

func TestQueuePutBlocksWhenFull(t *testing.T) {
	ctx := context.Background()
	q := newQueue(1)
	require.NoError(t, q.Put(ctx, []byte("first")))

	done := make(chan error, 1)
	go func() { done <- q.Put(ctx, []byte("second")) }()

	select {
	case <-done:
		t.Fatal("put should block while the queue is full")
	case <-time.After(50 * time.Millisecond):
	}

	_, err := q.Get(ctx)
	require.NoError(t, err)
	require.NoError(t, <-done)
}

func TestQueuePutHonorsContext(t *testing.T) {
	q := newQueue(1)
	require.NoError(t, q.Put(context.Background(), []byte("first")))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := q.Put(ctx, []byte("second"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueueCloseDrainsThenEOF(t *testing.T) {
	ctx := context.Background()
	q := newQueue(4)
	require.NoError(t, q.Put(ctx, []byte("tail")))
	q.Close()

	block, err := q.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("tail"), block)

	_, err = q.Get(ctx)
	assert.ErrorIs(t, err, io.EOF)

	assert.ErrorIs(t, q.Put(ctx, []byte("x")), io.ErrClosedPipe)
}

func TestQueueCancelDiscardsBlocks(t *testing.T) {
	ctx := context.Background()
	q := newQueue(4)
	require.NoError(t, q.Put(ctx, []byte("gone")))

	q.cancel()
	_, err := q.Get(ctx)
	assert.ErrorIs(t, err, ErrCanceled)
	assert.ErrorIs(t, q.Put(ctx, []byte("x")), ErrCanceled)
	assert.Equal(t, 0, q.Len())
}

func TestQueueMgr(t *testing.T) {
	ctx := context.Background()
	m := NewQueueMgr()
	id := uid.ID{Hi: 3, Lo: 1}

	q1, err := m.CreateQueue(id, 4)
	require.NoError(t, err)
	q2, err := m.CreateQueue(id, 16)
	require.NoError(t, err)
	assert.Same(t, q1, q2)
	assert.Equal(t, 1, m.QueueCount())

	_, err = m.CreateQueue(id, 0)
	assert.Error(t, err)

	_, err = m.FetchBlock(ctx, uid.ID{Hi: 9, Lo: 9})
	assert.ErrorIs(t, err, ErrQueueNotFound)

	require.NoError(t, q1.Put(ctx, []byte("block")))
	block, err := m.FetchBlock(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("block"), block)

	m.Cancel(id)
	assert.Equal(t, 0, m.QueueCount())
	_, err = q1.Get(ctx)
	assert.ErrorIs(t, err, ErrCanceled)

	q3, err := m.CreateQueue(uid.ID{Hi: 3, Lo: 2}, 4)
	require.NoError(t, err)
	require.NoError(t, m.Close())
	_, err = q3.Get(ctx)
	assert.ErrorIs(t, err, ErrCanceled)
}

func TestCacheFetchHit(t *testing.T) {
	c, err := NewCache(16, 4)
	require.NoError(t, err)

	c.Update("select 1", 7, []byte("rows"))
	data, ok := c.Fetch("select 1", 7)
	require.True(t, ok)
	assert.Equal(t, []byte("rows"), data)
	assert.Equal(t, uint64(1), c.Stats().Hits.Load())
}

func TestCacheVersionMismatchEvicts(t *testing.T) {
	c, err := NewCache(16, 4)
	require.NoError(t, err)

	c.Update("q", 1, []byte("old"))
	_, ok := c.Fetch("q", 2)
	require.False(t, ok)
	assert.Equal(t, uint64(1), c.Stats().StaleVersions.Load())

	// The stale entry is gone, even for its original version.
	_, ok = c.Fetch("q", 1)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(0), c.Bytes())
}

func TestCacheUpdateReplaces(t *testing.T) {
	c, err := NewCache(16, 4)
	require.NoError(t, err)

	c.Update("q", 1, []byte("aa"))
	c.Update("q", 2, []byte("bbbb"))
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, int64(4), c.Bytes())

	data, ok := c.Fetch("q", 2)
	require.True(t, ok)
	assert.Equal(t, []byte("bbbb"), data)
}

func TestCacheElasticPrune(t *testing.T) {
	// 1MB base with 1MB slack: pruning starts past 2MB and sweeps
	// back under 1MB.
	c, err := NewCache(1, 1)
	require.NoError(t, err)

	block := make([]byte, 600<<10)
	c.Update("q1", 1, block)
	c.Update("q2", 1, block)
	c.Update("q3", 1, block)
	assert.Equal(t, 3, c.Len()) // 1.8MB, still within slack

	c.Update("q4", 1, block)
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, uint64(3), c.Stats().Evictions.Load())

	// Newest entry survives the sweep.
	_, ok := c.Fetch("q4", 1)
	assert.True(t, ok)
}

func TestCacheClear(t *testing.T) {
	c, err := NewCache(16, 0)
	require.NoError(t, err)

	c.Update("a", 1, []byte("x"))
	c.Update("b", 1, []byte("y"))
	c.Remove("a")
	assert.Equal(t, 1, c.Len())

	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(0), c.Bytes())
}

func TestCacheValidation(t *testing.T) {
	_, err := NewCache(0, 1)
	assert.Error(t, err)
	_, err = NewCache(16, -1)
	assert.Error(t, err)
}
