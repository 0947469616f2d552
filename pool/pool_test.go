package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidatesOptions(t *testing.T) {
	_, err := New("bad", func(o *Options) {
		o.MinThreads = 4
		o.MaxThreads = 2
	})
	assert.Error(t, err)

	_, err = New("bad", func(o *Options) {
		o.MaxThreads = 0
	})
	assert.Error(t, err)

	_, err = New("bad", func(o *Options) {
		o.MinThreads = 1
		o.MaxThreads = 1
		o.MaxQueueSize = 0
	})
	assert.Error(t, err)
}

func TestFixedPoolRunsTasks(t *testing.T) {
	p, err := New("send-batch", func(o *Options) {
		o.MinThreads = 4
		o.MaxThreads = 4
		o.MaxQueueSize = 128
	})
	require.NoError(t, err)
	defer p.Close()

	assert.Equal(t, 4, p.ThreadNum())
	assert.Equal(t, 4, p.MinThreads())
	assert.Equal(t, 4, p.MaxThreads())

	var n atomic.Int64
	var wg sync.WaitGroup
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		wg.Add(1)
		err := p.Submit(ctx, func() {
			defer wg.Done()
			n.Add(1)
		})
		require.NoError(t, err)
	}
	wg.Wait()

	assert.Equal(t, int64(100), n.Load())
}

func TestPoolGrowsUpToMax(t *testing.T) {
	p, err := New("download-cache", func(o *Options) {
		o.MinThreads = 1
		o.MaxThreads = 4
		o.MaxQueueSize = 128
	})
	require.NoError(t, err)
	defer p.Close()

	assert.Equal(t, 1, p.ThreadNum())

	// Hold all workers busy to force growth.
	release := make(chan struct{})
	var started sync.WaitGroup
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		started.Add(1)
		require.NoError(t, p.Submit(ctx, func() {
			started.Done()
			<-release
		}))
	}
	started.Wait()

	assert.Equal(t, 4, p.ThreadNum())
	close(release)
}

func TestTrySubmitRejectsWhenFull(t *testing.T) {
	p, err := New("tiny", func(o *Options) {
		o.MinThreads = 1
		o.MaxThreads = 1
		o.MaxQueueSize = 1
	})
	require.NoError(t, err)
	defer p.Close()

	blocked := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func() {
		close(started)
		<-blocked
	}))
	<-started

	// Fill the single queue slot, then the next try must be rejected.
	require.NoError(t, p.TrySubmit(func() {}))
	assert.ErrorIs(t, p.TrySubmit(func() {}), ErrQueueFull)

	close(blocked)
}

func TestSubmitHonorsContext(t *testing.T) {
	p, err := New("tiny", func(o *Options) {
		o.MinThreads = 1
		o.MaxThreads = 1
		o.MaxQueueSize = 1
	})
	require.NoError(t, err)
	defer p.Close()

	blocked := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func() {
		close(started)
		<-blocked
	}))
	<-started
	require.NoError(t, p.Submit(context.Background(), func() {}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = p.Submit(ctx, func() {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(blocked)
}

func TestSubmitAfterClose(t *testing.T) {
	p, err := New("closing", func(o *Options) {
		o.MinThreads = 1
		o.MaxThreads = 1
		o.MaxQueueSize = 4
	})
	require.NoError(t, err)

	p.Close()
	p.Close() // Idempotent.

	assert.ErrorIs(t, p.Submit(context.Background(), func() {}), ErrPoolClosed)
	assert.ErrorIs(t, p.TrySubmit(func() {}), ErrPoolClosed)
}

func TestCloseRunsQueuedTasks(t *testing.T) {
	p, err := New("draining", func(o *Options) {
		o.MinThreads = 2
		o.MaxThreads = 2
		o.MaxQueueSize = 64
	})
	require.NoError(t, err)

	var n atomic.Int64
	ctx := context.Background()
	for i := 0; i < 32; i++ {
		require.NoError(t, p.Submit(ctx, func() { n.Add(1) }))
	}

	p.Close()
	assert.Equal(t, int64(32), n.Load())
}

func TestSerialTokenOrdering(t *testing.T) {
	p, err := New("serial", func(o *Options) {
		o.MinThreads = 4
		o.MaxThreads = 4
		o.MaxQueueSize = 128
	})
	require.NoError(t, err)
	defer p.Close()

	token := p.NewSerialToken()
	ctx := context.Background()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		i := i
		require.NoError(t, token.Submit(ctx, func() {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}))
	}
	wg.Wait()

	require.Len(t, order, 50)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestSerialTokensIndependent(t *testing.T) {
	p, err := New("serial", func(o *Options) {
		o.MinThreads = 2
		o.MaxThreads = 2
		o.MaxQueueSize = 16
	})
	require.NoError(t, err)
	defer p.Close()

	a := p.NewSerialToken()
	b := p.NewSerialToken()

	// A task on token a must not prevent token b from running.
	aBlocked := make(chan struct{})
	aStarted := make(chan struct{})
	require.NoError(t, a.Submit(context.Background(), func() {
		close(aStarted)
		<-aBlocked
	}))
	<-aStarted

	done := make(chan struct{})
	require.NoError(t, b.Submit(context.Background(), func() { close(done) }))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("token b starved by token a")
	}
	close(aBlocked)
}
