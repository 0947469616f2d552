package scan

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basaltdb/basalt/internal/uid"
	"github.com/basaltdb/basalt/resource"
)

type testEnv struct {
	tracker *resource.Tracker
	paths   int
}

func (e *testEnv) RootMemTracker() *resource.Tracker { return e.tracker }
func (e *testEnv) StorePathCount() int               { return e.paths }

func newTestEnv(limit int64) *testEnv {
	tracker := resource.NewTracker(resource.TrackerConfig{
		Label:         "test",
		MemLimitBytes: limit,
	})
	return &testEnv{tracker: tracker, paths: 2}
}

func TestSchedulerRunsLocalAndRemote(t *testing.T) {
	s := NewScheduler(func(o *Options) {
		o.LocalThreads = 2
		o.RemoteThreads = 2
	})
	require.NoError(t, s.Init(newTestEnv(0)))
	require.NoError(t, s.Init(newTestEnv(0))) // idempotent
	defer s.Stop()

	var local, remote atomic.Int64
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		require.NoError(t, s.Submit(ctx, Task{
			Run: func(ctx context.Context) error { local.Add(1); return nil },
		}))
		require.NoError(t, s.Submit(ctx, Task{
			Run:    func(ctx context.Context) error { remote.Add(1); return nil },
			Remote: true,
		}))
	}

	require.Eventually(t, func() bool {
		return local.Load() == 8 && remote.Load() == 8
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, 0, s.QueueDepth())
}

func TestSchedulerChargesBufferBudget(t *testing.T) {
	env := newTestEnv(1024)
	s := NewScheduler()
	require.NoError(t, s.Init(env))
	defer s.Stop()

	gate := make(chan struct{})
	running := make(chan struct{})
	require.NoError(t, s.Submit(context.Background(), Task{
		Run: func(ctx context.Context) error {
			close(running)
			<-gate
			return nil
		},
		BufferBytes: 64,
	}))

	<-running
	assert.Equal(t, int64(64), env.tracker.MemoryUsage())

	close(gate)
	require.Eventually(t, func() bool {
		return env.tracker.MemoryUsage() == 0
	}, 2*time.Second, time.Millisecond)
}

func TestSchedulerAdmissionBlocksAtLimit(t *testing.T) {
	env := newTestEnv(100)
	s := NewScheduler()
	require.NoError(t, s.Init(env))
	defer s.Stop()

	gate := make(chan struct{})
	defer close(gate)
	running := make(chan struct{})
	require.NoError(t, s.Submit(context.Background(), Task{
		Run: func(ctx context.Context) error {
			close(running)
			<-gate
			return nil
		},
		BufferBytes: 100,
	}))
	<-running

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.Submit(ctx, Task{
		Run:         func(ctx context.Context) error { return nil },
		BufferBytes: 1,
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSchedulerLifecycle(t *testing.T) {
	s := NewScheduler()
	err := s.Submit(context.Background(), Task{Run: func(ctx context.Context) error { return nil }})
	assert.Error(t, err)

	require.NoError(t, s.Init(newTestEnv(0)))
	assert.Error(t, s.Submit(context.Background(), Task{}))

	s.Stop()
	s.Stop() // idempotent
	err = s.Submit(context.Background(), Task{Run: func(ctx context.Context) error { return nil }})
	assert.Error(t, err)
}

func TestContextMgrLifecycle(t *testing.T) {
	m := NewContextMgr()
	defer m.Close()

	instance := uid.ID{Hi: 1, Lo: 2}
	c, err := m.Create(instance)
	require.NoError(t, err)
	require.NotEmpty(t, c.ID)
	assert.Equal(t, instance, c.FragmentInstanceID)
	assert.Equal(t, 1, m.ContextCount())

	got, err := m.Get(c.ID)
	require.NoError(t, err)
	assert.Same(t, c, got)

	got.Advance(100)
	got.Advance(50) // never moves backwards
	assert.Equal(t, int64(100), got.Offset())

	_, err = m.Get("missing")
	assert.ErrorIs(t, err, ErrContextNotFound)

	m.Clear(c.ID)
	assert.Equal(t, 0, m.ContextCount())
}

func TestContextMgrReapsIdle(t *testing.T) {
	var expired []*Context
	m := NewContextMgr(func(o *ContextMgrOptions) {
		o.IdleTTL = 10 * time.Millisecond
		o.OnExpire = func(c *Context) { expired = append(expired, c) }
	})
	defer m.Close()

	stale, err := m.Create(uid.ID{Hi: 1, Lo: 1})
	require.NoError(t, err)
	fresh, err := m.Create(uid.ID{Hi: 1, Lo: 2})
	require.NoError(t, err)

	// Only the context idle past the TTL is reaped.
	future := time.Now().Add(20 * time.Millisecond)
	fresh.touch(future)
	m.reapExpired(future)

	assert.Equal(t, 1, m.ContextCount())
	require.Len(t, expired, 1)
	assert.Same(t, stale, expired[0])

	_, err = m.Get(stale.ID)
	assert.ErrorIs(t, err, ErrContextNotFound)
}

func TestContextMgrClose(t *testing.T) {
	m := NewContextMgr()
	_, err := m.Create(uid.ID{Hi: 9, Lo: 9})
	require.NoError(t, err)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	assert.Equal(t, 0, m.ContextCount())
	_, err = m.Create(uid.ID{Hi: 9, Lo: 9})
	assert.Error(t, err)
}
