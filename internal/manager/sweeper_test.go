package manager

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/amoylab/deltasession/internal/cache"
	"github.com/amoylab/deltasession/internal/common/cnst"
)

func TestSweeper_ExpiresIdleSessions(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemoryStore(zap.NewNop())
	clk := newClock()
	cfg := testConfig()
	cfg.MaxInactiveInterval = time.Minute
	m := newTestManager(t, store, "node-a", cfg, clk)
	other := newTestManager(t, store, "node-b", cfg, clk)

	idle, err := m.CreateSession(ctx)
	require.NoError(t, err)
	require.NoError(t, m.Commit(ctx, idle))
	_, err = other.FindSession(ctx, idle.ID())
	require.NoError(t, err)

	busy, err := m.CreateSession(ctx)
	require.NoError(t, err)
	require.NoError(t, m.Commit(ctx, busy))

	var reason atomic.Value
	m.AddListener(ListenerFunc(func(ev Event) {
		if ev.Type == EventDestroyed {
			reason.Store(ev.Reason)
		}
	}))

	clk.Advance(45 * time.Second)
	_, err = m.FindSession(ctx, busy.ID())
	require.NoError(t, err)
	clk.Advance(30 * time.Second)

	sw := NewSweeper(m, zap.NewNop())
	assert.Equal(t, 1, sw.SweepNow(ctx))
	assert.Equal(t, cnst.ReasonExpire, reason.Load())
	assert.Equal(t, 1, m.Count())
	assert.Equal(t, int64(1), m.Stats().Expired)

	_, err = m.FindSession(ctx, idle.ID())
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Load(ctx, idle.ID())
	assert.ErrorIs(t, err, cache.ErrNotFound)

	assert.Eventually(t, func() bool { return other.Count() == 0 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, sw.Pending())
}

func TestSweeper_KeepsSessionAliveOnOtherNode(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemoryStore(zap.NewNop())
	clk := newClock()
	cfg := testConfig()
	cfg.MaxInactiveInterval = time.Minute
	a := newTestManager(t, store, "node-a", cfg, clk)
	b := newTestManager(t, store, "node-b", cfg, clk)

	s, err := a.CreateSession(ctx)
	require.NoError(t, err)
	require.NoError(t, a.Commit(ctx, s))

	for i := 1; i <= 4; i++ {
		clk.Advance(20 * time.Second)
		bs, err := b.FindSession(ctx, s.ID())
		require.NoError(t, err)
		require.NoError(t, b.SetAttribute(bs, "n", i))
		require.NoError(t, b.Commit(ctx, bs))
	}

	sw := NewSweeper(a, zap.NewNop())
	assert.Zero(t, sw.SweepNow(ctx))
	assert.Zero(t, a.Count())
	assert.Equal(t, int64(1), a.Stats().Evicted)
	assert.Empty(t, sw.Pending())

	_, err = store.Load(ctx, s.ID())
	require.NoError(t, err)
	assert.Equal(t, 1, b.Count())
	_, err = b.FindSession(ctx, s.ID())
	assert.NoError(t, err)

	// once node-b stops touching it the session expires everywhere
	clk.Advance(2 * time.Minute)
	assert.Equal(t, 1, NewSweeper(b, zap.NewNop()).SweepNow(ctx))
	_, err = store.Load(ctx, s.ID())
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestSweeper_RetriesFailedRemovals(t *testing.T) {
	ctx := context.Background()
	store := &faultyStore{MemoryStore: cache.NewMemoryStore(zap.NewNop())}
	clk := newClock()
	cfg := testConfig()
	cfg.MaxInactiveInterval = time.Minute
	m := newTestManager(t, store, "node-a", cfg, clk)

	s, err := m.CreateSession(ctx)
	require.NoError(t, err)
	require.NoError(t, m.Commit(ctx, s))

	store.failRemove.Store(true)
	clk.Advance(2 * time.Minute)
	sw := NewSweeper(m, zap.NewNop())
	assert.Equal(t, 1, sw.SweepNow(ctx))
	assert.Zero(t, m.Count())
	assert.Equal(t, []string{s.ID()}, sw.Pending())

	assert.Zero(t, sw.SweepNow(ctx))
	assert.Equal(t, []string{s.ID()}, sw.Pending())

	store.failRemove.Store(false)
	sw.SweepNow(ctx)
	assert.Empty(t, sw.Pending())
	_, err = store.Load(ctx, s.ID())
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestSweeper_StartStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clk := newClock()
	cfg := testConfig()
	cfg.MaxInactiveInterval = time.Minute
	cfg.SweepInterval = 10 * time.Millisecond
	m := newTestManager(t, cache.NewMemoryStore(zap.NewNop()), "node-a", cfg, clk)

	_, err := m.CreateSession(ctx)
	require.NoError(t, err)
	clk.Advance(2 * time.Minute)

	sw := NewSweeper(m, zap.NewNop())
	sw.Start(ctx)
	sw.Start(ctx)
	assert.True(t, sw.IsRunning())
	assert.Eventually(t, func() bool { return m.Count() == 0 }, time.Second, 5*time.Millisecond)

	sw.Stop()
	sw.Stop()
	assert.False(t, sw.IsRunning())

	_, err = m.CreateSession(ctx)
	require.NoError(t, err)
	clk.Advance(2 * time.Minute)

	sw.Start(ctx)
	assert.True(t, sw.IsRunning())
	assert.Eventually(t, func() bool { return m.Count() == 0 }, time.Second, 5*time.Millisecond)
	sw.Stop()
}

func TestSweeper_StopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := testConfig()
	cfg.SweepInterval = 10 * time.Millisecond
	m := newTestManager(t, cache.NewMemoryStore(zap.NewNop()), "node-a", cfg, nil)

	sw := NewSweeper(m, zap.NewNop())
	sw.Start(ctx)
	cancel()
	assert.Eventually(t, func() bool { return !sw.IsRunning() }, time.Second, 5*time.Millisecond)

	sw.Start(context.Background())
	assert.True(t, sw.IsRunning())
	sw.Stop()
}
