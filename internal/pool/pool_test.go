package pool

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockConn is a pooled object used for testing
type mockConn struct {
	id     int64
	closed atomic.Bool
}

type mockFactory struct {
	nextID    atomic.Int64
	destroyed atomic.Int64

	mu        sync.Mutex
	createErr error
	validate  func(*mockConn) bool
}

func (f *mockFactory) Create(ctx context.Context) (*mockConn, error) {
	f.mu.Lock()
	err := f.createErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &mockConn{id: f.nextID.Add(1)}, nil
}

func (f *mockFactory) Validate(ctx context.Context, c *mockConn) bool {
	f.mu.Lock()
	validate := f.validate
	f.mu.Unlock()
	if c.closed.Load() {
		return false
	}
	if validate == nil {
		return true
	}
	return validate(c)
}

func (f *mockFactory) Destroy(c *mockConn) {
	c.closed.Store(true)
	f.destroyed.Add(1)
}

func (f *mockFactory) setValidate(fn func(*mockConn) bool) {
	f.mu.Lock()
	f.validate = fn
	f.mu.Unlock()
}

func (f *mockFactory) setCreateErr(err error) {
	f.mu.Lock()
	f.createErr = err
	f.mu.Unlock()
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() Config {
	return Config{
		MaxTotal:             5,
		MaxIdle:              3,
		MinIdle:              0,
		MaxWait:              time.Second,
		MinEvictableIdleTime: time.Minute,
	}
}

func newTestPool(t *testing.T, cfg Config) (*Pool[*mockConn], *mockFactory) {
	t.Helper()
	f := &mockFactory{}
	p, err := New[*mockConn](cfg, f, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p, f
}

// TestPoolCreate tests pool creation
func TestPoolCreate(t *testing.T) {
	t.Run("warms up to minIdle", func(t *testing.T) {
		cfg := testConfig()
		cfg.MinIdle = 2
		p, f := newTestPool(t, cfg)

		stats := p.Stats()
		assert.Equal(t, 2, stats.Idle)
		assert.Equal(t, 0, stats.Active)
		assert.Equal(t, int64(2), f.nextID.Load())
	})

	t.Run("warm up failure is not fatal", func(t *testing.T) {
		cfg := testConfig()
		cfg.MinIdle = 2
		f := &mockFactory{createErr: errors.New("connection refused")}
		p, err := New[*mockConn](cfg, f, testLogger())
		require.NoError(t, err)
		defer p.Close()

		assert.Equal(t, 0, p.Stats().Total)
	})

	t.Run("invalid configuration", func(t *testing.T) {
		bad := []Config{
			{MaxTotal: 0, MaxIdle: 0},
			{MaxTotal: 5, MaxIdle: 3, MinIdle: -1},
			{MaxTotal: 5, MaxIdle: 1, MinIdle: 2},
			{MaxTotal: 2, MaxIdle: 3},
		}
		for _, cfg := range bad {
			p, err := New[*mockConn](cfg, &mockFactory{}, testLogger())
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Nil(t, p)
		}
	})

	t.Run("nil factory", func(t *testing.T) {
		_, err := New[*mockConn](testConfig(), nil, testLogger())
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})
}

func TestPoolBorrowReturn(t *testing.T) {
	p, f := newTestPool(t, testConfig())
	ctx := context.Background()

	e, err := p.Borrow(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateActive, e.State())
	assert.Equal(t, int64(1), e.BorrowCount())
	assert.Equal(t, 1, p.Stats().Active)

	require.NoError(t, p.Return(e))
	assert.Equal(t, StateIdle, e.State())

	stats := p.Stats()
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, 1, stats.Idle)

	again, err := p.Borrow(ctx)
	require.NoError(t, err)
	assert.Same(t, e.Object(), again.Object())
	assert.Equal(t, int64(2), again.BorrowCount())
	assert.Equal(t, int64(1), f.nextID.Load())
	require.NoError(t, p.Return(again))
}

func TestPoolBorrowPrefersMostRecentlyReturned(t *testing.T) {
	p, _ := newTestPool(t, testConfig())
	ctx := context.Background()

	first, err := p.Borrow(ctx)
	require.NoError(t, err)
	second, err := p.Borrow(ctx)
	require.NoError(t, err)

	require.NoError(t, p.Return(first))
	require.NoError(t, p.Return(second))

	got, err := p.Borrow(ctx)
	require.NoError(t, err)
	assert.Same(t, second.Object(), got.Object())
}

func TestPoolReturnRespectsMaxIdle(t *testing.T) {
	cfg := testConfig()
	cfg.MaxIdle = 1
	p, f := newTestPool(t, cfg)
	ctx := context.Background()

	a, err := p.Borrow(ctx)
	require.NoError(t, err)
	b, err := p.Borrow(ctx)
	require.NoError(t, err)

	require.NoError(t, p.Return(a))
	require.NoError(t, p.Return(b))

	stats := p.Stats()
	assert.Equal(t, 1, stats.Idle)
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, int64(1), f.destroyed.Load())

	// the least recently returned entry is the one dropped
	assert.True(t, a.Object().closed.Load())
	assert.False(t, b.Object().closed.Load())
	assert.Equal(t, StateDestroyed, a.State())
}

func TestPoolExhaustion(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTotal = 1
	cfg.MaxIdle = 1
	cfg.MaxWait = 50 * time.Millisecond
	p, _ := newTestPool(t, cfg)
	ctx := context.Background()

	held, err := p.Borrow(ctx)
	require.NoError(t, err)

	start := time.Now()
	_, err = p.Borrow(ctx)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Equal(t, int64(1), p.Stats().Timeouts)
	assert.Equal(t, 0, p.Stats().Waiters)

	require.NoError(t, p.Return(held))
}

func TestPoolWaiterReceivesReturnedEntry(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTotal = 1
	cfg.MaxIdle = 1
	cfg.MaxWait = 2 * time.Second
	p, _ := newTestPool(t, cfg)
	ctx := context.Background()

	held, err := p.Borrow(ctx)
	require.NoError(t, err)

	got := make(chan *Entry[*mockConn], 1)
	go func() {
		e, err := p.Borrow(ctx)
		if err != nil {
			got <- nil
			return
		}
		got <- e
	}()

	require.Eventually(t, func() bool { return p.Stats().Waiters == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, p.Return(held))

	select {
	case e := <-got:
		require.NotNil(t, e)
		assert.Same(t, held.Object(), e.Object())
		require.NoError(t, p.Return(e))
	case <-time.After(time.Second):
		t.Fatal("waiter was not served")
	}
}

func TestPoolLateBorrowerQueuesBehindWaiter(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTotal = 1
	cfg.MaxIdle = 1
	cfg.MaxWait = 2 * time.Second
	p, _ := newTestPool(t, cfg)
	ctx := context.Background()

	held, err := p.Borrow(ctx)
	require.NoError(t, err)

	got := make(chan *Entry[*mockConn], 1)
	go func() {
		e, err := p.Borrow(ctx)
		if err != nil {
			got <- nil
			return
		}
		got <- e
	}()
	require.Eventually(t, func() bool { return p.Stats().Waiters == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, p.Return(held))

	// the returned entry is held for the queued waiter
	lateCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = p.Borrow(lateCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case e := <-got:
		require.NotNil(t, e)
		assert.Same(t, held.Object(), e.Object())
		require.NoError(t, p.Return(e))
	case <-time.After(time.Second):
		t.Fatal("waiter was not served")
	}

	e, err := p.Borrow(ctx)
	require.NoError(t, err)
	require.NoError(t, p.Return(e))
	assert.Equal(t, 0, p.Stats().Waiters)
}

func TestPoolAbandonedWakeupPassesToNextWaiter(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTotal = 1
	cfg.MaxIdle = 1
	cfg.MaxWait = 2 * time.Second
	p, _ := newTestPool(t, cfg)

	held, err := p.Borrow(context.Background())
	require.NoError(t, err)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := p.Borrow(firstCtx)
		first <- err
	}()
	require.Eventually(t, func() bool { return p.Stats().Waiters == 1 }, time.Second, 5*time.Millisecond)

	second := make(chan *Entry[*mockConn], 1)
	go func() {
		e, _ := p.Borrow(context.Background())
		second <- e
	}()
	require.Eventually(t, func() bool { return p.Stats().Waiters == 2 }, time.Second, 5*time.Millisecond)

	cancelFirst()
	assert.ErrorIs(t, <-first, context.Canceled)
	require.NoError(t, p.Return(held))

	select {
	case e := <-second:
		require.NotNil(t, e)
		require.NoError(t, p.Return(e))
	case <-time.After(time.Second):
		t.Fatal("second waiter was not served")
	}
}

func TestPoolBorrowContextCancel(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTotal = 1
	cfg.MaxIdle = 1
	cfg.MaxWait = 0
	p, _ := newTestPool(t, cfg)

	held, err := p.Borrow(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err = p.Borrow(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, p.Stats().Waiters)

	require.NoError(t, p.Return(held))
}

func TestPoolCreateFailureReleasesSlot(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTotal = 1
	cfg.MaxIdle = 1
	p, f := newTestPool(t, cfg)
	ctx := context.Background()

	dialErr := errors.New("dial tcp: connection refused")
	f.setCreateErr(dialErr)

	_, err := p.Borrow(ctx)
	assert.ErrorIs(t, err, dialErr)
	assert.Equal(t, 0, p.Stats().Total)

	f.setCreateErr(nil)
	e, err := p.Borrow(ctx)
	require.NoError(t, err)
	require.NoError(t, p.Return(e))
}

func TestPoolIllegalTransitions(t *testing.T) {
	p, _ := newTestPool(t, testConfig())
	ctx := context.Background()

	t.Run("double return", func(t *testing.T) {
		e, err := p.Borrow(ctx)
		require.NoError(t, err)
		require.NoError(t, p.Return(e))
		assert.ErrorIs(t, p.Return(e), ErrIllegalTransition)
		assert.ErrorIs(t, p.Invalidate(e), ErrIllegalTransition)
	})

	t.Run("return after invalidate", func(t *testing.T) {
		e, err := p.Borrow(ctx)
		require.NoError(t, err)
		require.NoError(t, p.Invalidate(e))
		assert.ErrorIs(t, p.Return(e), ErrIllegalTransition)
	})

	t.Run("nil entry", func(t *testing.T) {
		assert.ErrorIs(t, p.Return(nil), ErrIllegalTransition)
	})

	t.Run("entry from another pool", func(t *testing.T) {
		other, _ := newTestPool(t, testConfig())
		e, err := other.Borrow(ctx)
		require.NoError(t, err)
		assert.ErrorIs(t, p.Return(e), ErrIllegalTransition)
		require.NoError(t, other.Return(e))
	})

	stats := p.Stats()
	assert.Equal(t, 0, stats.Active)
	assert.LessOrEqual(t, stats.Total, stats.MaxTotal)
}

func TestPoolInvalidate(t *testing.T) {
	p, f := newTestPool(t, testConfig())

	e, err := p.Borrow(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.Invalidate(e))

	stats := p.Stats()
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, 0, stats.Idle)
	assert.Equal(t, int64(1), stats.Invalidated)
	assert.Equal(t, int64(1), f.destroyed.Load())
	assert.Equal(t, StateDestroyed, e.State())
	assert.True(t, e.Object().closed.Load())
}

func TestPoolTestOnBorrow(t *testing.T) {
	t.Run("invalid idle entry is replaced", func(t *testing.T) {
		cfg := testConfig()
		cfg.MinIdle = 1
		cfg.TestOnBorrow = true
		p, f := newTestPool(t, cfg)

		f.setValidate(func(c *mockConn) bool { return c.id != 1 })

		e, err := p.Borrow(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(2), e.Object().id)
		assert.Equal(t, int64(1), p.Stats().ValidationFailures)
		assert.Equal(t, int64(1), f.destroyed.Load())
		require.NoError(t, p.Return(e))
	})

	t.Run("new entry failing validation", func(t *testing.T) {
		cfg := testConfig()
		cfg.TestOnBorrow = true
		p, f := newTestPool(t, cfg)

		f.setValidate(func(*mockConn) bool { return false })

		_, err := p.Borrow(context.Background())
		assert.ErrorIs(t, err, ErrValidationFailed)
		assert.Equal(t, 0, p.Stats().Total)
		assert.Equal(t, int64(1), f.destroyed.Load())
	})
}

func TestPoolTestOnReturn(t *testing.T) {
	cfg := testConfig()
	cfg.TestOnReturn = true
	p, f := newTestPool(t, cfg)

	e, err := p.Borrow(context.Background())
	require.NoError(t, err)

	f.setValidate(func(*mockConn) bool { return false })
	require.NoError(t, p.Return(e))

	stats := p.Stats()
	assert.Equal(t, 0, stats.Idle)
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, int64(1), stats.ValidationFailures)
	assert.Equal(t, StateDestroyed, e.State())
}

func TestPoolEvictOldestFirstDownToMinIdle(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTotal = 10
	cfg.MaxIdle = 5
	cfg.MinIdle = 2
	cfg.MinEvictableIdleTime = time.Minute
	p, _ := newTestPool(t, cfg)

	clock := &fakeClock{now: time.Now()}
	p.now = clock.Now
	ctx := context.Background()

	entries := make([]*Entry[*mockConn], 5)
	for i := range entries {
		e, err := p.Borrow(ctx)
		require.NoError(t, err)
		entries[i] = e
	}
	for _, e := range entries {
		clock.Advance(time.Second)
		require.NoError(t, p.Return(e))
	}
	require.Equal(t, 5, p.Stats().Idle)

	t.Run("young entries survive", func(t *testing.T) {
		clock.Advance(30 * time.Second)
		p.Evict(ctx)
		assert.Equal(t, 5, p.Stats().Idle)
	})

	t.Run("old entries evicted oldest first", func(t *testing.T) {
		clock.Advance(2 * time.Minute)
		p.Evict(ctx)

		stats := p.Stats()
		assert.Equal(t, 2, stats.Idle)
		assert.Equal(t, int64(3), stats.Evicted)

		for _, e := range entries[:3] {
			assert.True(t, e.Object().closed.Load())
		}
		for _, e := range entries[3:] {
			assert.False(t, e.Object().closed.Load())
		}
	})
}

func TestPoolTestWhileIdle(t *testing.T) {
	t.Run("failing idle entries destroyed", func(t *testing.T) {
		cfg := testConfig()
		cfg.TestWhileIdle = true
		p, f := newTestPool(t, cfg)
		ctx := context.Background()

		entries := make([]*Entry[*mockConn], 3)
		for i := range entries {
			e, err := p.Borrow(ctx)
			require.NoError(t, err)
			entries[i] = e
		}
		for _, e := range entries {
			require.NoError(t, p.Return(e))
		}

		bad := entries[1].Object().id
		f.setValidate(func(c *mockConn) bool { return c.id != bad })
		p.Evict(ctx)

		stats := p.Stats()
		assert.Equal(t, 2, stats.Idle)
		assert.Equal(t, int64(1), stats.ValidationFailures)
		assert.True(t, entries[1].Object().closed.Load())

		// order among survivors is preserved
		e, err := p.Borrow(ctx)
		require.NoError(t, err)
		assert.Same(t, entries[2].Object(), e.Object())
		require.NoError(t, p.Return(e))
	})

	t.Run("pool topped back up to minIdle", func(t *testing.T) {
		cfg := testConfig()
		cfg.MinIdle = 2
		cfg.TestWhileIdle = true
		p, f := newTestPool(t, cfg)

		f.setValidate(func(c *mockConn) bool { return c.id > 2 })
		p.Evict(context.Background())

		stats := p.Stats()
		assert.Equal(t, 2, stats.Idle)
		assert.Equal(t, int64(2), f.destroyed.Load())
		assert.Equal(t, int64(4), f.nextID.Load())
	})
}

func TestPoolEvictionLoop(t *testing.T) {
	cfg := testConfig()
	cfg.MinIdle = 1
	cfg.EvictionInterval = 10 * time.Millisecond
	cfg.MinEvictableIdleTime = time.Millisecond
	p, _ := newTestPool(t, cfg)
	ctx := context.Background()

	entries := make([]*Entry[*mockConn], 3)
	for i := range entries {
		e, err := p.Borrow(ctx)
		require.NoError(t, err)
		entries[i] = e
	}
	for _, e := range entries {
		require.NoError(t, p.Return(e))
	}

	assert.Eventually(t, func() bool {
		return p.Stats().Idle == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPoolClose(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTotal = 2
	cfg.MaxIdle = 2
	cfg.MinIdle = 1
	cfg.MaxWait = 0
	f := &mockFactory{}
	p, err := New[*mockConn](cfg, f, testLogger())
	require.NoError(t, err)
	ctx := context.Background()

	a, err := p.Borrow(ctx)
	require.NoError(t, err)
	b, err := p.Borrow(ctx)
	require.NoError(t, err)

	waitErr := make(chan error, 1)
	go func() {
		_, err := p.Borrow(ctx)
		waitErr <- err
	}()
	require.Eventually(t, func() bool { return p.Stats().Waiters == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, p.Return(b))
	select {
	case err := <-waitErr:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter not served")
	}

	require.NoError(t, p.Close())
	assert.ErrorIs(t, p.Close(), ErrPoolClosed)

	_, err = p.Borrow(ctx)
	assert.ErrorIs(t, err, ErrPoolClosed)

	// borrowed entries are destroyed when they come back
	require.NoError(t, p.Return(a))
	assert.True(t, a.Object().closed.Load())
	assert.True(t, p.Stats().Closed)
}

func TestPoolCloseWakesWaiters(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTotal = 1
	cfg.MaxIdle = 1
	cfg.MaxWait = 0
	f := &mockFactory{}
	p, err := New[*mockConn](cfg, f, testLogger())
	require.NoError(t, err)

	held, err := p.Borrow(context.Background())
	require.NoError(t, err)

	waitErr := make(chan error, 1)
	go func() {
		_, err := p.Borrow(context.Background())
		waitErr <- err
	}()
	require.Eventually(t, func() bool { return p.Stats().Waiters == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, p.Close())

	select {
	case err := <-waitErr:
		assert.ErrorIs(t, err, ErrPoolClosed)
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by close")
	}

	require.NoError(t, p.Return(held))
	assert.Equal(t, int64(1), f.destroyed.Load())
}

func TestPoolConcurrentCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTotal = 5
	cfg.MaxIdle = 3
	cfg.MinIdle = 1
	cfg.MaxWait = 5 * time.Second
	cfg.TestOnBorrow = true
	p, f := newTestPool(t, cfg)
	ctx := context.Background()

	var (
		inUse   atomic.Int64
		peak    atomic.Int64
		wg      sync.WaitGroup
		errorsN atomic.Int64
	)

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				e, err := p.Borrow(ctx)
				if err != nil {
					errorsN.Add(1)
					continue
				}
				n := inUse.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}

				stats := p.Stats()
				if stats.Total > stats.MaxTotal {
					errorsN.Add(1)
				}

				time.Sleep(time.Millisecond)
				inUse.Add(-1)
				if (worker+j)%7 == 0 {
					_ = p.Invalidate(e)
				} else {
					_ = p.Return(e)
				}
			}
		}(i)
	}
	wg.Wait()

	assert.Zero(t, errorsN.Load())
	assert.LessOrEqual(t, peak.Load(), int64(5))

	stats := p.Stats()
	assert.Equal(t, 0, stats.Active)
	assert.LessOrEqual(t, stats.Idle, cfg.MaxIdle)
	assert.Equal(t, stats.Active+stats.Idle, stats.Total)
	assert.Equal(t, f.nextID.Load()-f.destroyed.Load(), int64(stats.Total))
}

func TestStatsString(t *testing.T) {
	s := Stats{Active: 2, Idle: 3, Total: 5, MaxTotal: 10}
	assert.Equal(t, "Pool Stats - Active: 2, Idle: 3, Total: 5", s.String())
	assert.InDelta(t, 0.2, s.Utilization(), 0.0001)
}

func TestStateTransitions(t *testing.T) {
	assert.True(t, StateIdle.CanTransition(StateActive))
	assert.True(t, StateActive.CanTransition(StateIdle))
	assert.True(t, StateInvalid.CanTransition(StateDestroyed))
	assert.False(t, StateDestroyed.CanTransition(StateIdle))
	assert.False(t, StateIdle.CanTransition(StateDestroyed))
	assert.Equal(t, "active", StateActive.String())
}
