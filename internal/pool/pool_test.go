package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestPool(t *testing.T, min, max int, dialer *fakeDialer) *Pool {
	t.Helper()
	events := NewDispatcher(64, zaptest.NewLogger(t))
	t.Cleanup(events.Close)

	p, err := newPool("main", testPoolConfig(min, max), dialer, events, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { p.Close(context.Background()) })
	return p
}

func TestPoolWarmUpDialsMinConns(t *testing.T) {
	dialer := &fakeDialer{}
	p := newTestPool(t, 3, 5, dialer)

	assert.Equal(t, 3, dialer.dialCount())
	stats := p.Stats()
	assert.Equal(t, 3, stats.Open)
	assert.Equal(t, 3, stats.Idle)
	assert.Equal(t, 0, stats.InUse)
}

func TestPoolWarmUpFailureSurfacesError(t *testing.T) {
	events := NewDispatcher(64, zaptest.NewLogger(t))
	defer events.Close()

	dialer := &fakeDialer{dialErr: assert.AnError}
	_, err := newPool("main", testPoolConfig(2, 5), dialer, events, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestPoolNeverExceedsMax(t *testing.T) {
	dialer := &fakeDialer{}
	p := newTestPool(t, 0, 2, dialer)

	ctx := context.Background()
	first, err := p.acquire(ctx)
	require.NoError(t, err)
	second, err := p.acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Stats().InUse)

	// Third caller must wait until one of the first two releases.
	done := make(chan *physConn, 1)
	go func() {
		waitCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		pc, err := p.acquire(waitCtx)
		require.NoError(t, err)
		done <- pc
	}()

	// Give the waiter time to park; in-use must still be bounded by max.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, p.Stats().InUse)
	assert.Equal(t, 1, p.Stats().Waiting)

	p.release(first, false)
	third := <-done
	assert.Equal(t, 2, p.Stats().InUse)

	p.release(second, false)
	p.release(third, false)
	assert.Equal(t, 2, dialer.dialCount())
}

func TestPoolAcquireTimesOutWhenSaturated(t *testing.T) {
	dialer := &fakeDialer{}
	p := newTestPool(t, 0, 1, dialer)

	held, err := p.acquire(context.Background())
	require.NoError(t, err)
	defer p.release(held, false)

	const timeout = 50 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	_, err = p.acquire(ctx)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+200*time.Millisecond)
	// The timed-out waiter detached itself; nothing leaks in the waitlist.
	assert.Equal(t, 0, p.Stats().Waiting)
}

func TestPoolHandsOffToWaiterOnRelease(t *testing.T) {
	dialer := &fakeDialer{}
	p := newTestPool(t, 0, 1, dialer)

	held, err := p.acquire(context.Background())
	require.NoError(t, err)

	got := make(chan *physConn, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		pc, err := p.acquire(ctx)
		require.NoError(t, err)
		got <- pc
	}()

	time.Sleep(20 * time.Millisecond)
	p.release(held, false)

	pc := <-got
	assert.Same(t, held, pc)
	assert.Equal(t, 1, dialer.dialCount())
	p.release(pc, false)
}

func TestPoolConcurrentAcquireRespectsBound(t *testing.T) {
	const (
		workers = 20
		maxSize = 4
	)
	dialer := &fakeDialer{}
	p := newTestPool(t, 0, maxSize, dialer)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inUse   int
		maxSeen int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			pc, err := p.acquire(ctx)
			if err != nil {
				return
			}
			mu.Lock()
			inUse++
			if inUse > maxSeen {
				maxSeen = inUse
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inUse--
			mu.Unlock()
			p.release(pc, false)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, maxSeen, maxSize)
	assert.LessOrEqual(t, dialer.dialCount(), maxSize)
}

func TestPoolDamagedReleaseDiscardsConnection(t *testing.T) {
	dialer := &fakeDialer{}
	p := newTestPool(t, 0, 2, dialer)

	pc, err := p.acquire(context.Background())
	require.NoError(t, err)
	p.release(pc, true)

	assert.Equal(t, 0, p.Stats().Open)
	assert.Equal(t, 1, dialer.closedCount())

	// A fresh acquire dials a replacement.
	pc2, err := p.acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, dialer.dialCount())
	p.release(pc2, false)
}

func TestPoolMaxUsesRecyclesConnection(t *testing.T) {
	events := NewDispatcher(64, zaptest.NewLogger(t))
	defer events.Close()

	cfg := testPoolConfig(0, 2)
	cfg.MaxUses = 2
	dialer := &fakeDialer{}
	p, err := newPool("main", cfg, dialer, events, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer p.Close(context.Background())

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		pc, err := p.acquire(ctx)
		require.NoError(t, err)
		p.release(pc, false)
	}
	// Worn out at release of the second use; next acquire dials fresh.
	pc, err := p.acquire(ctx)
	require.NoError(t, err)
	p.release(pc, false)
	assert.Equal(t, 2, dialer.dialCount())
}

func TestPoolResizeGrowWakesWaiters(t *testing.T) {
	dialer := &fakeDialer{}
	p := newTestPool(t, 0, 1, dialer)

	held, err := p.acquire(context.Background())
	require.NoError(t, err)
	defer p.release(held, false)

	got := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		pc, err := p.acquire(ctx)
		if err == nil {
			p.release(pc, false)
		}
		got <- err
	}()

	time.Sleep(20 * time.Millisecond)
	p.Resize(2)

	require.NoError(t, <-got)
	assert.Equal(t, 2, p.Max())
}

func TestPoolReaperRestoresMinAfterDamagedRelease(t *testing.T) {
	dialer := &fakeDialer{}
	// Short idle timeout so the reaper ticks quickly.
	cfg := testPoolConfig(2, 3)
	cfg.IdleTimeout = 20 * time.Millisecond
	p := newNamedPool(t, "main", dialer, cfg)

	pc, err := p.acquire(context.Background())
	require.NoError(t, err)
	p.release(pc, true)
	assert.Equal(t, 1, p.Stats().Open)

	require.Eventually(t, func() bool {
		return p.Stats().Open == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, dialer.dialCount(), 3)
}

func TestPoolResizeIgnoresNonPositiveMax(t *testing.T) {
	dialer := &fakeDialer{}
	p := newTestPool(t, 0, 2, dialer)

	p.Resize(0)
	assert.Equal(t, 2, p.Max())
	p.Resize(-3)
	assert.Equal(t, 2, p.Max())

	pc, err := p.acquire(context.Background())
	require.NoError(t, err)
	p.release(pc, false)
}

func TestPoolResizeShrinkClosesSurplusIdle(t *testing.T) {
	dialer := &fakeDialer{}
	p := newTestPool(t, 3, 3, dialer)

	p.Resize(1)
	stats := p.Stats()
	assert.Equal(t, 1, stats.Max)
	assert.Equal(t, 1, stats.Open)
	assert.Equal(t, 2, dialer.closedCount())
}

func TestPoolCloseFailsWaitersAndIsIdempotent(t *testing.T) {
	dialer := &fakeDialer{}
	events := NewDispatcher(64, zaptest.NewLogger(t))
	defer events.Close()

	p, err := newPool("main", testPoolConfig(1, 1), dialer, events, zaptest.NewLogger(t))
	require.NoError(t, err)

	held, err := p.acquire(context.Background())
	require.NoError(t, err)

	waitErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_, err := p.acquire(ctx)
		waitErr <- err
	}()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, p.Close(context.Background()))
	assert.ErrorIs(t, <-waitErr, ErrPoolClosed)

	// Late release of an in-flight connection closes it instead of pooling.
	p.release(held, false)
	assert.Equal(t, 1, dialer.closedCount())

	require.NoError(t, p.Close(context.Background()))

	_, err = p.acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)
}
