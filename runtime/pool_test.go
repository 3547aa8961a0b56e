package runtime

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testFactory(t *testing.T) Factory {
	t.Helper()
	return func(ctx context.Context) (*Runtime, error) {
		box := newFakeBox()
		rt := New(box, Config{
			ExecTimeout:  500 * time.Millisecond,
			PollInterval: 5 * time.Millisecond,
		}, zaptest.NewLogger(t))
		if err := rt.Start(ctx); err != nil {
			return nil, err
		}
		return rt, nil
	}
}

func newTestPool(t *testing.T, capacity, preWarm int) *Pool {
	t.Helper()
	p, err := NewPool(context.Background(), PoolConfig{
		Capacity:       capacity,
		PreWarm:        preWarm,
		AcquireTimeout: time.Second,
	}, testFactory(t), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
	return p
}

func TestAcquireRelease(t *testing.T) {
	p := newTestPool(t, 2, 1)

	rt, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, rt)

	idle, acquired, capacity := p.Stats()
	assert.Equal(t, 0, idle)
	assert.Equal(t, 1, acquired)
	assert.Equal(t, 2, capacity)

	p.Release(rt)
	idle, acquired, _ = p.Stats()
	assert.Equal(t, 1, idle)
	assert.Equal(t, 0, acquired)
}

func TestCapacityNeverExceeded(t *testing.T) {
	const capacity = 2
	p := newTestPool(t, capacity, 0)

	var inFlight, maxSeen atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rt, err := p.Acquire(context.Background(), 5*time.Second)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			n := inFlight.Add(1)
			for {
				cur := maxSeen.Load()
				if n <= cur || maxSeen.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			inFlight.Add(-1)
			p.Release(rt)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, maxSeen.Load(), int64(capacity))
}

func TestAcquireTimeoutOnExhaustedPool(t *testing.T) {
	p := newTestPool(t, 1, 0)

	rt, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	defer p.Release(rt)

	start := time.Now()
	_, err = p.Acquire(context.Background(), 100*time.Millisecond)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrAcquireTimeout)
	assert.GreaterOrEqual(t, elapsed, 90*time.Millisecond, "should wait for the timeout, not fail immediately")
	assert.Less(t, elapsed, time.Second, "should not wait past the timeout")
}

func TestWaitersServedFIFO(t *testing.T) {
	p := newTestPool(t, 1, 0)

	holder, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	const waiters = 3
	order := make(chan int, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			rt, err := p.Acquire(context.Background(), 5*time.Second)
			if err != nil {
				t.Errorf("waiter %d: %v", rank, err)
				return
			}
			order <- rank
			p.Release(rt)
		}(i)
		// Serialize queue registration so arrival order is deterministic.
		time.Sleep(50 * time.Millisecond)
	}

	p.Release(holder)
	wg.Wait()
	close(order)

	var got []int
	for r := range order {
		got = append(got, r)
	}
	assert.Equal(t, []int{0, 1, 2}, got, "waiters must be served in arrival order")
}

func TestAcquireCancellationRemovesWaiter(t *testing.T) {
	p := newTestPool(t, 1, 0)

	holder, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx, 5*time.Second)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	// The abandoned waiter must not swallow the released runtime.
	p.Release(holder)
	rt, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	p.Release(rt)
}

func TestUnhealthyRuntimeReplacedOnRelease(t *testing.T) {
	p := newTestPool(t, 1, 1)
	ctx := context.Background()

	rt, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)
	firstID := rt.ID()

	// Wedge the evaluation process so the runtime goes unhealthy.
	_, _, execErr := rt.Execute(ctx, "hang")
	require.Error(t, execErr)
	require.False(t, rt.Healthy())

	p.Release(rt)

	replacement, err := p.Acquire(ctx, 5*time.Second)
	require.NoError(t, err)
	defer p.Release(replacement)

	assert.NotEqual(t, firstID, replacement.ID(), "unhealthy runtime must not be recycled")
	assert.True(t, replacement.Healthy())
}

type countingPoolMetrics struct {
	mu           sync.Mutex
	idle         int
	acquired     int
	replacements int
	waits        []time.Duration
}

func (m *countingPoolMetrics) RecordPoolState(idle, acquired int) {
	m.mu.Lock()
	m.idle, m.acquired = idle, acquired
	m.mu.Unlock()
}

func (m *countingPoolMetrics) RecordRuntimeReplacement() {
	m.mu.Lock()
	m.replacements++
	m.mu.Unlock()
}

func (m *countingPoolMetrics) RecordAcquireWait(d time.Duration) {
	m.mu.Lock()
	m.waits = append(m.waits, d)
	m.mu.Unlock()
}

func (m *countingPoolMetrics) snapshot() (idle, acquired, replacements, waits int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.idle, m.acquired, m.replacements, len(m.waits)
}

func TestPoolReportsOccupancyAndReplacements(t *testing.T) {
	p := newTestPool(t, 1, 1)
	metrics := &countingPoolMetrics{}
	p.SetMetrics(metrics)
	ctx := context.Background()

	rt, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)

	idle, acquired, _, _ := metrics.snapshot()
	assert.Equal(t, 0, idle)
	assert.Equal(t, 1, acquired)

	_, _, execErr := rt.Execute(ctx, "hang")
	require.Error(t, execErr)
	p.Release(rt)

	_, _, replacements, _ := metrics.snapshot()
	assert.Equal(t, 1, replacements)

	replacement, err := p.Acquire(ctx, 5*time.Second)
	require.NoError(t, err)
	p.Release(replacement)

	idle, acquired, _, _ = metrics.snapshot()
	assert.Equal(t, 1, idle)
	assert.Equal(t, 0, acquired)
}

func TestPoolRecordsAcquireWait(t *testing.T) {
	p := newTestPool(t, 1, 0)
	metrics := &countingPoolMetrics{}
	p.SetMetrics(metrics)

	holder, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		rt, err := p.Acquire(context.Background(), 5*time.Second)
		if err != nil {
			t.Errorf("waiter acquire: %v", err)
			return
		}
		p.Release(rt)
	}()

	time.Sleep(30 * time.Millisecond)
	p.Release(holder)
	<-done

	_, _, _, waits := metrics.snapshot()
	assert.Equal(t, 1, waits, "blocked acquire must record its wait time")
}

func TestShutdownRejectsAcquire(t *testing.T) {
	p := newTestPool(t, 2, 1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))

	_, err := p.Acquire(context.Background(), 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestShutdownWakesWaiters(t *testing.T) {
	p := newTestPool(t, 1, 0)

	holder, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background(), 10*time.Second)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)

	go func() {
		time.Sleep(20 * time.Millisecond)
		p.Release(holder)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))

	assert.ErrorIs(t, <-errCh, ErrPoolClosed)
}
