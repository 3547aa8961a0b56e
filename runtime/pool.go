package runtime

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrPoolClosed is returned by Acquire after Shutdown began.
	ErrPoolClosed = errors.New("runtime pool is closed")

	// ErrAcquireTimeout is returned when no runtime became available
	// within the acquire timeout. The task never started; callers may
	// retry.
	ErrAcquireTimeout = errors.New("timed out waiting for a runtime")
)

// Factory provisions a started runtime for a pool slot.
type Factory func(ctx context.Context) (*Runtime, error)

// PoolMetrics records pool occupancy and churn. A prometheus collector
// satisfies it; nil disables recording.
type PoolMetrics interface {
	RecordPoolState(idle, acquired int)
	RecordRuntimeReplacement()
	RecordAcquireWait(d time.Duration)
}

// PoolConfig controls the runtime pool.
type PoolConfig struct {
	// Capacity is the maximum number of live runtimes.
	Capacity int `yaml:"capacity" json:"capacity" env:"POOL_CAPACITY"`

	// PreWarm runtimes are provisioned at startup so the first tasks
	// skip process start latency.
	PreWarm int `yaml:"pre_warm" json:"pre_warm" env:"POOL_PRE_WARM"`

	// AcquireTimeout is the default wait bound when Acquire is called
	// with a zero timeout.
	AcquireTimeout time.Duration `yaml:"acquire_timeout" json:"acquire_timeout" env:"POOL_ACQUIRE_TIMEOUT"`
}

// DefaultPoolConfig returns pool defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Capacity:       4,
		PreWarm:        1,
		AcquireTimeout: 60 * time.Second,
	}
}

type waiter struct {
	ch chan *Runtime // buffered, capacity 1
}

// Pool bounds concurrent runtime usage and amortizes process start
// cost. Slots move between idle and acquired under one mutex; blocked
// acquirers queue FIFO and are served in arrival order. Release never
// resets the runtime; callers wanting a clean slate reset explicitly.
type Pool struct {
	cfg     PoolConfig
	factory Factory
	logger  *zap.Logger
	metrics PoolMetrics

	mu          sync.Mutex
	idle        []*Runtime
	acquired    map[*Runtime]struct{}
	waiters     *list.List // of *waiter
	live        int        // idle + acquired + provisioning
	closed      bool
	drained     chan struct{} // closed when acquired empties after close
	drainedOnce sync.Once
}

// NewPool creates a pool and pre-warms cfg.PreWarm runtimes.
func NewPool(ctx context.Context, cfg PoolConfig, factory Factory, logger *zap.Logger) (*Pool, error) {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultPoolConfig().Capacity
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultPoolConfig().AcquireTimeout
	}
	if cfg.PreWarm > cfg.Capacity {
		cfg.PreWarm = cfg.Capacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pool{
		cfg:      cfg,
		factory:  factory,
		logger:   logger.With(zap.String("component", "runtime_pool")),
		acquired: make(map[*Runtime]struct{}),
		waiters:  list.New(),
		drained:  make(chan struct{}),
	}

	for i := 0; i < cfg.PreWarm; i++ {
		rt, err := factory(ctx)
		if err != nil {
			_ = p.Shutdown(ctx)
			return nil, fmt.Errorf("pre-warm runtime %d: %w", i, err)
		}
		p.idle = append(p.idle, rt)
		p.live++
	}

	p.logger.Info("runtime pool ready",
		zap.Int("capacity", cfg.Capacity),
		zap.Int("pre_warmed", cfg.PreWarm),
	)
	return p, nil
}

// SetMetrics installs the occupancy recorder. Call before serving.
func (p *Pool) SetMetrics(m PoolMetrics) {
	p.mu.Lock()
	p.metrics = m
	p.reportStateLocked()
	p.mu.Unlock()
}

// reportStateLocked pushes the current occupancy. Caller holds p.mu.
func (p *Pool) reportStateLocked() {
	if p.metrics != nil {
		p.metrics.RecordPoolState(len(p.idle), len(p.acquired))
	}
}

// Acquire returns an exclusive runtime, provisioning one when under
// capacity and otherwise waiting FIFO behind earlier callers. A zero
// timeout uses the configured default.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*Runtime, error) {
	if timeout <= 0 {
		timeout = p.cfg.AcquireTimeout
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	if n := len(p.idle); n > 0 {
		rt := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.acquired[rt] = struct{}{}
		p.reportStateLocked()
		p.mu.Unlock()
		return rt, nil
	}

	if p.live < p.cfg.Capacity {
		p.live++
		p.mu.Unlock()

		rt, err := p.factory(ctx)
		if err != nil {
			p.mu.Lock()
			p.live--
			p.mu.Unlock()
			return nil, fmt.Errorf("provision runtime: %w", err)
		}

		p.mu.Lock()
		if p.closed {
			p.live--
			p.mu.Unlock()
			_ = rt.Close(context.Background())
			return nil, ErrPoolClosed
		}
		p.acquired[rt] = struct{}{}
		p.reportStateLocked()
		p.mu.Unlock()
		return rt, nil
	}

	// At capacity: queue behind earlier waiters.
	w := &waiter{ch: make(chan *Runtime, 1)}
	elem := p.waiters.PushBack(w)
	m := p.metrics
	waitStart := time.Now()
	p.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case rt, ok := <-w.ch:
		if !ok {
			// Channel closed by Shutdown while we waited.
			return nil, ErrPoolClosed
		}
		if m != nil {
			m.RecordAcquireWait(time.Since(waitStart))
		}
		return rt, nil
	case <-timer.C:
		return nil, p.abandonWaiter(elem, w, ErrAcquireTimeout)
	case <-ctx.Done():
		return nil, p.abandonWaiter(elem, w, ctx.Err())
	}
}

// abandonWaiter removes a timed-out or cancelled waiter. A runtime may
// have been handed over concurrently; if so it goes back into rotation
// and the next waiter gets it.
func (p *Pool) abandonWaiter(elem *list.Element, w *waiter, cause error) error {
	p.mu.Lock()
	removed := false
	for e := p.waiters.Front(); e != nil; e = e.Next() {
		if e == elem {
			p.waiters.Remove(e)
			removed = true
			break
		}
	}
	p.mu.Unlock()

	if !removed {
		// Handover already happened; reclaim the runtime.
		select {
		case rt, ok := <-w.ch:
			if ok && rt != nil {
				p.Release(rt)
			}
		default:
		}
	}
	return cause
}

// Release returns an acquired runtime to the pool. Unhealthy runtimes
// are destroyed and replaced with a freshly provisioned one instead of
// being recycled.
func (p *Pool) Release(rt *Runtime) {
	p.mu.Lock()
	if _, ok := p.acquired[rt]; !ok {
		p.mu.Unlock()
		p.logger.Warn("release of unknown runtime ignored", zap.String("runtime_id", rt.ID()))
		return
	}
	delete(p.acquired, rt)

	if p.closed {
		p.live--
		drained := len(p.acquired) == 0
		p.mu.Unlock()
		_ = rt.Close(context.Background())
		if drained {
			p.signalDrained()
		}
		return
	}

	if !rt.Healthy() {
		p.live--
		p.reportStateLocked()
		m := p.metrics
		p.mu.Unlock()
		if m != nil {
			m.RecordRuntimeReplacement()
		}
		p.logger.Info("destroying unhealthy runtime", zap.String("runtime_id", rt.ID()))
		_ = rt.Close(context.Background())
		go p.replenish()
		return
	}

	p.handoffLocked(rt)
	p.reportStateLocked()
	p.mu.Unlock()
}

// handoffLocked gives the runtime to the oldest waiter or parks it idle.
// Caller holds p.mu.
func (p *Pool) handoffLocked(rt *Runtime) {
	if e := p.waiters.Front(); e != nil {
		p.waiters.Remove(e)
		e.Value.(*waiter).ch <- rt
		p.acquired[rt] = struct{}{}
		return
	}
	p.idle = append(p.idle, rt)
}

// replenish provisions a replacement for a destroyed runtime.
func (p *Pool) replenish() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	p.mu.Lock()
	if p.closed || p.live >= p.cfg.Capacity {
		p.mu.Unlock()
		return
	}
	p.live++
	p.mu.Unlock()

	rt, err := p.factory(ctx)
	if err != nil {
		p.mu.Lock()
		p.live--
		p.mu.Unlock()
		p.logger.Error("failed to replace destroyed runtime", zap.Error(err))
		return
	}

	p.mu.Lock()
	if p.closed {
		p.live--
		p.mu.Unlock()
		_ = rt.Close(context.Background())
		return
	}
	p.handoffLocked(rt)
	p.reportStateLocked()
	p.mu.Unlock()
}

// Stats reports current slot usage.
func (p *Pool) Stats() (idle, acquired, capacity int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle), len(p.acquired), p.cfg.Capacity
}

// Shutdown rejects new acquires, fails queued waiters, waits for
// outstanding handles to come back until ctx expires, then destroys
// everything still live.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true

	// Queued waiters never get a runtime now; closing their channels
	// wakes their Acquire calls with ErrPoolClosed.
	for e := p.waiters.Front(); e != nil; e = e.Next() {
		close(e.Value.(*waiter).ch)
	}
	p.waiters.Init()

	idle := p.idle
	p.idle = nil
	p.live -= len(idle)
	p.reportStateLocked()
	outstanding := len(p.acquired)
	if outstanding == 0 {
		p.signalDrained()
	}
	p.mu.Unlock()

	for _, rt := range idle {
		_ = rt.Close(ctx)
	}

	if outstanding > 0 {
		p.logger.Info("waiting for outstanding runtimes", zap.Int("count", outstanding))
		select {
		case <-p.drained:
		case <-ctx.Done():
			// Force-terminate whatever was not released in time.
			p.mu.Lock()
			remaining := make([]*Runtime, 0, len(p.acquired))
			for rt := range p.acquired {
				remaining = append(remaining, rt)
			}
			p.acquired = make(map[*Runtime]struct{})
			p.live -= len(remaining)
			p.mu.Unlock()
			for _, rt := range remaining {
				_ = rt.Close(context.Background())
			}
		}
	}

	p.logger.Info("runtime pool shut down")
	return nil
}

func (p *Pool) signalDrained() {
	// Shutdown and a concurrent Release can both observe the drained
	// condition; close exactly once.
	p.drainedOnce.Do(func() { close(p.drained) })
}
