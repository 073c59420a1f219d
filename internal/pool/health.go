package pool

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/harborgrid/poolcore/internal/config"
)

// HealthStatus is the advisory per-pool health view. Degradation never
// shrinks or destroys a pool; it only surfaces here and in the logs.
type HealthStatus struct {
	Pool                string    `json:"pool"`
	Healthy             bool      `json:"healthy"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastSuccess         time.Time `json:"last_success"`
	LastError           string    `json:"last_error,omitempty"`
}

type healthState struct {
	mu                  sync.Mutex
	healthy             bool
	consecutiveFailures int
	lastSuccess         time.Time
	lastError           string
}

// HealthChecker probes every watched pool on its own goroutine so one pool's
// slow or failing probe never blocks another's.
type HealthChecker struct {
	interval  time.Duration
	timeout   time.Duration
	threshold int
	logger    *zap.Logger
	events    *Dispatcher

	mu      sync.Mutex
	states  map[string]*healthState
	stops   map[string]chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

// NewHealthChecker builds a checker from config, applying defaults for unset
// values.
func NewHealthChecker(cfg config.HealthCheckConfig, events *Dispatcher, logger *zap.Logger) *HealthChecker {
	defaults := config.DefaultConfig().Health
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaults.FailureThreshold
	}
	return &HealthChecker{
		interval:  cfg.Interval,
		timeout:   cfg.Timeout,
		threshold: cfg.FailureThreshold,
		logger:    logger,
		events:    events,
		states:    make(map[string]*healthState),
		stops:     make(map[string]chan struct{}),
	}
}

// Watch starts periodic liveness probes for a pool, honoring the pool's own
// probe interval when one is configured.
func (hc *HealthChecker) Watch(p *Pool) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	if hc.stopped {
		return
	}
	if _, ok := hc.stops[p.Name()]; ok {
		return
	}

	state := &healthState{healthy: true}
	stop := make(chan struct{})
	hc.states[p.Name()] = state
	hc.stops[p.Name()] = stop

	interval := p.Config().HealthCheckInterval
	if interval <= 0 {
		interval = hc.interval
	}

	hc.wg.Add(1)
	go hc.run(p, state, stop, interval)
}

// Unwatch stops probing one pool.
func (hc *HealthChecker) Unwatch(name string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	if stop, ok := hc.stops[name]; ok {
		close(stop)
		delete(hc.stops, name)
		delete(hc.states, name)
	}
}

// Stop halts all probes and waits for their goroutines to exit. Idempotent.
func (hc *HealthChecker) Stop() {
	hc.mu.Lock()
	if hc.stopped {
		hc.mu.Unlock()
		return
	}
	hc.stopped = true
	for name, stop := range hc.stops {
		close(stop)
		delete(hc.stops, name)
	}
	hc.mu.Unlock()

	hc.wg.Wait()
}

// Status returns the advisory health view for every watched pool.
func (hc *HealthChecker) Status() map[string]HealthStatus {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	out := make(map[string]HealthStatus, len(hc.states))
	for name, state := range hc.states {
		state.mu.Lock()
		out[name] = HealthStatus{
			Pool:                name,
			Healthy:             state.healthy,
			ConsecutiveFailures: state.consecutiveFailures,
			LastSuccess:         state.lastSuccess,
			LastError:           state.lastError,
		}
		state.mu.Unlock()
	}
	return out
}

func (hc *HealthChecker) run(p *Pool, state *healthState, stop chan struct{}, interval time.Duration) {
	defer hc.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			hc.checkPool(p, state)
		}
	}
}

// checkPool borrows a connection, issues a liveness probe and releases it.
// Failures are logged and recorded, never surfaced to any caller.
func (hc *HealthChecker) checkPool(p *Pool, state *healthState) {
	ctx, cancel := context.WithTimeout(context.Background(), hc.timeout)
	defer cancel()

	pc, err := p.acquire(ctx)
	if err == nil {
		err = pc.conn.Ping(ctx)
		p.release(pc, err != nil)
	}

	state.mu.Lock()
	if err != nil {
		state.consecutiveFailures++
		state.lastError = err.Error()
		if state.consecutiveFailures >= hc.threshold && state.healthy {
			state.healthy = false
			hc.logger.Error("pool degraded",
				zap.String("pool", p.Name()),
				zap.Int("consecutive_failures", state.consecutiveFailures))
		}
	} else {
		recovered := !state.healthy
		state.healthy = true
		state.consecutiveFailures = 0
		state.lastSuccess = time.Now()
		state.lastError = ""
		if recovered {
			hc.logger.Info("pool recovered", zap.String("pool", p.Name()))
		}
	}
	state.mu.Unlock()

	if err != nil {
		hc.logger.Warn("health check failed",
			zap.String("pool", p.Name()), zap.Error(err))
		hc.events.Publish(Event{Type: EventHealthFail, Pool: p.Name(), Err: err})
		return
	}
	hc.events.Publish(Event{Type: EventHealthOK, Pool: p.Name()})
}
