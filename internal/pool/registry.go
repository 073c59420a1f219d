package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/harborgrid/poolcore/internal/config"
	poolmetrics "github.com/harborgrid/poolcore/pkg/metrics"
)

// DialerFactory builds the Dialer for a named pool. Production wiring uses
// pgx; tests substitute in-memory dialers.
type DialerFactory func(name string, cfg config.PoolConfig) Dialer

// AcquireOptions tags a connection request with its tenant and priority.
// PriorityDefault resolves to the pool's configured default class.
type AcquireOptions struct {
	TenantID string
	Priority Priority
}

// NoRetries disables retrying for one call, overriding the configured
// default budget.
const NoRetries = -1

// QueryOptions controls one ExecuteQuery call.
type QueryOptions struct {
	Pool     string
	TenantID string
	Priority Priority
	// Timeout is the server-side statement timeout; zero uses the configured
	// default.
	Timeout time.Duration
	// Retries is the transient-failure retry budget on top of the first
	// attempt. Zero uses the configured default; NoRetries forces a single
	// attempt.
	Retries int
}

type poolEntry struct {
	pool    *Pool
	metrics *poolMetrics
}

// Registry owns the named set of physical connection pools and composes the
// quota tracker, priority scheduler, health checker and metrics aggregator
// behind the public contract. It is constructed once at process start and
// passed by handle to all consumers.
type Registry struct {
	logger     *zap.Logger
	cfg        *config.Config
	scheduler  *Scheduler
	quotas     *QuotaTracker
	aggregator *Aggregator
	events     *Dispatcher
	health     *HealthChecker
	dialers    DialerFactory
	stepDelay  time.Duration
	queryCfg   config.QueryConfig

	// sleep is injectable so scaling and backoff are testable without
	// wall-clock waits.
	sleep func(ctx context.Context, d time.Duration) error

	mu       sync.RWMutex
	pools    map[string]*poolEntry
	shutdown bool

	collectEvery time.Duration
	collectStop  chan struct{}
	collectDone  chan struct{}
	lastDropped  uint64
}

// New builds a registry with the production pgx dialer, creates every
// configured pool and starts health checking. A mandatory pool that cannot be
// constructed fails the whole initialization; optional pools log and are
// skipped.
func New(cfg *config.Config, logger *zap.Logger) (*Registry, error) {
	return NewWithDialer(cfg, logger, func(_ string, pc config.PoolConfig) Dialer {
		return NewPgxDialer(pc)
	})
}

// NewWithDialer is New with a custom dialer factory.
func NewWithDialer(cfg *config.Config, logger *zap.Logger, dialers DialerFactory) (*Registry, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	events := NewDispatcher(256, logger)
	aggregator := NewAggregator()
	events.Subscribe(aggregator)
	events.Subscribe(&promMirror{})

	stepDelay := cfg.Scaling.StepDelay
	if stepDelay <= 0 {
		stepDelay = config.DefaultConfig().Scaling.StepDelay
	}
	collectEvery := cfg.Metrics.CollectInterval
	if collectEvery <= 0 {
		collectEvery = config.DefaultConfig().Metrics.CollectInterval
	}

	r := &Registry{
		logger:       logger,
		cfg:          cfg,
		scheduler:    NewScheduler(cfg.Scheduler),
		quotas:       NewQuotaTracker(logger),
		aggregator:   aggregator,
		events:       events,
		health:       NewHealthChecker(cfg.Health, events, logger),
		dialers:      dialers,
		stepDelay:    stepDelay,
		queryCfg:     cfg.Query,
		sleep:        sleepCtx,
		pools:        make(map[string]*poolEntry),
		collectEvery: collectEvery,
		collectStop:  make(chan struct{}),
		collectDone:  make(chan struct{}),
	}

	for _, q := range cfg.Quotas {
		prio, err := ParsePriority(q.PriorityLevel)
		if err != nil {
			logger.Warn("invalid quota priority, using medium",
				zap.String("tenant_id", q.TenantID), zap.Error(err))
		}
		r.quotas.SetQuota(q.TenantID, q.MaxConnections, prio, q.RateLimitPerSecond)
	}

	for name, pc := range cfg.Pools {
		if err := r.CreatePool(name, pc); err != nil {
			if pc.Mandatory {
				r.health.Stop()
				r.closeAll(context.Background())
				r.events.Close()
				return nil, fmt.Errorf("mandatory pool %q failed: %w", name, err)
			}
			logger.Warn("optional pool skipped", zap.String("pool", name), zap.Error(err))
		}
	}

	go r.collectGauges()

	logger.Info("pool registry initialized", zap.Int("pools", len(r.pools)))
	return r, nil
}

// CreatePool constructs and registers a new named pool. Duplicate names are
// rejected. Health checking starts immediately when enabled.
func (r *Registry) CreatePool(name string, pc config.PoolConfig) error {
	if err := pc.Validate(); err != nil {
		return fmt.Errorf("pool %q config: %w", name, err)
	}

	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return ErrPoolClosed
	}
	if _, exists := r.pools[name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrDuplicatePool, name)
	}
	r.mu.Unlock()

	metrics := r.aggregator.register(name)
	p, err := newPool(name, pc, r.dialers(name, pc), r.events, r.logger)
	if err != nil {
		r.aggregator.remove(name)
		return err
	}

	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		p.Close(context.Background())
		r.aggregator.remove(name)
		return ErrPoolClosed
	}
	if _, exists := r.pools[name]; exists {
		r.mu.Unlock()
		p.Close(context.Background())
		return fmt.Errorf("%w: %q", ErrDuplicatePool, name)
	}
	r.pools[name] = &poolEntry{pool: p, metrics: metrics}
	r.mu.Unlock()

	if r.cfg.Health.Enabled {
		r.health.Watch(p)
	}
	return nil
}

// Pool returns the named pool.
func (r *Registry) Pool(name string) (*Pool, error) {
	entry, err := r.entry(name)
	if err != nil {
		return nil, err
	}
	return entry.pool, nil
}

// GetConnection is the primary allocation entry point: the tenant quota is
// reserved first (a tenant never exceeds its ceiling even transiently), then
// the scheduler acquires within the priority-class deadline. Every failure
// path returns the quota reservation.
func (r *Registry) GetConnection(ctx context.Context, poolName string, opts AcquireOptions) (*ManagedConn, error) {
	entry, err := r.entry(poolName)
	if err != nil {
		return nil, err
	}

	prio := r.resolvePriority(entry.pool, opts.Priority)

	if err := r.quotas.Reserve(opts.TenantID); err != nil {
		return nil, fmt.Errorf("tenant %q: %w", opts.TenantID, err)
	}

	pc, err := r.scheduler.Acquire(ctx, entry.pool, prio)
	if err != nil {
		r.quotas.Release(opts.TenantID)
		return nil, err
	}

	return newManagedConn(pc, entry.pool, entry.metrics, r.quotas, r.events, opts.TenantID, prio), nil
}

// ExecuteQuery acquires a connection, applies the statement timeout, runs the
// query and releases the connection on every path. Transient failures are
// retried with exponential backoff; permission, schema and syntax failures
// surface after a single attempt.
func (r *Registry) ExecuteQuery(ctx context.Context, sql string, args []any, opts QueryOptions) ([][]any, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = r.queryCfg.StatementTimeout
	}
	retries := opts.Retries
	if retries == 0 {
		retries = r.queryCfg.MaxRetries
	}
	if retries < 0 {
		retries = 0
	}

	policy := NewRetryPolicy(retries, r.queryCfg.RetryBaseDelay, r.queryCfg.RetryMaxDelay)
	policy.Sleep = r.sleep

	var rows [][]any
	err := policy.Do(ctx, func(ctx context.Context) error {
		rows = nil

		mc, err := r.GetConnection(ctx, opts.Pool, AcquireOptions{
			TenantID: opts.TenantID,
			Priority: opts.Priority,
		})
		if err != nil {
			return err
		}

		start := time.Now()
		result, qerr := r.runQuery(ctx, mc, sql, args, timeout)
		if qerr != nil {
			mc.ReleaseWithError(qerr)
			r.logger.Warn("query failed",
				zap.String("pool", opts.Pool),
				zap.String("class", Classify(qerr).String()),
				zap.Error(qerr))
			return qerr
		}

		latency := time.Since(start)
		entryMetrics := mc.metrics
		mc.Release()
		entryMetrics.querySucceeded(latency)
		poolmetrics.QueriesExecuted.WithLabelValues(opts.Pool).Inc()
		poolmetrics.QueryLatency.WithLabelValues(opts.Pool).Observe(latency.Seconds())

		rows = result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// runQuery sets the server-side statement timeout so a stuck query is killed
// by the database even if the client gives up first, executes, materializes
// the rows and resets the timeout before the connection is recycled.
func (r *Registry) runQuery(ctx context.Context, mc *ManagedConn, sql string, args []any, timeout time.Duration) ([][]any, error) {
	if timeout > 0 {
		stmt := fmt.Sprintf("SET statement_timeout = %d", timeout.Milliseconds())
		if err := mc.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("set statement timeout: %w", err)
		}
	}

	queryRows, err := mc.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}

	var out [][]any
	for queryRows.Next() {
		vals, err := queryRows.Values()
		if err != nil {
			queryRows.Close()
			return nil, err
		}
		out = append(out, vals)
	}
	queryRows.Close()
	if err := queryRows.Err(); err != nil {
		return nil, err
	}

	if timeout > 0 {
		if err := mc.Exec(ctx, "RESET statement_timeout"); err != nil {
			return nil, fmt.Errorf("reset statement timeout: %w", err)
		}
	}
	return out, nil
}

// ScalePool walks the pool's maximum toward targetMax one unit at a time,
// pausing between steps to avoid a connection storm against the server.
func (r *Registry) ScalePool(ctx context.Context, name string, targetMax int) error {
	if targetMax <= 0 {
		return fmt.Errorf("target max must be positive, got %d", targetMax)
	}

	entry, err := r.entry(name)
	if err != nil {
		return err
	}

	current := entry.pool.Max()
	if current == targetMax {
		return nil
	}

	step := 1
	if targetMax < current {
		step = -1
	}
	r.logger.Info("scaling pool",
		zap.String("pool", name), zap.Int("from", current), zap.Int("to", targetMax))

	for current != targetMax {
		current += step
		entry.pool.Resize(current)
		if current == targetMax {
			break
		}
		if err := r.sleep(ctx, r.stepDelay); err != nil {
			return fmt.Errorf("scaling interrupted at max=%d: %w", current, err)
		}
	}
	return nil
}

// PoolMetrics returns the metrics snapshot of one pool.
func (r *Registry) PoolMetrics(name string) (PoolMetricsSnapshot, error) {
	entry, err := r.entry(name)
	if err != nil {
		return PoolMetricsSnapshot{}, err
	}
	return entry.metrics.snapshot(entry.pool.Stats()), nil
}

// AllPoolMetrics returns the metrics snapshots of every pool.
func (r *Registry) AllPoolMetrics() map[string]PoolMetricsSnapshot {
	r.mu.RLock()
	entries := make(map[string]*poolEntry, len(r.pools))
	for name, entry := range r.pools {
		entries[name] = entry
	}
	r.mu.RUnlock()

	out := make(map[string]PoolMetricsSnapshot, len(entries))
	for name, entry := range entries {
		out[name] = entry.metrics.snapshot(entry.pool.Stats())
	}
	return out
}

// QuotaSnapshot returns all tenant quotas for admin tooling.
func (r *Registry) QuotaSnapshot() []TenantQuotaSnapshot {
	return r.quotas.Snapshot()
}

// SetTenantQuota creates or updates one tenant's connection ceiling.
func (r *Registry) SetTenantQuota(tenantID string, maxConnections int, priority Priority, rateLimit int) {
	r.quotas.SetQuota(tenantID, maxConnections, priority, rateLimit)
}

// ApplyQuotas reconciles the quota table against a freshly loaded config:
// listed tenants are upserted, unlisted ones removed. Used by hot-reload.
func (r *Registry) ApplyQuotas(quotas []config.TenantQuotaConfig) {
	keep := make(map[string]bool, len(quotas))
	for _, q := range quotas {
		prio, _ := ParsePriority(q.PriorityLevel)
		r.quotas.SetQuota(q.TenantID, q.MaxConnections, prio, q.RateLimitPerSecond)
		keep[q.TenantID] = true
	}
	for _, snap := range r.quotas.Snapshot() {
		if !keep[snap.TenantID] {
			r.quotas.RemoveQuota(snap.TenantID)
		}
	}
}

// HealthStatus returns the advisory health view per pool.
func (r *Registry) HealthStatus() map[string]HealthStatus {
	return r.health.Status()
}

// Shutdown stops health checking first, then closes every pool concurrently
// and clears all state. Idempotent: a second call returns nil without
// touching anything, and no background timers survive either call.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return nil
	}
	r.shutdown = true
	r.mu.Unlock()

	r.health.Stop()
	close(r.collectStop)
	<-r.collectDone

	err := r.closeAll(ctx)
	r.events.Close()

	r.logger.Info("pool registry shut down")
	return err
}

// closeAll closes every pool concurrently, aggregating failures but always
// attempting every pool.
func (r *Registry) closeAll(ctx context.Context) error {
	r.mu.Lock()
	entries := r.pools
	r.pools = make(map[string]*poolEntry)
	r.mu.Unlock()

	var (
		wg     sync.WaitGroup
		errsMu sync.Mutex
		errs   []error
	)
	for name, entry := range entries {
		wg.Add(1)
		go func(name string, p *Pool) {
			defer wg.Done()
			if err := p.Close(ctx); err != nil {
				errsMu.Lock()
				errs = append(errs, err)
				errsMu.Unlock()
				r.logger.Error("failed to close pool", zap.String("pool", name), zap.Error(err))
			}
		}(name, entry.pool)
	}
	wg.Wait()

	return errors.Join(errs...)
}

func (r *Registry) entry(name string) (*poolEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.pools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrPoolNotFound, name)
	}
	return entry, nil
}

func (r *Registry) resolvePriority(p *Pool, prio Priority) Priority {
	if prio != PriorityDefault {
		return prio
	}
	resolved, err := ParsePriority(p.Config().DefaultPriority)
	if err != nil {
		return PriorityMedium
	}
	return resolved
}

// collectGauges periodically refreshes the Prometheus pool-state gauges.
func (r *Registry) collectGauges() {
	defer close(r.collectDone)

	ticker := time.NewTicker(r.collectEvery)
	defer ticker.Stop()

	for {
		select {
		case <-r.collectStop:
			return
		case <-ticker.C:
			r.mu.RLock()
			for name, entry := range r.pools {
				stats := entry.pool.Stats()
				poolmetrics.ActiveConnections.WithLabelValues(name).Set(float64(stats.InUse))
				poolmetrics.IdleConnections.WithLabelValues(name).Set(float64(stats.Idle))
				poolmetrics.WaitingClients.WithLabelValues(name).Set(float64(stats.Waiting))
			}
			r.mu.RUnlock()

			if dropped := r.events.Dropped(); dropped > r.lastDropped {
				poolmetrics.EventsDropped.Add(float64(dropped - r.lastDropped))
				r.lastDropped = dropped
			}
		}
	}
}

// promMirror forwards pool lifecycle events to the Prometheus counters.
type promMirror struct{}

func (*promMirror) OnPoolEvent(e Event) {
	switch e.Type {
	case EventConnect:
		poolmetrics.ConnectionsOpened.WithLabelValues(e.Pool).Inc()
	case EventRemove:
		poolmetrics.ConnectionsClosed.WithLabelValues(e.Pool).Inc()
	case EventError:
		poolmetrics.ConnectionErrors.WithLabelValues(e.Pool).Inc()
	case EventHealthFail:
		poolmetrics.HealthCheckFailures.WithLabelValues(e.Pool).Inc()
	}
}
