package pool

import (
	"sync"
	"time"
)

// PoolMetricsSnapshot is the read-only per-pool counter view polled by the
// monitoring subsystem. Always a value copy, never a live reference.
type PoolMetricsSnapshot struct {
	TotalConnections  int64         `json:"total_connections"`
	ActiveConnections int           `json:"active_connections"`
	IdleConnections   int           `json:"idle_connections"`
	WaitingClients    int           `json:"waiting_clients"`
	TotalQueries      int64         `json:"total_queries"`
	AverageQueryTime  time.Duration `json:"average_query_time"`
	ErrorCount        int64         `json:"error_count"`
	LastHealthCheck   time.Time     `json:"last_health_check"`
}

// poolMetrics accumulates one pool's counters. Query latency is kept as an
// incremental running mean so no samples are stored; errored queries are
// excluded from the mean.
type poolMetrics struct {
	mu              sync.Mutex
	totalOpened     int64
	totalQueries    int64
	meanQuerySecs   float64
	errorCount      int64
	lastHealthCheck time.Time
}

func (m *poolMetrics) connOpened() {
	m.mu.Lock()
	m.totalOpened++
	m.mu.Unlock()
}

func (m *poolMetrics) querySucceeded(latency time.Duration) {
	m.mu.Lock()
	m.totalQueries++
	sample := latency.Seconds()
	m.meanQuerySecs += (sample - m.meanQuerySecs) / float64(m.totalQueries)
	m.mu.Unlock()
}

func (m *poolMetrics) queryFailed() {
	m.mu.Lock()
	m.errorCount++
	m.mu.Unlock()
}

func (m *poolMetrics) healthChecked(at time.Time) {
	m.mu.Lock()
	m.lastHealthCheck = at
	m.mu.Unlock()
}

// snapshot merges the accumulated counters with live pool state.
func (m *poolMetrics) snapshot(stats PoolStats) PoolMetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return PoolMetricsSnapshot{
		TotalConnections:  m.totalOpened,
		ActiveConnections: stats.InUse,
		IdleConnections:   stats.Idle,
		WaitingClients:    stats.Waiting,
		TotalQueries:      m.totalQueries,
		AverageQueryTime:  time.Duration(m.meanQuerySecs * float64(time.Second)),
		ErrorCount:        m.errorCount,
		LastHealthCheck:   m.lastHealthCheck,
	}
}

// Aggregator keeps per-pool metric accumulators and consumes the pool event
// stream for connection-level counters.
type Aggregator struct {
	mu    sync.RWMutex
	pools map[string]*poolMetrics
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{pools: make(map[string]*poolMetrics)}
}

// register creates the accumulator for a pool; idempotent.
func (a *Aggregator) register(pool string) *poolMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	if m, ok := a.pools[pool]; ok {
		return m
	}
	m := &poolMetrics{}
	a.pools[pool] = m
	return m
}

func (a *Aggregator) lookup(pool string) *poolMetrics {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.pools[pool]
}

func (a *Aggregator) remove(pool string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.pools, pool)
}

// OnPoolEvent implements Observer: dial and health events feed the counters
// that are not recorded at a call site.
func (a *Aggregator) OnPoolEvent(e Event) {
	m := a.lookup(e.Pool)
	if m == nil {
		return
	}
	switch e.Type {
	case EventConnect:
		m.connOpened()
	case EventHealthOK:
		m.healthChecked(e.At)
	}
}
