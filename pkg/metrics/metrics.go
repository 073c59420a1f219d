package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Connection pool metrics, labeled by pool name.
var (
	ConnectionsOpened = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poolcore_connections_opened_total",
			Help: "Total number of physical connections dialed per pool",
		},
		[]string{"pool"},
	)

	ConnectionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poolcore_connections_closed_total",
			Help: "Total number of physical connections closed per pool",
		},
		[]string{"pool"},
	)

	ConnectionErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poolcore_connection_errors_total",
			Help: "Total number of connection errors per pool",
		},
		[]string{"pool"},
	)

	ActiveConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "poolcore_active_connections",
			Help: "Number of in-use connections per pool",
		},
		[]string{"pool"},
	)

	IdleConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "poolcore_idle_connections",
			Help: "Number of idle connections per pool",
		},
		[]string{"pool"},
	)

	WaitingClients = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "poolcore_waiting_clients",
			Help: "Number of callers waiting for a connection per pool",
		},
		[]string{"pool"},
	)
)

// Query execution metrics.
var (
	QueriesExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poolcore_queries_executed_total",
			Help: "Total number of successfully executed queries per pool",
		},
		[]string{"pool"},
	)

	QueryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "poolcore_query_latency_seconds",
			Help:    "Latency distribution of successful queries per pool",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"pool"},
	)

	HealthCheckFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poolcore_health_check_failures_total",
			Help: "Total number of failed liveness probes per pool",
		},
		[]string{"pool"},
	)

	EventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "poolcore_events_dropped_total",
			Help: "Pool lifecycle events dropped due to a full dispatch buffer",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ConnectionsOpened, ConnectionsClosed, ConnectionErrors,
		ActiveConnections, IdleConnections, WaitingClients,
		QueriesExecuted, QueryLatency, HealthCheckFailures, EventsDropped,
	)
}
