// Package metrics defines the Prometheus collectors for pools, leases and
// transactions. Collectors are registered upfront so every component can
// use them without touching this file.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsActive tracks leased physical connections per pool.
	ConnectionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dblease_connections_active",
		Help: "Number of leased connections per pool",
	}, []string{"pool_id"})

	// ConnectionsIdle tracks idle physical connections per pool.
	ConnectionsIdle = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dblease_connections_idle",
		Help: "Number of idle connections in the pool",
	}, []string{"pool_id"})

	// ConnectionsMax tracks the configured max connections per pool.
	ConnectionsMax = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dblease_connections_max",
		Help: "Configured maximum connections per pool",
	}, []string{"pool_id"})

	// ConnectionsPinned tracks connections pinned by an open transaction.
	ConnectionsPinned = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dblease_connections_pinned",
		Help: "Number of connections pinned by an open transaction",
	}, []string{"pool_id"})

	// ConnectionsTotal counts lease operations by outcome.
	ConnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dblease_connections_total",
		Help: "Total connection lease operations",
	}, []string{"pool_id", "status"})

	// ConnectionErrors counts connection errors by type.
	ConnectionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dblease_connection_errors_total",
		Help: "Total connection errors",
	}, []string{"pool_id", "error_type"})

	// QueueLength tracks callers waiting for a connection.
	QueueLength = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dblease_queue_length",
		Help: "Number of callers waiting for a connection per pool",
	}, []string{"pool_id"})

	// AcquireWaitDuration tracks acquisition latency.
	AcquireWaitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dblease_acquire_wait_seconds",
		Help:    "Time spent acquiring a connection",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	}, []string{"pool_id"})

	// LeaseDuration tracks how long connections stay leased.
	LeaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dblease_lease_duration_seconds",
		Help:    "Duration a connection stays leased",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 60, 300, 1800},
	}, []string{"pool_id"})

	// QueryDuration tracks statement execution time through leased handles.
	QueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dblease_query_duration_seconds",
		Help:    "Statement execution duration",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"pool_id"})

	// QueryTimeouts counts statements cut off by the query timeout.
	QueryTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dblease_query_timeouts_total",
		Help: "Total statements that exceeded the query timeout",
	}, []string{"pool_id"})

	// CancelRequests counts out-of-band cancellation attempts by result.
	CancelRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dblease_cancel_requests_total",
		Help: "Total backend cancellation requests",
	}, []string{"pool_id", "result"})

	// LongRunning counts long-running warnings by kind (lease, transaction).
	LongRunning = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dblease_long_running_warnings_total",
		Help: "Total long-running lease and transaction warnings",
	}, []string{"pool_id", "kind"})

	// TransactionsTotal counts finished transactions by status.
	TransactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dblease_transactions_total",
		Help: "Total transactions by final status",
	}, []string{"pool_id", "status"})

	// TransactionsActive tracks currently open transactions.
	TransactionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dblease_transactions_active",
		Help: "Number of open transactions per pool",
	}, []string{"pool_id"})

	// TransactionDuration tracks how long connections stay pinned by a transaction.
	TransactionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dblease_transaction_duration_seconds",
		Help:    "Duration of transactions",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 60, 300},
	}, []string{"pool_id", "status"})

	// RedisOperations counts coordinator Redis operations.
	RedisOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dblease_redis_operations_total",
		Help: "Total Redis operations",
	}, []string{"operation", "status"})

	// InstanceHeartbeat tracks instance heartbeat status.
	InstanceHeartbeat = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dblease_instance_heartbeat",
		Help: "Instance heartbeat (1 = alive, 0 = dead)",
	}, []string{"instance_id"})
)
