package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Database transaction metrics
var (
	DBTransactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailtrack_db_transactions_total",
			Help: "Total number of database transactions.",
		},
		[]string{"status"}, // status: "commit", "rollback"
	)

	DBTransactionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailtrack_db_transaction_duration_seconds",
			Help:    "Duration of database transactions in seconds.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)
)

// Database connection pool metrics
var (
	DBPoolTotalConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailtrack_db_pool_total_conns",
			Help: "Total number of connections in the pool.",
		},
		[]string{"role"}, // role: "read", "write"
	)
	DBPoolIdleConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailtrack_db_pool_idle_conns",
			Help: "Number of idle connections in the pool.",
		},
		[]string{"role"},
	)
	DBPoolInUseConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailtrack_db_pool_in_use_conns",
			Help: "Number of connections currently in use.",
		},
		[]string{"role"},
	)
)
