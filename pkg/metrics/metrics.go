package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Log ingestion metrics
var (
	LogLinesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailtrack_log_lines_total",
			Help: "Total number of log lines read, by parse result",
		},
		[]string{"result"}, // result: "parsed", "skipped", "malformed", "replayed"
	)

	IngestOffsetBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailtrack_ingest_offset_bytes",
			Help: "Current read offset in the tailed log file",
		},
	)

	IngestRestartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailtrack_ingest_restarts_total",
			Help: "Total number of times reading restarted from the beginning of a log file",
		},
		[]string{"reason"}, // reason: "rotated", "truncated", "fingerprint"
	)
)

// Correlation metrics
var (
	CorrelationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailtrack_correlations_total",
			Help: "Total number of correlated log records, by outcome",
		},
		[]string{"outcome"},
	)

	DeliveryTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailtrack_delivery_transitions_total",
			Help: "Total number of applied delivery status transitions",
		},
		[]string{"from", "to"},
	)
)

// Deny list metrics
var (
	DenyListOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailtrack_denylist_operations_total",
			Help: "Total number of deny list operations",
		},
		[]string{"operation", "status"},
	)

	DenyListExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailtrack_denylist_expired_total",
			Help: "Total number of deny list entries removed by expiry",
		},
	)
)

// Reconciliation metrics
var (
	ReconcileEmailsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailtrack_reconcile_emails_total",
			Help: "Total number of emails examined by reconciliation",
		},
		[]string{"result"}, // result: "unchanged", "updated", "error"
	)

	ReconcileDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailtrack_reconcile_duration_seconds",
			Help:    "Duration of reconciliation sweeps in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
	)
)

// Archive metrics
var (
	ArchiveRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailtrack_archive_runs_total",
			Help: "Total number of per-day archive runs",
		},
		[]string{"operation", "result"}, // operation: "archive", "copy"
	)

	ArchivedRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailtrack_archived_records_total",
			Help: "Total number of records moved into archive units",
		},
		[]string{"kind"}, // kind: "email", "delivery"
	)

	ArchiveUnitBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailtrack_archive_unit_bytes",
			Help:    "Size of written archive units in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		},
	)
)

// Database performance metrics
var (
	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailtrack_db_queries_total",
			Help: "Total number of database queries executed",
		},
		[]string{"operation", "status", "role"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailtrack_db_query_duration_seconds",
			Help:    "Duration of database queries in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
		},
		[]string{"operation", "role"},
	)
)

// Storage metrics
var (
	S3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailtrack_s3_operations_total",
			Help: "Total number of S3 operations",
		},
		[]string{"operation", "status"},
	)

	S3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailtrack_s3_operation_duration_seconds",
			Help:    "Duration of S3 operations in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0},
		},
		[]string{"operation"},
	)

	S3UploadAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailtrack_s3_upload_attempts_total",
			Help: "Total number of S3 upload attempts",
		},
		[]string{"result"},
	)
)

// SMTP submission metrics
var (
	SMTPMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailtrack_smtp_messages_total",
			Help: "Total number of submitted messages",
		},
		[]string{"result"},
	)

	SMTPRecipientsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailtrack_smtp_recipients_rejected_total",
			Help: "Total number of recipients rejected because they are suppressed",
		},
	)
)
