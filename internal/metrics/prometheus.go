package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the sync engine

var (
	// Provider API metrics
	APICallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fightsync_api_calls_total",
			Help: "Total number of provider API calls",
		},
		[]string{"resource", "status"},
	)

	APICallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fightsync_api_call_duration_seconds",
			Help:    "Duration of provider API calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"resource"},
	)

	APIRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fightsync_api_retries_total",
			Help: "Total number of retried provider API calls",
		},
		[]string{"resource"},
	)

	APIInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fightsync_api_in_flight",
			Help: "Number of provider requests currently outstanding",
		},
	)

	// Database metrics
	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fightsync_db_queries_total",
			Help: "Total number of database queries",
		},
		[]string{"operation", "table", "status"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fightsync_db_query_duration_seconds",
			Help:    "Duration of database queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "table"},
	)

	DBConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fightsync_db_connections_active",
			Help: "Number of active database connections",
		},
	)

	DBConnectionsIdle = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fightsync_db_connections_idle",
			Help: "Number of idle database connections",
		},
	)

	// Stage metrics
	RecordsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fightsync_records_total",
			Help: "Records handled per stage by outcome (inserted, updated, unchanged, failed)",
		},
		[]string{"stage", "outcome"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fightsync_stage_duration_seconds",
			Help:    "Duration of sync stages in seconds",
			Buckets: []float64{.5, 1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"stage", "state"},
	)

	PendingFailures = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fightsync_pending_failures",
			Help: "Failed records waiting to be retried, per stage",
		},
		[]string{"stage"},
	)

	// Run metrics
	SyncOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fightsync_sync_operations_total",
			Help: "Total number of sync runs",
		},
		[]string{"mode", "status"},
	)

	SyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fightsync_sync_duration_seconds",
			Help:    "Duration of sync runs in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"mode"},
	)

	LastSuccessfulSync = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fightsync_last_successful_sync_timestamp",
			Help: "Timestamp of last successful sync run",
		},
		[]string{"mode"},
	)

	// Error metrics
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fightsync_errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "error_type"},
	)

	// System metrics
	SystemUptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fightsync_system_uptime_seconds",
			Help: "System uptime in seconds",
		},
	)
)

// RecordAPICall records a provider API call
func RecordAPICall(resource, status string, duration float64) {
	APICallsTotal.WithLabelValues(resource, status).Inc()
	APICallDuration.WithLabelValues(resource).Observe(duration)
}

// RecordAPIRetry records a retried provider call
func RecordAPIRetry(resource string) {
	APIRetriesTotal.WithLabelValues(resource).Inc()
}

// RecordDBQuery records a database query metric
func RecordDBQuery(operation, table, status string, duration float64) {
	DBQueriesTotal.WithLabelValues(operation, table, status).Inc()
	DBQueryDuration.WithLabelValues(operation, table).Observe(duration)
}

// RecordStage records the outcome of one stage
func RecordStage(stage, state string, inserted, updated, unchanged, failed int, duration float64) {
	RecordsProcessed.WithLabelValues(stage, "inserted").Add(float64(inserted))
	RecordsProcessed.WithLabelValues(stage, "updated").Add(float64(updated))
	RecordsProcessed.WithLabelValues(stage, "unchanged").Add(float64(unchanged))
	RecordsProcessed.WithLabelValues(stage, "failed").Add(float64(failed))
	StageDuration.WithLabelValues(stage, state).Observe(duration)
	PendingFailures.WithLabelValues(stage).Set(float64(failed))
}

// RecordSync records a sync run
func RecordSync(mode, status string, duration float64) {
	SyncOperationsTotal.WithLabelValues(mode, status).Inc()
	SyncDuration.WithLabelValues(mode).Observe(duration)

	if status == "success" {
		LastSuccessfulSync.WithLabelValues(mode).SetToCurrentTime()
	}
}

// RecordError records an error
func RecordError(component, errorType string) {
	ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// UpdateDBConnectionStats updates database connection pool statistics
func UpdateDBConnectionStats(active, idle int32) {
	DBConnectionsActive.Set(float64(active))
	DBConnectionsIdle.Set(float64(idle))
}
