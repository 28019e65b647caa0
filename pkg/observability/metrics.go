package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for pgactivity.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Counters
	TaggedStatementsTotal  prometheus.Counter
	TagErrorsTotal         prometheus.Counter
	TimeoutScopesTotal     *prometheus.CounterVec
	TimeoutRestoresSkipped prometheus.Counter
	BackendSignalsTotal    *prometheus.CounterVec
	ActivityRowsTotal      prometheus.Counter
	ContextDecodeFailures  prometheus.Counter

	// Histograms
	ActivityListDuration *prometheus.HistogramVec
}

var (
	defaultMetricsOnce sync.Once
	defaultMetrics     *Metrics
)

// DefaultMetrics returns the process-wide Metrics registered with the
// default Prometheus registerer.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		defaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// NewMetrics creates a Metrics instance registered with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TaggedStatementsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "pgactivity_tagged_statements_total",
			Help: "Total number of statements prefixed with a context comment",
		}),
		TagErrorsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "pgactivity_tag_errors_total",
			Help: "Total number of statements rejected because their context could not be encoded",
		}),
		TimeoutScopesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgactivity_timeout_scopes_total",
				Help: "Total number of statement_timeout scopes entered",
			},
			[]string{"status"},
		),
		TimeoutRestoresSkipped: f.NewCounter(prometheus.CounterOpts{
			Name: "pgactivity_timeout_restores_skipped_total",
			Help: "Total number of statement_timeout restores skipped inside an aborted transaction",
		}),
		BackendSignalsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgactivity_backend_signals_total",
				Help: "Total number of cancel/terminate signals by outcome",
			},
			[]string{"method", "status"},
		),
		ActivityRowsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "pgactivity_activity_rows_total",
			Help: "Total number of pg_stat_activity rows read",
		}),
		ContextDecodeFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "pgactivity_context_decode_failures_total",
			Help: "Total number of activity rows whose context comment could not be decoded",
		}),

		ActivityListDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgactivity_activity_list_duration_seconds",
				Help:    "Time to list pg_stat_activity in seconds",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15), // 0.5ms to ~8s
			},
			[]string{"status"},
		),
	}
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordTagged records a statement that was tagged (or failed to be).
func (m *Metrics) RecordTagged(success bool) {
	if m == nil {
		return
	}
	if success {
		m.TaggedStatementsTotal.Inc()
	} else {
		m.TagErrorsTotal.Inc()
	}
}

// RecordTimeoutScope records entering a statement_timeout scope.
func (m *Metrics) RecordTimeoutScope(success bool) {
	if m == nil {
		return
	}
	m.TimeoutScopesTotal.WithLabelValues(statusLabel(success)).Inc()
}

// RecordTimeoutRestoreSkipped records a restore skipped in a failed transaction.
func (m *Metrics) RecordTimeoutRestoreSkipped() {
	if m == nil {
		return
	}
	m.TimeoutRestoresSkipped.Inc()
}

// RecordBackendSignals records the outcome of a cancel or terminate batch.
// delivered pids count as "delivered", the rest of requested as "lost".
func (m *Metrics) RecordBackendSignals(method string, requested, delivered int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.BackendSignalsTotal.WithLabelValues(method, "error").Add(float64(requested))
		return
	}
	m.BackendSignalsTotal.WithLabelValues(method, "delivered").Add(float64(delivered))
	if lost := requested - delivered; lost > 0 {
		m.BackendSignalsTotal.WithLabelValues(method, "lost").Add(float64(lost))
	}
}

// RecordActivityList records one listing of pg_stat_activity.
func (m *Metrics) RecordActivityList(durationSeconds float64, rows, decodeFailures int, success bool) {
	if m == nil {
		return
	}
	m.ActivityListDuration.WithLabelValues(statusLabel(success)).Observe(durationSeconds)
	m.ActivityRowsTotal.Add(float64(rows))
	m.ContextDecodeFailures.Add(float64(decodeFailures))
}
