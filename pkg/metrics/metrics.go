package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aurora_queue_depth",
			Help: "Number of jobs currently ready or delayed, by priority",
		},
		[]string{"priority"},
	)

	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aurora_jobs_enqueued_total",
			Help: "Total number of jobs enqueued, by job name",
		},
		[]string{"name"},
	)

	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aurora_jobs_completed_total",
			Help: "Total number of jobs completed, by job name and outcome",
		},
		[]string{"name", "status"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aurora_job_duration_seconds",
			Help:    "Job handler duration in seconds, by job name",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"name"},
	)

	// Reconciler metrics
	ReconciliationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aurora_reconciliation_duration_seconds",
			Help:    "Time taken to execute a rule's action plan, by method",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	ReconciliationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aurora_reconciliations_total",
			Help: "Total number of reconciliations by method and outcome",
		},
		[]string{"method", "status"},
	)

	// Traffic collector / limit enforcer metrics
	CollectorCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aurora_collector_cycle_duration_seconds",
			Help:    "Time taken for one traffic collection pass over a single server",
			Buckets: prometheus.DefBuckets,
		},
	)

	BytesObservedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aurora_bytes_observed_total",
			Help: "Total bytes observed by the traffic collector, by direction",
		},
		[]string{"direction"},
	)

	EnforcerActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aurora_enforcer_actions_total",
			Help: "Total number of limit-enforcer actions fired, by action",
		},
		[]string{"action"},
	)

	// Stream bus metrics
	StreamSubscribersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aurora_stream_subscribers_active",
			Help: "Number of active Stream Bus subscribers",
		},
	)

	// Connector metrics
	SSHConnectDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aurora_ssh_connect_duration_seconds",
			Help:    "Time taken to establish an SSH connection to a server",
			Buckets: prometheus.DefBuckets,
		},
	)

	SSHCommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aurora_ssh_commands_total",
			Help: "Total number of remote commands run, by outcome",
		},
		[]string{"status"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aurora_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aurora_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(
		QueueDepth,
		JobsEnqueuedTotal,
		JobsCompletedTotal,
		JobDuration,
		ReconciliationDuration,
		ReconciliationsTotal,
		CollectorCycleDuration,
		BytesObservedTotal,
		EnforcerActionsTotal,
		StreamSubscribersActive,
		SSHConnectDuration,
		SSHCommandsTotal,
		APIRequestsTotal,
		APIRequestDuration,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
