package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs.
type Metrics struct {
	runs      *prometheus.CounterVec
	failures  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	bulkItems *prometheus.CounterVec
	exports   *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// AddBulkItems counts processed bulk operation items by operation type and
// item status.
func (m *Metrics) AddBulkItems(operation, status string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bulkItems.WithLabelValues(operation, status).Add(float64(n))
}

// AddExportDeliveries counts export schedule deliveries by outcome.
func (m *Metrics) AddExportDeliveries(status string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.exports.WithLabelValues(status).Add(float64(n))
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "portal_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	bulkItems := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_bulk_items_total",
		Help: "Bulk operation items processed, by operation type and outcome.",
	}, []string{"operation", "status"})
	exports := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_export_deliveries_total",
		Help: "Scheduled export deliveries, by outcome.",
	}, []string{"status"})
	registerer.MustRegister(runs, failures, duration, bulkItems, exports)
	return &Metrics{runs: runs, failures: failures, duration: duration, bulkItems: bulkItems, exports: exports}
}
