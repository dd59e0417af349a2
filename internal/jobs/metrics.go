// Package jobmetrics holds the Prometheus collectors shared by background jobs.
package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts job runs, failures, retries and catalog import rows.
type Metrics struct {
	runs       *prometheus.CounterVec
	failures   *prometheus.CounterVec
	retries    *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	importRows *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the collectors on registerer. A nil registerer selects
// the process-wide default, registered once.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer != nil {
		return register(registerer)
	}
	defaultOnce.Do(func() {
		defaultMetrics = register(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// Tracker measures one job execution.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track starts measuring a run of job. attempt is the asynq retry count; any
// value above zero is counted as a retry.
func (m *Metrics) Track(job string, attempt int) *Tracker {
	t := &Tracker{job: job, start: time.Now()}
	if m == nil {
		return t
	}
	t.metrics = m
	if attempt > 0 {
		m.retries.WithLabelValues(job).Inc()
	}
	return t
}

// End records the outcome and hands err back unchanged.
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

// AddImportRows counts catalog import rows by outcome ("applied" or "rejected").
func (m *Metrics) AddImportRows(outcome string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.importRows.WithLabelValues(outcome).Add(float64(count))
}

func register(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "labdesk_jobs_total",
			Help: "Job executions by job name and status.",
		}, []string{"job", "status"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "labdesk_jobs_failures_total",
			Help: "Failed job executions by job name.",
		}, []string{"job"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "labdesk_job_retries_total",
			Help: "Job executions that were retries of an earlier failure.",
		}, []string{"job"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "labdesk_job_duration_seconds",
			Help:    "Job execution time in seconds.",
			Buckets: []float64{.05, .1, .5, 1, 5, 15, 60, 300},
		}, []string{"job"}),
		importRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "labdesk_catalog_import_rows_total",
			Help: "Catalog import rows processed by background jobs, by outcome.",
		}, []string{"outcome"}),
	}
	registerer.MustRegister(m.runs, m.failures, m.retries, m.duration, m.importRows)
	return m
}
