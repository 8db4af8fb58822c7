package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the process-scoped metrics handle. Each instance owns its registry,
// so tests and multiple processes in one binary never collide.
type Metrics struct {
	registry *prometheus.Registry

	StageDuration    *prometheus.HistogramVec
	RunsTotal        *prometheus.CounterVec
	CommitsTotal     prometheus.Counter
	RollbacksTotal   prometheus.Counter
	ConflictsTotal   prometheus.Counter
	SweptJobs        prometheus.Counter
	JobsIngested     *prometheus.CounterVec
	RateLimitRejects prometheus.Counter
	TasksEnqueued    *prometheus.CounterVec
	TasksRetried     prometheus.Counter
	TasksDeadLetter  prometheus.Counter
	QueueDepthGauge  prometheus.Gauge
	InFlightGauge    prometheus.Gauge
}

// New registers the roster metrics on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "roster_stage_duration_seconds",
			Help:    "Stage execution time by stage and outcome",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"stage", "outcome"}),
		RunsTotal:        prometheus.NewCounterVec(prometheus.CounterOpts{Name: "roster_runs_total", Help: "Orchestrator runs by terminal status"}, []string{"status", "kind"}),
		CommitsTotal:     prometheus.NewCounter(prometheus.CounterOpts{Name: "roster_version_commits_total", Help: "Versions committed"}),
		RollbacksTotal:   prometheus.NewCounter(prometheus.CounterOpts{Name: "roster_rollbacks_total", Help: "Rollbacks applied"}),
		ConflictsTotal:   prometheus.NewCounter(prometheus.CounterOpts{Name: "roster_run_conflicts_total", Help: "Runs rejected because another run held the job"}),
		SweptJobs:        prometheus.NewCounter(prometheus.CounterOpts{Name: "roster_stale_jobs_swept_total", Help: "Processing jobs marked failed by the stale sweep"}),
		JobsIngested:     prometheus.NewCounterVec(prometheus.CounterOpts{Name: "roster_jobs_ingested_total", Help: "Inbound messages accepted"}, []string{"duplicate"}),
		RateLimitRejects: prometheus.NewCounter(prometheus.CounterOpts{Name: "roster_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"}),
		TasksEnqueued:    prometheus.NewCounterVec(prometheus.CounterOpts{Name: "roster_tasks_enqueued_total", Help: "Tasks enqueued by kind"}, []string{"kind"}),
		TasksRetried:     prometheus.NewCounter(prometheus.CounterOpts{Name: "roster_tasks_retried_total", Help: "Tasks rescheduled after an infrastructure failure"}),
		TasksDeadLetter:  prometheus.NewCounter(prometheus.CounterOpts{Name: "roster_tasks_dead_letter_total", Help: "Tasks moved to DLQ"}),
		QueueDepthGauge:  prometheus.NewGauge(prometheus.GaugeOpts{Name: "roster_queue_depth", Help: "Ready queue depth across priorities"}),
		InFlightGauge:    prometheus.NewGauge(prometheus.GaugeOpts{Name: "roster_tasks_inflight", Help: "Tasks currently leased by this process"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.StageDuration,
		m.RunsTotal,
		m.CommitsTotal,
		m.RollbacksTotal,
		m.ConflictsTotal,
		m.SweptJobs,
		m.JobsIngested,
		m.RateLimitRejects,
		m.TasksEnqueued,
		m.TasksRetried,
		m.TasksDeadLetter,
		m.QueueDepthGauge,
		m.InFlightGauge,
	)
	return m
}

// ObserveStage records one stage execution.
func (m *Metrics) ObserveStage(stage, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage, outcome).Observe(d.Seconds())
}

// Handler exposes the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
