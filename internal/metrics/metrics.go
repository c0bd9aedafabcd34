// Package metrics exposes the Prometheus instrumentation surface for
// the orchestrator: one registry shared by every ProjectRunner and
// GitQueue in the process, served over HTTP for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the full set of counters/gauges/histograms the core emits.
type Metrics struct {
	Registry *prometheus.Registry

	TasksAdmitted   *prometheus.CounterVec
	TasksCompleted  *prometheus.CounterVec
	TasksFailed     *prometheus.CounterVec
	TasksBlocked    *prometheus.CounterVec
	ActiveSlots     *prometheus.GaugeVec
	PhaseDuration   *prometheus.HistogramVec
	GitQueueJobs    *prometheus.CounterVec
	GitQueueLatency *prometheus.HistogramVec
	RecoveryActions *prometheus.CounterVec
}

// New constructs and registers every metric against its own registry,
// so multiple orchestrator instances in one test process don't collide
// on prometheus.DefaultRegisterer.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	return newWith(reg)
}

func newWith(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		Registry: reg,
		TasksAdmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opensprint_tasks_admitted_total",
			Help: "Total number of tasks admitted into a slot.",
		}, []string{"project"}),
		TasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opensprint_tasks_completed_total",
			Help: "Total number of tasks that reached status closed.",
		}, []string{"project"}),
		TasksFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opensprint_tasks_failed_total",
			Help: "Total number of tasks closed as blocked.",
		}, []string{"project", "reason"}),
		TasksBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opensprint_tasks_blocked_total",
			Help: "Total number of tasks transitioned to blocked, by reason.",
		}, []string{"project", "reason"}),
		ActiveSlots: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "opensprint_active_slots",
			Help: "Current number of occupied slots per project.",
		}, []string{"project"}),
		PhaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "opensprint_phase_duration_seconds",
			Help:    "Wall-clock duration of one PhaseExecutor phase.",
			Buckets: prometheus.ExponentialBuckets(5, 2, 12),
		}, []string{"project", "phase"}),
		GitQueueJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opensprint_gitqueue_jobs_total",
			Help: "Total number of GitQueue jobs executed, by outcome.",
		}, []string{"repo", "job", "outcome"}),
		GitQueueLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "opensprint_gitqueue_job_duration_seconds",
			Help:    "Duration of GitQueue jobs.",
			Buckets: prometheus.DefBuckets,
		}, []string{"repo", "job"}),
		RecoveryActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opensprint_recovery_actions_total",
			Help: "Total RecoveryCoordinator decisions, by action (reattach, requeue).",
		}, []string{"project", "action"}),
	}

	reg.MustRegister(
		m.TasksAdmitted,
		m.TasksCompleted,
		m.TasksFailed,
		m.TasksBlocked,
		m.ActiveSlots,
		m.PhaseDuration,
		m.GitQueueJobs,
		m.GitQueueLatency,
		m.RecoveryActions,
	)
	return m
}

// Handler returns an http.Handler serving these metrics in the
// Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
