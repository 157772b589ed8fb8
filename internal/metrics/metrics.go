package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors shared by the worker, automation engine and notifiers.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry      *prometheus.Registry
	RuleRuns      *prometheus.CounterVec
	Tasks         *prometheus.CounterVec
	TaskDuration  *prometheus.HistogramVec
	Notifications *prometheus.CounterVec
	AlertsCreated *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RuleRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "careops_rule_executions_total",
			Help: "Automation rule executions by action and outcome.",
		}, []string{"action", "outcome"}),
		Tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "careops_tasks_total",
			Help: "Finished queue tasks by action and final status.",
		}, []string{"action", "status"}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "careops_task_duration_seconds",
			Help:    "Handler run time per task action.",
			Buckets: prometheus.DefBuckets,
		}, []string{"action"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "careops_notifications_total",
			Help: "Notification deliveries by channel and outcome.",
		}, []string{"channel", "outcome"}),
		AlertsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "careops_alerts_created_total",
			Help: "Alerts created by type; duplicates suppressed by the active-alert key are not counted.",
		}, []string{"type"}),
	}
	m.registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		m.RuleRuns, m.Tasks, m.TaskDuration, m.Notifications, m.AlertsCreated,
	)
	return m
}

func (m *Metrics) RuleRun(action, outcome string) {
	if m == nil {
		return
	}
	m.RuleRuns.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) TaskFinished(action, status string, seconds float64) {
	if m == nil {
		return
	}
	m.Tasks.WithLabelValues(action, status).Inc()
	m.TaskDuration.WithLabelValues(action).Observe(seconds)
}

func (m *Metrics) Notification(channel, outcome string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(channel, outcome).Inc()
}

func (m *Metrics) AlertCreated(alertType string) {
	if m == nil {
		return
	}
	m.AlertsCreated.WithLabelValues(alertType).Inc()
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
