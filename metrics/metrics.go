// Package metrics exposes Prometheus counters for the orchestration
// platform: run and task outcomes, token refresh sweeps, webhook
// ingress, and LLM token usage.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the platform's instrument set on its own registry so
// tests can create isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	runsTotal      *prometheus.CounterVec
	tasksTotal     *prometheus.CounterVec
	refreshesTotal *prometheus.CounterVec
	webhooksTotal  *prometheus.CounterVec
	llmTokensTotal *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
}

// New creates a Metrics set with all collectors registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atelier_runs_total",
			Help: "Code-generation runs by terminal status.",
		}, []string{"status"}),
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atelier_tasks_total",
			Help: "SaaS tasks by terminal status.",
		}, []string{"status"}),
		refreshesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atelier_token_refreshes_total",
			Help: "OAuth token refresh attempts by outcome.",
		}, []string{"outcome"}),
		webhooksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atelier_webhook_events_total",
			Help: "Inbound webhook events by channel and outcome.",
		}, []string{"channel", "outcome"}),
		llmTokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atelier_llm_tokens_total",
			Help: "LLM tokens consumed by profile and direction.",
		}, []string{"profile", "direction"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "atelier_run_duration_seconds",
			Help:    "Wall-clock run duration by terminal status.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"status"}),
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.runsTotal,
		m.tasksTotal,
		m.refreshesTotal,
		m.webhooksTotal,
		m.llmTokensTotal,
		m.runDuration,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRun counts a finished run and its duration.
func (m *Metrics) RecordRun(status string, seconds float64) {
	m.runsTotal.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(seconds)
}

// RecordTask counts a finished SaaS task.
func (m *Metrics) RecordTask(status string) {
	m.tasksTotal.WithLabelValues(status).Inc()
}

// RecordRefresh counts a token refresh attempt outcome
// (refreshed, failed, skipped).
func (m *Metrics) RecordRefresh(outcome string) {
	m.refreshesTotal.WithLabelValues(outcome).Inc()
}

// RecordWebhookEvent counts an inbound webhook event outcome
// (dispatched, ignored, rejected).
func (m *Metrics) RecordWebhookEvent(channel, outcome string) {
	m.webhooksTotal.WithLabelValues(channel, outcome).Inc()
}

// RecordLLMTokens accumulates prompt and completion token usage.
func (m *Metrics) RecordLLMTokens(profile string, promptTokens, completionTokens int) {
	m.llmTokensTotal.WithLabelValues(profile, "prompt").Add(float64(promptTokens))
	m.llmTokensTotal.WithLabelValues(profile, "completion").Add(float64(completionTokens))
}
