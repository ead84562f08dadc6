// Package metrics holds the prometheus collectors of the analysis core.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "healthai"

type Metrics struct {
	// AnalysesTotal counts finished analyses. Labels: kind, status
	AnalysesTotal *prometheus.CounterVec
	// AnalysisDuration measures provider processing time. Labels: provider
	AnalysisDuration *prometheus.HistogramVec
	// ProviderTokens counts tokens. Labels: provider, direction
	ProviderTokens *prometheus.CounterVec
	// ProviderCost sums estimated USD spend. Labels: provider
	ProviderCost *prometheus.CounterVec
	// BreakerState is 0 closed, 1 half open, 2 open. Labels: service
	BreakerState *prometheus.GaugeVec
	// NotificationsTotal counts delivery outcomes. Labels: channel, status
	NotificationsTotal *prometheus.CounterVec
	// ScheduleExecutions counts schedule fires. Labels: kind, status
	ScheduleExecutions *prometheus.CounterVec
	// WorkflowExecutions counts finished workflow runs. Labels: status
	WorkflowExecutions *prometheus.CounterVec
	// HTTPRequests counts API requests. Labels: method, status
	HTTPRequests *prometheus.CounterVec
	// HTTPDuration measures API latency. Labels: method
	HTTPDuration *prometheus.HistogramVec
}

// New registers every collector on reg
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		AnalysesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "finished_total",
			Help:      "Analyses that reached a terminal status.",
		}, []string{"kind", "status"}),
		AnalysisDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "duration_seconds",
			Help:      "Provider processing time of completed analyses.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}, []string{"provider"}),
		ProviderTokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "tokens_total",
			Help:      "Tokens consumed by provider calls.",
		}, []string{"provider", "direction"}),
		ProviderCost: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "cost_usd_total",
			Help:      "Estimated provider spend in USD.",
		}, []string{"provider"}),
		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Circuit breaker state (0 closed, 1 half open, 2 open).",
		}, []string{"service"}),
		NotificationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notification",
			Name:      "deliveries_total",
			Help:      "Notification delivery attempts by outcome.",
		}, []string{"channel", "status"}),
		ScheduleExecutions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "schedule",
			Name:      "executions_total",
			Help:      "Schedule fires by trigger kind and outcome.",
		}, []string{"kind", "status"}),
		WorkflowExecutions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "executions_total",
			Help:      "Finished workflow executions by outcome.",
		}, []string{"status"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "API requests by method and status code.",
		}, []string{"method", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "API request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
}

func (m *Metrics) AnalysisFinished(kind, status string) {
	if m == nil {
		return
	}
	m.AnalysesTotal.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) ProviderCall(provider string, d time.Duration, promptTokens, completionTokens int, cost float64) {
	if m == nil {
		return
	}
	m.AnalysisDuration.WithLabelValues(provider).Observe(d.Seconds())
	m.ProviderTokens.WithLabelValues(provider, "input").Add(float64(promptTokens))
	m.ProviderTokens.WithLabelValues(provider, "output").Add(float64(completionTokens))
	m.ProviderCost.WithLabelValues(provider).Add(cost)
}

// BreakerChanged records a state given as returned by breaker.State.String
func (m *Metrics) BreakerChanged(service, state string) {
	if m == nil {
		return
	}
	v := 0.0
	switch state {
	case "half_open":
		v = 1
	case "open":
		v = 2
	}
	m.BreakerState.WithLabelValues(service).Set(v)
}

func (m *Metrics) Notification(channel, status string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(channel, status).Inc()
}

func (m *Metrics) ScheduleExecution(kind, status string) {
	if m == nil {
		return
	}
	m.ScheduleExecutions.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) WorkflowExecution(status string) {
	if m == nil {
		return
	}
	m.WorkflowExecutions.WithLabelValues(status).Inc()
}

func (m *Metrics) HTTPRequest(method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, statusClass(status)).Inc()
	m.HTTPDuration.WithLabelValues(method).Observe(d.Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
