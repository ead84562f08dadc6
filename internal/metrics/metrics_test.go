package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestBreakerChanged(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.BreakerChanged("openai_analysis", "open")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("openai_analysis")))

	m.BreakerChanged("openai_analysis", "half_open")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("openai_analysis")))

	m.BreakerChanged("openai_analysis", "closed")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("openai_analysis")))
}

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.AnalysisFinished("trends", "completed")
	m.AnalysisFinished("trends", "completed")
	m.ProviderCall("openai", 400*time.Millisecond, 100, 20, 0.002)
	m.HTTPRequest("GET", 503, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.AnalysesTotal.WithLabelValues("trends", "completed")))
	assert.Equal(t, 100.0, testutil.ToFloat64(m.ProviderTokens.WithLabelValues("openai", "input")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "5xx")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.AnalysisFinished("trends", "failed")
		m.BreakerChanged("x", "open")
		m.Notification("slack", "sent")
		m.ScheduleExecution("scheduled", "completed")
		m.WorkflowExecution("failed")
		m.HTTPRequest("POST", 200, time.Second)
		m.ProviderCall("google", time.Second, 1, 1, 0)
	})
}
