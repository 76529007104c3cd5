package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for engine runs.
//
// Tracked series:
//   - agentloop_llm_requests_total{provider,model,status}
//   - agentloop_llm_request_duration_seconds{provider,model}
//   - agentloop_llm_tokens_total{provider,model,type}
//   - agentloop_tool_executions_total{tool,status}
//   - agentloop_tool_execution_duration_seconds{tool}
//   - agentloop_retries_total{provider,model}
//   - agentloop_fallbacks_total{from,to}
//   - agentloop_runs_total{status}
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	LLMRequestCounter     *prometheus.CounterVec
	LLMRequestDuration    *prometheus.HistogramVec
	LLMTokensUsed         *prometheus.CounterVec
	ToolExecutionCounter  *prometheus.CounterVec
	ToolExecutionDuration *prometheus.HistogramVec
	RetryCounter          *prometheus.CounterVec
	FallbackCounter       *prometheus.CounterVec
	RunCounter            *prometheus.CounterVec
}

// NewMetrics creates the engine metrics and registers them on reg. A nil
// registerer leaves the collectors unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		LLMRequestCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentloop_llm_requests_total",
			Help: "Total number of model invocation attempts",
		}, []string{"provider", "model", "status"}),
		LLMRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentloop_llm_request_duration_seconds",
			Help:    "Duration of model invocation attempts in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),
		LLMTokensUsed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentloop_llm_tokens_total",
			Help: "Total number of tokens consumed",
		}, []string{"provider", "model", "type"}),
		ToolExecutionCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentloop_tool_executions_total",
			Help: "Total number of tool executions",
		}, []string{"tool", "status"}),
		ToolExecutionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentloop_tool_execution_duration_seconds",
			Help:    "Duration of tool executions in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool"}),
		RetryCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentloop_retries_total",
			Help: "Total number of model invocation retries",
		}, []string{"provider", "model"}),
		FallbackCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentloop_fallbacks_total",
			Help: "Total number of runs re-executed with the backup model",
		}, []string{"from", "to"}),
		RunCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentloop_runs_total",
			Help: "Total number of completed runs",
		}, []string{"status"}),
	}
}

func statusLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

// RecordLLMRequest records one model invocation attempt.
func (m *Metrics) RecordLLMRequest(provider, modelName string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.LLMRequestCounter.WithLabelValues(provider, modelName, statusLabel(err == nil)).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, modelName).Observe(d.Seconds())
}

// RecordTokens records prompt and completion token usage.
func (m *Metrics) RecordTokens(provider, modelName string, input, output int) {
	if m == nil {
		return
	}
	if input > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, modelName, "input").Add(float64(input))
	}
	if output > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, modelName, "output").Add(float64(output))
	}
}

// RecordToolExecution records one tool call.
func (m *Metrics) RecordToolExecution(tool string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.ToolExecutionCounter.WithLabelValues(tool, statusLabel(err == nil)).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// RecordRetry records a retried model invocation.
func (m *Metrics) RecordRetry(provider, modelName string) {
	if m == nil {
		return
	}
	m.RetryCounter.WithLabelValues(provider, modelName).Inc()
}

// RecordFallback records a switch to the backup model.
func (m *Metrics) RecordFallback(from, to string) {
	if m == nil {
		return
	}
	m.FallbackCounter.WithLabelValues(from, to).Inc()
}

// RecordRun records the outcome of a run.
func (m *Metrics) RecordRun(success bool) {
	if m == nil {
		return
	}
	m.RunCounter.WithLabelValues(statusLabel(success)).Inc()
}
