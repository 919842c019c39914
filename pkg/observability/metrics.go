package observability

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics Metrics
	metricsMu     sync.RWMutex
)

// Metrics records runtime events. Implementations must tolerate a nil
// receiver so call sites never need to branch on whether metrics are on.
type Metrics interface {
	RecordLLMCall(ctx context.Context, provider, model string, duration time.Duration, inputTokens, outputTokens int, err error)
	RecordCacheProbe(ctx context.Context, hit bool)
	RecordToolExecution(ctx context.Context, tool string, duration time.Duration, err error)
}

type PrometheusMetrics struct {
	llmDuration     *prometheus.HistogramVec
	llmCallsTotal   *prometheus.CounterVec
	llmErrorsTotal  *prometheus.CounterVec
	llmInputTokens  *prometheus.CounterVec
	llmOutputTokens *prometheus.CounterVec

	cacheProbes *prometheus.CounterVec

	toolDuration   *prometheus.HistogramVec
	toolCallsTotal *prometheus.CounterVec
	toolErrors     *prometheus.CounterVec
}

// NewPrometheusMetrics registers the conduit metric families on reg. Pass
// prometheus.DefaultRegisterer for the process-wide registry.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	factory := promauto.With(reg)

	return &PrometheusMetrics{
		llmDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conduit_llm_request_duration_seconds",
			Help:    "LLM request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider", "model"}),
		llmCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_llm_calls_total",
			Help: "Total LLM calls",
		}, []string{"provider", "model"}),
		llmErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_llm_errors_total",
			Help: "Total LLM call errors",
		}, []string{"provider", "model"}),
		llmInputTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_llm_tokens_input_total",
			Help: "Total input tokens sent",
		}, []string{"provider", "model"}),
		llmOutputTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_llm_tokens_output_total",
			Help: "Total output tokens received",
		}, []string{"provider", "model"}),
		cacheProbes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_cache_probes_total",
			Help: "Cache probes by outcome",
		}, []string{"outcome"}),
		toolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conduit_tool_execution_duration_seconds",
			Help:    "Tool execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
		toolCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_tool_calls_total",
			Help: "Total tool calls",
		}, []string{"tool"}),
		toolErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_tool_errors_total",
			Help: "Total tool call errors",
		}, []string{"tool"}),
	}
}

func (m *PrometheusMetrics) RecordLLMCall(ctx context.Context, provider, model string, duration time.Duration, inputTokens, outputTokens int, err error) {
	if m == nil || m.llmDuration == nil {
		return
	}

	m.llmDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
	m.llmCallsTotal.WithLabelValues(provider, model).Inc()
	if inputTokens > 0 {
		m.llmInputTokens.WithLabelValues(provider, model).Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.llmOutputTokens.WithLabelValues(provider, model).Add(float64(outputTokens))
	}
	if err != nil {
		m.llmErrorsTotal.WithLabelValues(provider, model).Inc()
	}
}

func (m *PrometheusMetrics) RecordCacheProbe(ctx context.Context, hit bool) {
	if m == nil || m.cacheProbes == nil {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.cacheProbes.WithLabelValues(outcome).Inc()
}

func (m *PrometheusMetrics) RecordToolExecution(ctx context.Context, tool string, duration time.Duration, err error) {
	if m == nil || m.toolDuration == nil {
		return
	}

	m.toolDuration.WithLabelValues(tool).Observe(duration.Seconds())
	m.toolCallsTotal.WithLabelValues(tool).Inc()
	if err != nil {
		m.toolErrors.WithLabelValues(tool).Inc()
	}
}

func SetGlobalMetrics(m Metrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	globalMetrics = m
}

func GetGlobalMetrics() Metrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return globalMetrics
}
