// Package metrics defines the Prometheus collectors shared by the saga
// workers, the state store, and the tool-call runtime.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConsumerMessages counts processed messages per step worker and outcome.
	ConsumerMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_consumer_messages_total",
		Help: "Messages processed by saga step consumers.",
	}, []string{"consumer", "status", "instance"})

	// ConsumerDuration observes end-to-end step processing time.
	ConsumerDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "saga_consumer_duration_seconds",
		Help:    "Step processing duration in seconds.",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"consumer"})

	// LLMTokens counts input/output tokens per step worker.
	LLMTokens = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_tokens_total",
		Help: "LLM tokens consumed, by direction.",
	}, []string{"consumer", "type"})

	// LLMToolCalls counts tool calls made by the LLM during agentic loops.
	LLMToolCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_tool_calls_total",
		Help: "Tool calls requested by the LLM.",
	}, []string{"consumer"})

	// LLMRequests counts LLM API round trips.
	LLMRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_requests_total",
		Help: "LLM requests issued.",
	}, []string{"consumer", "model"})

	// SagaCompletion counts terminal saga transitions.
	SagaCompletion = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_completion_total",
		Help: "Sagas reaching a terminal state.",
	}, []string{"status"})

	// SagaDuration observes submission-to-terminal latency.
	SagaDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "saga_duration_seconds",
		Help:    "Saga duration from submission to terminal state.",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"status"})

	// MCPToolCalls counts tool invocations through the runtime.
	MCPToolCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mcp_tool_calls_total",
		Help: "Tool invocations dispatched to capability providers.",
	}, []string{"tool", "status"})

	// MCPToolDuration observes tool invocation latency.
	MCPToolDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mcp_tool_duration_seconds",
		Help:    "Tool invocation duration in seconds.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"tool"})
)

var initOnce sync.Once

// Init registers all collectors with the default registry. Safe to call more
// than once; only the first call registers.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			ConsumerMessages,
			ConsumerDuration,
			LLMTokens,
			LLMToolCalls,
			LLMRequests,
			SagaCompletion,
			SagaDuration,
			MCPToolCalls,
			MCPToolDuration,
		)
	})
}

// Handler returns the Prometheus exposition handler for /metrics endpoints.
func Handler() http.Handler {
	return promhttp.Handler()
}
