package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application metrics.
//
// Built on Prometheus, tracking:
//   - Conversation turns by channel and mode
//   - Model request latency and token usage per provider/model
//   - Tool invocation patterns and latencies
//   - Sandbox operation counts
//   - Retrieval query latency
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.TurnCounter.WithLabelValues("web", "knowledge").Inc()
type Metrics struct {
	// TurnCounter counts completed conversation turns.
	// Labels: channel (web|bot|scheduler), mode (chat|knowledge|search)
	TurnCounter *prometheus.CounterVec

	// ModelRequestDuration measures model API call latency in seconds.
	// Labels: provider, model
	ModelRequestDuration *prometheus.HistogramVec

	// ModelRequestCounter counts model requests.
	// Labels: provider, model, status (success|error)
	ModelRequestCounter *prometheus.CounterVec

	// ModelTokensUsed tracks token consumption.
	// Labels: provider, model, type (input|output)
	ModelTokensUsed *prometheus.CounterVec

	// ToolInvocationCounter counts tool invocations.
	// Labels: tool, status (success|error|duplicate)
	ToolInvocationCounter *prometheus.CounterVec

	// ToolInvocationDuration measures tool execution time in seconds.
	// Labels: tool
	ToolInvocationDuration *prometheus.HistogramVec

	// SandboxOpCounter counts sandbox operations.
	// Labels: op (shell|python|read_file|write_file|delete_file|list_files|fetch_url), status
	SandboxOpCounter *prometheus.CounterVec

	// RetrievalDuration measures knowledge-base search latency in seconds.
	RetrievalDuration prometheus.Histogram

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics with the given registerer.
// Call once at application startup; pass prometheus.DefaultRegisterer for
// the /metrics endpoint, or a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TurnCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mutiexpert_turns_total",
				Help: "Total number of completed conversation turns",
			},
			[]string{"channel", "mode"},
		),

		ModelRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mutiexpert_model_request_duration_seconds",
				Help:    "Duration of model API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		ModelRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mutiexpert_model_requests_total",
				Help: "Total number of model API requests",
			},
			[]string{"provider", "model", "status"},
		),

		ModelTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mutiexpert_model_tokens_total",
				Help: "Total tokens consumed by model requests",
			},
			[]string{"provider", "model", "type"},
		),

		ToolInvocationCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mutiexpert_tool_invocations_total",
				Help: "Total number of tool invocations",
			},
			[]string{"tool", "status"},
		),

		ToolInvocationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mutiexpert_tool_invocation_duration_seconds",
				Help:    "Duration of tool invocations in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),

		SandboxOpCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mutiexpert_sandbox_ops_total",
				Help: "Total number of sandbox operations",
			},
			[]string{"op", "status"},
		),

		RetrievalDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mutiexpert_retrieval_duration_seconds",
				Help:    "Duration of knowledge-base searches in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mutiexpert_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),
	}
}
