package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects application metrics for the orchestration core.
//
// Tracked dimensions:
//   - Turn lifecycle (started, terminal status, duration)
//   - Provider call latency and token usage
//   - Tool execution counts and latencies
//   - Live push-channel connections
//   - Error rates by component and type
type Metrics struct {
	// TurnCounter counts turns by terminal status.
	// Labels: status (completed|error)
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures full turn wall time in seconds.
	// Labels: status
	TurnDuration *prometheus.HistogramVec

	// ProviderRequestDuration measures provider call latency in seconds.
	// Labels: provider, model
	ProviderRequestDuration *prometheus.HistogramVec

	// ProviderRequestCounter counts provider calls.
	// Labels: provider, model, status (success|error)
	ProviderRequestCounter *prometheus.CounterVec

	// ProviderTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	ProviderTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// ActiveStreams gauges open push-channel connections.
	ActiveStreams prometheus.Gauge

	// EventsPublished counts run events fanned out to subscribers.
	// Labels: type
	EventsPublished *prometheus.CounterVec

	// ErrorCounter tracks errors by component and type.
	// Labels: component (loop|store|provider|tool|gateway|dispatch), error_type
	ErrorCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the default registry.
func NewMetrics() *Metrics {
	return newMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewMetricsForTesting creates metrics bound to a private registry so
// tests do not collide on the default one.
func NewMetricsForTesting() *Metrics {
	return newMetricsWithRegisterer(prometheus.NewRegistry())
}

func newMetricsWithRegisterer(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TurnCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "insightpilot_turns_total",
			Help: "Total turns by terminal status.",
		}, []string{"status"}),

		TurnDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "insightpilot_turn_duration_seconds",
			Help:    "Full turn wall time.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"status"}),

		ProviderRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "insightpilot_provider_request_duration_seconds",
			Help:    "Reasoning provider call latency.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),

		ProviderRequestCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "insightpilot_provider_requests_total",
			Help: "Reasoning provider calls by outcome.",
		}, []string{"provider", "model", "status"}),

		ProviderTokensUsed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "insightpilot_provider_tokens_total",
			Help: "Token consumption by type.",
		}, []string{"provider", "model", "type"}),

		ToolExecutionCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "insightpilot_tool_executions_total",
			Help: "Tool invocations by outcome.",
		}, []string{"tool_name", "status"}),

		ToolExecutionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "insightpilot_tool_execution_duration_seconds",
			Help:    "Tool execution time.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool_name"}),

		ActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Name: "insightpilot_active_streams",
			Help: "Open push-channel connections.",
		}),

		EventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "insightpilot_run_events_total",
			Help: "Run events published to subscribers.",
		}, []string{"type"}),

		ErrorCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "insightpilot_errors_total",
			Help: "Errors by component and type.",
		}, []string{"component", "error_type"}),
	}
}
