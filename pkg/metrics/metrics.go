// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SocketConnectionsActive tracks active websocket connections by session kind.
	SocketConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "socket_connections_active",
			Help: "Number of active websocket connections",
		},
		[]string{"kind"},
	)

	// EventsDispatchedTotal tracks events fanned out to local sockets.
	EventsDispatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_dispatched_total",
			Help: "Events delivered to local socket connections",
		},
		[]string{"event_type", "target"},
	)

	// EventsDroppedTotal tracks frames dropped on full outbound buffers or
	// failed socket writes.
	EventsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_dropped_total",
			Help: "Events dropped before reaching a socket",
		},
		[]string{"reason"},
	)

	// DispatchPublishRetries tracks retried appends to the dispatch log.
	DispatchPublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_publish_retries_total",
			Help: "Retried appends to the cross-process dispatch log",
		},
	)

	// DispatchConsumedTotal tracks envelopes consumed from the dispatch log.
	DispatchConsumedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_consumed_total",
			Help: "Envelopes consumed from the dispatch log",
		},
		[]string{"outcome"},
	)

	// PipelineRunsTotal tracks AI pipeline invocations by terminal outcome.
	PipelineRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_pipeline_runs_total",
			Help: "AI pipeline invocations",
		},
		[]string{"outcome"},
	)

	// PipelineDuration tracks end-to-end pipeline latency.
	PipelineDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ai_pipeline_duration_seconds",
			Help:    "AI pipeline end-to-end duration",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20, 30},
		},
	)

	// ModelCallsTotal tracks decision model invocations.
	ModelCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_model_calls_total",
			Help: "Decision model invocations",
		},
		[]string{"model", "status"},
	)

	// DecisionsTotal tracks smart decision outcomes by source.
	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_decisions_total",
			Help: "Smart decision outcomes",
		},
		[]string{"intent", "source"},
	)

	// EscalationsTotal tracks conversations escalated by the AI agent.
	EscalationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ai_escalations_total",
			Help: "Conversations escalated to a human",
		},
	)

	// ConversationsResolvedTotal tracks conversations resolved by the AI agent.
	ConversationsResolvedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ai_conversations_resolved_total",
			Help: "Conversations resolved by the AI agent",
		},
	)
)

// RecordDispatch records one local fanout delivery.
func RecordDispatch(eventType, target string) {
	EventsDispatchedTotal.WithLabelValues(eventType, target).Inc()
}

// RecordModelCall records a decision model invocation.
func RecordModelCall(model, status string) {
	ModelCallsTotal.WithLabelValues(model, status).Inc()
}

// RecordPipelineRun records a pipeline invocation and its duration.
func RecordPipelineRun(outcome string, seconds float64) {
	PipelineRunsTotal.WithLabelValues(outcome).Inc()
	PipelineDuration.Observe(seconds)
}
