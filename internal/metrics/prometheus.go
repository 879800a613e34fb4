// Package metrics provides Prometheus collectors for the conversation memory engine.
// It tracks engine runs, summarization batches, summary selection per strategy,
// task limiter queues and embedding cache efficiency.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "chatmemory"
)

// LatencyBuckets defines histogram buckets for phase latency (in seconds).
// Summarization through remote APIs can take minutes for large batches.
var LatencyBuckets = []float64{
	0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300,
}

// =============================================================================
// Engine Metrics
// =============================================================================

var (
	// EngineRuns counts engine invocations by outcome.
	EngineRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_runs_total",
			Help:      "Total number of memory engine runs",
		},
		[]string{"outcome"},
	)

	// PhaseLatency tracks the duration of each engine phase.
	PhaseLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "engine_phase_latency_seconds",
			Help:      "Memory engine phase latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"phase"},
	)

	// SummariesCreated counts summaries committed to room state.
	SummariesCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "summaries_created_total",
			Help:      "Total number of summaries committed",
		},
	)

	// OrphanedSummaries counts summaries dropped because their turns disappeared.
	OrphanedSummaries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "summaries_orphaned_total",
			Help:      "Total number of orphaned summaries removed",
		},
	)

	// SelectedSummaries counts summaries injected into context, by strategy.
	SelectedSummaries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "summaries_selected_total",
			Help:      "Total number of summaries selected into the memory prompt",
		},
		[]string{"strategy"},
	)

	// MemoryPromptTokens tracks the token size of emitted memory prompts.
	MemoryPromptTokens = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "memory_prompt_tokens",
			Help:      "Token count of the emitted memory prompt",
			Buckets:   prometheus.ExponentialBuckets(16, 2, 12),
		},
	)
)

// =============================================================================
// Limiter & Embedding Metrics
// =============================================================================

var (
	// TaskQueueDepth reports queued tasks per limiter.
	TaskQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "task_queue_depth",
			Help:      "Number of tasks waiting for admission",
		},
		[]string{"limiter"},
	)

	// EmbeddingCacheRequests counts vector cache lookups by tier and result.
	EmbeddingCacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_cache_requests_total",
			Help:      "Embedding cache lookups",
		},
		[]string{"tier", "result"},
	)

	// EmbeddingRequests counts embedding backend calls by model and status.
	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_requests_total",
			Help:      "Embedding backend calls",
		},
		[]string{"model", "status"},
	)

	// BreakerState reports the circuit state per backend: 0 closed, 1 open,
	// 2 half-open.
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_breaker_state",
			Help:      "Circuit breaker state per model backend",
		},
		[]string{"backend"},
	)

	// DependencyUp reports the last readiness probe per dependency.
	DependencyUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dependency_up",
			Help:      "Whether the last readiness probe of a dependency passed",
		},
		[]string{"dependency"},
	)
)

// Outcome labels for EngineRuns.
const (
	OutcomeSuccess     = "success"
	OutcomeSoftFailure = "soft_failure"
	OutcomeFatal       = "fatal"
)
