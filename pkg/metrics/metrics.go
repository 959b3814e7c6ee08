// Package metrics provides Prometheus metrics for the mediation core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "conduit"

// =============================================================================
// Cache
// =============================================================================

var (
	// CacheLookups counts cache lookups by tier and result (hit, miss, shared).
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Response cache lookups by tier and result",
		},
		[]string{"tier", "result"},
	)

	// CacheInvalidations counts entries removed by explicit invalidation.
	CacheInvalidations = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_invalidated_entries_total",
			Help:      "Cache entries removed by explicit invalidation",
		},
	)
)

// =============================================================================
// Admission
// =============================================================================

var (
	// RateLimitDecisions counts token bucket decisions.
	RateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_decisions_total",
			Help:      "Rate limiter admission decisions",
		},
		[]string{"operation", "allowed"},
	)

	// SpendCents counts committed spend.
	SpendCents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spend_cents_total",
			Help:      "Committed provider spend in cents",
		},
		[]string{"tenant", "operation", "provider"},
	)

	// BudgetDenials counts requests rejected for budget.
	BudgetDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_denials_total",
			Help:      "Requests rejected because the tenant budget is exhausted",
		},
		[]string{"tenant"},
	)

	// BudgetAlerts counts threshold alerts fired.
	BudgetAlerts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_alerts_total",
			Help:      "Budget threshold alerts fired",
		},
		[]string{"tenant", "threshold"},
	)
)

// =============================================================================
// Queue and workers
// =============================================================================

var (
	// QueueDepth tracks queued items per priority.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Items waiting in the priority queue",
		},
		[]string{"priority"},
	)

	// QueueWait observes time between enqueue and dequeue.
	QueueWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_wait_seconds",
			Help:      "Time items spend queued before a worker picks them up",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		},
		[]string{"priority"},
	)

	// WorkItems counts worker outcomes.
	WorkItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "work_items_total",
			Help:      "Work item outcomes (success, retry, failed)",
		},
		[]string{"outcome"},
	)
)

// =============================================================================
// Providers
// =============================================================================

var (
	// ProviderCalls counts upstream calls by provider, operation and outcome.
	ProviderCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_calls_total",
			Help:      "Upstream provider calls",
		},
		[]string{"provider", "operation", "outcome"},
	)

	// ProviderLatency observes upstream call latency.
	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_latency_seconds",
			Help:      "Upstream provider call latency",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"provider", "operation"},
	)

	// BreakerState is 0 closed, 1 half-open, 2 open.
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_breaker_state",
			Help:      "Circuit breaker state per provider (0 closed, 1 half-open, 2 open)",
		},
		[]string{"provider"},
	)
)

// =============================================================================
// Vector pipeline
// =============================================================================

var (
	// VectorIngest counts ingested content by result (embedded, deduplicated).
	VectorIngest = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vector_ingest_total",
			Help:      "Vector pipeline ingestions by result",
		},
		[]string{"result"},
	)

	// VectorIndexSize tracks vectors in the ANN index.
	VectorIndexSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "vector_index_size",
			Help:      "Vectors held by the approximate nearest-neighbour index",
		},
	)

	// VectorBatchSize observes indexer batch sizes.
	VectorBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "vector_batch_size",
			Help:      "Records per index insertion batch",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		},
	)
)

// =============================================================================
// HTTP API
// =============================================================================

var (
	// HTTPRequests counts API requests by route pattern and status code.
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "API requests by route and status code",
		},
		[]string{"route", "code"},
	)

	// HTTPLatency observes API request latency by route pattern.
	HTTPLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "API request latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)
