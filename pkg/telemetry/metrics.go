package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Ingress (C12) ───────────────────────────────────────────────────────────

	IngressTasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskflow",
		Subsystem: "ingress",
		Name:      "tasks_submitted_total",
		Help:      "Total tasks submitted through the ingress contract.",
	}, []string{"task_type"})

	IngressRequestErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskflow",
		Subsystem: "ingress",
		Name:      "request_errors_total",
		Help:      "Total ingress operations that returned a non-success error class.",
	}, []string{"operation", "error_class"})

	// ─── Task lifecycle (C2) ─────────────────────────────────────────────────────

	TaskStateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskflow",
		Subsystem: "tasks",
		Name:      "state_transitions_total",
		Help:      "Total state transitions, labelled by from/to state.",
	}, []string{"from", "to"})

	TaskStateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "taskflow",
		Subsystem: "tasks",
		Name:      "state_count",
		Help:      "Current task count per state, mirroring the metrics:tasks:state:* counters.",
	}, []string{"state"})

	// ─── Dispatcher (C7) ─────────────────────────────────────────────────────────

	DispatcherTasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskflow",
		Subsystem: "dispatcher",
		Name:      "tasks_processed_total",
		Help:      "Total tasks processed, labelled by outcome (completed, retry, rescheduled, dlq).",
	}, []string{"outcome"})

	DispatcherTaskDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "taskflow",
		Subsystem: "dispatcher",
		Name:      "task_duration_seconds",
		Help:      "Handler execution time in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"task_type"})

	DispatcherQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "taskflow",
		Subsystem: "dispatcher",
		Name:      "queue_depth",
		Help:      "Current queue depth, labelled by queue name.",
	}, []string{"queue"})

	DispatcherAdaptiveRetryRatio = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskflow",
		Subsystem: "dispatcher",
		Name:      "adaptive_retry_ratio",
		Help:      "Current probability of preferring the retry queue in queue selection.",
	})

	// ─── Rate limiter (C3) ───────────────────────────────────────────────────────

	RateLimiterTokensAvailable = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskflow",
		Subsystem: "rate_limit",
		Name:      "tokens_available",
		Help:      "Tokens currently available in the shared bucket.",
	})

	RateLimiterTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskflow",
		Subsystem: "rate_limit",
		Name:      "acquire_timeouts_total",
		Help:      "Total Acquire calls that exceeded their timeout.",
	})

	// ─── Circuit breaker (C4) ────────────────────────────────────────────────────

	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "taskflow",
		Subsystem: "breaker",
		Name:      "state",
		Help:      "Current breaker state as an enum (0=CLOSED, 1=HALF_OPEN, 2=OPEN), labelled by breaker name.",
	}, []string{"name"})

	BreakerTripsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskflow",
		Subsystem: "breaker",
		Name:      "trips_total",
		Help:      "Total times a breaker transitioned into OPEN.",
	}, []string{"name"})

	// ─── Provider state cache (C5) ───────────────────────────────────────────────

	ProviderConsecutiveFailures = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "taskflow",
		Subsystem: "provider",
		Name:      "consecutive_failures",
		Help:      "Current consecutive-failure count per provider.",
	}, []string{"provider"})

	// ─── Liveness monitor (C11) ──────────────────────────────────────────────────

	LivenessWorkersByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "taskflow",
		Subsystem: "liveness",
		Name:      "workers_by_status",
		Help:      "Count of workers in each liveness status (healthy, stale, no_heartbeat).",
	}, []string{"status"})
)
