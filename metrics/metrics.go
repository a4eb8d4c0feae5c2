package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_events_enqueued_total",
			Help: "Total number of events accepted into the correlation queue",
		},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_events_dropped_total",
			Help: "Total number of events dropped because the queue was full",
		},
	)

	EventsProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_events_processed_total",
			Help: "Total number of events evaluated by the correlation loop",
		},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vigil_queue_depth",
			Help: "Current depth of the correlation queue",
		},
	)

	RuleEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_rule_evaluations_total",
			Help: "Total number of rule evaluations",
		},
		[]string{"rule_type"},
	)

	RuleMatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_rule_matches_total",
			Help: "Total number of rule matches",
		},
		[]string{"rule_type"},
	)

	AlertsGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_alerts_generated_total",
			Help: "Total number of alerts generated",
		},
		[]string{"severity"},
	)

	ActionsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_actions_executed_total",
			Help: "Total number of rule actions executed",
		},
		[]string{"type"},
	)

	ActionFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_action_failures_total",
			Help: "Total number of rule actions that failed",
		},
		[]string{"type"},
	)

	EvaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vigil_evaluation_duration_seconds",
			Help:    "Time taken to evaluate one event against all active rules",
			Buckets: prometheus.DefBuckets,
		},
	)

	GCRuns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_gc_runs_total",
			Help: "Total number of garbage collection sweeps",
		},
	)

	GCEventsDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_gc_events_deleted_total",
			Help: "Total number of archived correlation events removed by GC",
		},
	)

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_notifications_sent_total",
			Help: "Total number of notifications broadcast per channel",
		},
		[]string{"channel"},
	)

	NotificationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_notification_failures_total",
			Help: "Total number of notification broadcast failures per channel",
		},
		[]string{"channel"},
	)

	WorkerPoolActiveWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vigil_worker_pool_active_workers",
			Help: "Number of active workers per pool (-1 indicates a failed shutdown)",
		},
		[]string{"pool"},
	)

	WorkerPoolQueueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vigil_worker_pool_queue_size",
			Help: "Number of queued tasks per pool",
		},
		[]string{"pool"},
	)

	WorkerPoolTasksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_worker_pool_tasks_processed_total",
			Help: "Total number of tasks processed per pool",
		},
		[]string{"pool"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vigil_circuit_breaker_state",
			Help: "Circuit breaker state per target (0=closed, 1=half_open, 2=open)",
		},
		[]string{"target"},
	)
)
