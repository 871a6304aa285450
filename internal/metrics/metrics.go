// Package metrics provides Prometheus metrics for the build engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BuildsTotal counts finished builds by status.
	BuildsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forge",
			Subsystem: "engine",
			Name:      "builds_total",
			Help:      "Total number of builds by final status",
		},
		[]string{"status"}, // "succeeded", "failed", "cancelled"
	)

	// BuildsActive tracks builds currently executing.
	BuildsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "forge",
			Subsystem: "engine",
			Name:      "builds_active",
			Help:      "Number of builds currently executing",
		},
	)

	// BuildDuration tracks build wall-clock duration.
	BuildDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "forge",
			Subsystem: "engine",
			Name:      "build_duration_seconds",
			Help:      "Build duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"status"},
	)

	// TasksTotal counts tasks by final state.
	TasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forge",
			Subsystem: "engine",
			Name:      "tasks_total",
			Help:      "Total number of tasks by final state",
		},
		[]string{"state"}, // "up_to_date", "succeeded", "failed", "skipped"
	)

	// TaskDuration tracks task execution duration.
	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "forge",
			Subsystem: "engine",
			Name:      "task_duration_seconds",
			Help:      "Task duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"state"},
	)

	// TaskAttempts tracks execution attempts per task.
	TaskAttempts = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "forge",
			Subsystem: "engine",
			Name:      "task_attempts",
			Help:      "Number of execution attempts per task",
			Buckets:   []float64{1, 2, 3, 4, 5},
		},
		[]string{"final_state"},
	)

	// TasksRunning tracks tasks dispatched to workers.
	TasksRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "forge",
			Subsystem: "scheduler",
			Name:      "tasks_running",
			Help:      "Number of tasks currently dispatched to workers",
		},
	)

	// SchedulerQueueDepth tracks ready tasks waiting for a worker or a resource.
	SchedulerQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "forge",
			Subsystem: "scheduler",
			Name:      "queue_depth",
			Help:      "Number of ready tasks waiting for dispatch",
		},
	)

	// ResourceContentionTotal counts resource wait timeouts.
	ResourceContentionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forge",
			Subsystem: "scheduler",
			Name:      "resource_contention_total",
			Help:      "Total number of resource tag wait timeouts",
		},
		[]string{"outcome"}, // "retried", "failed"
	)

	// EventsTotal counts events emitted by type.
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forge",
			Subsystem: "engine",
			Name:      "events_total",
			Help:      "Total number of build events emitted",
		},
		[]string{"type"},
	)

	// StateStoreOperations counts state store operations.
	StateStoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forge",
			Subsystem: "statestore",
			Name:      "operations_total",
			Help:      "Total number of state store operations",
		},
		[]string{"operation", "result"}, // operation: load, put, delete; result: success, error
	)

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forge",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "forge",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// SSEActiveConnections tracks open event streams.
	SSEActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "forge",
			Subsystem: "api",
			Name:      "sse_active_connections",
			Help:      "Number of open server-sent event streams",
		},
	)

	// SSEConnectionDuration tracks how long event streams stay open.
	SSEConnectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "forge",
			Subsystem: "api",
			Name:      "sse_connection_duration_seconds",
			Help:      "Duration of server-sent event streams in seconds",
			Buckets:   []float64{1, 5, 30, 60, 300, 900, 3600},
		},
	)
)
