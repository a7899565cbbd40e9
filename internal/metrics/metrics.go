package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "envmon_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "envmon_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "endpoint", "status"},
	)

	// Generator metrics
	ReadingsGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "envmon_readings_generated_total",
			Help: "Total number of synthetic readings emitted",
		},
		[]string{"category", "severity"},
	)

	GenerationFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "envmon_generation_failures_total",
			Help: "Total number of generator ticks that failed",
		},
	)

	SensorsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "envmon_sensors_running",
			Help: "Number of sensors with a running generator task",
		},
	)

	// Alert metrics
	AlertsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "envmon_alerts_created_total",
			Help: "Total number of alerts created",
		},
		[]string{"parameter", "severity"},
	)

	AlertsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "envmon_alerts_suppressed_total",
			Help: "Total number of threshold crossings folded into an open alert",
		},
		[]string{"parameter"},
	)

	AlertsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "envmon_alerts_active",
			Help: "Number of unresolved alerts",
		},
	)

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "envmon_notifications_total",
			Help: "Total number of notification attempts",
		},
		[]string{"channel", "status"}, // status: sent, failed, suppressed
	)

	// Bus metrics
	BusSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "envmon_bus_subscribers",
			Help: "Current number of event bus subscribers",
		},
	)

	BusEventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "envmon_bus_events_published_total",
			Help: "Total number of events published on the bus",
		},
		[]string{"type"},
	)

	BusEventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "envmon_bus_events_dropped_total",
			Help: "Total number of events dropped for slow subscribers",
		},
		[]string{"policy"}, // policy: drop_oldest, disconnect
	)

	// Worker metrics
	WorkerQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "envmon_worker_queue_size",
			Help: "Current number of queued tasks",
		},
	)

	WorkerProcessedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "envmon_worker_processed_total",
			Help: "Total number of tasks completed by workers",
		},
	)

	WorkerFailedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "envmon_worker_failed_total",
			Help: "Total number of tasks that returned an error",
		},
	)

	WorkerDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "envmon_worker_dropped_total",
			Help: "Total number of tasks dropped because the queue was full",
		},
	)

	// Bridge metrics
	BridgeForwarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "envmon_bridge_forwarded_total",
			Help: "Total number of events forwarded to external brokers",
		},
		[]string{"bridge", "status"}, // status: success, failed
	)

	// Store metrics
	StoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "envmon_store_operation_duration_seconds",
			Help:    "Time taken by store operations",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"backend", "operation"},
	)

	// Panic recovery
	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "envmon_panics_recovered_total",
			Help: "Total number of panics recovered",
		},
		[]string{"component"},
	)
)
