package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_tasks_total",
			Help: "Number of active tasks by state",
		},
		[]string{"state"},
	)

	TasksProcessed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_tasks_processed_total",
			Help: "Total number of tasks completed successfully",
		},
	)

	TasksFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_tasks_failed_total",
			Help: "Total number of tasks that failed terminally",
		},
	)

	TasksRetried = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_tasks_retried_total",
			Help: "Total number of task attempts re-published for retry",
		},
	)

	TasksCancelled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_tasks_cancelled_total",
			Help: "Total number of tasks cancelled",
		},
	)

	// Dispatch metrics
	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_dispatch_latency_seconds",
			Help:    "Time from admission to handler start in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	HandlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_handler_duration_seconds",
			Help:    "Handler execution duration in seconds by task kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_queue_depth",
			Help: "Number of admitted tasks waiting for an execution slot",
		},
	)

	// Worker metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_workers_total",
			Help: "Number of registered workers by health",
		},
		[]string{"health"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Bus metrics
	BusPublishErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_bus_publish_errors_total",
			Help: "Total number of failed bus publishes",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(TasksProcessed)
	prometheus.MustRegister(TasksFailed)
	prometheus.MustRegister(TasksRetried)
	prometheus.MustRegister(TasksCancelled)
	prometheus.MustRegister(DispatchLatency)
	prometheus.MustRegister(HandlerDuration)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(BusPublishErrors)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
