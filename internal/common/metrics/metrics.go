// Package metrics exposes Prometheus instrumentation for the task service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Admission metrics
	AdmissionCapacity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskstream_admission_capacity",
			Help: "Configured number of concurrent executions",
		},
	)

	AdmissionInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskstream_admission_in_use",
			Help: "Executions currently holding an admission slot",
		},
	)

	AdmissionTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskstream_admission_timeouts_total",
			Help: "Total number of executions rejected by admission timeout",
		},
	)

	// Task metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskstream_tasks",
			Help: "Number of tasks in memory by status",
		},
		[]string{"status"},
	)

	EventsAppended = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskstream_events_appended_total",
			Help: "Total number of events appended to task logs",
		},
	)

	ListenersDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskstream_listeners_dropped_total",
			Help: "Total number of listeners dropped for falling behind",
		},
	)

	InterventionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskstream_interventions_total",
			Help: "Total number of interventions queued",
		},
	)

	LifecycleEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskstream_lifecycle_events_total",
			Help: "Total number of lifecycle events published on the bus",
		},
		[]string{"type"},
	)

	// Runner pool metrics
	RunnerPoolSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskstream_runner_pool_size",
			Help: "Number of pooled runners by kind (session, generic)",
		},
		[]string{"kind"},
	)

	RunnersStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskstream_runners_started_total",
			Help: "Total number of runner subprocesses started",
		},
	)

	// API metrics
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskstream_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

func init() {
	prometheus.MustRegister(AdmissionCapacity)
	prometheus.MustRegister(AdmissionInUse)
	prometheus.MustRegister(AdmissionTimeouts)
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(EventsAppended)
	prometheus.MustRegister(ListenersDropped)
	prometheus.MustRegister(InterventionsTotal)
	prometheus.MustRegister(LifecycleEvents)
	prometheus.MustRegister(RunnerPoolSize)
	prometheus.MustRegister(RunnersStarted)
	prometheus.MustRegister(HTTPRequestDuration)
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
