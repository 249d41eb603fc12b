package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Inventory metrics
	ArtifactsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mastiff_artifacts_total",
			Help: "Total number of ingested artifacts",
		},
	)

	ArtifactsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mastiff_artifacts_ingested_total",
			Help: "Total number of artifact ingestions by detected type and outcome",
		},
		[]string{"type", "outcome"},
	)

	ModulesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mastiff_modules_total",
			Help: "Total number of registered modules by kind and health",
		},
		[]string{"kind", "healthy"},
	)

	ChainsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mastiff_chains_total",
			Help: "Total number of stored chain definitions",
		},
	)

	// Task metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mastiff_tasks_total",
			Help: "Total number of tasks by state",
		},
		[]string{"state"},
	)

	TasksEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mastiff_tasks_enqueued_total",
			Help: "Total number of tasks placed on module queues",
		},
		[]string{"module_id"},
	)

	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mastiff_task_duration_seconds",
			Help:    "Wall time from enqueue to result by module",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"module_id", "status"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mastiff_queue_depth",
			Help: "Pending tasks per module queue",
		},
		[]string{"module_id"},
	)

	// Run metrics
	RunsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mastiff_runs_total",
			Help: "Total number of chain runs by state",
		},
		[]string{"state"},
	)

	RunsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mastiff_runs_started_total",
			Help: "Total number of chain runs started",
		},
	)

	RunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mastiff_run_duration_seconds",
			Help:    "Chain run duration in seconds",
			Buckets: []float64{5, 30, 60, 300, 600, 1800, 3600, 7200},
		},
	)

	StaleResults = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mastiff_stale_results_total",
			Help: "Results that arrived after their task reached a final state",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mastiff_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mastiff_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Container lifecycle metrics
	ContainerBuilds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mastiff_container_builds_total",
			Help: "Module container build attempts by outcome",
		},
		[]string{"module_id", "outcome"},
	)

	BuildDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mastiff_container_build_duration_seconds",
			Help:    "Module container build wall time, retries included",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"module_id", "outcome"},
	)

	ExternalNotifyFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mastiff_external_notify_failures_total",
			Help: "Failed task notifications to external modules",
		},
		[]string{"module_id"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ArtifactsTotal)
	prometheus.MustRegister(ArtifactsIngested)
	prometheus.MustRegister(ModulesTotal)
	prometheus.MustRegister(ChainsTotal)
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(TasksEnqueued)
	prometheus.MustRegister(TaskDuration)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(RunsTotal)
	prometheus.MustRegister(RunsStarted)
	prometheus.MustRegister(RunDuration)
	prometheus.MustRegister(StaleResults)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(ContainerBuilds)
	prometheus.MustRegister(BuildDuration)
	prometheus.MustRegister(ExternalNotifyFailures)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
