// Package metrics collects and exposes Prometheus metrics for the worker
// pool supervisor.
//
// Metric Categories:
//
//   1. Task counters (cumulative, per worker kind):
//      - mlpool_tasks_submitted_total
//      - mlpool_tasks_completed_total
//      - mlpool_tasks_failed_total
//      - mlpool_worker_restarts_total
//
//   2. Performance (Histogram):
//      - mlpool_task_processing_seconds: handler dequeue-to-result latency
//      - mlpool_submission_latency_seconds: submit() enqueue latency
//
//   3. Status (Gauge), per worker kind:
//      - mlpool_queue_depth
//      - mlpool_alive_workers
//
// Exposed via /metrics when the supervisor is started with
// --metrics-addr, scraped in Prometheus text format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/ml-worker-pool/pkg/types"
)

// Collector collects per-pool Prometheus metrics, labeled by worker kind.
type Collector struct {
	tasksSubmitted *prometheus.CounterVec
	tasksCompleted *prometheus.CounterVec
	tasksFailed    *prometheus.CounterVec

	processingTime    *prometheus.HistogramVec
	submissionLatency *prometheus.HistogramVec

	queueDepth   *prometheus.GaugeVec
	aliveWorkers *prometheus.GaugeVec
	restarts     *prometheus.CounterVec
}

// NewCollector creates and registers a fresh metrics collector. A process
// should own exactly one Collector; registering a second one against the
// same registry panics, matching the teacher's single-collector contract.
func NewCollector() *Collector {
	c := &Collector{
		tasksSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mlpool_tasks_submitted_total",
			Help: "Total number of tasks submitted, by worker kind",
		}, []string{"kind"}),
		tasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mlpool_tasks_completed_total",
			Help: "Total number of tasks completed successfully, by worker kind",
		}, []string{"kind"}),
		tasksFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mlpool_tasks_failed_total",
			Help: "Total number of tasks that produced an error result, by worker kind",
		}, []string{"kind"}),
		processingTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mlpool_task_processing_seconds",
			Help:    "Handler dequeue-to-result latency in seconds, by worker kind",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		submissionLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mlpool_submission_latency_seconds",
			Help:    "submit_task enqueue latency in seconds, by worker kind",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
		}, []string{"kind"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mlpool_queue_depth",
			Help: "Current inbound queue depth, by worker kind",
		}, []string{"kind"}),
		aliveWorkers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mlpool_alive_workers",
			Help: "Current number of alive worker processes, by worker kind",
		}, []string{"kind"}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mlpool_worker_restarts_total",
			Help: "Total number of worker restarts performed by the health sweep, by worker kind",
		}, []string{"kind"}),
	}

	prometheus.MustRegister(
		c.tasksSubmitted, c.tasksCompleted, c.tasksFailed,
		c.processingTime, c.submissionLatency,
		c.queueDepth, c.aliveWorkers, c.restarts,
	)

	return c
}

// RecordSubmit records a task submission and its enqueue latency.
func (c *Collector) RecordSubmit(kind types.WorkerKind, latencySeconds float64) {
	c.tasksSubmitted.WithLabelValues(string(kind)).Inc()
	c.submissionLatency.WithLabelValues(string(kind)).Observe(latencySeconds)
}

// RecordResult records a completed task's outcome and processing time.
func (c *Collector) RecordResult(kind types.WorkerKind, status types.ResultStatus, processingSeconds float64) {
	c.processingTime.WithLabelValues(string(kind)).Observe(processingSeconds)
	if status == types.StatusSuccess {
		c.tasksCompleted.WithLabelValues(string(kind)).Inc()
	} else {
		c.tasksFailed.WithLabelValues(string(kind)).Inc()
	}
}

// RecordRestart records one worker-slot restart performed by a health sweep.
func (c *Collector) RecordRestart(kind types.WorkerKind) {
	c.restarts.WithLabelValues(string(kind)).Inc()
}

// UpdateGauges sets the instantaneous gauges for one pool.
func (c *Collector) UpdateGauges(kind types.WorkerKind, queueDepth, aliveWorkers int) {
	c.queueDepth.WithLabelValues(string(kind)).Set(float64(queueDepth))
	c.aliveWorkers.WithLabelValues(string(kind)).Set(float64(aliveWorkers))
}

// StartServer starts the Prometheus /metrics HTTP endpoint. It blocks until
// the listener fails; callers run it in its own goroutine.
func StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
