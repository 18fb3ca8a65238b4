package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task queue metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quarry_tasks_total",
			Help: "Total number of tasks by status",
		},
		[]string{"status"},
	)

	TasksEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_tasks_enqueued_total",
			Help: "Total number of tasks enqueued, by kind",
		},
		[]string{"kind"},
	)

	TasksFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_tasks_finished_total",
			Help: "Total number of tasks that reached a terminal status",
		},
		[]string{"kind", "status"},
	)

	IndexesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quarry_indexes_total",
			Help: "Total number of indexes in the registry",
		},
	)

	APIKeysTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quarry_api_keys_total",
			Help: "Total number of API keys",
		},
	)

	// Scheduler loop metrics
	BatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quarry_batch_latency_seconds",
			Help:    "Time taken to process one scheduler batch, from dequeue to commit",
			Buckets: prometheus.DefBuckets,
		},
	)

	BatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quarry_batch_size_tasks",
			Help:    "Number of tasks batched together per scheduler cycle",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
		},
	)

	BatchesFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quarry_batches_failed_total",
			Help: "Total number of batches that aborted with a batch-fatal error",
		},
	)

	// Index builder metrics
	DocumentsIndexedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quarry_documents_indexed_total",
			Help: "Total number of documents successfully indexed",
		},
	)

	DocumentsDeletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quarry_documents_deleted_total",
			Help: "Total number of documents deleted from an index",
		},
	)

	MergeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quarry_merge_duration_seconds",
			Help:    "Time taken to merge one external-sorter category into the store",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"category"},
	)

	TransformDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quarry_transform_duration_seconds",
			Help:    "Time taken to parse and sort a batch's documents",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Storage metrics
	WriteTxnDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quarry_write_txn_duration_seconds",
			Help:    "Time a write transaction held the environment's writer lock",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"environment"},
	)
)

func init() {
	prometheus.MustRegister(
		TasksTotal,
		TasksEnqueuedTotal,
		TasksFinishedTotal,
		IndexesTotal,
		APIKeysTotal,
		BatchLatency,
		BatchSize,
		BatchesFailedTotal,
		DocumentsIndexedTotal,
		DocumentsDeletedTotal,
		MergeDuration,
		TransformDuration,
		WriteTxnDuration,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
