package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// RowsCopied counts staging rows copied from upstream.
	RowsCopied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "datarefresh",
			Name:      "rows_copied_total",
			Help:      "Staging rows copied from the upstream database",
		},
		[]string{"dataset"},
	)

	// DocumentsIndexed counts documents written into index generations.
	DocumentsIndexed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "datarefresh",
			Name:      "documents_indexed_total",
			Help:      "Documents written into index generations",
		},
		[]string{"dataset"},
	)

	// BatchRetries counts bulk-write retries during index builds.
	BatchRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "datarefresh",
			Name:      "batch_retries_total",
			Help:      "Bulk write retries during index builds",
		},
		[]string{"dataset"},
	)

	// JobsCompleted counts terminal job outcomes.
	JobsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "datarefresh",
			Name:      "jobs_completed_total",
			Help:      "Jobs reaching a terminal state, by outcome",
		},
		[]string{"dataset", "outcome"},
	)

	// StageDuration observes wall-clock time per pipeline stage.
	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "datarefresh",
			Name:      "stage_duration_seconds",
			Help:      "Pipeline stage duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600, 14400},
		},
		[]string{"dataset", "stage"},
	)
)

// RegisterPipelineMetrics registers the pipeline instruments. Explicit
// registration, no init(): the composition root decides what is exported.
func RegisterPipelineMetrics() {
	prometheus.MustRegister(RowsCopied)
	prometheus.MustRegister(DocumentsIndexed)
	prometheus.MustRegister(BatchRetries)
	prometheus.MustRegister(JobsCompleted)
	prometheus.MustRegister(StageDuration)
}

// ObserveStage records one stage execution.
func ObserveStage(dataset, stage string, d time.Duration) {
	StageDuration.WithLabelValues(dataset, stage).Observe(d.Seconds())
}
