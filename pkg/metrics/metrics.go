package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Common metrics for the modification engine and its batch executor.
var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"service", "method", "path", "status"},
	)

	// Modification metrics
	ModificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "process_instance_modifications_total",
			Help: "Total number of per-instance modification units of work",
		},
		[]string{"outcome"},
	)

	InstructionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modification_instructions_total",
			Help: "Total number of applied modification instructions",
		},
		[]string{"kind"},
	)

	ConcurrencyConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "modification_concurrency_conflicts_total",
			Help: "Total number of optimistic lock conflicts on execution trees",
		},
	)

	// Batch metrics
	BatchesCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "batches_created_total",
			Help: "Total number of created batches",
		},
	)

	BatchJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batch_jobs_total",
			Help: "Total number of finished batch jobs",
		},
		[]string{"outcome"},
	)

	BatchJobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "batch_job_duration_seconds",
			Help:    "Batch job execution duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	BatchJobQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "batch_job_queue_depth",
			Help: "Number of jobs waiting for a worker",
		},
	)

	// Event bus metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Total number of events published",
		},
		[]string{"event_type"},
	)
)
