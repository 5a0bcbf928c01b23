// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vodhost_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vodhost_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vodhost_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)
)

// Upload and streaming metrics
var (
	UploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vodhost_uploads_total",
			Help: "Total number of upload attempts by outcome",
		},
		[]string{"outcome"}, // accepted, invalid, error
	)

	UploadBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vodhost_upload_size_bytes",
			Help:    "Size of accepted uploads in bytes",
			Buckets: prometheus.ExponentialBuckets(1<<20, 4, 8), // 1MB .. 16GB
		},
	)

	StreamResponsesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vodhost_stream_responses_total",
			Help: "Streaming responses by kind",
		},
		[]string{"kind"}, // full, partial, unsatisfiable, not_found
	)

	StreamBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vodhost_stream_bytes_total",
			Help: "Bytes written by the streaming responder",
		},
	)
)

// Transcode metrics
var (
	TranscodeTasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vodhost_transcode_tasks_total",
			Help: "Transcode tasks by profile and outcome",
		},
		[]string{"profile", "outcome"}, // success, failure, timeout
	)

	TranscodeTaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vodhost_transcode_task_duration_seconds",
			Help:    "Wall time of a single transcode task",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		},
		[]string{"profile"},
	)

	TranscodeTasksInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vodhost_transcode_tasks_in_flight",
			Help: "Transcode tasks currently running",
		},
	)

	VideosFinalizedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vodhost_videos_finalized_total",
			Help: "Videos moved to a terminal status",
		},
		[]string{"status"},
	)

	ArchiveUploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vodhost_archive_uploads_total",
			Help: "Rendition uploads to object storage by outcome",
		},
		[]string{"outcome"},
	)
)

// Queue metrics
var (
	QueueJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vodhost_queue_jobs_total",
			Help: "Jobs handled by the transcode worker by outcome",
		},
		[]string{"outcome"}, // enqueued, processed, retried, invalid
	)
)
