// Package telemetry holds the Prometheus collectors shared by the API server
// and the worker processes.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strokelab_jobs_submitted_total",
		Help: "Total number of analysis jobs submitted",
	}, []string{"mode"})

	JobsPlanned = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strokelab_jobs_planned_total",
		Help: "Total number of planning attempts by outcome",
	}, []string{"outcome"}) // outcome: planned/media_unreadable/noop

	PlannedChunks = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "strokelab_planned_chunks",
		Help:    "Number of chunks planned per job",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128},
	})

	ChunksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strokelab_chunks_processed_total",
		Help: "Total number of chunk attempts by outcome",
	}, []string{"outcome"}) // outcome: completed/reused_artifact/requeued/failed

	ChunkDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "strokelab_chunk_duration_seconds",
		Help:    "Wall time spent processing one chunk",
		Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
	})

	ClaimConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strokelab_claim_conflicts_total",
		Help: "Claims lost to another worker or to a state change",
	}, []string{"kind"}) // kind: chunk/aggregation

	ChunksReaped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strokelab_chunks_reaped_total",
		Help: "Expired chunk claims handled by the reaper",
	}, []string{"outcome"}) // outcome: requeued/failed

	Aggregations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strokelab_aggregations_total",
		Help: "Aggregation runs by outcome",
	}, []string{"outcome"}) // outcome: done/failed/skipped

	MessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strokelab_queue_messages_published_total",
		Help: "Messages published to the work queue",
	}, []string{"kind"})

	MessagesHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strokelab_queue_messages_handled_total",
		Help: "Messages handled by consumers",
	}, []string{"kind", "outcome"}) // outcome: ok/error

	MessageHandleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "strokelab_queue_message_handle_seconds",
		Help:    "Time spent handling one message",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 30, 120, 600},
	}, []string{"kind"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strokelab_http_requests_total",
		Help: "HTTP requests served by the API",
	}, []string{"method", "route", "code"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "strokelab_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)
