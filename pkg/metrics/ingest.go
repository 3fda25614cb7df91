package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// IngestMetrics contains Prometheus metrics for the ingest service.
type IngestMetrics struct {
	WakesTotal         *prometheus.CounterVec
	WakeOverages       prometheus.Counter
	WakeErrors         *prometheus.CounterVec
	IngestDuration     *prometheus.HistogramVec
	ChunksReceived     prometheus.Counter
	ImagesCompleted    prometheus.Counter
	ImagesFailed       *prometheus.CounterVec
	ImageRetries       prometheus.Counter
	SessionsOpened     prometheus.Counter
	SessionsLocked     prometheus.Counter
	CascadeStageErrors *prometheus.CounterVec
	ReviewItemsCreated *prometheus.CounterVec
	ScoringRequests    *prometheus.CounterVec
	ReconcilerRequeued prometheus.Counter
	ChunkBufferEntries prometheus.Gauge
}

// NewIngestMetrics creates and registers ingest service metrics.
func NewIngestMetrics(namespace string) *IngestMetrics {
	m := &IngestMetrics{
		WakesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "wakes_total",
				Help:      "Total number of device wakes processed",
			},
			[]string{"status"}, // status: success, error
		),
		WakeOverages: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "wake_overages_total",
				Help:      "Total number of wakes flagged as outside any schedule bucket",
			},
		),
		WakeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "wake_errors_total",
				Help:      "Total number of wake processing errors by kind",
			},
			[]string{"kind"}, // kind: lineage, session, persist, decode
		),
		IngestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "wake_duration_seconds",
				Help:      "Duration of wake ingestion",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"source"}, // source: amqp, http
		),
		ChunksReceived: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "chunks_received_total",
				Help:      "Total number of image chunks buffered",
			},
		),
		ImagesCompleted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "images_completed_total",
				Help:      "Total number of images assembled from chunks",
			},
		),
		ImagesFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "images_failed_total",
				Help:      "Total number of image transfers marked failed",
			},
			[]string{"reason"}, // reason: timeout, decode
		),
		ImageRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "image_retries_total",
				Help:      "Total number of retry-by-id requests",
			},
		),
		SessionsOpened: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "opened_total",
				Help:      "Total number of site sessions opened",
			},
		),
		SessionsLocked: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "locked_total",
				Help:      "Total number of site sessions locked",
			},
		),
		CascadeStageErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cascade",
				Name:      "stage_errors_total",
				Help:      "Total number of cascade stage failures",
			},
			[]string{"stage"}, // stage: velocity, speed, rollup, propagate, alerts, outlier
		),
		ReviewItemsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "outlier",
				Name:      "review_items_total",
				Help:      "Total number of review queue items created",
			},
			[]string{"priority"},
		),
		ScoringRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cascade",
				Name:      "scoring_requests_total",
				Help:      "Total number of requests sent to the scoring service",
			},
			[]string{"status"}, // status: success, error
		),
		ReconcilerRequeued: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cascade",
				Name:      "reconciler_requeued_total",
				Help:      "Total number of stuck images re-submitted for scoring",
			},
		),
		ChunkBufferEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "chunk_buffer_entries",
				Help:      "Number of image transfers currently buffered",
			},
		),
	}

	MustRegister(
		m.WakesTotal,
		m.WakeOverages,
		m.WakeErrors,
		m.IngestDuration,
		m.ChunksReceived,
		m.ImagesCompleted,
		m.ImagesFailed,
		m.ImageRetries,
		m.SessionsOpened,
		m.SessionsLocked,
		m.CascadeStageErrors,
		m.ReviewItemsCreated,
		m.ScoringRequests,
		m.ReconcilerRequeued,
		m.ChunkBufferEntries,
	)

	return m
}
