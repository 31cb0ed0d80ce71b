package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// NotesProcessed counts notes processed by sync mode
	NotesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notesync_notes_processed_total",
			Help: "Total number of notes processed",
		},
		[]string{"mode"},
	)

	// CommentsInserted counts comment rows inserted
	CommentsInserted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notesync_comments_inserted_total",
			Help: "Total number of comment rows inserted",
		},
	)

	// BatchesTotal counts committed and failed batches
	BatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notesync_batches_total",
			Help: "Total number of dispatched batches by outcome",
		},
		[]string{"status"},
	)

	// BatchCommitDuration tracks batch commit time
	BatchCommitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "notesync_batch_commit_duration_seconds",
			Help:    "Batch commit duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// GapsDetected counts gaps found by the gap detector
	GapsDetected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notesync_gaps_detected_total",
			Help: "Total number of feed gaps detected",
		},
	)

	// CountryAssignments counts lookups by path (fast or fallback)
	CountryAssignments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notesync_country_assignments_total",
			Help: "Total number of country assignments by lookup path",
		},
		[]string{"path"},
	)

	// ErrorsTotal counts errors by component and type
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notesync_errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "error_type"},
	)

	// WatermarkTimestamp tracks the last fully persisted event timestamp
	WatermarkTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "notesync_watermark_timestamp_seconds",
			Help: "Unix timestamp of the sync watermark",
		},
	)

	// PendingBatches tracks batches queued but not yet committed
	PendingBatches = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "notesync_pending_batches",
			Help: "Number of batches queued for commit",
		},
	)

	// RunsTotal counts engine runs by final state
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notesync_runs_total",
			Help: "Total number of sync runs by final state",
		},
		[]string{"state"},
	)
)
