package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "imgshrink"

var (
	// Transcode candidates by codec and outcome (ok, error).
	TranscodeCandidatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transcode",
			Name:      "candidates_total",
			Help:      "Candidate encoder runs by codec and outcome",
		},
		[]string{"codec", "outcome"},
	)

	TranscodeWinsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transcode",
			Name:      "wins_total",
			Help:      "Transcodes won by each codec",
		},
		[]string{"codec"},
	)

	// Upload counters
	UploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "uploads_total",
			Help:      "Uploads by outcome",
		},
		[]string{"outcome"},
	)

	UploadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "duration_seconds",
			Help:      "Time to transcode and store an upload",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)

	// Optimization passes by outcome (optimized, ineligible, busy, error).
	OptimizationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "optimize",
			Name:      "passes_total",
			Help:      "Optimization passes by outcome",
		},
		[]string{"outcome"},
	)

	OptimizedBytesSaved = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "optimize",
			Name:      "bytes_saved_total",
			Help:      "Bytes removed from stored images by optimization",
		},
	)

	SweepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "runs_total",
			Help:      "Sweep cycles by outcome",
		},
		[]string{"outcome"},
	)

	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "duration_seconds",
			Help:      "Duration of a full sweep cycle",
			Buckets:   []float64{1, 5, 30, 60, 300, 900, 3600},
		},
	)

	ExpiredImagesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "expired_images_total",
			Help:      "Images deleted for not being seen within the retention period",
		},
	)
)
