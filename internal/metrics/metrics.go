package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FramesSampledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "framesearch_frames_sampled_total",
		Help: "Total number of frames kept by the sampler across all videos",
	})

	FramesIndexedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "framesearch_frames_indexed_total",
		Help: "Total number of frame records inserted into the index",
	})

	FramesSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "framesearch_frames_skipped_total",
		Help: "Total number of sampled frames dropped because their asset or descriptor failed",
	})

	QueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "framesearch_queries_total",
		Help: "Total number of similarity queries, by status",
	}, []string{"status"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "framesearch_stage_duration_seconds",
		Help:    "Duration of ingestion and query stages",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
	}, []string{"stage"})

	ActiveIngestions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "framesearch_active_ingestions",
		Help: "Number of videos currently being ingested",
	})
)
