// Package metrics exposes the worker's internal Prometheus surface: job
// outcome counts, OCR call outcomes by provider, and checkpoint save
// latency, registered at package load the way ManuGH-xg2g's openwebif
// client registers its own counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsTotal counts pipeline runs by terminal outcome ("completed",
	// "error") and, for errors, the werr.Kind-derived error code.
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "analyzer_worker_jobs_total",
		Help: "Total pipeline runs by terminal outcome.",
	}, []string{"outcome", "error_code"})

	// StageDurationSeconds records how long each pipeline stage took,
	// regardless of whether it ultimately succeeded.
	StageDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "analyzer_worker_stage_duration_seconds",
		Help:    "Wall-clock duration of a single pipeline stage attempt.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"stage"})

	// OCRCallsTotal counts OCR provider calls by provider name and outcome.
	OCRCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "analyzer_worker_ocr_calls_total",
		Help: "Total OCR provider calls by provider and outcome.",
	}, []string{"provider", "outcome"})

	// CheckpointSaveDurationSeconds records Store.Save latency.
	CheckpointSaveDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "analyzer_worker_checkpoint_save_duration_seconds",
		Help:    "Latency of a single checkpoint row save.",
		Buckets: prometheus.DefBuckets,
	})
)
