package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "videocoach_runs_total",
		Help: "Total number of analysis runs, by final state",
	}, []string{"state"})

	FramesProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "videocoach_frames_processed_total",
		Help: "Frames processed, by outcome (analyzed, cached, degraded, failed)",
	}, []string{"outcome"})

	AnalyzeRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "videocoach_analyze_request_duration_seconds",
		Help:    "Round-trip time of analysis requests, excluding rate limiter waits",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"status"})

	RateLimitWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "videocoach_rate_limit_wait_seconds",
		Help:    "Time spent waiting for the outbound rate limiter",
		Buckets: []float64{0, 0.1, 0.25, 0.5, 0.75, 1, 2},
	})

	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "videocoach_run_duration_seconds",
		Help:    "Wall-clock duration of analysis runs",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	ActiveRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "videocoach_active_runs",
		Help: "Number of analysis runs currently in progress",
	})

	ProgressSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "videocoach_progress_subscribers",
		Help: "Number of live progress subscribers",
	})
)
