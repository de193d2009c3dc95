package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CombinationsRendered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hookscale_combinations_total",
		Help: "Combinations that reached a terminal state, by outcome",
	}, []string{"status"})

	RenderDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hookscale_render_duration_seconds",
		Help:    "Time taken to download, render and upload one combination",
		Buckets: prometheus.ExponentialBuckets(2, 2, 10),
	})

	BatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hookscale_batch_duration_seconds",
		Help:    "Time taken for one batch of combinations to settle",
		Buckets: prometheus.ExponentialBuckets(5, 2, 10),
	})

	ActiveRenders = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hookscale_active_renders",
		Help: "Combinations currently rendering on this node",
	})

	JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hookscale_job_runs_total",
		Help: "Render runs by final job status",
	}, []string{"status"})

	DownloadRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hookscale_download_retries_total",
		Help: "Clip download attempts that were retried",
	})

	ArchiveFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hookscale_archive_failures_total",
		Help: "Archive packaging runs that failed",
	})
)
