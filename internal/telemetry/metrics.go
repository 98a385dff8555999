package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "recompute_jobs_enqueued_total", Help: "Total recompute jobs enqueued"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "recompute_rate_limit_rejects_total", Help: "Enqueue requests rejected by the per-device rate limiter"})
	JobsCompleted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "recompute_jobs_completed_total", Help: "Jobs completed successfully"})
	JobsRetried        = prometheus.NewCounter(prometheus.CounterOpts{Name: "recompute_jobs_retried_total", Help: "Failed attempts that were requeued for retry"})
	JobsFailed         = prometheus.NewCounter(prometheus.CounterOpts{Name: "recompute_jobs_failed_total", Help: "Jobs that exhausted their retry budget"})
	JobsReaped         = prometheus.NewCounter(prometheus.CounterOpts{Name: "recompute_jobs_reaped_total", Help: "Stale processing claims returned to the pending queue"})
	PendingDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "recompute_pending_depth", Help: "Pending queue depth"})
	ProcessingGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "recompute_processing", Help: "Jobs currently claimed by a worker"})
	ProcessingDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "recompute_processing_seconds",
		Help:    "Recompute callback duration",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			RateLimitRejects,
			JobsCompleted,
			JobsRetried,
			JobsFailed,
			JobsReaped,
			PendingDepthGauge,
			ProcessingGauge,
			ProcessingDuration,
		)
	})
	return promhttp.Handler()
}
