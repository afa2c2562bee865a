package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ExportsSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "exports_submitted_total", Help: "Export jobs accepted, by format"}, []string{"format"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "exports_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	ExportsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "exports_completed_total", Help: "Export jobs completed, by format"}, []string{"format"})
	ExportsFailed    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "exports_failed_total", Help: "Export jobs failed, by reason"}, []string{"reason"})
	ExportsCancelled = prometheus.NewCounter(prometheus.CounterOpts{Name: "exports_cancelled_total", Help: "Processing jobs stopped by a delete request"})
	ExportsReaped    = prometheus.NewCounter(prometheus.CounterOpts{Name: "exports_reaped_total", Help: "Jobs failed after their worker lease expired"})
	ExportsRestored  = prometheus.NewCounter(prometheus.CounterOpts{Name: "exports_restored_total", Help: "Pending jobs requeued after the queue lost them"})
	RowsExported     = prometheus.NewCounter(prometheus.CounterOpts{Name: "exports_rows_total", Help: "Rows written to artifacts"})
	RunningGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "exports_running", Help: "Exports currently executing"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "exports_queue_depth", Help: "Jobs waiting for a worker slot"})
	ExportDuration   = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "exports_duration_seconds",
		Help:    "Wall time from claim to terminal state",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 12),
	}, []string{"format", "status"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			ExportsSubmitted,
			RateLimitRejects,
			ExportsCompleted,
			ExportsFailed,
			ExportsCancelled,
			ExportsReaped,
			ExportsRestored,
			RowsExported,
			RunningGauge,
			QueueDepthGauge,
			ExportDuration,
		)
	})
	return promhttp.Handler()
}
