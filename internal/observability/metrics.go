package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "solverq",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"route", "method", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "solverq",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	TasksCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "solverq",
			Name:      "tasks_created_total",
			Help:      "Tasks accepted for solving.",
		},
		[]string{"type"},
	)

	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "solverq",
			Name:      "tasks_completed_total",
			Help:      "Tasks that reached a solution.",
		},
		[]string{"type"},
	)

	TasksFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "solverq",
			Name:      "tasks_failed_total",
			Help:      "Tasks that terminally failed.",
		},
		[]string{"type", "reason"},
	)

	TaskRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "solverq",
			Name:      "task_retries_total",
			Help:      "Solve attempts that were re-queued for retry.",
		},
		[]string{"type"},
	)

	SolveDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "solverq",
			Name:      "solve_duration_seconds",
			Help:      "Duration of a single solver invocation in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "solverq",
			Name:      "queue_depth",
			Help:      "Number of task IDs waiting in the work queue.",
		},
	)

	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "solverq",
			Name:      "cache_hits_total",
			Help:      "Cache hits by namespace.",
		},
		[]string{"namespace"},
	)

	CacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "solverq",
			Name:      "cache_misses_total",
			Help:      "Cache misses by namespace.",
		},
		[]string{"namespace"},
	)

	RateLimitRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "solverq",
			Name:      "rate_limit_rejections_total",
			Help:      "Requests rejected by the rate limiter.",
		},
		[]string{"window"},
	)
)

// RegisterMetrics registers all collectors on the default registry. Safe to
// call more than once: already-registered collectors are skipped, which keeps
// test packages that each call it from panicking.
func RegisterMetrics() {
	collectors := []prometheus.Collector{
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TasksCreatedTotal,
		TasksCompletedTotal,
		TasksFailedTotal,
		TaskRetriesTotal,
		SolveDuration,
		QueueDepth,
		CacheHitsTotal,
		CacheMissesTotal,
		RateLimitRejectionsTotal,
	}
	for _, c := range collectors {
		if err := prometheus.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			panic(err)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware records basic HTTP request metrics.
func HTTPMetricsMiddleware(routeName func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: 200}
			next.ServeHTTP(rec, r)

			route := routeName(r)
			method := r.Method
			status := strconv.Itoa(rec.status)

			HTTPRequestsTotal.WithLabelValues(route, method, status).Inc()
			HTTPRequestDuration.WithLabelValues(route, method).Observe(time.Since(start).Seconds())
		})
	}
}
