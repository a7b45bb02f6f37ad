package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"tpserve/pkg/types"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tpserve",
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Gateway HTTP requests by route, method and status code",
		},
		[]string{"route", "method", "code"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tpserve",
			Subsystem: "gateway",
			Name:      "request_duration_seconds",
			Help:      "Gateway HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route", "method", "code"},
	)

	httpInflight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tpserve",
		Subsystem: "gateway",
		Name:      "inflight_requests",
		Help:      "Gateway HTTP requests being served",
	})

	// Query latency as seen by the caller, including rejections.
	queryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tpserve",
			Subsystem: "gateway",
			Name:      "query_duration_seconds",
			Help:      "End-to-end query latency by task and status code",
			Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"task", "code"},
	)

	queryRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tpserve",
			Subsystem: "gateway",
			Name:      "query_rejected_total",
			Help:      "Queries rejected before dispatch, by reason",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, httpInflight, queryDuration, queryRejectedTotal)
}

// MetricsMiddleware instruments requests for Prometheus. The route label is
// read after the request is routed so chi has filled in the pattern.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInflight.Inc()
		defer httpInflight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		labels := []string{routeLabel(r), r.Method, strconv.Itoa(code)}
		httpRequestsTotal.WithLabelValues(labels...).Inc()
		httpRequestDuration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())
	})
}

// routeLabel returns the chi route pattern, so deployment tags never become
// label values. Unrouted requests share one label.
func routeLabel(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

func observeQuery(task types.TaskKind, status int, d time.Duration) {
	label := "unknown"
	if task.Valid() {
		label = task.String()
	}
	queryDuration.WithLabelValues(label, strconv.Itoa(status)).Observe(d.Seconds())
}

// IncrementRejected counts a query refused before any shard was called.
func IncrementRejected(reason string) {
	if reason == "" {
		reason = "unspecified"
	}
	queryRejectedTotal.WithLabelValues(reason).Inc()
}
