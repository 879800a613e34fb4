package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequests counts API requests by route pattern and status.
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of API requests",
		},
		[]string{"route", "status"},
	)

	// HTTPLatency tracks API request latency by route pattern.
	HTTPLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_latency_seconds",
			Help:      "API request latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"route"},
	)

	// RoomsThrottled counts requests rejected by the per-room limiter.
	RoomsThrottled = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rooms_throttled_total",
			Help:      "Requests rejected by the per-room rate limiter",
		},
	)
)

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware records request count and latency. Routes are labelled by
// their mux pattern so that room ids never become label values.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(recorder, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		HTTPRequests.WithLabelValues(route, strconv.Itoa(recorder.statusCode)).Inc()
		HTTPLatency.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}
