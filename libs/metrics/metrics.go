package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// requestBuckets reach past the completion timeout, since verify-wire and
// approve run the credit transaction inline.
var requestBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20}

var (
	RequestCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: requestBuckets,
		},
		[]string{"method", "path", "status"},
	)
	RequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "HTTP requests currently being served.",
		},
	)
)

func Register(registry *prometheus.Registry) {
	registry.MustRegister(RequestCount, RequestDuration, RequestsInFlight)
}

// ObserveRequest records one served request. Unmatched routes share the
// "unmatched" path label.
func ObserveRequest(method, path string, status int, latency time.Duration) {
	if path == "" {
		path = "unmatched"
	}
	code := strconv.Itoa(status)
	RequestCount.WithLabelValues(method, path, code).Inc()
	RequestDuration.WithLabelValues(method, path, code).Observe(latency.Seconds())
}

// TrackInFlight counts a request as in flight until the returned func runs.
func TrackInFlight() func() {
	RequestsInFlight.Inc()
	return RequestsInFlight.Dec
}

func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}
