package metrics

import (
	"net/http"
	"regexp"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Define Prometheus metrics
var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spg_http_requests_total",
			Help: "Total number of HTTP requests processed, partitioned by method, path, and status code.",
		},
		[]string{"method", "normalized_path", "status_code"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spg_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "normalized_path", "status_code"},
	)

	upstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spg_upstream_duration_seconds",
			Help:    "Time spent waiting on the upstream origin, partitioned by route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	dataTransferred = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spg_data_transferred_bytes_total",
			Help: "Total amount of data transferred in bytes, partitioned by direction (inbound or outbound).",
		},
		[]string{"direction"},
	)
)

var registerOnce sync.Once

// InitMetrics registers the collectors with the default registry.
func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequestsTotal)
		prometheus.MustRegister(httpRequestDuration)
		prometheus.MustRegister(upstreamDuration)
		prometheus.MustRegister(dataTransferred)
	})
}

// Handler exposes the registered metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

var numericSegment = regexp.MustCompile(`\d+`)

// NormalizePath normalizes dynamic paths (e.g., "/users/123" -> "/users/:id")
// to keep label cardinality bounded.
func NormalizePath(path string) string {
	return numericSegment.ReplaceAllString(path, ":id")
}

// RecordRequest records metrics for each completed request.
func RecordRequest(method, path string, statusCode int, duration float64) {
	normalizedPath := NormalizePath(path)
	statusCodeStr := strconv.Itoa(statusCode)

	httpRequestsTotal.WithLabelValues(method, normalizedPath, statusCodeStr).Inc()
	httpRequestDuration.WithLabelValues(method, normalizedPath, statusCodeStr).Observe(duration)
}

// RecordUpstream records the time spent on the upstream call for a route.
func RecordUpstream(route string, seconds float64) {
	upstreamDuration.WithLabelValues(route).Observe(seconds)
}

// RecordDataTransferred records the number of bytes transferred, partitioned
// by direction (inbound or outbound).
func RecordDataTransferred(direction string, numBytes int64) {
	if numBytes > 0 {
		dataTransferred.WithLabelValues(direction).Add(float64(numBytes))
	}
}
