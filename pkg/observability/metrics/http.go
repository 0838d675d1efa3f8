package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	managementRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "leasecoord_management_request_duration_seconds",
			Help:    "Management endpoint request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	managementRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leasecoord_management_requests_total",
			Help: "Total number of management endpoint requests",
		},
		[]string{"method", "route", "status"},
	)

	managementRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "leasecoord_management_requests_in_flight",
			Help: "Management requests currently being served",
		},
	)
)

// RecordRequest records one served management request. route is the registered
// pattern, never the raw path, to keep label cardinality bounded.
func RecordRequest(method, route string, status int, duration time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	statusStr := strconv.Itoa(status)
	managementRequestDuration.WithLabelValues(method, route, statusStr).Observe(duration.Seconds())
	managementRequestsTotal.WithLabelValues(method, route, statusStr).Inc()
}

// IncrementInFlight increments the in-flight gauge.
func IncrementInFlight() {
	managementRequestsInFlight.Inc()
}

// DecrementInFlight decrements the in-flight gauge.
func DecrementInFlight() {
	managementRequestsInFlight.Dec()
}
