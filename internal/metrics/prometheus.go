// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pglock"

// acquireBuckets spans immediate grants through the default 30s timeout.
var acquireBuckets = []float64{.001, .005, .01, .05, .1, .5, 1, 2.5, 5, 10, 30}

var (
	// LockAcquireAttempts counts single grant requests by mode (blocking/nonblocking).
	LockAcquireAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lock_acquire_attempts_total",
		Help:      "Advisory lock grant requests by mode.",
	}, []string{"mode"})

	// LockAcquires counts finished acquisitions by mode and result
	// (acquired/already_held/timeout/canceled/error).
	LockAcquires = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lock_acquire_total",
		Help:      "Advisory lock acquisitions by mode and result.",
	}, []string{"mode", "result"})

	// LockAcquireDuration observes the time from the first attempt to the outcome.
	LockAcquireDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "lock_acquire_duration_seconds",
		Help:      "Time spent acquiring advisory locks.",
		Buckets:   acquireBuckets,
	}, []string{"mode"})

	// LocksHeld is the number of locks this process holds.
	LocksHeld = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "locks_held",
		Help:      "Advisory locks currently held by this process.",
	})

	// LockReleases counts releases by result (released/not_held/error).
	LockReleases = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lock_release_total",
		Help:      "Advisory lock releases by result.",
	}, []string{"result"})

	// LockStatusChecks counts IsLocked lookups by result (locked/free/error).
	LockStatusChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lock_status_checks_total",
		Help:      "Advisory lock status lookups by result.",
	}, []string{"result"})

	// HTTPRequests counts HTTP requests by method, route and status.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by method, route and status.",
	}, []string{"method", "route", "status"})

	// HTTPRequestDuration observes HTTP request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	// GRPCRequests counts unary gRPC calls by method and code.
	GRPCRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "grpc_requests_total",
		Help:      "Unary gRPC calls by method and code.",
	}, []string{"method", "code"})

	// GRPCRequestDuration observes unary gRPC call latency.
	GRPCRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "grpc_request_duration_seconds",
		Help:      "Unary gRPC call latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})
)

// RegisterMetricsEndpoint serves the default registry at /metrics.
func RegisterMetricsEndpoint(router gin.IRoutes) {
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// RecordLockAttempt records one grant request.
func RecordLockAttempt(mode string) {
	LockAcquireAttempts.WithLabelValues(mode).Inc()
}

// RecordLockAcquire records the outcome and duration of an acquisition.
func RecordLockAcquire(mode, result string, seconds float64) {
	LockAcquires.WithLabelValues(mode, result).Inc()
	LockAcquireDuration.WithLabelValues(mode).Observe(seconds)
}

// IncLocksHeld counts a newly registered handle.
func IncLocksHeld() { LocksHeld.Inc() }

// DecLocksHeld counts a released handle.
func DecLocksHeld() { LocksHeld.Dec() }

// RecordLockRelease records a release outcome.
func RecordLockRelease(result string) {
	LockReleases.WithLabelValues(result).Inc()
}

// RecordLockStatusCheck records an IsLocked outcome.
func RecordLockStatusCheck(result string) {
	LockStatusChecks.WithLabelValues(result).Inc()
}

// RecordHTTPRequest records an HTTP request against its route template.
func RecordHTTPRequest(method, route, status string) {
	HTTPRequests.WithLabelValues(method, route, status).Inc()
}

// RecordHTTPRequestDuration records HTTP request latency.
func RecordHTTPRequestDuration(method, route string, seconds float64) {
	HTTPRequestDuration.WithLabelValues(method, route).Observe(seconds)
}

// RecordGRPCRequest records a unary gRPC call.
func RecordGRPCRequest(method, code string) {
	GRPCRequests.WithLabelValues(method, code).Inc()
}

// RecordGRPCRequestDuration records unary gRPC call latency.
func RecordGRPCRequestDuration(method string, seconds float64) {
	GRPCRequestDuration.WithLabelValues(method).Observe(seconds)
}
