// Package metrics provides Prometheus instrumentation for the aggregator's
// outbound call subsystem. All metric collectors are registered via the Init
// function and exposed through the Handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// UpstreamRequestsTotal counts outbound attempts by service, method, and
	// HTTP status code. Transport-level failures carry status "error".
	UpstreamRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aggregator_upstream_requests_total",
			Help: "Total outbound requests to upstream providers",
		},
		[]string{"service", "method", "status"},
	)

	// UpstreamRequestDuration observes per-attempt latency in seconds.
	UpstreamRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aggregator_upstream_request_duration_seconds",
			Help:    "Outbound request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method"},
	)

	// InFlightRequests tracks outbound calls currently in progress.
	InFlightRequests = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aggregator_upstream_in_flight",
			Help: "Number of outbound calls currently in flight",
		},
		[]string{"service"},
	)

	// BreakerState exports the circuit breaker state per service
	// (closed=0, half-open=1, open=2).
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aggregator_breaker_state",
			Help: "Circuit breaker state (closed=0, half-open=1, open=2)",
		},
		[]string{"service"},
	)

	// BreakerTransitions counts state transitions by service and edge.
	BreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aggregator_breaker_transitions_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"service", "from", "to"},
	)

	// BreakerRejections counts calls rejected while the breaker was open.
	BreakerRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aggregator_breaker_rejections_total",
			Help: "Total calls rejected by an open circuit breaker",
		},
		[]string{"service"},
	)

	// BulkheadInFlight tracks concurrency slots in use per service.
	BulkheadInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aggregator_bulkhead_in_flight",
			Help: "Concurrency slots currently in use",
		},
		[]string{"service"},
	)

	// BulkheadRejections counts calls rejected at the concurrency limit.
	BulkheadRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aggregator_bulkhead_rejections_total",
			Help: "Total calls rejected by the concurrency limiter",
		},
		[]string{"service"},
	)

	// RateLimitRejections counts admission denials by service and stage
	// (blocked, bucket, minute, hour).
	RateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aggregator_rate_limit_rejections_total",
			Help: "Total rate limiter admission denials",
		},
		[]string{"service", "stage"},
	)

	// RateLimitBackoffs counts 429-driven backoff activations.
	RateLimitBackoffs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aggregator_rate_limit_backoffs_total",
			Help: "Total 429-driven backoff activations",
		},
		[]string{"service"},
	)

	// RetryAttempts counts retry attempts (attempts after the first) by
	// service and policy name.
	RetryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aggregator_retries_total",
			Help: "Total retry attempts",
		},
		[]string{"service", "policy"},
	)

	// Timeouts counts operations cut off by the timeout guard.
	Timeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aggregator_timeouts_total",
			Help: "Total operations cancelled by the timeout guard",
		},
		[]string{"name"},
	)
)

// Init registers all metric collectors with the default Prometheus registry.
// Must be called once at startup before issuing outbound calls.
func Init() {
	prometheus.MustRegister(
		UpstreamRequestsTotal,
		UpstreamRequestDuration,
		InFlightRequests,
		BreakerState,
		BreakerTransitions,
		BreakerRejections,
		BulkheadInFlight,
		BulkheadRejections,
		RateLimitRejections,
		RateLimitBackoffs,
		RetryAttempts,
		Timeouts,
	)
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
