// Package metrics holds the Prometheus collectors exported by soukd.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	gobreaker "github.com/sony/gobreaker/v2"
)

var (
	// API pipeline
	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "souk_api_requests_total",
			Help: "Total number of HTTP attempts made by the API pipeline",
		},
		[]string{"method", "endpoint", "status"}, // status: http code or "transport"
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "souk_api_request_duration_seconds",
			Help:    "Duration of a single HTTP attempt in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	APIOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "souk_api_outcomes_total",
			Help: "Terminal outcome of each logical API request",
		},
		[]string{"outcome"}, // ok, server, transport, decode, max_retries, refresh_failed, canceled
	)

	// Auth
	AuthRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "souk_auth_refresh_total",
			Help: "Token refresh attempts by result",
		},
		[]string{"result"}, // refreshed, fresh, failed
	)

	ForcedLogouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "souk_auth_forced_logouts_total",
			Help: "Forced logouts by reason",
		},
		[]string{"reason"},
	)

	// Chat stream
	FeedEmissions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "souk_chat_feed_emissions_total",
			Help: "Snapshots received from the message feed",
		},
	)

	ClusterPublishes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "souk_chat_cluster_publishes_total",
			Help: "Cluster recomputations by whether subscribers were notified",
		},
		[]string{"result"}, // published, suppressed
	)

	DroppedRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "souk_chat_dropped_records_total",
			Help: "Feed records that could not be decoded",
		},
		[]string{"reason"},
	)

	MarkReads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "souk_chat_mark_read_total",
			Help: "Mark-read calls issued by the stream",
		},
		[]string{"result"},
	)

	// Circuit breaker
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "souk_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "souk_circuit_breaker_state_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from_state", "to_state"},
	)
)

// RecordAPIAttempt records one HTTP attempt. status 0 means the request never
// got a response.
func RecordAPIAttempt(method, endpoint string, status int, d time.Duration) {
	code := "transport"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	APIRequests.WithLabelValues(method, endpoint, code).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(d.Seconds())
}

// RecordBreakerTransition updates gauges for a breaker state change.
func RecordBreakerTransition(name string, from, to gobreaker.State) {
	CircuitBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
	CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
