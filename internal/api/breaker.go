package api

import (
	"time"

	"github.com/matheus3301/souk/internal/metrics"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// BreakerSettings tunes the transport circuit breaker.
type BreakerSettings struct {
	FailureThreshold uint32
	OpenTimeout      time.Duration
	Interval         time.Duration
}

// DefaultBreakerSettings trips after five consecutive transport failures.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
		Interval:         time.Minute,
	}
}

// newBreaker guards the HTTP transport. Only failures to obtain a response
// count; every HTTP status, 401 and 5xx included, is a success here.
func newBreaker(s BreakerSettings, log *zap.Logger) *gobreaker.CircuitBreaker[*rawResponse] {
	return gobreaker.NewCircuitBreaker[*rawResponse](gobreaker.Settings{
		Name:        "api",
		MaxRequests: 1,
		Interval:    s.Interval,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.RecordBreakerTransition(name, from, to)
			log.Warn("circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
}
