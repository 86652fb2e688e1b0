package clients

import (
	"time"

	"github.com/sony/gobreaker"
)

const (
	breakerTripThreshold = 3
	breakerResetTimeout  = 30 * time.Second
)

// NewCircuitBreaker returns the breaker policy shared by every prelude
// dependency client: trip after three consecutive failures, allow a
// single trial request after 30 seconds in the open state.
func NewCircuitBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     breakerResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTripThreshold
		},
	})
}
