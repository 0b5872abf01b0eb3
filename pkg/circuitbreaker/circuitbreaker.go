// Package circuitbreaker carries the trip policy shared by the daemon's
// outbound HTTP clients, the price feed first among them.
package circuitbreaker

import "github.com/sony/gobreaker"

var (
	// MinRequestsBeforeTrip is the number of observed requests below which
	// the breaker never opens, so a cold client does not trip on its first
	// few errors.
	MinRequestsBeforeTrip = 10
	// TripFailureRatio is the failure share at or above which the breaker
	// opens once enough requests were observed.
	TripFailureRatio = 0.6
)

// New returns a breaker for one outbound dependency. It opens once more than
// MinRequestsBeforeTrip requests were observed and at least TripFailureRatio
// of them failed; gobreaker's defaults govern the open and half-open timing.
func New(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: name,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return int(counts.Requests) > MinRequestsBeforeTrip && ratio >= TripFailureRatio
		},
	})
}
