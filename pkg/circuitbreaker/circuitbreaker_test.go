package circuitbreaker

import (
	"errors"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/require"
)

func TestStaysClosedBelowMinRequests(t *testing.T) {
	cb := New("test")
	failing := errors.New("upstream down")

	for i := 0; i < MinRequestsBeforeTrip; i++ {
		_, err := cb.Execute(func() (interface{}, error) { return nil, failing })
		require.ErrorIs(t, err, failing)
	}

	// Not enough observed requests yet, the next call still goes through.
	res, err := cb.Execute(func() (interface{}, error) { return "ok", nil })
	require.NoError(t, err)
	require.Equal(t, "ok", res)
}

func TestOpensAfterSustainedFailures(t *testing.T) {
	cb := New("test")
	failing := errors.New("upstream down")

	for i := 0; i <= MinRequestsBeforeTrip; i++ {
		_, err := cb.Execute(func() (interface{}, error) { return nil, failing })
		require.ErrorIs(t, err, failing)
	}

	_, err := cb.Execute(func() (interface{}, error) { return "ok", nil })
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
}
