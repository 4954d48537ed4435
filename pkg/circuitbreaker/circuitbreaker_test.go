package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDownstream = errors.New("downstream unavailable")

func failing() error { return errDownstream }
func succeeding() error { return nil }

func TestBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(Config{
		FailureThreshold:    3,
		SuccessThreshold:    1,
		Timeout:             time.Minute,
		HalfOpenMaxRequests: 1,
	})

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(failing), errDownstream)
	}

	err := cb.Execute(succeeding)
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
	assert.Equal(t, StateOpen, cb.GetState())
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(Config{
		FailureThreshold:    3,
		SuccessThreshold:    1,
		Timeout:             time.Minute,
		HalfOpenMaxRequests: 1,
	})

	require.Error(t, cb.Execute(failing))
	require.Error(t, cb.Execute(failing))
	require.NoError(t, cb.Execute(succeeding))

	// The streak was broken, so two more failures stay under the threshold.
	require.Error(t, cb.Execute(failing))
	require.Error(t, cb.Execute(failing))
	assert.NotErrorIs(t, cb.Execute(succeeding), ErrCircuitBreakerOpen)
}

func TestBreakerProbesAfterTimeout(t *testing.T) {
	cb := NewCircuitBreaker(Config{
		FailureThreshold:    1,
		SuccessThreshold:    1,
		Timeout:             20 * time.Millisecond,
		HalfOpenMaxRequests: 1,
	})

	require.Error(t, cb.Execute(failing))
	require.ErrorIs(t, cb.Execute(succeeding), ErrCircuitBreakerOpen)

	time.Sleep(30 * time.Millisecond)

	// The probe is let through and its success closes the breaker.
	require.NoError(t, cb.Execute(succeeding))
	require.NoError(t, cb.Execute(succeeding))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	cb := NewCircuitBreaker(Config{
		FailureThreshold:    1,
		SuccessThreshold:    1,
		Timeout:             20 * time.Millisecond,
		HalfOpenMaxRequests: 1,
	})

	require.Error(t, cb.Execute(failing))
	require.ErrorIs(t, cb.Execute(succeeding), ErrCircuitBreakerOpen)
	time.Sleep(30 * time.Millisecond)

	require.ErrorIs(t, cb.Execute(failing), errDownstream)
	assert.Equal(t, StateOpen, cb.GetState())
	assert.ErrorIs(t, cb.Execute(succeeding), ErrCircuitBreakerOpen)
}

func TestBreakerReset(t *testing.T) {
	cb := NewCircuitBreaker(Config{
		FailureThreshold:    1,
		SuccessThreshold:    1,
		Timeout:             time.Minute,
		HalfOpenMaxRequests: 1,
	})

	require.Error(t, cb.Execute(failing))
	require.ErrorIs(t, cb.Execute(succeeding), ErrCircuitBreakerOpen)

	cb.Reset()
	assert.Equal(t, StateClosed, cb.GetState())
	assert.NoError(t, cb.Execute(succeeding))
}
