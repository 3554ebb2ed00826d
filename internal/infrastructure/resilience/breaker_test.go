package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errWrite = errors.New("disk full")

func run(b *Breaker, outcomes []bool) {
	for _, ok := range outcomes {
		_ = b.Do(func() error {
			if ok {
				return nil
			}
			return errWrite
		})
	}
}

func TestBreakerStaysClosedOnSuccess(t *testing.T) {
	b := New("sync", Settings{Interval: time.Minute, Timeout: time.Minute})
	run(b, []bool{true, true, true})
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := New("sync", Settings{
		Interval: time.Minute,
		Timeout:  time.Minute,
		ReadyToTrip: func(c Counts) bool {
			return c.ConsecutiveFailures >= 3
		},
	})
	run(b, []bool{false, false, false})
	assert.Equal(t, StateOpen, b.State())

	err := b.Do(func() error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestBreakerHalfOpenRecovers(t *testing.T) {
	b := New("sync", Settings{
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     5 * time.Millisecond,
		ReadyToTrip: func(c Counts) bool {
			return c.ConsecutiveFailures >= 1
		},
	})
	run(b, []bool{false})
	require.Equal(t, StateOpen, b.State())

	time.Sleep(10 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	// Enough consecutive probe successes close the breaker again.
	require.NoError(t, b.Do(func() error { return nil }))
	require.NoError(t, b.Do(func() error { return nil }))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := New("sync", Settings{
		Interval: time.Minute,
		Timeout:  5 * time.Millisecond,
		ReadyToTrip: func(c Counts) bool {
			return c.ConsecutiveFailures >= 1
		},
	})
	run(b, []bool{false})
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	_ = b.Do(func() error { return errWrite })
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerStateChangeCallback(t *testing.T) {
	var transitions []State
	b := New("sync", Settings{
		Interval: time.Minute,
		Timeout:  time.Minute,
		ReadyToTrip: func(c Counts) bool {
			return c.ConsecutiveFailures >= 1
		},
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, to)
		},
	})
	run(b, []bool{false})
	assert.Equal(t, []State{StateOpen}, transitions)
}
