package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func TestCircuitBreakerTripsAndRecovers(t *testing.T) {
	var transitions []State
	cb := NewCircuitBreaker("redis", CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     20 * time.Millisecond,
		OnStateChange: func(_ string, _, to State) {
			transitions = append(transitions, to)
		},
	})

	require.ErrorIs(t, cb.Execute(func() error { return errBoom }), errBoom)
	require.Equal(t, StateClosed, cb.GetState())
	require.ErrorIs(t, cb.Execute(func() error { return errBoom }), errBoom)
	require.Equal(t, StateOpen, cb.GetState())

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	require.ErrorIs(t, err, ErrCircuitOpen)
	require.False(t, called)

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, cb.Execute(func() error { return nil }))
	require.Equal(t, StateClosed, cb.GetState())
	require.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, transitions)
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker("x", CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: 10 * time.Millisecond})
	require.Error(t, cb.Execute(func() error { return errBoom }))
	time.Sleep(15 * time.Millisecond)
	require.Error(t, cb.Execute(func() error { return errBoom }))
	require.Equal(t, StateOpen, cb.GetState())
	cb.Reset()
	require.Equal(t, StateClosed, cb.GetState())
	require.Equal(t, "closed", cb.GetState().String())
}

func TestRetry(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	attempts := 0
	err := Retry(context.Background(), "flaky", cfg, func() error {
		attempts++
		if attempts < 3 {
			return errBoom
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)

	attempts = 0
	err = Retry(context.Background(), "broken", cfg, func() error {
		attempts++
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)
	require.Equal(t, 3, attempts)

	attempts = 0
	err = Retry(context.Background(), "permanent", cfg, func() error {
		attempts++
		return Permanent(errBoom)
	})
	require.ErrorIs(t, err, errBoom)
	require.True(t, IsPermanent(err))
	require.Equal(t, 1, attempts)
}

func TestRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, "cancelled", RetryConfig{MaxAttempts: 5, InitialDelay: time.Second}, func() error {
		return errBoom
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestWithTimeout(t *testing.T) {
	err := WithTimeout(context.Background(), 10*time.Millisecond, "slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Contains(t, err.Error(), "slow: gave up after 10ms")

	require.NoError(t, WithTimeout(context.Background(), 0, "direct", func(context.Context) error { return nil }))
	require.ErrorIs(t, WithTimeout(context.Background(), time.Second, "fast", func(context.Context) error { return errBoom }), errBoom)

	parent, cancel := context.WithCancel(context.Background())
	cancel()
	err = WithTimeout(parent, time.Second, "cancelled", func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
}
