package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-checkout/internal/resilience"
)

func TestBreakerTransitions(t *testing.T) {
	breaker := resilience.NewBreaker(2, 0.5, 50*time.Millisecond)
	ctx := context.Background()

	require.True(t, breaker.Allow(ctx))
	breaker.Report(ctx, false)
	require.True(t, breaker.Allow(ctx))
	breaker.Report(ctx, false)

	require.False(t, breaker.Allow(ctx), "breaker should open after threshold exceeded")
	require.Equal(t, resilience.Open, breaker.State())

	time.Sleep(60 * time.Millisecond)
	require.True(t, breaker.Allow(ctx), "breaker should move to half-open after cool off")
	require.False(t, breaker.Allow(ctx), "only one probe while half-open")
	breaker.Report(ctx, true)
	require.Equal(t, resilience.Closed, breaker.State())
	require.True(t, breaker.Allow(ctx))
}

func TestBreakerDoIgnoresNonFailures(t *testing.T) {
	breaker := resilience.NewBreaker(1, 0.5, time.Minute)
	ctx := context.Background()
	notFound := errors.New("not found")

	for i := 0; i < 3; i++ {
		err := breaker.Do(ctx, func(context.Context) error { return notFound }, func(err error) bool {
			return !errors.Is(err, notFound)
		})
		require.ErrorIs(t, err, notFound)
	}
	require.Equal(t, resilience.Closed, breaker.State())

	err := breaker.Do(ctx, func(context.Context) error { return errors.New("boom") }, nil)
	require.Error(t, err)
	require.Equal(t, resilience.Open, breaker.State())

	err = breaker.Do(ctx, func(context.Context) error { return nil }, nil)
	require.ErrorIs(t, err, resilience.ErrOpenCircuit)
}

func TestBackoffWithJitter(t *testing.T) {
	base := 100 * time.Millisecond
	require.Equal(t, base, resilience.Backoff(base, 1, 0))
	require.Equal(t, base*4, resilience.Backoff(base, 3, 0))

	d := resilience.Backoff(base, 2, 0.2)
	require.GreaterOrEqual(t, d, base*2-(base*2/5))
	require.LessOrEqual(t, d, base*2+(base*2/5))
}

func TestLinearBackoff(t *testing.T) {
	base := 2 * time.Second
	require.Equal(t, base, resilience.LinearBackoff(base, 0))
	require.Equal(t, 3*base, resilience.LinearBackoff(base, 3))
}
