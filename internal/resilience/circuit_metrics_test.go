package resilience_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-checkout/internal/resilience"
)

func TestOutboundMetricsFollowBreaker(t *testing.T) {
	const target = "metrics-probe"
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	breaker := resilience.NewBreaker(2, 0.5, 30*time.Millisecond).WithTarget(target)
	cl := resilience.HTTPClient{
		Client:      srv.Client(),
		Breaker:     breaker,
		Target:      target,
		MaxAttempts: 2,
		BaseBackoff: time.Millisecond,
	}
	call := func() error {
		req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
		require.NoError(t, err)
		resp, err := cl.Do(context.Background(), req)
		if err == nil {
			resp.Body.Close()
		}
		return err
	}

	var se *resilience.StatusError
	require.True(t, errors.As(call(), &se))
	require.Equal(t, http.StatusServiceUnavailable, se.Code)
	require.Equal(t, 2.0, testutil.ToFloat64(resilience.OutboundAttempts.WithLabelValues(target, "503")))
	require.Equal(t, 1.0, testutil.ToFloat64(resilience.BreakerState.WithLabelValues(target)))
	require.Equal(t, 1.0, testutil.ToFloat64(resilience.BreakerOpenedTotal.WithLabelValues(target)))

	require.ErrorIs(t, call(), resilience.ErrOpenCircuit)
	require.Equal(t, 1.0, testutil.ToFloat64(resilience.OutboundAttempts.WithLabelValues(target, "rejected")))

	healthy.Store(true)
	time.Sleep(40 * time.Millisecond)
	require.NoError(t, call())
	require.Equal(t, 0.0, testutil.ToFloat64(resilience.BreakerState.WithLabelValues(target)))
	require.Equal(t, 1.0, testutil.ToFloat64(resilience.BreakerTransitions.WithLabelValues(target, "open", "half_open")))
	require.Equal(t, 1.0, testutil.ToFloat64(resilience.BreakerTransitions.WithLabelValues(target, "half_open", "closed")))
	require.Equal(t, 1, testutil.CollectAndCount(resilience.OutboundRetryWait.WithLabelValues(target).(prometheus.Collector)))
}
