package resilience

import "github.com/prometheus/client_golang/prometheus"

// Collectors live on the default registry; the gateway client and the
// merchant webhook client report under their own target label.
var (
	BreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "outbound_breaker_state",
		Help: "Breaker state per upstream (0 closed, 1 open, 2 half-open)",
	}, []string{"target"})
	BreakerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outbound_breaker_transition_total",
		Help: "Breaker state transitions per upstream",
	}, []string{"target", "from", "to"})
	BreakerOpenedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outbound_breaker_open_total",
		Help: "Times an upstream breaker opened",
	}, []string{"target"})
	OutboundAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outbound_request_attempts_total",
		Help: "Outbound HTTP attempts per upstream by outcome",
	}, []string{"target", "outcome"})
	OutboundRetryWait = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "outbound_retry_wait_seconds",
		Help:    "Time slept before retrying an outbound request",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"target"})
)

func init() {
	prometheus.MustRegister(BreakerState, BreakerTransitions, BreakerOpenedTotal, OutboundAttempts, OutboundRetryWait)
}
