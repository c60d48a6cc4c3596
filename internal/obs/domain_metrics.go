package obs

import (
	"fmt"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// PaymentInitiateTotal counts payment initiation outcomes per provider and method.
	PaymentInitiateTotal *prometheus.CounterVec
	// PaymentStatusChecks counts status-by-reference lookups by resulting status.
	PaymentStatusChecks *prometheus.CounterVec
	// PaymentWebhookTotal counts inbound payment webhook processing outcomes.
	PaymentWebhookTotal *prometheus.CounterVec
	// PaymentLinkTotal counts link attempts by path and result.
	PaymentLinkTotal *prometheus.CounterVec
	// PaymentTimeoutReports counts timeout escalations by the status the re-check settled on.
	PaymentTimeoutReports *prometheus.CounterVec
	// OrdersCreatedTotal counts order materialisation outcomes.
	OrdersCreatedTotal *prometheus.CounterVec
	// GatewayLatency records upstream gateway call latency in milliseconds.
	GatewayLatency *prometheus.HistogramVec
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		PaymentInitiateTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_initiate_total",
			Help:      "Count of payment initiation outcomes.",
		}, []string{"provider", "method", "result"})
		PaymentStatusChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_status_checks_total",
			Help:      "Count of payment status lookups by resulting status.",
		}, []string{"status", "refreshed"})
		PaymentWebhookTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_webhook_total",
			Help:      "Count of processed payment webhooks by outcome.",
		}, []string{"provider", "result"})
		PaymentLinkTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_link_total",
			Help:      "Count of payment-to-order link attempts.",
		}, []string{"path", "result"})
		PaymentTimeoutReports = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_timeout_reports_total",
			Help:      "Count of client timeout escalations by re-checked status.",
		}, []string{"status"})
		OrdersCreatedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_created_total",
			Help:      "Count of order creation outcomes.",
		}, []string{"method", "result"})
		GatewayLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_request_duration_ms",
			Help:      "Latency of payment gateway calls in milliseconds.",
			Buckets:   []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"provider", "operation", "result"})

		registerOrReuse(reg, PaymentInitiateTotal, func(c prometheus.Collector) { PaymentInitiateTotal = c.(*prometheus.CounterVec) })
		registerOrReuse(reg, PaymentStatusChecks, func(c prometheus.Collector) { PaymentStatusChecks = c.(*prometheus.CounterVec) })
		registerOrReuse(reg, PaymentWebhookTotal, func(c prometheus.Collector) { PaymentWebhookTotal = c.(*prometheus.CounterVec) })
		registerOrReuse(reg, PaymentLinkTotal, func(c prometheus.Collector) { PaymentLinkTotal = c.(*prometheus.CounterVec) })
		registerOrReuse(reg, PaymentTimeoutReports, func(c prometheus.Collector) { PaymentTimeoutReports = c.(*prometheus.CounterVec) })
		registerOrReuse(reg, OrdersCreatedTotal, func(c prometheus.Collector) { OrdersCreatedTotal = c.(*prometheus.CounterVec) })
		registerOrReuse(reg, GatewayLatency, func(c prometheus.Collector) { GatewayLatency = c.(*prometheus.HistogramVec) })
	})
}

// Inc increments a counter vector when it has been registered. Collectors stay
// nil in packages and tests that never call MustRegisterDomainMetrics.
func Inc(vec *prometheus.CounterVec, labels ...string) {
	if vec == nil {
		return
	}
	vec.WithLabelValues(labels...).Inc()
}

// Label normalises a free-form value into a bounded metric label.
func Label(value string) string {
	trimmed := strings.TrimSpace(strings.ToLower(value))
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}

func registerOrReuse(reg prometheus.Registerer, collector prometheus.Collector, reuse func(prometheus.Collector)) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if reuse != nil {
				reuse(are.ExistingCollector)
			}
			return
		}
		panic(fmt.Errorf("register metric: %w", err))
	}
}
