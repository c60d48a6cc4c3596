package jobs

import "github.com/prometheus/client_golang/prometheus"

var (
	JobsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_processed_total",
			Help: "Total background tasks processed grouped by outcome",
		},
		[]string{"type", "status"},
	)
	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total background tasks enqueued grouped by outcome",
		},
		[]string{"type", "status"},
	)
	ReconciledPaymentsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_reconciled_payments_total",
			Help: "Completed payments linked to their order by the reconcile sweep",
		},
	)
)

func init() {
	prometheus.MustRegister(JobsProcessedTotal, JobsEnqueuedTotal, ReconciledPaymentsTotal)
}
