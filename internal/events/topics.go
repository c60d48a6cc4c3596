package events

// Topic constants for domain events emitted by the reconciliation services.
const (
	TopicOrderCreated     = "order.created"
	TopicPaymentInitiated = "payment.initiated"
	TopicPaymentCompleted = "payment.completed"
	TopicPaymentFailed    = "payment.failed"
	TopicPaymentTimeout   = "payment.timeout"
	TopicPaymentLinked    = "payment.linked"
)

// DefaultTopics returns every topic the services emit.
func DefaultTopics() []string {
	return []string{
		TopicOrderCreated,
		TopicPaymentInitiated,
		TopicPaymentCompleted,
		TopicPaymentFailed,
		TopicPaymentTimeout,
		TopicPaymentLinked,
	}
}
