// Package jobs runs the background side of payment reconciliation on asynq:
// delayed re-checks after a client timeout and a periodic sweep that links
// completed payments whose order was created but never bound.
package jobs

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
)

const (
	TypeTimeoutRecheck    = "payment:timeout_recheck"
	TypeReconcileUnlinked = "payment:reconcile_unlinked"
	TypeEventDelivery     = "event:deliver"

	// QueuePayments carries every payment task.
	QueuePayments = "payments"
)

type RecheckPayload struct {
	Reference string `json:"reference"`
}

// ReconcilePayload bounds one sweep. Payments younger than OlderThanSeconds
// are left alone: their client is likely still linking.
type ReconcilePayload struct {
	OlderThanSeconds int   `json:"olderThanSeconds"`
	Limit            int32 `json:"limit"`
}

func NewRecheckTask(reference string) (*asynq.Task, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, fmt.Errorf("jobs: reference is required")
	}
	data, err := json.Marshal(RecheckPayload{Reference: reference})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeTimeoutRecheck, data), nil
}

func NewReconcileTask(p ReconcilePayload) (*asynq.Task, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeReconcileUnlinked, data), nil
}

// EventPayload is a domain event queued for outbound delivery.
type EventPayload struct {
	ID          string          `json:"id"`
	Topic       string          `json:"topic"`
	AggregateID string          `json:"aggregateId"`
	Payload     json.RawMessage `json:"payload"`
	OccurredAt  time.Time       `json:"occurredAt"`
}

func NewEventTask(p EventPayload) (*asynq.Task, error) {
	if strings.TrimSpace(p.ID) == "" || strings.TrimSpace(p.Topic) == "" {
		return nil, fmt.Errorf("jobs: event id and topic are required")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeEventDelivery, data), nil
}

// recheckTaskID makes repeated timeout reports for one reference collapse
// into a single pending task.
func recheckTaskID(reference string) string {
	return "recheck:" + reference
}
