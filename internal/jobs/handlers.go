package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-checkout/internal/checkout"
)

// Payments is what the handlers need from payment.Service.
type Payments interface {
	Recheck(ctx context.Context, reference string) (checkout.Status, error)
	ReconcileUnlinked(ctx context.Context, olderThan time.Duration, limit int32) (int, error)
}

// Deliverer sends a domain event to its outbound subscriber.
type Deliverer interface {
	Deliver(ctx context.Context, ev EventPayload) error
}

// Handlers process the reconciliation task types. Events is optional; event
// delivery tasks are only handled when it is set.
type Handlers struct {
	Payments Payments
	Events   Deliverer
	Logger   zerolog.Logger
}

// Register binds every task type on mux, wrapped with structured logging.
func (h *Handlers) Register(mux *asynq.ServeMux) {
	mux.Use(h.logging)
	mux.HandleFunc(TypeTimeoutRecheck, h.HandleRecheck)
	mux.HandleFunc(TypeReconcileUnlinked, h.HandleReconcile)
	if h.Events != nil {
		mux.HandleFunc(TypeEventDelivery, h.HandleEvent)
	}
}

// HandleEvent delivers one queued domain event. Delivery errors are retried
// by asynq.
func (h *Handlers) HandleEvent(ctx context.Context, t *asynq.Task) error {
	var p EventPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil || p.ID == "" {
		return fmt.Errorf("jobs: malformed event payload: %w", asynq.SkipRetry)
	}
	if err := h.Events.Deliver(ctx, p); err != nil {
		return fmt.Errorf("jobs: deliver %s %s: %w", p.Topic, p.ID, err)
	}
	return nil
}

// HandleRecheck asks the gateway once more about a payment the client gave
// up on. A payment still undecided fails the task so asynq retries it with
// backoff until MaxRetry runs out.
func (h *Handlers) HandleRecheck(ctx context.Context, t *asynq.Task) error {
	var p RecheckPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil || p.Reference == "" {
		return fmt.Errorf("jobs: malformed recheck payload: %w", asynq.SkipRetry)
	}
	status, err := h.Payments.Recheck(ctx, p.Reference)
	if err != nil {
		return fmt.Errorf("jobs: recheck %s: %w", p.Reference, err)
	}
	if !status.IsFinal() {
		return fmt.Errorf("jobs: payment %s still %s", p.Reference, status)
	}
	h.Logger.Info().Str("reference", p.Reference).Str("status", string(status)).Msg("payment_rechecked")
	return nil
}

// HandleReconcile links completed payments to orders created from them.
func (h *Handlers) HandleReconcile(ctx context.Context, t *asynq.Task) error {
	var p ReconcilePayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("jobs: malformed reconcile payload: %w", asynq.SkipRetry)
		}
	}
	olderThan := time.Duration(p.OlderThanSeconds) * time.Second
	if olderThan <= 0 {
		olderThan = 10 * time.Minute
	}
	limit := p.Limit
	if limit <= 0 {
		limit = 100
	}
	n, err := h.Payments.ReconcileUnlinked(ctx, olderThan, limit)
	if n > 0 {
		ReconciledPaymentsTotal.Add(float64(n))
		h.Logger.Info().Int("linked", n).Msg("payments_reconciled")
	}
	return err
}

func (h *Handlers) logging(next asynq.Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		start := time.Now()
		logger := h.Logger.With().Str("task_type", t.Type()).Logger()
		if id, ok := asynq.GetTaskID(ctx); ok {
			logger = logger.With().Str("task_id", id).Logger()
		}
		err := next.ProcessTask(logger.WithContext(ctx), t)
		status := "ok"
		evt := logger.Debug()
		if err != nil {
			status = "error"
			evt = logger.Warn().Err(err)
		}
		JobsProcessedTotal.WithLabelValues(t.Type(), status).Inc()
		evt.Dur("duration", time.Since(start)).Msg("task_processed")
		return err
	})
}
