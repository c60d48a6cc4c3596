package reconcile

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-checkout/internal/checkout"
)

// Evidence is what the client observed about the payment.
type Evidence struct {
	Reference string
	Status    checkout.Status
	// Provisional marks a success claimed only by the gateway's return
	// redirect.
	Provisional bool
}

// Materializer creates the order for a checkout attempt. At most one
// creation runs per attempt and prepaid orders reuse the payment reference
// as their idempotency key.
type Materializer struct {
	Orders   OrderAPI
	Payments PaymentAPI
	State    *State
	Logger   zerolog.Logger
}

// Create places the order for snap. idemKey is used for methods without a
// payment; prepaid orders are keyed by ev.Reference.
func (m *Materializer) Create(ctx context.Context, snap checkout.Snapshot, ev Evidence, idemKey string) (checkout.Order, error) {
	if !m.State.TryBeginCreate() {
		return checkout.Order{}, ErrCreateInFlight
	}
	defer m.State.EndCreate()

	flag, err := m.Orders.OrdersEnabled(ctx)
	if err != nil {
		return checkout.Order{}, &NetworkError{Op: "check orders enabled", Err: err}
	}
	if !flag.Enabled {
		return checkout.Order{}, &PolicyBlockedError{Message: flag.Message, NextToggleAt: flag.NextToggleAt}
	}

	req := checkout.CreateOrderRequest{
		IdempotencyKey: idemKey,
		Method:         snap.Method,
		Cart:           snap.Cart,
		Delivery:       snap.Delivery,
	}
	if snap.Method.RequiresGateway() {
		if err := m.checkEvidence(ctx, ev); err != nil {
			return checkout.Order{}, err
		}
		req.PaymentReference = ev.Reference
		req.IdempotencyKey = ev.Reference
	}

	o, err := m.Orders.CreateOrder(ctx, req)
	if err != nil {
		err = classifyCreate(err)
		m.Logger.Warn().Err(err).Str("key", req.IdempotencyKey).Msg("order_create_failed")
		return checkout.Order{}, err
	}
	m.Logger.Info().Str("order_id", o.ID).Str("key", req.IdempotencyKey).Msg("order_placed")
	return o, nil
}

// checkEvidence refuses a prepaid order without observed success. A
// provisional claim is refused only when the server already knows the
// payment failed.
func (m *Materializer) checkEvidence(ctx context.Context, ev Evidence) error {
	if ev.Reference == "" {
		return ErrNoPaymentEvidence
	}
	if !ev.Provisional {
		if !checkout.ParseStatus(string(ev.Status)).IsSuccess() {
			return ErrNoPaymentEvidence
		}
		return nil
	}
	st, err := m.Payments.StatusByReference(ctx, ev.Reference)
	if err != nil {
		m.Logger.Debug().Err(err).Str("reference", ev.Reference).Msg("provisional_check_failed")
		return nil
	}
	if status := checkout.ParseStatus(string(st.Status)); status.IsFailure() {
		return &TerminalPaymentError{Reference: ev.Reference, Status: status}
	}
	return nil
}

func classifyCreate(err error) error {
	var apiErr *checkout.APIError
	if !errors.As(err, &apiErr) {
		return &OrderCreateError{Class: ClassGeneric, Err: &NetworkError{Op: "create order", Err: err}}
	}
	switch apiErr.Code {
	case checkout.CodeOrdersDisabled:
		return &PolicyBlockedError{Message: apiErr.Message}
	case checkout.CodeInvalidProductReference:
		return &OrderCreateError{Class: ClassMalformedProduct, Err: err}
	case checkout.CodeProductNotFound:
		return &OrderCreateError{Class: ClassProductMissing, Err: err}
	case checkout.CodePaymentNotCompleted, checkout.CodePaymentNotFound:
		return &OrderCreateError{Class: ClassPaymentIncomplete, Err: err}
	}
	return &OrderCreateError{Class: ClassGeneric, Err: err}
}
