package reconcile

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-checkout/internal/checkout"
)

// Linker binds an order to the payment that paid for it.
type Linker struct {
	API    PaymentAPI
	Logger zerolog.Logger
}

// Link tries the reference-based link first and falls back to updating the
// payment by id. A failure of both is returned as *LinkError; the order
// itself stands.
func (l *Linker) Link(ctx context.Context, orderID, reference string) error {
	primary := l.API.Link(ctx, checkout.LinkRequest{OrderID: orderID, Reference: reference})
	if primary == nil {
		return nil
	}
	l.Logger.Debug().Err(primary).Str("order_id", orderID).Str("reference", reference).Msg("payment_link_fallback")

	fallback := l.fallback(ctx, orderID, reference)
	if fallback == nil {
		return nil
	}
	err := &LinkError{OrderID: orderID, Reference: reference, Primary: primary, Fallback: fallback}
	l.Logger.Warn().Err(err).Str("order_id", orderID).Str("reference", reference).Msg("payment_link_failed")
	return err
}

func (l *Linker) fallback(ctx context.Context, orderID, reference string) error {
	st, err := l.API.StatusByReference(ctx, reference)
	if err != nil {
		return err
	}
	if st.OrderID == orderID {
		return nil
	}
	if st.PaymentID == "" {
		return errors.New("payment id unknown")
	}
	return l.API.UpdatePaymentOrder(ctx, st.PaymentID, orderID)
}
