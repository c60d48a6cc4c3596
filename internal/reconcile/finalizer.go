package reconcile

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-checkout/internal/checkout"
)

// Finalized is a placed order. LinkErr is a non-fatal linking failure.
type Finalized struct {
	OrderID string
	LinkErr error
}

// Finalizer turns a successful payment into a linked order.
type Finalizer struct {
	Payments     PaymentAPI
	Materializer *Materializer
	Linker       *Linker
	Logger       zerolog.Logger
}

// Finalize picks the path by what is known:
//   - an order id in the resolution: only link
//   - a local snapshot: create the order here, then link
//   - nothing local: ask the server to create it from its own snapshot
//
// Calling it again for an already linked reference changes nothing.
func (f *Finalizer) Finalize(ctx context.Context, res Resolution, pending PendingPayment, snap *checkout.Snapshot) (Finalized, error) {
	ref := pending.Reference
	if res.OrderID != "" && (res.Source == SourceOrderCheck || ref == "") {
		// the order was found through its payment, so it is already linked
		return Finalized{OrderID: res.OrderID}, nil
	}
	if res.OrderID != "" {
		return Finalized{OrderID: res.OrderID, LinkErr: f.Linker.Link(ctx, res.OrderID, ref)}, nil
	}

	if snap != nil && len(snap.Cart) > 0 {
		ev := Evidence{Reference: ref, Status: res.Status, Provisional: res.Source == SourceReturn}
		o, err := f.Materializer.Create(ctx, *snap, ev, "")
		if err != nil {
			return Finalized{}, err
		}
		return Finalized{OrderID: o.ID, LinkErr: f.Linker.Link(ctx, o.ID, ref)}, nil
	}

	resp, err := f.Payments.Finalize(ctx, ref)
	if err != nil {
		return Finalized{}, classifyCreate(err)
	}
	if !resp.Success || resp.OrderID == "" {
		return Finalized{}, &OrderCreateError{Class: ClassGeneric, Err: errors.New("server did not create the order")}
	}
	f.Logger.Info().Str("order_id", resp.OrderID).Str("reference", ref).Msg("order_finalized_by_server")
	return Finalized{OrderID: resp.OrderID}, nil
}
