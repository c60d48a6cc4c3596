package reconcile

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-checkout/internal/checkout"
)

// Supervisor races status polling against pushed status events. Whichever
// settles the shared State first wins; the rest stand down on Done.
type Supervisor struct {
	Poller *Poller
	Push   PushSource
	State  *State
	Logger zerolog.Logger
}

type pollResult struct {
	res Resolution
	err error
}

// Await blocks until the payment behind pending is resolved.
func (s *Supervisor) Await(ctx context.Context, pending PendingPayment) (Resolution, error) {
	done := s.State.Done()
	polled := make(chan pollResult, 1)
	go func() {
		r, err := s.Poller.PollReference(ctx, pending)
		polled <- pollResult{res: r, err: err}
	}()

	var events <-chan checkout.StatusEvent
	if s.Push != nil {
		ch, stop, err := s.Push.Subscribe(ctx, pending.Reference)
		if err != nil {
			s.Logger.Debug().Err(err).Str("reference", pending.Reference).Msg("status_push_unavailable")
		} else {
			events = ch
			defer stop()
		}
	}

	for {
		select {
		case <-done:
			r, _ := s.State.Resolution()
			return r, nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.onEvent(pending, ev)
		case pr := <-polled:
			if r, ok := s.State.Resolution(); ok {
				return r, nil
			}
			if pr.err != nil && !errors.Is(pr.err, ErrAlreadyResolved) {
				return Resolution{}, pr.err
			}
			return pr.res, pr.err
		case <-ctx.Done():
			return Resolution{}, ctx.Err()
		}
	}
}

func (s *Supervisor) onEvent(pending PendingPayment, ev checkout.StatusEvent) {
	status := checkout.ParseStatus(string(ev.Status))
	var r Resolution
	switch {
	case status.IsSuccess():
		r = Resolution{Status: status, OrderID: ev.OrderID, PaymentID: firstNonEmpty(ev.PaymentID, pending.PaymentID), Source: SourcePush}
	case status.IsFailure():
		r = Resolution{Status: status, PaymentID: ev.PaymentID, Source: SourcePush, Err: &TerminalPaymentError{Reference: pending.Reference, Status: status}}
	default:
		return
	}
	if s.State.Resolve(r) {
		s.Logger.Info().Str("reference", pending.Reference).Str("status", string(status)).Msg("payment_resolved_by_push")
	}
}
