package reconcile

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-checkout/internal/checkout"
)

// TimeoutReporter tells the server a payment stayed undecided. The server
// re-checks the gateway first, so the answer may still be a success.
// It reports at most once per attempt.
type TimeoutReporter struct {
	API    PaymentAPI
	State  *State
	Logger zerolog.Logger
}

func (t *TimeoutReporter) Report(ctx context.Context, pending PendingPayment) (Resolution, error) {
	if !t.State.MarkReported() {
		r, _ := t.State.Resolution()
		return r, ErrAlreadyReported
	}
	if t.State.Resolved() {
		r, _ := t.State.Resolution()
		return r, ErrAlreadyResolved
	}

	resp, err := t.API.ReportTimeout(ctx, checkout.TimeoutRequest{
		PaymentID: pending.PaymentID,
		Reference: pending.Reference,
		Reason:    "client_poll_exhausted",
	})
	r := Resolution{Status: checkout.StatusTimeout, PaymentID: pending.PaymentID, Source: SourceTimeout}
	status := checkout.ParseStatus(string(resp.Status))
	switch {
	case err != nil:
		t.Logger.Warn().Err(err).Str("reference", pending.Reference).Msg("timeout_report_failed")
		r.Err = fmt.Errorf("%w (report failed: %v)", ErrPaymentTimeout, err)
	case status.IsSuccess():
		r.Status = status
		r.OrderID = resp.OrderID
	case status.IsFailure():
		r.Status = status
		r.Err = &TerminalPaymentError{Reference: pending.Reference, Status: status}
	default:
		r.Err = ErrPaymentTimeout
	}
	t.Logger.Info().Str("reference", pending.Reference).Str("status", string(r.Status)).Msg("timeout_reported")

	if !t.State.Resolve(r) {
		cur, _ := t.State.Resolution()
		return cur, ErrAlreadyResolved
	}
	return r, nil
}
