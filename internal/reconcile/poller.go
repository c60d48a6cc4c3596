package reconcile

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-checkout/internal/checkout"
	"github.com/noah-isme/toko-checkout/internal/resilience"
)

// PollerConfig bounds status polling.
type PollerConfig struct {
	// MaxAttempts caps status checks before escalating to a timeout report.
	MaxAttempts int
	// BaseDelay grows linearly with the attempt number.
	BaseDelay time.Duration
	// Interval spaces order-id checks.
	Interval time.Duration
}

// DefaultPollerConfig gives a slow approval about three minutes to land.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{MaxAttempts: 12, BaseDelay: 2 * time.Second, Interval: 5 * time.Second}
}

func (c PollerConfig) withDefaults() PollerConfig {
	def := DefaultPollerConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = def.BaseDelay
	}
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	return c
}

// Reporter escalates a payment whose polling ran out.
type Reporter interface {
	Report(ctx context.Context, pending PendingPayment) (Resolution, error)
}

// Poller checks payment status until the shared State is resolved.
// Responses arriving after resolution are discarded.
type Poller struct {
	API      PaymentAPI
	State    *State
	Reporter Reporter
	Config   PollerConfig
	Logger   zerolog.Logger
}

// PollReference polls the status of pending. Failures and timeouts are
// carried in Resolution.Err; the returned error is ErrAlreadyResolved or a
// context error.
func (p *Poller) PollReference(ctx context.Context, pending PendingPayment) (Resolution, error) {
	cfg := p.Config.withDefaults()
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := p.wait(ctx, resilience.LinearBackoff(cfg.BaseDelay, attempt)); err != nil {
			return p.current(), err
		}
		resp, err := p.API.StatusByReference(ctx, pending.Reference)
		if p.State.Resolved() {
			return p.current(), ErrAlreadyResolved
		}
		if err != nil {
			if ctx.Err() != nil {
				return Resolution{}, ctx.Err()
			}
			p.Logger.Debug().Err(err).Str("reference", pending.Reference).Int("attempt", attempt).Msg("payment_poll_failed")
			continue
		}
		status := checkout.ParseStatus(string(resp.Status))
		p.Logger.Debug().Str("reference", pending.Reference).Str("status", string(status)).Int("attempt", attempt).Msg("payment_poll")

		var r Resolution
		switch {
		case status.IsSuccess():
			r = Resolution{Status: status, OrderID: resp.OrderID, PaymentID: firstNonEmpty(resp.PaymentID, pending.PaymentID), Source: SourcePoll}
		case status.IsFailure():
			r = Resolution{Status: status, PaymentID: resp.PaymentID, Source: SourcePoll, Err: &TerminalPaymentError{Reference: pending.Reference, Status: status}}
		default:
			continue
		}
		if !p.State.Resolve(r) {
			return p.current(), ErrAlreadyResolved
		}
		return r, nil
	}
	if p.Reporter == nil {
		r := Resolution{Status: checkout.StatusTimeout, Source: SourcePoll, Err: ErrPaymentTimeout}
		if !p.State.Resolve(r) {
			return p.current(), ErrAlreadyResolved
		}
		return r, nil
	}
	return p.Reporter.Report(ctx, pending)
}

// VerifyOrder checks at a fixed interval whether orderID has a successful
// payment. It does not escalate when attempts run out.
func (p *Poller) VerifyOrder(ctx context.Context, orderID string) (Resolution, error) {
	cfg := p.Config.withDefaults()
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := p.wait(ctx, cfg.Interval); err != nil {
			return p.current(), err
		}
		payments, err := p.API.PaymentsForOrder(ctx, orderID)
		if p.State.Resolved() {
			return p.current(), ErrAlreadyResolved
		}
		if err != nil {
			p.Logger.Debug().Err(err).Str("order_id", orderID).Int("attempt", attempt).Msg("order_check_failed")
			continue
		}
		for _, pay := range payments {
			if !checkout.ParseStatus(string(pay.Status)).IsSuccess() {
				continue
			}
			r := Resolution{Status: pay.Status, OrderID: orderID, PaymentID: pay.ID, Source: SourceOrderCheck}
			if !p.State.Resolve(r) {
				return p.current(), ErrAlreadyResolved
			}
			return r, nil
		}
	}
	return Resolution{}, ErrNotVerified
}

// wait sleeps for d unless the context ends or the attempt is resolved.
func (p *Poller) wait(ctx context.Context, d time.Duration) error {
	if p.State.Resolved() {
		return ErrAlreadyResolved
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.State.Done():
		return ErrAlreadyResolved
	case <-timer.C:
		return nil
	}
}

func (p *Poller) current() Resolution {
	r, _ := p.State.Resolution()
	return r
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
