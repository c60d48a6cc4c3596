package reconcile

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	validator "github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-checkout/internal/checkout"
	"github.com/noah-isme/toko-checkout/internal/common"
)

// OutcomeKind tells the caller what the shopper has to do next.
type OutcomeKind int

const (
	// OutcomeRedirect sends the shopper to the gateway's hosted page.
	OutcomeRedirect OutcomeKind = iota + 1
	// OutcomeWallet waits for an in-app or phone approval on a gateway session.
	OutcomeWallet
	// OutcomePollOnly has nothing to show; the status is polled.
	OutcomePollOnly
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeRedirect:
		return "redirect"
	case OutcomeWallet:
		return "wallet"
	case OutcomePollOnly:
		return "poll"
	}
	return "unknown"
}

// Initiated is a successfully started payment.
type Initiated struct {
	Kind    OutcomeKind
	Pending PendingPayment
}

var phonePattern = regexp.MustCompile(`^\+?[0-9]{9,15}$`)

// Initiator validates checkout input and starts a payment. The reference is
// persisted only after the API confirms the payment.
type Initiator struct {
	API        PaymentAPI
	References *ReferenceStore
	Validate   *validator.Validate
	Logger     zerolog.Logger
	now        func() time.Time
}

func (in *Initiator) Start(ctx context.Context, req checkout.InitiateRequest) (Initiated, error) {
	req.Method = checkout.ParseMethod(string(req.Method))
	req.CustomerPhone = normalizePhone(req.CustomerPhone)
	if err := in.validate(req); err != nil {
		return Initiated{}, err
	}

	resp, err := in.API.Initiate(ctx, req)
	if err != nil {
		return Initiated{}, classifyInitiate(err)
	}
	if !resp.Success || resp.Reference == "" {
		msg := resp.Error
		if msg == "" {
			msg = "payment could not be started"
		}
		return Initiated{}, &GatewayRejectedError{Message: msg}
	}

	pending := PendingPayment{
		Reference:   resp.Reference,
		PaymentID:   resp.PaymentID,
		SessionID:   resp.SessionID,
		CheckoutURL: resp.CheckoutURL,
		Method:      req.Method,
		Amount:      req.Amount,
		CreatedAt:   in.clock().UTC(),
	}
	if err := in.References.Put(ctx, pending); err != nil {
		return Initiated{}, &NetworkError{Op: "persist payment reference", Err: err}
	}

	kind := OutcomePollOnly
	switch {
	case resp.CheckoutURL != "":
		kind = OutcomeRedirect
	case resp.SessionID != "":
		kind = OutcomeWallet
	}
	in.Logger.Info().
		Str("reference", pending.Reference).
		Str("method", string(req.Method)).
		Str("outcome", kind.String()).
		Msg("payment_initiated")
	return Initiated{Kind: kind, Pending: pending}, nil
}

func (in *Initiator) validate(req checkout.InitiateRequest) error {
	v := in.Validate
	if v == nil {
		v = common.NewValidator()
	}
	fields := map[string]string{}
	if err := v.Struct(req); err != nil {
		for k, rule := range common.FieldErrors(err) {
			fields[k] = rule
		}
	}
	switch {
	case !req.Method.Valid():
		fields["method"] = "oneof"
	case !req.Method.RequiresGateway():
		fields["method"] = "gateway"
	case req.Method.IsMobileMoney() && req.CustomerPhone == "":
		fields["customerPhone"] = "required"
	case req.Method.IsMobileMoney() && !phonePattern.MatchString(req.CustomerPhone):
		fields["customerPhone"] = "phone"
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

func (in *Initiator) clock() time.Time {
	if in.now != nil {
		return in.now()
	}
	return time.Now()
}

func classifyInitiate(err error) error {
	var apiErr *checkout.APIError
	if !errors.As(err, &apiErr) || apiErr.Temporary() {
		return &NetworkError{Op: "initiate payment", Err: err}
	}
	switch apiErr.Code {
	case checkout.CodeValidation:
		return &ValidationError{Fields: detailFields(apiErr.Details)}
	case checkout.CodeGatewayUnavailable:
		return &NetworkError{Op: "initiate payment", Err: err}
	default:
		return &GatewayRejectedError{Message: apiErr.Message}
	}
}

func detailFields(details any) map[string]string {
	out := map[string]string{}
	if m, ok := details.(map[string]any); ok {
		for k, v := range m {
			if s, ok := v.(string); ok {
				out[k] = s
			} else {
				out[k] = "invalid"
			}
		}
	}
	if len(out) == 0 {
		out["request"] = "invalid"
	}
	return out
}

func normalizePhone(raw string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, strings.TrimSpace(raw))
}
