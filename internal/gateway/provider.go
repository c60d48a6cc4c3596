package gateway

import (
	"context"
	"fmt"
	"net/http"

	"github.com/noah-isme/toko-checkout/internal/checkout"
)

// InitiateRequest captures what a provider needs to open a payment.
type InitiateRequest struct {
	MerchantReference string
	Amount            int64
	Method            checkout.Method
	CustomerPhone     string
	CustomerEmail     string
	CustomerName      string
	RedirectURL       string
	CallbackURL       string
}

// InitiateResult carries the gateway reference plus at most one of
// CheckoutURL or SessionID.
type InitiateResult struct {
	Reference         string
	ProviderPaymentID string
	CheckoutURL       string
	SessionID         string
	Status            checkout.Status
	Raw               []byte
}

// StatusResult is the gateway's current view of a payment.
type StatusResult struct {
	Reference         string
	ProviderPaymentID string
	Status            checkout.Status
	Amount            int64
	Raw               []byte
}

// WebhookResult contains the normalised data extracted from a webhook
// notification after signature verification.
type WebhookResult struct {
	Valid             bool
	Reference         string
	ProviderPaymentID string
	Amount            int64
	Status            checkout.Status
	Payload           []byte
	Err               error
}

// Provider abstracts the operations required from an upstream payment gateway.
type Provider interface {
	Name() string
	Initiate(ctx context.Context, req InitiateRequest) (InitiateResult, error)
	Status(ctx context.Context, reference string) (StatusResult, error)
	VerifyWebhook(r *http.Request, body []byte) (WebhookResult, error)
}

// RejectedError is a definitive refusal from the gateway, as opposed to a
// transport failure. Message is safe to show to the shopper.
type RejectedError struct {
	Provider string
	Message  string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("gateway %s rejected payment: %s", e.Provider, e.Message)
}
