package reconcile

import (
	"context"

	"github.com/noah-isme/toko-checkout/internal/checkout"
)

// PaymentAPI is the payment side of the checkout API.
type PaymentAPI interface {
	Initiate(ctx context.Context, req checkout.InitiateRequest) (checkout.InitiateResponse, error)
	StatusByReference(ctx context.Context, reference string) (checkout.StatusResponse, error)
	Finalize(ctx context.Context, reference string) (checkout.FinalizeResponse, error)
	Link(ctx context.Context, req checkout.LinkRequest) error
	UpdatePaymentOrder(ctx context.Context, paymentID, orderID string) error
	PaymentsForOrder(ctx context.Context, orderID string) ([]checkout.Payment, error)
	ReportTimeout(ctx context.Context, req checkout.TimeoutRequest) (checkout.TimeoutResponse, error)
}

// OrderAPI is the order side of the checkout API.
type OrderAPI interface {
	OrdersEnabled(ctx context.Context) (checkout.OrdersEnabled, error)
	CreateOrder(ctx context.Context, req checkout.CreateOrderRequest) (checkout.Order, error)
}

// Backend is everything a checkout attempt talks to.
type Backend interface {
	PaymentAPI
	OrderAPI
}
