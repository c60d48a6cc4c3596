package checkout

import "time"

// InitiateRequest starts a gateway payment for the current cart.
type InitiateRequest struct {
	Amount        int64      `json:"amount" validate:"gt=0"`
	Method        Method     `json:"method" validate:"required"`
	CustomerPhone string     `json:"customerPhone"`
	CustomerEmail string     `json:"customerEmail" validate:"omitempty,email"`
	CustomerName  string     `json:"customerName,omitempty"`
	RedirectURL   string     `json:"redirectUrl" validate:"omitempty,url"`
	Cart          []CartLine `json:"cart" validate:"required,min=1,dive"`
	Delivery      Delivery   `json:"delivery"`
}

// InitiateResponse carries at most one of CheckoutURL (redirect) or SessionID
// (wallet); with neither the client falls back to polling the reference.
type InitiateResponse struct {
	Success     bool   `json:"success"`
	Reference   string `json:"reference,omitempty"`
	CheckoutURL string `json:"checkoutUrl,omitempty"`
	SessionID   string `json:"sessionId,omitempty"`
	PaymentID   string `json:"paymentId,omitempty"`
	Error       string `json:"error,omitempty"`
}

type StatusResponse struct {
	Reference string `json:"reference"`
	Status    Status `json:"status"`
	OrderID   string `json:"orderId,omitempty"`
	PaymentID string `json:"paymentId,omitempty"`
	Error     string `json:"error,omitempty"`
}

type FinalizeRequest struct {
	Reference string `json:"reference" validate:"required"`
}

type FinalizeResponse struct {
	Success bool   `json:"success"`
	OrderID string `json:"orderId,omitempty"`
}

type LinkRequest struct {
	OrderID   string `json:"orderId" validate:"required"`
	Reference string `json:"reference" validate:"required"`
}

type UpdatePaymentRequest struct {
	OrderID string `json:"orderId" validate:"required"`
}

// Payment is the public view of a payment intent.
type Payment struct {
	ID        string    `json:"id"`
	Reference string    `json:"reference"`
	Provider  string    `json:"provider"`
	Method    Method    `json:"method"`
	Amount    int64     `json:"amount"`
	Status    Status    `json:"status"`
	OrderID   string    `json:"orderId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type TimeoutRequest struct {
	PaymentID string `json:"paymentId"`
	Reference string `json:"reference,omitempty"`
	Reason    string `json:"reason"`
}

type TimeoutResponse struct {
	Status  Status `json:"status"`
	OrderID string `json:"orderId,omitempty"`
}

// OrdersEnabled is the storefront switch gating order creation.
type OrdersEnabled struct {
	Enabled      bool       `json:"enabled"`
	Message      string     `json:"message,omitempty"`
	NextToggleAt *time.Time `json:"nextToggleAt,omitempty"`
}

// CreateOrderRequest materialises an order. IdempotencyKey equals the
// payment reference for gateway methods; cash on delivery sends a per-attempt key.
type CreateOrderRequest struct {
	IdempotencyKey   string     `json:"idempotencyKey" validate:"max=128"`
	PaymentReference string     `json:"paymentReference,omitempty"`
	Method           Method     `json:"method" validate:"required"`
	Cart             []CartLine `json:"cart" validate:"required,min=1,dive"`
	Delivery         Delivery   `json:"delivery"`
}

type OrderItem struct {
	ProductID   string `json:"productId"`
	VariationID string `json:"variationId,omitempty"`
	Name        string `json:"name"`
	SKU         string `json:"sku,omitempty"`
	Price       int64  `json:"price"`
	Quantity    int    `json:"quantity"`
}

type Order struct {
	ID               string      `json:"id"`
	Status           string      `json:"status"`
	Method           Method      `json:"method"`
	Total            int64       `json:"total"`
	PaymentReference string      `json:"paymentReference,omitempty"`
	Items            []OrderItem `json:"items,omitempty"`
	CreatedAt        time.Time   `json:"createdAt"`
}

// StatusEvent is published whenever the server learns a new payment status.
type StatusEvent struct {
	Reference string `json:"reference"`
	Status    Status `json:"status"`
	OrderID   string `json:"orderId,omitempty"`
	PaymentID string `json:"paymentId,omitempty"`
}

// StatusChannel names the pub/sub channel carrying StatusEvents for reference.
func StatusChannel(reference string) string {
	return "payment:" + reference
}
