package store

import (
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/noah-isme/toko-checkout/internal/checkout"
)

// Order statuses.
const (
	OrderStatusPaid   = "paid"
	OrderStatusPlaced = "placed"
)

type Payment struct {
	ID                pgtype.UUID
	Reference         string
	Provider          string
	ProviderPaymentID pgtype.Text
	Method            checkout.Method
	Amount            int64
	CustomerPhone     pgtype.Text
	CustomerEmail     pgtype.Text
	CheckoutURL       pgtype.Text
	SessionID         pgtype.Text
	Status            checkout.Status
	OrderID           pgtype.UUID
	Snapshot          []byte
	ProviderPayload   []byte
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type Order struct {
	ID               pgtype.UUID
	IdempotencyKey   string
	PaymentReference pgtype.Text
	Method           checkout.Method
	Status           string
	Total            int64
	CustomerName     pgtype.Text
	CustomerEmail    pgtype.Text
	Phone            string
	Address          string
	City             string
	Notes            pgtype.Text
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type OrderItem struct {
	ID          pgtype.UUID
	OrderID     pgtype.UUID
	ProductID   pgtype.UUID
	VariationID pgtype.UUID
	Name        string
	SKU         pgtype.Text
	Price       int64
	Quantity    int32
}

type DomainEvent struct {
	ID          pgtype.UUID
	Topic       string
	AggregateID pgtype.UUID
	Payload     []byte
	OccurredAt  time.Time
}
