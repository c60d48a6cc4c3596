package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/noah-isme/toko-checkout/internal/checkout"
)

const paymentColumns = `id, reference, provider, provider_payment_id, method, amount, customer_phone,
       customer_email, checkout_url, session_id, status, order_id, snapshot, provider_payload,
       created_at, updated_at`

func scanPayment(row pgx.Row) (Payment, error) {
	var p Payment
	err := row.Scan(
		&p.ID,
		&p.Reference,
		&p.Provider,
		&p.ProviderPaymentID,
		&p.Method,
		&p.Amount,
		&p.CustomerPhone,
		&p.CustomerEmail,
		&p.CheckoutURL,
		&p.SessionID,
		&p.Status,
		&p.OrderID,
		&p.Snapshot,
		&p.ProviderPayload,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	return p, err
}

func collectPayments(rows pgx.Rows) ([]Payment, error) {
	defer rows.Close()
	var items []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

const createPayment = `-- name: CreatePayment :one
INSERT INTO payments (
    reference, provider, provider_payment_id, method, amount, customer_phone,
    customer_email, checkout_url, session_id, status, snapshot, provider_payload
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
RETURNING ` + paymentColumns

type CreatePaymentParams struct {
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
	Snapshot          []byte
	ProviderPayload   []byte
}

func (q *Queries) CreatePayment(ctx context.Context, arg CreatePaymentParams) (Payment, error) {
	row := q.db.QueryRow(ctx, createPayment,
		arg.Reference,
		arg.Provider,
		arg.ProviderPaymentID,
		arg.Method,
		arg.Amount,
		arg.CustomerPhone,
		arg.CustomerEmail,
		arg.CheckoutURL,
		arg.SessionID,
		arg.Status,
		arg.Snapshot,
		arg.ProviderPayload,
	)
	return scanPayment(row)
}

const getPaymentByID = `-- name: GetPaymentByID :one
SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`

func (q *Queries) GetPaymentByID(ctx context.Context, id pgtype.UUID) (Payment, error) {
	return scanPayment(q.db.QueryRow(ctx, getPaymentByID, id))
}

const getPaymentByReference = `-- name: GetPaymentByReference :one
SELECT ` + paymentColumns + ` FROM payments WHERE reference = $1`

func (q *Queries) GetPaymentByReference(ctx context.Context, reference string) (Payment, error) {
	return scanPayment(q.db.QueryRow(ctx, getPaymentByReference, reference))
}

const updatePaymentStatus = `-- name: UpdatePaymentStatus :one
UPDATE payments
SET status = $2,
    provider_payment_id = COALESCE($3, provider_payment_id),
    provider_payload = COALESCE($4, provider_payload),
    updated_at = now()
WHERE id = $1
RETURNING ` + paymentColumns

type UpdatePaymentStatusParams struct {
	ID                pgtype.UUID
	Status            checkout.Status
	ProviderPaymentID pgtype.Text
	ProviderPayload   []byte
}

func (q *Queries) UpdatePaymentStatus(ctx context.Context, arg UpdatePaymentStatusParams) (Payment, error) {
	return scanPayment(q.db.QueryRow(ctx, updatePaymentStatus, arg.ID, arg.Status, arg.ProviderPaymentID, arg.ProviderPayload))
}

// Linking only succeeds while the payment is unlinked or already bound to the
// same order, which makes re-linking a no-op.
const linkPaymentOrder = `-- name: LinkPaymentOrder :one
UPDATE payments
SET order_id = $2, updated_at = now()
WHERE id = $1 AND (order_id IS NULL OR order_id = $2)
RETURNING ` + paymentColumns

type LinkPaymentOrderParams struct {
	ID      pgtype.UUID
	OrderID pgtype.UUID
}

func (q *Queries) LinkPaymentOrder(ctx context.Context, arg LinkPaymentOrderParams) (Payment, error) {
	return scanPayment(q.db.QueryRow(ctx, linkPaymentOrder, arg.ID, arg.OrderID))
}

const listPaymentsByOrder = `-- name: ListPaymentsByOrder :many
SELECT ` + paymentColumns + ` FROM payments WHERE order_id = $1 ORDER BY created_at`

func (q *Queries) ListPaymentsByOrder(ctx context.Context, orderID pgtype.UUID) ([]Payment, error) {
	rows, err := q.db.Query(ctx, listPaymentsByOrder, orderID)
	if err != nil {
		return nil, err
	}
	return collectPayments(rows)
}

const listUnlinkedCompletedPayments = `-- name: ListUnlinkedCompletedPayments :many
SELECT ` + paymentColumns + `
FROM payments
WHERE order_id IS NULL
  AND status IN ('completed', 'successful')
  AND updated_at < $1
ORDER BY updated_at
LIMIT $2`

type ListUnlinkedCompletedPaymentsParams struct {
	UpdatedBefore time.Time
	Limit         int32
}

func (q *Queries) ListUnlinkedCompletedPayments(ctx context.Context, arg ListUnlinkedCompletedPaymentsParams) ([]Payment, error) {
	rows, err := q.db.Query(ctx, listUnlinkedCompletedPayments, arg.UpdatedBefore, arg.Limit)
	if err != nil {
		return nil, err
	}
	return collectPayments(rows)
}

const insertPaymentEvent = `-- name: InsertPaymentEvent :exec
INSERT INTO payment_events (payment_id, status, source, payload) VALUES ($1, $2, $3, $4)`

type InsertPaymentEventParams struct {
	PaymentID pgtype.UUID
	Status    checkout.Status
	Source    string
	Payload   []byte
}

func (q *Queries) InsertPaymentEvent(ctx context.Context, arg InsertPaymentEventParams) error {
	_, err := q.db.Exec(ctx, insertPaymentEvent, arg.PaymentID, arg.Status, arg.Source, arg.Payload)
	return err
}
