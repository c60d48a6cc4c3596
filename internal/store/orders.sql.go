package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/noah-isme/toko-checkout/internal/checkout"
)

const orderColumns = `id, idempotency_key, payment_reference, method, status, total, customer_name,
       customer_email, phone, address, city, notes, created_at, updated_at`

func scanOrder(row pgx.Row) (Order, error) {
	var o Order
	err := row.Scan(
		&o.ID,
		&o.IdempotencyKey,
		&o.PaymentReference,
		&o.Method,
		&o.Status,
		&o.Total,
		&o.CustomerName,
		&o.CustomerEmail,
		&o.Phone,
		&o.Address,
		&o.City,
		&o.Notes,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	return o, err
}

const createOrder = `-- name: CreateOrder :one
INSERT INTO orders (
    idempotency_key, payment_reference, method, status, total, customer_name,
    customer_email, phone, address, city, notes
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
RETURNING ` + orderColumns

type CreateOrderParams struct {
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
}

func (q *Queries) CreateOrder(ctx context.Context, arg CreateOrderParams) (Order, error) {
	row := q.db.QueryRow(ctx, createOrder,
		arg.IdempotencyKey,
		arg.PaymentReference,
		arg.Method,
		arg.Status,
		arg.Total,
		arg.CustomerName,
		arg.CustomerEmail,
		arg.Phone,
		arg.Address,
		arg.City,
		arg.Notes,
	)
	return scanOrder(row)
}

const insertOrderItem = `-- name: InsertOrderItem :one
INSERT INTO order_items (order_id, product_id, variation_id, name, sku, price, quantity)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id, order_id, product_id, variation_id, name, sku, price, quantity`

type InsertOrderItemParams struct {
	OrderID     pgtype.UUID
	ProductID   pgtype.UUID
	VariationID pgtype.UUID
	Name        string
	SKU         pgtype.Text
	Price       int64
	Quantity    int32
}

func (q *Queries) InsertOrderItem(ctx context.Context, arg InsertOrderItemParams) (OrderItem, error) {
	row := q.db.QueryRow(ctx, insertOrderItem,
		arg.OrderID,
		arg.ProductID,
		arg.VariationID,
		arg.Name,
		arg.SKU,
		arg.Price,
		arg.Quantity,
	)
	var i OrderItem
	err := row.Scan(&i.ID, &i.OrderID, &i.ProductID, &i.VariationID, &i.Name, &i.SKU, &i.Price, &i.Quantity)
	return i, err
}

const getOrderByID = `-- name: GetOrderByID :one
SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

func (q *Queries) GetOrderByID(ctx context.Context, id pgtype.UUID) (Order, error) {
	return scanOrder(q.db.QueryRow(ctx, getOrderByID, id))
}

const getOrderByIdempotencyKey = `-- name: GetOrderByIdempotencyKey :one
SELECT ` + orderColumns + ` FROM orders WHERE idempotency_key = $1`

func (q *Queries) GetOrderByIdempotencyKey(ctx context.Context, key string) (Order, error) {
	return scanOrder(q.db.QueryRow(ctx, getOrderByIdempotencyKey, key))
}

const getOrderByPaymentReference = `-- name: GetOrderByPaymentReference :one
SELECT ` + orderColumns + ` FROM orders WHERE payment_reference = $1`

func (q *Queries) GetOrderByPaymentReference(ctx context.Context, reference string) (Order, error) {
	return scanOrder(q.db.QueryRow(ctx, getOrderByPaymentReference, reference))
}

const listOrderItems = `-- name: ListOrderItems :many
SELECT id, order_id, product_id, variation_id, name, sku, price, quantity
FROM order_items WHERE order_id = $1 ORDER BY name`

func (q *Queries) ListOrderItems(ctx context.Context, orderID pgtype.UUID) ([]OrderItem, error) {
	rows, err := q.db.Query(ctx, listOrderItems, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []OrderItem
	for rows.Next() {
		var i OrderItem
		if err := rows.Scan(&i.ID, &i.OrderID, &i.ProductID, &i.VariationID, &i.Name, &i.SKU, &i.Price, &i.Quantity); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}
