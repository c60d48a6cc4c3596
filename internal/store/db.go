package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// Querier lists every statement the services issue.
type Querier interface {
	CreatePayment(ctx context.Context, arg CreatePaymentParams) (Payment, error)
	GetPaymentByID(ctx context.Context, id pgtype.UUID) (Payment, error)
	GetPaymentByReference(ctx context.Context, reference string) (Payment, error)
	UpdatePaymentStatus(ctx context.Context, arg UpdatePaymentStatusParams) (Payment, error)
	LinkPaymentOrder(ctx context.Context, arg LinkPaymentOrderParams) (Payment, error)
	ListPaymentsByOrder(ctx context.Context, orderID pgtype.UUID) ([]Payment, error)
	ListUnlinkedCompletedPayments(ctx context.Context, arg ListUnlinkedCompletedPaymentsParams) ([]Payment, error)
	InsertPaymentEvent(ctx context.Context, arg InsertPaymentEventParams) error

	CreateOrder(ctx context.Context, arg CreateOrderParams) (Order, error)
	InsertOrderItem(ctx context.Context, arg InsertOrderItemParams) (OrderItem, error)
	GetOrderByID(ctx context.Context, id pgtype.UUID) (Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, key string) (Order, error)
	GetOrderByPaymentReference(ctx context.Context, reference string) (Order, error)
	ListOrderItems(ctx context.Context, orderID pgtype.UUID) ([]OrderItem, error)

	InsertDomainEvent(ctx context.Context, arg InsertDomainEventParams) (DomainEvent, error)
}

// TxQuerier is a Querier that can also run a unit of work in a transaction.
type TxQuerier interface {
	Querier
	InTx(ctx context.Context, fn func(Querier) error) error
}

// Queries runs statements against a pool, connection or transaction.
type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{db: tx}
}

// Store couples Queries with the pool it needs to open transactions.
type Store struct {
	*Queries
	Pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{Queries: New(pool), Pool: pool}
}

// InTx runs fn inside a read-committed transaction, committing when fn
// returns nil and rolling back otherwise.
func (s *Store) InTx(ctx context.Context, fn func(Querier) error) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(s.WithTx(tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// Ping checks connectivity for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.Pool.Ping(ctx)
}
