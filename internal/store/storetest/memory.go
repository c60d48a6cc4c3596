// Package storetest provides an in-memory store.TxQuerier for service tests.
package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/noah-isme/toko-checkout/internal/checkout"
	"github.com/noah-isme/toko-checkout/internal/store"
)

// Memory mimics the Postgres schema closely enough for service tests,
// including unique and foreign-key violations.
type Memory struct {
	txMu sync.Mutex
	mu   sync.Mutex

	payments      []store.Payment
	orders        []store.Order
	items         []store.OrderItem
	paymentEvents []store.InsertPaymentEventParams
	domainEvents  []store.DomainEvent
	products      map[[16]byte]bool

	// FailCreateOrder, when set, is returned by the next CreateOrder call.
	FailCreateOrder error
	// FailUpdatePaymentStatus, when set, is returned by the next
	// UpdatePaymentStatus call.
	FailUpdatePaymentStatus error
	now                     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{now: time.Now}
}

// AddProduct registers a product id so order items referencing it pass the
// foreign-key check. Until the first call product ids are not checked.
func (m *Memory) AddProduct(id pgtype.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.products == nil {
		m.products = map[[16]byte]bool{}
	}
	m.products[id.Bytes] = true
}

// SetClock overrides the timestamp source.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// InTx serialises transactions and restores the previous state when fn fails.
func (m *Memory) InTx(ctx context.Context, fn func(store.Querier) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	saved := m.copyState()
	m.mu.Unlock()

	if err := fn(m); err != nil {
		m.mu.Lock()
		m.restore(saved)
		m.mu.Unlock()
		return err
	}
	return nil
}

type state struct {
	payments      []store.Payment
	orders        []store.Order
	items         []store.OrderItem
	paymentEvents []store.InsertPaymentEventParams
	domainEvents  []store.DomainEvent
}

func (m *Memory) copyState() state {
	return state{
		payments:      append([]store.Payment(nil), m.payments...),
		orders:        append([]store.Order(nil), m.orders...),
		items:         append([]store.OrderItem(nil), m.items...),
		paymentEvents: append([]store.InsertPaymentEventParams(nil), m.paymentEvents...),
		domainEvents:  append([]store.DomainEvent(nil), m.domainEvents...),
	}
}

func (m *Memory) restore(s state) {
	m.payments = s.payments
	m.orders = s.orders
	m.items = s.items
	m.paymentEvents = s.paymentEvents
	m.domainEvents = s.domainEvents
}

func uniqueViolation(constraint string) error {
	return &pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: constraint, Message: "duplicate key value"}
}

func (m *Memory) CreatePayment(_ context.Context, arg store.CreatePaymentParams) (store.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.Reference == arg.Reference {
			return store.Payment{}, uniqueViolation("payments_reference_key")
		}
	}
	now := m.now()
	p := store.Payment{
		ID:                store.NewUUID(),
		Reference:         arg.Reference,
		Provider:          arg.Provider,
		ProviderPaymentID: arg.ProviderPaymentID,
		Method:            arg.Method,
		Amount:            arg.Amount,
		CustomerPhone:     arg.CustomerPhone,
		CustomerEmail:     arg.CustomerEmail,
		CheckoutURL:       arg.CheckoutURL,
		SessionID:         arg.SessionID,
		Status:            arg.Status,
		Snapshot:          arg.Snapshot,
		ProviderPayload:   arg.ProviderPayload,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	m.payments = append(m.payments, p)
	return p, nil
}

func (m *Memory) GetPaymentByID(_ context.Context, id pgtype.UUID) (store.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if store.UUIDEqual(p.ID, id) {
			return p, nil
		}
	}
	return store.Payment{}, store.ErrNotFound
}

func (m *Memory) GetPaymentByReference(_ context.Context, reference string) (store.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.Reference == reference {
			return p, nil
		}
	}
	return store.Payment{}, store.ErrNotFound
}

func (m *Memory) UpdatePaymentStatus(_ context.Context, arg store.UpdatePaymentStatusParams) (store.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.FailUpdatePaymentStatus; err != nil {
		m.FailUpdatePaymentStatus = nil
		return store.Payment{}, err
	}
	for i := range m.payments {
		p := &m.payments[i]
		if !store.UUIDEqual(p.ID, arg.ID) {
			continue
		}
		p.Status = arg.Status
		if arg.ProviderPaymentID.Valid {
			p.ProviderPaymentID = arg.ProviderPaymentID
		}
		if arg.ProviderPayload != nil {
			p.ProviderPayload = arg.ProviderPayload
		}
		p.UpdatedAt = m.now()
		return *p, nil
	}
	return store.Payment{}, store.ErrNotFound
}

func (m *Memory) LinkPaymentOrder(_ context.Context, arg store.LinkPaymentOrderParams) (store.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.payments {
		p := &m.payments[i]
		if !store.UUIDEqual(p.ID, arg.ID) {
			continue
		}
		if p.OrderID.Valid && !store.UUIDEqual(p.OrderID, arg.OrderID) {
			return store.Payment{}, store.ErrNotFound
		}
		p.OrderID = arg.OrderID
		p.UpdatedAt = m.now()
		return *p, nil
	}
	return store.Payment{}, store.ErrNotFound
}

func (m *Memory) ListPaymentsByOrder(_ context.Context, orderID pgtype.UUID) ([]store.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Payment
	for _, p := range m.payments {
		if store.UUIDEqual(p.OrderID, orderID) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *Memory) ListUnlinkedCompletedPayments(_ context.Context, arg store.ListUnlinkedCompletedPaymentsParams) ([]store.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Payment
	for _, p := range m.payments {
		if !p.OrderID.Valid && p.Status.IsSuccess() && p.UpdatedAt.Before(arg.UpdatedBefore) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if arg.Limit > 0 && len(out) > int(arg.Limit) {
		out = out[:arg.Limit]
	}
	return out, nil
}

func (m *Memory) InsertPaymentEvent(_ context.Context, arg store.InsertPaymentEventParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paymentEvents = append(m.paymentEvents, arg)
	return nil
}

func (m *Memory) CreateOrder(_ context.Context, arg store.CreateOrderParams) (store.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.FailCreateOrder; err != nil {
		m.FailCreateOrder = nil
		return store.Order{}, err
	}
	for _, o := range m.orders {
		if o.IdempotencyKey == arg.IdempotencyKey {
			return store.Order{}, uniqueViolation("orders_idempotency_key_key")
		}
		if arg.PaymentReference.Valid && o.PaymentReference.Valid && o.PaymentReference.String == arg.PaymentReference.String {
			return store.Order{}, uniqueViolation("orders_payment_reference_key")
		}
	}
	now := m.now()
	o := store.Order{
		ID:               store.NewUUID(),
		IdempotencyKey:   arg.IdempotencyKey,
		PaymentReference: arg.PaymentReference,
		Method:           arg.Method,
		Status:           arg.Status,
		Total:            arg.Total,
		CustomerName:     arg.CustomerName,
		CustomerEmail:    arg.CustomerEmail,
		Phone:            arg.Phone,
		Address:          arg.Address,
		City:             arg.City,
		Notes:            arg.Notes,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	m.orders = append(m.orders, o)
	return o, nil
}

func (m *Memory) InsertOrderItem(_ context.Context, arg store.InsertOrderItemParams) (store.OrderItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.products != nil && !m.products[arg.ProductID.Bytes] {
		return store.OrderItem{}, &pgconn.PgError{Code: pgerrcode.ForeignKeyViolation, ConstraintName: "order_items_product_id_fkey"}
	}
	item := store.OrderItem{
		ID:          store.NewUUID(),
		OrderID:     arg.OrderID,
		ProductID:   arg.ProductID,
		VariationID: arg.VariationID,
		Name:        arg.Name,
		SKU:         arg.SKU,
		Price:       arg.Price,
		Quantity:    arg.Quantity,
	}
	m.items = append(m.items, item)
	return item, nil
}

func (m *Memory) GetOrderByID(_ context.Context, id pgtype.UUID) (store.Order, error) {
	return m.findOrder(func(o store.Order) bool { return store.UUIDEqual(o.ID, id) })
}

func (m *Memory) GetOrderByIdempotencyKey(_ context.Context, key string) (store.Order, error) {
	return m.findOrder(func(o store.Order) bool { return o.IdempotencyKey == key })
}

func (m *Memory) GetOrderByPaymentReference(_ context.Context, reference string) (store.Order, error) {
	return m.findOrder(func(o store.Order) bool { return o.PaymentReference.Valid && o.PaymentReference.String == reference })
}

func (m *Memory) findOrder(match func(store.Order) bool) (store.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if match(o) {
			return o, nil
		}
	}
	return store.Order{}, store.ErrNotFound
}

func (m *Memory) ListOrderItems(_ context.Context, orderID pgtype.UUID) ([]store.OrderItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.OrderItem
	for _, it := range m.items {
		if store.UUIDEqual(it.OrderID, orderID) {
			out = append(out, it)
		}
	}
	return out, nil
}

func (m *Memory) InsertDomainEvent(_ context.Context, arg store.InsertDomainEventParams) (store.DomainEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev := store.DomainEvent{
		ID:          store.NewUUID(),
		Topic:       arg.Topic,
		AggregateID: arg.AggregateID,
		Payload:     arg.Payload,
		OccurredAt:  m.now(),
	}
	m.domainEvents = append(m.domainEvents, ev)
	return ev, nil
}

// Orders returns a copy of every stored order.
func (m *Memory) Orders() []store.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.Order(nil), m.orders...)
}

// Payments returns a copy of every stored payment.
func (m *Memory) Payments() []store.Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.Payment(nil), m.payments...)
}

// PaymentEvents returns the recorded payment status history.
func (m *Memory) PaymentEvents() []store.InsertPaymentEventParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.InsertPaymentEventParams(nil), m.paymentEvents...)
}

// DomainEvents returns the emitted domain events.
func (m *Memory) DomainEvents() []store.DomainEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.DomainEvent(nil), m.domainEvents...)
}

// ForcePayment overwrites status and updated_at without going through the
// services, e.g. to make a row look stale.
func (m *Memory) ForcePayment(reference string, status checkout.Status, updatedAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.payments {
		if m.payments[i].Reference == reference {
			m.payments[i].Status = status
			m.payments[i].UpdatedAt = updatedAt
		}
	}
}

var _ store.TxQuerier = (*Memory)(nil)
