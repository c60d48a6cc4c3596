package order

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	validator "github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/toko-checkout/internal/checkout"
	"github.com/noah-isme/toko-checkout/internal/common"
	"github.com/noah-isme/toko-checkout/internal/events"
	"github.com/noah-isme/toko-checkout/internal/obs"
	"github.com/noah-isme/toko-checkout/internal/store"
)

// Flags exposes the orders-enabled switch.
type Flags interface {
	Get(ctx context.Context) (checkout.OrdersEnabled, error)
}

// Locker serialises order creation for one idempotency key across processes.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// Emitter records domain events.
type Emitter interface {
	Emit(ctx context.Context, topic string, aggregateID pgtype.UUID, payload any) (store.DomainEvent, error)
}

// Service materialises orders. At most one order exists per idempotency key,
// and for gateway methods the key is the payment reference.
type Service struct {
	Store    store.TxQuerier
	Flags    Flags
	Locker   Locker
	LockTTL  time.Duration
	Events   Emitter
	Validate *validator.Validate
	Logger   zerolog.Logger
}

type line struct {
	productID   pgtype.UUID
	variationID pgtype.UUID
	source      checkout.CartLine
}

// Create persists the order described by req and reports whether this call
// created it. Repeating a request with the same key returns the first order.
func (s *Service) Create(ctx context.Context, req checkout.CreateOrderRequest) (store.Order, bool, error) {
	var zero store.Order
	if s == nil || s.Store == nil || s.Flags == nil {
		return zero, false, errors.New("order service not configured")
	}
	ctx, span := otel.Tracer("order.Service").Start(ctx, "OrderService.Create")
	defer span.End()

	req.Method = checkout.ParseMethod(string(req.Method))
	result := "error"
	defer func() {
		span.SetAttributes(
			attribute.String("order.method", string(req.Method)),
			attribute.String("order.result", result),
		)
		obs.Inc(obs.OrdersCreatedTotal, obs.Label(string(req.Method)), result)
	}()

	flag, err := s.Flags.Get(ctx)
	if err != nil {
		result = "flag_unavailable"
		return zero, false, common.NewAppError(checkout.CodeFlagUnavailable, "order availability could not be determined", http.StatusServiceUnavailable, err)
	}
	if !flag.Enabled {
		result = "disabled"
		msg := flag.Message
		if msg == "" {
			msg = "orders are currently disabled"
		}
		return zero, false, common.NewAppError(checkout.CodeOrdersDisabled, msg, http.StatusForbidden, nil).WithDetails(flag)
	}

	if err := common.ValidateStruct(s.Validate, checkout.CodeValidation, req); err != nil {
		result = "invalid"
		return zero, false, err
	}
	if !req.Method.Valid() {
		result = "invalid"
		return zero, false, common.BadRequest(checkout.CodeValidation, "unsupported payment method").WithDetails(map[string]string{"method": "oneof"})
	}
	prepaid := req.Method.RequiresGateway()
	req.PaymentReference = strings.TrimSpace(req.PaymentReference)
	if prepaid {
		if req.PaymentReference == "" {
			result = "invalid"
			return zero, false, common.BadRequest(checkout.CodeValidation, "payment reference is required").WithDetails(map[string]string{"paymentReference": "required"})
		}
		req.IdempotencyKey = req.PaymentReference
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		result = "invalid"
		return zero, false, common.BadRequest(checkout.CodeValidation, "idempotency key is required").WithDetails(map[string]string{"idempotencyKey": "required"})
	}

	lines, err := parseLines(req.Cart)
	if err != nil {
		result = "invalid_product"
		return zero, false, err
	}
	total, err := checkout.Snapshot{Cart: req.Cart}.Total()
	if err != nil {
		result = "invalid"
		return zero, false, common.BadRequest(checkout.CodeValidation, "cart total is out of range").WithDetails(map[string]string{"cart": "total"})
	}

	var (
		order   store.Order
		created bool
	)
	err = s.withLock(ctx, "order:"+key, func(ctx context.Context) error {
		existing, err := s.Store.GetOrderByIdempotencyKey(ctx, key)
		if err == nil {
			order = existing
			return nil
		}
		if !store.IsNotFound(err) {
			return fmt.Errorf("lookup order: %w", err)
		}

		status := store.OrderStatusPlaced
		if prepaid {
			if err := s.checkPayment(ctx, req.PaymentReference, total); err != nil {
				return err
			}
			status = store.OrderStatusPaid
		}

		txErr := s.Store.InTx(ctx, func(q store.Querier) error {
			o, err := q.CreateOrder(ctx, store.CreateOrderParams{
				IdempotencyKey:   key,
				PaymentReference: store.Text(req.PaymentReference),
				Method:           req.Method,
				Status:           status,
				Total:            total,
				CustomerName:     store.Text(req.Delivery.Name),
				CustomerEmail:    store.Text(req.Delivery.Email),
				Phone:            req.Delivery.Phone,
				Address:          req.Delivery.Address,
				City:             req.Delivery.City,
				Notes:            store.Text(req.Delivery.Notes),
			})
			if err != nil {
				return err
			}
			for _, l := range lines {
				if _, err := q.InsertOrderItem(ctx, store.InsertOrderItemParams{
					OrderID:     o.ID,
					ProductID:   l.productID,
					VariationID: l.variationID,
					Name:        l.source.Name,
					SKU:         store.Text(l.source.SKU),
					Price:       l.source.Price,
					Quantity:    int32(l.source.Quantity),
				}); err != nil {
					return err
				}
			}
			order = o
			return nil
		})
		switch {
		case txErr == nil:
			created = true
			return nil
		case store.IsUniqueViolation(txErr):
			// lost a race with a holder that bypassed the lock
			existing, err := s.existing(ctx, key, req.PaymentReference)
			if err != nil {
				return fmt.Errorf("order created concurrently but not found: %w", err)
			}
			order = existing
			return nil
		case store.IsForeignKeyViolation(txErr):
			return common.Conflict(checkout.CodeProductNotFound, "a product in the cart no longer exists")
		case store.IsInvalidText(txErr):
			return common.BadRequest(checkout.CodeInvalidProductReference, "a product in the cart has a malformed reference")
		default:
			return fmt.Errorf("create order: %w", txErr)
		}
	})
	if err != nil {
		var appErr *common.AppError
		if errors.As(err, &appErr) {
			result = strings.ToLower(appErr.Code)
		}
		span.RecordError(err)
		return zero, false, err
	}
	span.SetAttributes(attribute.String("order.id", store.UUIDString(order.ID)))
	if !created {
		result = "existing"
		return order, false, nil
	}
	result = "created"

	if s.Events != nil {
		if _, err := s.Events.Emit(ctx, events.TopicOrderCreated, order.ID, map[string]any{
			"orderId":          store.UUIDString(order.ID),
			"method":           order.Method,
			"total":            order.Total,
			"paymentReference": order.PaymentReference.String,
		}); err != nil {
			s.Logger.Warn().Err(err).Str("order_id", store.UUIDString(order.ID)).Msg("order_event_failed")
		}
	}
	s.Logger.Info().
		Str("order_id", store.UUIDString(order.ID)).
		Str("method", string(order.Method)).
		Str("reference", order.PaymentReference.String).
		Int64("total", order.Total).
		Msg("order_created")
	return order, true, nil
}

// checkPayment requires a completed payment for reference whose amount matches
// the cart total.
func (s *Service) checkPayment(ctx context.Context, reference string, total int64) error {
	p, err := s.Store.GetPaymentByReference(ctx, reference)
	if err != nil {
		if store.IsNotFound(err) {
			return common.NotFound(checkout.CodePaymentNotFound, "payment not found")
		}
		return fmt.Errorf("lookup payment: %w", err)
	}
	if !p.Status.IsSuccess() {
		return common.Conflict(checkout.CodePaymentNotCompleted, "payment is not completed").
			WithDetails(map[string]string{"status": string(p.Status)})
	}
	if p.Amount != total {
		return common.Conflict(checkout.CodeAmountMismatch, "cart total does not match the paid amount").
			WithDetails(map[string]int64{"paid": p.Amount, "cart": total})
	}
	return nil
}

func (s *Service) existing(ctx context.Context, key, reference string) (store.Order, error) {
	o, err := s.Store.GetOrderByIdempotencyKey(ctx, key)
	if err == nil || reference == "" || !store.IsNotFound(err) {
		return o, err
	}
	return s.Store.GetOrderByPaymentReference(ctx, reference)
}

func (s *Service) withLock(ctx context.Context, key string, fn func(context.Context) error) error {
	if s.Locker == nil {
		return fn(ctx)
	}
	ttl := s.LockTTL
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return s.Locker.WithLock(ctx, key, ttl, fn)
}

func parseLines(cart []checkout.CartLine) ([]line, error) {
	out := make([]line, 0, len(cart))
	for i, c := range cart {
		productID, err := store.ParseUUID(strings.TrimSpace(c.ProductID))
		if err != nil {
			return nil, common.BadRequest(checkout.CodeInvalidProductReference, "a product in the cart has a malformed reference").
				WithDetails(map[string]string{fmt.Sprintf("cart[%d].product_id", i): c.ProductID})
		}
		l := line{productID: productID, source: c}
		if v := strings.TrimSpace(c.VariationID); v != "" {
			variationID, err := store.ParseUUID(v)
			if err != nil {
				return nil, common.BadRequest(checkout.CodeInvalidProductReference, "a product in the cart has a malformed reference").
					WithDetails(map[string]string{fmt.Sprintf("cart[%d].variation_id", i): c.VariationID})
			}
			l.variationID = variationID
		}
		out = append(out, l)
	}
	return out, nil
}

// Get loads an order with its items.
func (s *Service) Get(ctx context.Context, id string) (store.Order, []store.OrderItem, error) {
	oid, err := store.ParseUUID(id)
	if err != nil {
		return store.Order{}, nil, common.BadRequest("BAD_REQUEST", "invalid order id")
	}
	o, err := s.Store.GetOrderByID(ctx, oid)
	if err != nil {
		if store.IsNotFound(err) {
			return store.Order{}, nil, common.NotFound(checkout.CodeOrderNotFound, "order not found")
		}
		return store.Order{}, nil, err
	}
	items, err := s.Store.ListOrderItems(ctx, o.ID)
	if err != nil {
		return store.Order{}, nil, err
	}
	return o, items, nil
}

// ToView renders an order for the API.
func ToView(o store.Order, items []store.OrderItem) checkout.Order {
	view := checkout.Order{
		ID:               store.UUIDString(o.ID),
		Status:           o.Status,
		Method:           o.Method,
		Total:            o.Total,
		PaymentReference: o.PaymentReference.String,
		CreatedAt:        o.CreatedAt,
	}
	for _, it := range items {
		view.Items = append(view.Items, checkout.OrderItem{
			ProductID:   store.UUIDString(it.ProductID),
			VariationID: store.UUIDString(it.VariationID),
			Name:        it.Name,
			SKU:         it.SKU.String,
			Price:       it.Price,
			Quantity:    int(it.Quantity),
		})
	}
	return view
}

var _ Emitter = (*events.Bus)(nil)
