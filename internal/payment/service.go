package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	validator "github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/toko-checkout/internal/checkout"
	"github.com/noah-isme/toko-checkout/internal/common"
	"github.com/noah-isme/toko-checkout/internal/events"
	"github.com/noah-isme/toko-checkout/internal/gateway"
	"github.com/noah-isme/toko-checkout/internal/lock"
	"github.com/noah-isme/toko-checkout/internal/obs"
	"github.com/noah-isme/toko-checkout/internal/store"
)

// OrderCreator materialises orders from a stored cart snapshot.
type OrderCreator interface {
	Create(ctx context.Context, req checkout.CreateOrderRequest) (store.Order, bool, error)
}

// Emitter records domain events.
type Emitter interface {
	Emit(ctx context.Context, topic string, aggregateID pgtype.UUID, payload any) (store.DomainEvent, error)
}

// Locker guards the timeout re-check so concurrent reports collapse into one.
type Locker interface {
	TryWithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// Scheduler enqueues the delayed re-check that follows a timeout report.
type Scheduler interface {
	ScheduleRecheck(ctx context.Context, reference string, delay time.Duration) error
}

// Status sources recorded in payment_events.
const (
	SourceInitiate = "initiate"
	SourcePoll     = "poll"
	SourceWebhook  = "webhook"
	SourceTimeout  = "timeout_report"
	SourceRecheck  = "recheck"
)

// Service owns payment intents: it opens them at the gateway, mirrors their
// status and binds completed ones to orders.
type Service struct {
	Store     store.TxQuerier
	Provider  gateway.Provider
	Orders    OrderCreator
	Events    Emitter
	Publisher Publisher
	Locker    Locker
	Jobs      Scheduler
	Validate  *validator.Validate
	Logger    zerolog.Logger

	// StaleAfter is how old a non-final row may be before a status read
	// refreshes it from the gateway.
	StaleAfter   time.Duration
	RecheckDelay time.Duration
	LockTTL      time.Duration
	CallbackURL  string

	now func() time.Time
}

func (s *Service) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

func (s *Service) providerName() string {
	if s.Provider == nil {
		return "none"
	}
	return s.Provider.Name()
}

// Initiate opens a gateway payment for the cart in req and stores the intent
// together with the cart snapshot used later to materialise the order.
func (s *Service) Initiate(ctx context.Context, req checkout.InitiateRequest) (checkout.InitiateResponse, error) {
	var zero checkout.InitiateResponse
	if s == nil || s.Store == nil || s.Provider == nil {
		return zero, errors.New("payment service not configured")
	}
	ctx, span := otel.Tracer("payment.Service").Start(ctx, "PaymentService.Initiate")
	defer span.End()

	req.Method = checkout.ParseMethod(string(req.Method))
	req.CustomerPhone = strings.TrimSpace(req.CustomerPhone)
	start := s.clock()
	result := "error"
	defer func() {
		span.SetAttributes(
			attribute.String("payment.provider", s.providerName()),
			attribute.String("payment.method", string(req.Method)),
			attribute.Float64("payment.initiate.duration_ms", obs.DurationMillis(s.clock().Sub(start))),
			attribute.String("payment.initiate.result", result),
		)
		obs.Inc(obs.PaymentInitiateTotal, s.providerName(), obs.Label(string(req.Method)), result)
	}()

	if err := common.ValidateStruct(s.Validate, checkout.CodeValidation, req); err != nil {
		result = "invalid"
		return zero, err
	}
	switch {
	case !req.Method.Valid():
		result = "invalid"
		return zero, common.BadRequest(checkout.CodeValidation, "unsupported payment method").WithDetails(map[string]string{"method": "oneof"})
	case !req.Method.RequiresGateway():
		result = "invalid"
		return zero, common.BadRequest(checkout.CodeValidation, "cash on delivery does not need a payment").WithDetails(map[string]string{"method": "gateway"})
	case req.Method.IsMobileMoney() && req.CustomerPhone == "":
		result = "invalid"
		return zero, common.BadRequest(checkout.CodeValidation, "a mobile money number is required").WithDetails(map[string]string{"customerPhone": "required"})
	}
	snapshot := checkout.Snapshot{
		Cart:      req.Cart,
		Delivery:  req.Delivery,
		Method:    req.Method,
		UpdatedAt: s.clock().UTC(),
	}
	if req.Method.IsMobileMoney() {
		snapshot.MobileMoneyPhone = req.CustomerPhone
	}
	total, err := snapshot.Total()
	if err != nil {
		result = "invalid"
		return zero, common.BadRequest(checkout.CodeValidation, "cart total is out of range").WithDetails(map[string]string{"cart": "total"})
	}
	if total != req.Amount {
		result = "invalid"
		return zero, common.BadRequest(checkout.CodeAmountMismatch, "amount does not match the cart total").
			WithDetails(map[string]int64{"amount": req.Amount, "cart": total})
	}
	encoded, err := json.Marshal(snapshot)
	if err != nil {
		return zero, fmt.Errorf("encode snapshot: %w", err)
	}

	res, err := s.Provider.Initiate(ctx, gateway.InitiateRequest{
		MerchantReference: uuid.NewString(),
		Amount:            req.Amount,
		Method:            req.Method,
		CustomerPhone:     req.CustomerPhone,
		CustomerEmail:     req.CustomerEmail,
		CustomerName:      req.CustomerName,
		RedirectURL:       req.RedirectURL,
		CallbackURL:       s.CallbackURL,
	})
	if err != nil {
		span.RecordError(err)
		var rejected *gateway.RejectedError
		if errors.As(err, &rejected) {
			result = "rejected"
			return zero, common.NewAppError(checkout.CodeGatewayRejected, rejected.Message, http.StatusUnprocessableEntity, err)
		}
		result = "unavailable"
		return zero, common.NewAppError(checkout.CodeGatewayUnavailable, "payment gateway unavailable", http.StatusBadGateway, err)
	}
	status := res.Status
	if status == "" {
		status = checkout.StatusInitiated
	}
	p, err := s.Store.CreatePayment(ctx, store.CreatePaymentParams{
		Reference:         res.Reference,
		Provider:          s.providerName(),
		ProviderPaymentID: store.Text(res.ProviderPaymentID),
		Method:            req.Method,
		Amount:            req.Amount,
		CustomerPhone:     store.Text(req.CustomerPhone),
		CustomerEmail:     store.Text(req.CustomerEmail),
		CheckoutURL:       store.Text(res.CheckoutURL),
		SessionID:         store.Text(res.SessionID),
		Status:            status,
		Snapshot:          encoded,
		ProviderPayload:   res.Raw,
	})
	if err != nil {
		return zero, fmt.Errorf("persist payment: %w", err)
	}
	if err := s.Store.InsertPaymentEvent(ctx, store.InsertPaymentEventParams{
		PaymentID: p.ID,
		Status:    p.Status,
		Source:    SourceInitiate,
		Payload:   res.Raw,
	}); err != nil {
		s.Logger.Warn().Err(err).Str("reference", p.Reference).Msg("payment_event_failed")
	}
	s.emit(ctx, events.TopicPaymentInitiated, p)
	result = "ok"
	span.SetAttributes(attribute.String("payment.reference", p.Reference))
	s.Logger.Info().
		Str("reference", p.Reference).
		Str("method", string(p.Method)).
		Int64("amount", p.Amount).
		Bool("redirect", res.CheckoutURL != "").
		Msg("payment_initiated")

	return checkout.InitiateResponse{
		Success:     true,
		Reference:   p.Reference,
		CheckoutURL: res.CheckoutURL,
		SessionID:   res.SessionID,
		PaymentID:   store.UUIDString(p.ID),
	}, nil
}

// StatusByReference returns the stored status, refreshing it from the gateway
// first when the row is not final and older than StaleAfter.
func (s *Service) StatusByReference(ctx context.Context, reference string) (checkout.StatusResponse, error) {
	p, err := s.byReference(ctx, reference)
	if err != nil {
		return checkout.StatusResponse{}, err
	}
	refreshed := false
	if !p.Status.IsFinal() && s.clock().Sub(p.UpdatedAt) >= s.StaleAfter {
		p, err = s.refresh(ctx, p, SourcePoll)
		if err != nil {
			s.Logger.Warn().Err(err).Str("reference", p.Reference).Msg("payment_refresh_failed")
		} else {
			refreshed = true
		}
	}
	obs.Inc(obs.PaymentStatusChecks, string(p.Status), fmt.Sprint(refreshed))
	return statusResponse(p), nil
}

// refresh asks the gateway for the current status and applies it. The
// returned payment is p unchanged when the gateway call fails.
func (s *Service) refresh(ctx context.Context, p store.Payment, source string) (store.Payment, error) {
	start := s.clock()
	res, err := s.Provider.Status(ctx, p.Reference)
	if obs.GatewayLatency != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		obs.GatewayLatency.WithLabelValues(s.providerName(), "status", outcome).Observe(obs.DurationMillis(s.clock().Sub(start)))
	}
	if err != nil {
		return p, fmt.Errorf("gateway status: %w", err)
	}
	if res.Amount > 0 && res.Amount != p.Amount {
		return p, fmt.Errorf("gateway reports amount %d for %s, expected %d", res.Amount, p.Reference, p.Amount)
	}
	updated, _, err := s.applyStatus(ctx, p, res.Status, res.ProviderPaymentID, res.Raw, source)
	if err != nil {
		return p, err
	}
	return updated, nil
}

// applyStatus moves p to next when the transition is allowed, records the
// history row and announces the change. It reports whether anything changed.
func (s *Service) applyStatus(ctx context.Context, p store.Payment, next checkout.Status, providerID string, raw []byte, source string) (store.Payment, bool, error) {
	if !p.Status.CanTransition(next) {
		return p, false, nil
	}
	var (
		updated store.Payment
		changed bool
	)
	err := s.Store.InTx(ctx, func(q store.Querier) error {
		cur, err := q.GetPaymentByID(ctx, p.ID)
		if err != nil {
			return err
		}
		if !cur.Status.CanTransition(next) {
			updated = cur
			return nil
		}
		updated, err = q.UpdatePaymentStatus(ctx, store.UpdatePaymentStatusParams{
			ID:                cur.ID,
			Status:            next,
			ProviderPaymentID: store.Text(providerID),
			ProviderPayload:   raw,
		})
		if err != nil {
			return err
		}
		changed = true
		return q.InsertPaymentEvent(ctx, store.InsertPaymentEventParams{
			PaymentID: cur.ID,
			Status:    next,
			Source:    source,
			Payload:   raw,
		})
	})
	if err != nil {
		return p, false, fmt.Errorf("apply status %s: %w", next, err)
	}
	if !changed {
		return updated, false, nil
	}
	s.Logger.Info().
		Str("reference", updated.Reference).
		Str("from", string(p.Status)).
		Str("to", string(next)).
		Str("source", source).
		Msg("payment_status_changed")

	switch {
	case next.IsSuccess():
		s.emit(ctx, events.TopicPaymentCompleted, updated)
	case next.IsFailure():
		s.emit(ctx, events.TopicPaymentFailed, updated)
	case next == checkout.StatusTimeout:
		s.emit(ctx, events.TopicPaymentTimeout, updated)
	}
	if s.Publisher != nil {
		ev := checkout.StatusEvent{
			Reference: updated.Reference,
			Status:    updated.Status,
			OrderID:   store.UUIDString(updated.OrderID),
			PaymentID: store.UUIDString(updated.ID),
		}
		if err := s.Publisher.Publish(ctx, ev); err != nil {
			s.Logger.Warn().Err(err).Str("reference", updated.Reference).Msg("payment_publish_failed")
		}
	}
	return updated, true, nil
}

// Link binds the payment behind req.Reference to req.OrderID.
func (s *Service) Link(ctx context.Context, req checkout.LinkRequest) (checkout.Payment, error) {
	if err := common.ValidateStruct(s.Validate, checkout.CodeValidation, req); err != nil {
		return checkout.Payment{}, err
	}
	p, err := s.byReference(ctx, req.Reference)
	if err != nil {
		return checkout.Payment{}, err
	}
	linked, err := s.link(ctx, p, req.OrderID, "link")
	if err != nil {
		return checkout.Payment{}, err
	}
	return ToView(linked), nil
}

// UpdateOrder sets the order on a payment addressed by id. It is the fallback
// the client uses when linking by reference fails.
func (s *Service) UpdateOrder(ctx context.Context, paymentID string, req checkout.UpdatePaymentRequest) (checkout.Payment, error) {
	if err := common.ValidateStruct(s.Validate, checkout.CodeValidation, req); err != nil {
		return checkout.Payment{}, err
	}
	p, err := s.byID(ctx, paymentID)
	if err != nil {
		return checkout.Payment{}, err
	}
	linked, err := s.link(ctx, p, req.OrderID, "update")
	if err != nil {
		return checkout.Payment{}, err
	}
	return ToView(linked), nil
}

func (s *Service) link(ctx context.Context, p store.Payment, orderID, path string) (store.Payment, error) {
	result := "error"
	defer func() { obs.Inc(obs.PaymentLinkTotal, path, result) }()

	oid, err := store.ParseUUID(strings.TrimSpace(orderID))
	if err != nil {
		result = "invalid"
		return p, common.BadRequest(checkout.CodeValidation, "invalid order id").WithDetails(map[string]string{"orderId": "uuid"})
	}
	if p.OrderID.Valid {
		if store.UUIDEqual(p.OrderID, oid) {
			result = "noop"
			return p, nil
		}
		result = "conflict"
		return p, common.Conflict(checkout.CodeAlreadyLinked, "payment is already linked to another order")
	}
	if !p.Status.IsSuccess() {
		result = "not_completed"
		return p, common.Conflict(checkout.CodePaymentNotCompleted, "only completed payments can be linked").
			WithDetails(map[string]string{"status": string(p.Status)})
	}
	if _, err := s.Store.GetOrderByID(ctx, oid); err != nil {
		if store.IsNotFound(err) {
			result = "order_missing"
			return p, common.NotFound(checkout.CodeOrderNotFound, "order not found")
		}
		return p, fmt.Errorf("lookup order: %w", err)
	}
	linked, err := s.Store.LinkPaymentOrder(ctx, store.LinkPaymentOrderParams{ID: p.ID, OrderID: oid})
	if err != nil {
		switch {
		case store.IsNotFound(err):
			result = "conflict"
			return p, common.Conflict(checkout.CodeAlreadyLinked, "payment is already linked to another order")
		case store.IsUniqueViolation(err):
			result = "conflict"
			return p, common.Conflict(checkout.CodeAlreadyLinked, "order already has a completed payment")
		}
		return p, fmt.Errorf("link payment: %w", err)
	}
	result = "linked"
	s.emit(ctx, events.TopicPaymentLinked, linked)
	s.Logger.Info().Str("reference", linked.Reference).Str("order_id", orderID).Str("path", path).Msg("payment_linked")
	return linked, nil
}

// PaymentsForOrder lists the payments bound to an order.
func (s *Service) PaymentsForOrder(ctx context.Context, orderID string) ([]checkout.Payment, error) {
	oid, err := store.ParseUUID(strings.TrimSpace(orderID))
	if err != nil {
		return nil, common.BadRequest("BAD_REQUEST", "invalid order id")
	}
	rows, err := s.Store.ListPaymentsByOrder(ctx, oid)
	if err != nil {
		return nil, err
	}
	out := make([]checkout.Payment, 0, len(rows))
	for _, p := range rows {
		out = append(out, ToView(p))
	}
	return out, nil
}

// ReportTimeout handles a client that gave up polling. The gateway is asked
// once more; a payment still undecided is marked timeout and a delayed
// re-check is scheduled, so a late success can still correct it.
func (s *Service) ReportTimeout(ctx context.Context, req checkout.TimeoutRequest) (checkout.TimeoutResponse, error) {
	var (
		p   store.Payment
		err error
	)
	switch {
	case strings.TrimSpace(req.PaymentID) != "":
		p, err = s.byID(ctx, req.PaymentID)
	case strings.TrimSpace(req.Reference) != "":
		p, err = s.byReference(ctx, req.Reference)
	default:
		return checkout.TimeoutResponse{}, common.BadRequest(checkout.CodeValidation, "paymentId or reference is required")
	}
	if err != nil {
		return checkout.TimeoutResponse{}, err
	}
	ctx, span := otel.Tracer("payment.Service").Start(ctx, "PaymentService.ReportTimeout")
	defer span.End()
	span.SetAttributes(attribute.String("payment.reference", p.Reference))

	ttl := s.LockTTL
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	check := func(ctx context.Context) error {
		cur, err := s.Store.GetPaymentByID(ctx, p.ID)
		if err != nil {
			return err
		}
		p = cur
		if p.Status.IsFinal() {
			return nil
		}
		if refreshed, err := s.refresh(ctx, p, SourceTimeout); err != nil {
			s.Logger.Warn().Err(err).Str("reference", p.Reference).Msg("timeout_recheck_failed")
		} else {
			p = refreshed
		}
		if p.Status.IsFinal() {
			return nil
		}
		p, _, err = s.applyStatus(ctx, p, checkout.StatusTimeout, "", nil, SourceTimeout)
		if err != nil {
			return err
		}
		if s.Jobs != nil {
			if err := s.Jobs.ScheduleRecheck(ctx, p.Reference, s.RecheckDelay); err != nil {
				s.Logger.Warn().Err(err).Str("reference", p.Reference).Msg("recheck_schedule_failed")
			}
		}
		return nil
	}
	if s.Locker != nil {
		err = s.Locker.TryWithLock(ctx, "payment:timeout:"+p.Reference, ttl, check)
		if errors.Is(err, lock.ErrNotAcquired) {
			// another report is re-checking; answer with what is stored now
			p, err = s.Store.GetPaymentByID(ctx, p.ID)
		}
	} else {
		err = check(ctx)
	}
	if err != nil {
		return checkout.TimeoutResponse{}, err
	}
	obs.Inc(obs.PaymentTimeoutReports, string(p.Status))
	s.Logger.Info().Str("reference", p.Reference).Str("status", string(p.Status)).Str("reason", req.Reason).Msg("payment_timeout_reported")
	return checkout.TimeoutResponse{Status: p.Status, OrderID: store.UUIDString(p.OrderID)}, nil
}

// FinalizeByReference creates the order for a completed payment from the
// snapshot stored at initiation, then links the two. It is safe to repeat.
func (s *Service) FinalizeByReference(ctx context.Context, reference string) (checkout.FinalizeResponse, error) {
	if s.Orders == nil {
		return checkout.FinalizeResponse{}, errors.New("payment service has no order creator")
	}
	p, err := s.byReference(ctx, reference)
	if err != nil {
		return checkout.FinalizeResponse{}, err
	}
	if p.OrderID.Valid {
		return checkout.FinalizeResponse{Success: true, OrderID: store.UUIDString(p.OrderID)}, nil
	}
	if !p.Status.IsSuccess() {
		return checkout.FinalizeResponse{}, common.Conflict(checkout.CodePaymentNotCompleted, "payment is not completed").
			WithDetails(map[string]string{"status": string(p.Status)})
	}
	var snap checkout.Snapshot
	if len(p.Snapshot) == 0 || json.Unmarshal(p.Snapshot, &snap) != nil || len(snap.Cart) == 0 {
		return checkout.FinalizeResponse{}, common.Conflict(checkout.CodeSnapshotMissing, "no cart was stored for this payment")
	}
	o, _, err := s.Orders.Create(ctx, checkout.CreateOrderRequest{
		IdempotencyKey:   p.Reference,
		PaymentReference: p.Reference,
		Method:           p.Method,
		Cart:             snap.Cart,
		Delivery:         snap.Delivery,
	})
	if err != nil {
		return checkout.FinalizeResponse{}, err
	}
	orderID := store.UUIDString(o.ID)
	if _, err := s.link(ctx, p, orderID, "finalize"); err != nil {
		// the order exists; the reconcile job retries the link
		s.Logger.Warn().Err(err).Str("reference", p.Reference).Str("order_id", orderID).Msg("finalize_link_failed")
	}
	return checkout.FinalizeResponse{Success: true, OrderID: orderID}, nil
}

// Recheck refreshes a non-final or timed out payment from the gateway. It
// backs the delayed job scheduled by ReportTimeout.
func (s *Service) Recheck(ctx context.Context, reference string) (checkout.Status, error) {
	p, err := s.byReference(ctx, reference)
	if err != nil {
		return "", err
	}
	if p.Status.IsFinal() {
		return p.Status, nil
	}
	p, err = s.refresh(ctx, p, SourceRecheck)
	if err != nil {
		return p.Status, err
	}
	return p.Status, nil
}

// ReconcileUnlinked links completed payments that have sat without an order
// for longer than olderThan but whose reference already produced one. It
// returns how many payments were linked.
func (s *Service) ReconcileUnlinked(ctx context.Context, olderThan time.Duration, limit int32) (int, error) {
	rows, err := s.Store.ListUnlinkedCompletedPayments(ctx, store.ListUnlinkedCompletedPaymentsParams{
		UpdatedBefore: s.clock().Add(-olderThan),
		Limit:         limit,
	})
	if err != nil {
		return 0, fmt.Errorf("list unlinked payments: %w", err)
	}
	linked := 0
	for _, p := range rows {
		if ctx.Err() != nil {
			return linked, ctx.Err()
		}
		o, err := s.Store.GetOrderByPaymentReference(ctx, p.Reference)
		if err != nil {
			if !store.IsNotFound(err) {
				s.Logger.Warn().Err(err).Str("reference", p.Reference).Msg("reconcile_lookup_failed")
			}
			continue
		}
		if _, err := s.link(ctx, p, store.UUIDString(o.ID), "reconcile"); err != nil {
			s.Logger.Warn().Err(err).Str("reference", p.Reference).Msg("reconcile_link_failed")
			continue
		}
		linked++
	}
	return linked, nil
}

func (s *Service) byReference(ctx context.Context, reference string) (store.Payment, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return store.Payment{}, common.BadRequest(checkout.CodeValidation, "reference is required")
	}
	p, err := s.Store.GetPaymentByReference(ctx, reference)
	if err != nil {
		if store.IsNotFound(err) {
			return store.Payment{}, common.NotFound(checkout.CodePaymentNotFound, "payment not found")
		}
		return store.Payment{}, err
	}
	return p, nil
}

func (s *Service) byID(ctx context.Context, id string) (store.Payment, error) {
	pid, err := store.ParseUUID(strings.TrimSpace(id))
	if err != nil {
		return store.Payment{}, common.BadRequest(checkout.CodeValidation, "invalid payment id")
	}
	p, err := s.Store.GetPaymentByID(ctx, pid)
	if err != nil {
		if store.IsNotFound(err) {
			return store.Payment{}, common.NotFound(checkout.CodePaymentNotFound, "payment not found")
		}
		return store.Payment{}, err
	}
	return p, nil
}

func (s *Service) emit(ctx context.Context, topic string, p store.Payment) {
	if s.Events == nil {
		return
	}
	payload := map[string]any{
		"paymentId": store.UUIDString(p.ID),
		"reference": p.Reference,
		"status":    string(p.Status),
		"amount":    p.Amount,
	}
	if p.OrderID.Valid {
		payload["orderId"] = store.UUIDString(p.OrderID)
	}
	if _, err := s.Events.Emit(ctx, topic, p.ID, payload); err != nil {
		s.Logger.Warn().Err(err).Str("topic", topic).Str("reference", p.Reference).Msg("payment_event_emit_failed")
	}
}

func statusResponse(p store.Payment) checkout.StatusResponse {
	return checkout.StatusResponse{
		Reference: p.Reference,
		Status:    p.Status,
		OrderID:   store.UUIDString(p.OrderID),
		PaymentID: store.UUIDString(p.ID),
	}
}

// ToView renders a payment for the API.
func ToView(p store.Payment) checkout.Payment {
	return checkout.Payment{
		ID:        store.UUIDString(p.ID),
		Reference: p.Reference,
		Provider:  p.Provider,
		Method:    p.Method,
		Amount:    p.Amount,
		Status:    p.Status,
		OrderID:   store.UUIDString(p.OrderID),
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}
