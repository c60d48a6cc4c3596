package reconcile

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	validator "github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-checkout/internal/checkout"
)

// Presenter receives every user-visible outcome of a checkout attempt.
type Presenter interface {
	PaymentRedirect(url string)
	PaymentPending(p PendingPayment)
	// AwaitingConfirmation asks the shopper to confirm a success claimed
	// only by the gateway's return redirect.
	AwaitingConfirmation(p PendingPayment)
	OrderPlaced(orderID string, linkErr error)
	OrderFailed(err error)
	PaymentFailed(err error)
	NavigateHome()
}

// NopPresenter discards every outcome.
type NopPresenter struct{}

func (NopPresenter) PaymentRedirect(string)              {}
func (NopPresenter) PaymentPending(PendingPayment)       {}
func (NopPresenter) AwaitingConfirmation(PendingPayment) {}
func (NopPresenter) OrderPlaced(string, error)           {}
func (NopPresenter) OrderFailed(error)                   {}
func (NopPresenter) PaymentFailed(error)                 {}
func (NopPresenter) NavigateHome()                       {}

// Options configures a Checkout.
type Options struct {
	SessionID    string
	RedirectURL  string
	Poller       PollerConfig
	Debounce     time.Duration
	ReferenceTTL time.Duration
	Validate     *validator.Validate
	Logger       zerolog.Logger
}

// Checkout drives one shopper's checkout from submission to a linked order.
type Checkout struct {
	Session      *SessionStore
	References   *ReferenceStore
	State        *State
	Initiator    *Initiator
	Poller       *Poller
	Supervisor   *Supervisor
	Materializer *Materializer
	Finalizer    *Finalizer
	Presenter    Presenter
	RedirectURL  string
	Logger       zerolog.Logger

	mu          sync.Mutex
	snap        checkout.Snapshot
	pending     PendingPayment
	provisional bool
	finalizing  bool
	attemptKey  string
	now         func() time.Time
}

// New wires a Checkout whose components share one State.
func New(api Backend, storage Storage, push PushSource, presenter Presenter, opts Options) *Checkout {
	logger := opts.Logger.With().Str("session", opts.SessionID).Logger()
	if presenter == nil {
		presenter = NopPresenter{}
	}
	state := NewState()
	session := NewSessionStore(storage, opts.SessionID, logger)
	if opts.Debounce > 0 {
		session.Debounce = opts.Debounce
	}
	refs := &ReferenceStore{Storage: storage, SessionID: opts.SessionID, TTL: opts.ReferenceTTL, Logger: logger}
	poller := &Poller{
		API:      api,
		State:    state,
		Reporter: &TimeoutReporter{API: api, State: state, Logger: logger},
		Config:   opts.Poller,
		Logger:   logger,
	}
	mat := &Materializer{Orders: api, Payments: api, State: state, Logger: logger}
	return &Checkout{
		Session:      session,
		References:   refs,
		State:        state,
		Initiator:    &Initiator{API: api, References: refs, Validate: opts.Validate, Logger: logger},
		Poller:       poller,
		Supervisor:   &Supervisor{Poller: poller, Push: push, State: state, Logger: logger},
		Materializer: mat,
		Finalizer: &Finalizer{
			Payments:     api,
			Materializer: mat,
			Linker:       &Linker{API: api, Logger: logger},
			Logger:       logger,
		},
		Presenter:   presenter,
		RedirectURL: opts.RedirectURL,
		Logger:      logger,
	}
}

// Restore loads the stored session around cart, the cart currently held in
// memory. A retry session keeps its form and method but not its cart when
// cart is non-empty.
func (c *Checkout) Restore(ctx context.Context, cart []checkout.CartLine) (checkout.Snapshot, error) {
	stored, ok, err := c.Session.Load(ctx)
	if err != nil {
		return checkout.Snapshot{}, err
	}
	mem := checkout.Snapshot{Cart: cart}
	var snap checkout.Snapshot
	switch {
	case !ok:
		snap = mem.Clone()
	case !stored.Retry && len(stored.Cart) > 0:
		snap = stored
	default:
		snap = Merge(mem, stored)
	}
	c.mu.Lock()
	c.snap = snap
	c.mu.Unlock()
	return snap.Clone(), nil
}

// Update edits the snapshot and schedules it to be saved.
func (c *Checkout) Update(fn func(*checkout.Snapshot)) checkout.Snapshot {
	c.mu.Lock()
	fn(&c.snap)
	c.snap.UpdatedAt = c.clock().UTC()
	snap := c.snap.Clone()
	c.mu.Unlock()
	c.Session.Save(snap)
	return snap
}

func (c *Checkout) Snapshot() checkout.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap.Clone()
}

// Submit starts a checkout attempt with the current snapshot. Cash on
// delivery places the order immediately; other methods initiate a payment
// and either redirect or wait for it to resolve.
func (c *Checkout) Submit(ctx context.Context) error {
	snap := c.Snapshot()
	start := PhaseInitiating
	if snap.Method == checkout.MethodCOD {
		start = PhaseCreatingOrder
	}
	if !c.State.TryBegin(start, PhaseInitiating, PhaseAwaitingPayment, PhaseCreatingOrder) {
		return ErrAttemptInProgress
	}
	if snap.Method == checkout.MethodCOD {
		return c.placeCashOrder(ctx, snap)
	}

	c.Session.Save(snap)
	if err := c.Session.Flush(ctx); err != nil {
		c.Logger.Warn().Err(err).Msg("session_flush_failed")
	}
	req, err := c.initiateRequest(snap)
	if err != nil {
		c.State.Release(PhaseInitiating)
		return err
	}
	started, err := c.Initiator.Start(ctx, req)
	if err != nil {
		c.State.Release(PhaseInitiating)
		return err
	}
	c.State.SetPhase(PhaseAwaitingPayment)
	c.mu.Lock()
	c.pending = started.Pending
	c.provisional = false
	c.mu.Unlock()

	if started.Kind == OutcomeRedirect {
		c.State.SetRedirecting(true)
		c.Presenter.PaymentRedirect(started.Pending.CheckoutURL)
		return nil
	}
	c.Presenter.PaymentPending(started.Pending)
	return c.await(ctx, started.Pending)
}

func (c *Checkout) initiateRequest(snap checkout.Snapshot) (checkout.InitiateRequest, error) {
	total, err := snap.Total()
	if err != nil {
		return checkout.InitiateRequest{}, &ValidationError{Fields: map[string]string{"cart": "total"}}
	}
	phone := snap.Delivery.Phone
	if snap.Method.IsMobileMoney() {
		phone = snap.MobileMoneyPhone
	}
	return checkout.InitiateRequest{
		Amount:        total,
		Method:        snap.Method,
		CustomerPhone: phone,
		CustomerEmail: snap.Delivery.Email,
		CustomerName:  snap.Delivery.Name,
		RedirectURL:   c.RedirectURL,
		Cart:          snap.Cart,
		Delivery:      snap.Delivery,
	}, nil
}

func (c *Checkout) placeCashOrder(ctx context.Context, snap checkout.Snapshot) error {
	c.mu.Lock()
	if c.attemptKey == "" {
		c.attemptKey = uuid.NewString()
	}
	key := c.attemptKey
	c.mu.Unlock()

	var order checkout.Order
	err := c.State.Apply(ctx, PhaseCreatingOrder, func(ctx context.Context) error {
		var err error
		order, err = c.Materializer.Create(ctx, snap, Evidence{}, key)
		return err
	})
	if err != nil {
		c.State.Release(PhaseCreatingOrder)
		if !errors.Is(err, ErrCreateInFlight) {
			c.Presenter.OrderFailed(err)
		}
		return err
	}
	return c.complete(ctx, order.ID, nil)
}

// AwaitPayment resumes waiting on the stored pending payment.
func (c *Checkout) AwaitPayment(ctx context.Context) error {
	pending, ok, err := c.References.Get(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoPendingPayment
	}
	c.State.SetPhase(PhaseAwaitingPayment)
	c.mu.Lock()
	c.pending = pending
	c.mu.Unlock()
	c.Presenter.PaymentPending(pending)
	return c.await(ctx, pending)
}

// ReturnParams are the query parameters the gateway appends when it sends
// the shopper back.
type ReturnParams struct {
	Reference string
	OrderID   string
	// Payment is the gateway's own claim, e.g. "success" or "cancelled".
	Payment string
}

// ParseReturn reads ReturnParams from a return URL's query.
func ParseReturn(q url.Values) ReturnParams {
	pick := func(keys ...string) string {
		for _, k := range keys {
			if v := strings.TrimSpace(q.Get(k)); v != "" {
				return v
			}
		}
		return ""
	}
	return ReturnParams{
		Reference: pick("reference", "ref", "order_ref"),
		OrderID:   pick("orderId", "order_id"),
		Payment:   pick("payment", "status"),
	}
}

// Resume continues after the shopper returns from the gateway. An order id
// is verified through its payments while the reference is polled; a bare
// success claim waits for an explicit ConfirmOrder.
func (c *Checkout) Resume(ctx context.Context, params ReturnParams) error {
	c.State.SetRedirecting(false)
	pending, ok, err := c.References.Get(ctx)
	if err != nil {
		return err
	}
	if !ok || (params.Reference != "" && params.Reference != pending.Reference) {
		if params.Reference == "" && params.OrderID == "" {
			return ErrNoPendingPayment
		}
		pending = PendingPayment{Reference: params.Reference}
	}
	c.State.SetPhase(PhaseAwaitingPayment)
	c.mu.Lock()
	c.pending = pending
	c.provisional = false
	c.mu.Unlock()

	if params.OrderID != "" {
		return c.awaitOrder(ctx, params.OrderID, pending)
	}
	if params.Payment != "" && checkout.ParseStatus(params.Payment).IsSuccess() {
		c.mu.Lock()
		c.provisional = true
		c.mu.Unlock()
		c.Presenter.AwaitingConfirmation(pending)
		return nil
	}
	c.Presenter.PaymentPending(pending)
	return c.await(ctx, pending)
}

func (c *Checkout) awaitOrder(ctx context.Context, orderID string, pending PendingPayment) error {
	c.Presenter.PaymentPending(pending)
	if pending.Reference == "" {
		res, err := c.Poller.VerifyOrder(ctx, orderID)
		switch {
		case errors.Is(err, ErrNotVerified):
			// nothing left to poll; keep the form so the shopper can retry
			return c.fail(ctx, err, PhaseTimedOut, false)
		case err != nil && !errors.Is(err, ErrAlreadyResolved):
			return err
		}
		return c.settle(ctx, res, pending)
	}
	go func() {
		if _, err := c.Poller.VerifyOrder(ctx, orderID); err != nil && !errors.Is(err, ErrAlreadyResolved) {
			c.Logger.Debug().Err(err).Str("order_id", orderID).Msg("order_check_stopped")
		}
	}()
	return c.await(ctx, pending)
}

// ConfirmOrder is the shopper's explicit go-ahead. It retries order creation
// for a resolved success, or acts on a provisional success claim.
func (c *Checkout) ConfirmOrder(ctx context.Context) error {
	if c.State.Phase() == PhaseCompleted {
		return nil
	}
	c.mu.Lock()
	pending, provisional := c.pending, c.provisional
	c.mu.Unlock()

	if res, ok := c.State.Resolution(); ok && res.Err == nil && res.Status.IsSuccess() {
		return c.finalize(ctx, res, pending)
	}
	if !provisional || pending.Reference == "" {
		return ErrNoPendingPayment
	}
	res := Resolution{Status: checkout.StatusCompleted, PaymentID: pending.PaymentID, Source: SourceReturn}
	return c.finalize(ctx, res, pending)
}

func (c *Checkout) await(ctx context.Context, pending PendingPayment) error {
	res, err := c.Supervisor.Await(ctx, pending)
	if err != nil {
		return err
	}
	return c.settle(ctx, res, pending)
}

func (c *Checkout) settle(ctx context.Context, res Resolution, pending PendingPayment) error {
	switch {
	case res.Err == nil && res.Status.IsSuccess():
		return c.finalize(ctx, res, pending)
	case errors.Is(res.Err, ErrPaymentTimeout):
		return c.fail(ctx, res.Err, PhaseTimedOut, false)
	case res.Err != nil:
		return c.fail(ctx, res.Err, PhaseFailed, true)
	default:
		return c.fail(ctx, ErrPaymentTimeout, PhaseTimedOut, false)
	}
}

func (c *Checkout) finalize(ctx context.Context, res Resolution, pending PendingPayment) error {
	c.mu.Lock()
	if c.finalizing {
		c.mu.Unlock()
		return ErrCreateInFlight
	}
	c.finalizing = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.finalizing = false
		c.mu.Unlock()
	}()

	snap := c.Snapshot()
	var local *checkout.Snapshot
	if len(snap.Cart) > 0 {
		local = &snap
	}
	var out Finalized
	err := c.State.Apply(ctx, PhaseCreatingOrder, func(ctx context.Context) error {
		var err error
		out, err = c.Finalizer.Finalize(ctx, res, pending, local)
		return err
	})
	if err != nil {
		var terminal *TerminalPaymentError
		switch {
		case errors.Is(err, ErrCreateInFlight):
		case errors.As(err, &terminal):
			c.State.Resolve(Resolution{Status: terminal.Status, Source: res.Source, Err: err})
			return c.fail(ctx, err, PhaseFailed, true)
		default:
			c.Presenter.OrderFailed(err)
		}
		return err
	}
	c.State.Resolve(res)
	return c.complete(ctx, out.OrderID, out.LinkErr)
}

// complete finishes the attempt. The session and reference are only cleared
// once the order is linked; an unlinked order keeps them for a later retry.
func (c *Checkout) complete(ctx context.Context, orderID string, linkErr error) error {
	c.State.SetPhase(PhaseCompleted)
	c.mu.Lock()
	c.provisional = false
	c.attemptKey = ""
	if linkErr == nil {
		c.snap = checkout.Snapshot{}
	}
	c.mu.Unlock()

	if linkErr == nil {
		if err := c.Session.Clear(ctx); err != nil {
			c.Logger.Warn().Err(err).Msg("session_clear_failed")
		}
		if err := c.References.Clear(ctx); err != nil {
			c.Logger.Warn().Err(err).Msg("payment_reference_clear_failed")
		}
	} else {
		c.Logger.Warn().Err(linkErr).Str("order_id", orderID).Msg("order_placed_unlinked")
	}
	c.Presenter.OrderPlaced(orderID, linkErr)
	return nil
}

// fail ends the attempt without an order. The form is kept in retry mode;
// a terminal failure also drops the payment reference while a timeout keeps
// it so a late success can still be found.
func (c *Checkout) fail(ctx context.Context, cause error, phase Phase, dropReference bool) error {
	c.mu.Lock()
	c.snap.Retry = true
	c.snap.UpdatedAt = c.clock().UTC()
	snap := c.snap.Clone()
	c.provisional = false
	c.mu.Unlock()

	c.Session.Save(snap)
	if err := c.Session.Flush(ctx); err != nil {
		c.Logger.Warn().Err(err).Msg("session_flush_failed")
	}
	if dropReference {
		if err := c.References.Clear(ctx); err != nil {
			c.Logger.Warn().Err(err).Msg("payment_reference_clear_failed")
		}
	}
	c.State.SetPhase(phase)
	c.Logger.Info().Err(cause).Str("phase", string(phase)).Msg("checkout_attempt_failed")
	c.Presenter.PaymentFailed(cause)
	return cause
}

// WatchEmptyCart navigates home once cartEmpty has held for grace, unless an
// order is being created, a redirect is under way or the attempt completed.
// The stored session is left alone.
func (c *Checkout) WatchEmptyCart(ctx context.Context, cartEmpty func() bool, interval, grace time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var since time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if !cartEmpty() || c.State.Busy() || c.State.Phase() == PhaseCompleted {
				since = time.Time{}
				continue
			}
			if since.IsZero() {
				since = now
			}
			if now.Sub(since) >= grace {
				c.Presenter.NavigateHome()
				return nil
			}
		}
	}
}

func (c *Checkout) clock() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}
