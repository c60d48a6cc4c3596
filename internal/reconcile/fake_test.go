package reconcile_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-checkout/internal/checkout"
	"github.com/noah-isme/toko-checkout/internal/reconcile"
)

// fakeAPI is a scripted backend. Statuses are served in order; the last one
// repeats.
type fakeAPI struct {
	mu sync.Mutex

	initiateResp  checkout.InitiateResponse
	initiateErr   error
	initiateDelay time.Duration
	initiateCalls int

	statuses      []checkout.Status
	statusOrderID string
	statusErr     error
	statusCalls   int

	timeoutResp  checkout.TimeoutResponse
	timeoutErr   error
	timeoutCalls int

	flag        checkout.OrdersEnabled
	flagErr     error
	createErr   error
	createDelay time.Duration
	createCalls int
	created     []checkout.CreateOrderRequest
	orders      map[string]checkout.Order

	linkErr   error
	links     []checkout.LinkRequest
	updateErr error
	updates   [][2]string

	finalizeResp  checkout.FinalizeResponse
	finalizeErr   error
	finalizeCalls int

	orderPayments map[string][]checkout.Payment
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		initiateResp: checkout.InitiateResponse{Success: true, Reference: "R1", SessionID: "S1", PaymentID: "P1"},
		statuses:     []checkout.Status{checkout.StatusPending},
		flag:         checkout.OrdersEnabled{Enabled: true},
		orders:       map[string]checkout.Order{},
	}
}

func (f *fakeAPI) Initiate(_ context.Context, _ checkout.InitiateRequest) (checkout.InitiateResponse, error) {
	f.mu.Lock()
	f.initiateCalls++
	delay := f.initiateDelay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initiateResp, f.initiateErr
}

func (f *fakeAPI) StatusByReference(_ context.Context, ref string) (checkout.StatusResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	if f.statusErr != nil {
		return checkout.StatusResponse{}, f.statusErr
	}
	i := f.statusCalls - 1
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	return checkout.StatusResponse{Reference: ref, Status: f.statuses[i], OrderID: f.statusOrderID, PaymentID: "P1"}, nil
}

func (f *fakeAPI) Finalize(_ context.Context, _ string) (checkout.FinalizeResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalizeCalls++
	return f.finalizeResp, f.finalizeErr
}

func (f *fakeAPI) Link(_ context.Context, req checkout.LinkRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.links = append(f.links, req)
	return f.linkErr
}

func (f *fakeAPI) UpdatePaymentOrder(_ context.Context, paymentID, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, [2]string{paymentID, orderID})
	return f.updateErr
}

func (f *fakeAPI) PaymentsForOrder(_ context.Context, orderID string) ([]checkout.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.orderPayments[orderID], nil
}

func (f *fakeAPI) ReportTimeout(_ context.Context, _ checkout.TimeoutRequest) (checkout.TimeoutResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timeoutCalls++
	return f.timeoutResp, f.timeoutErr
}

func (f *fakeAPI) OrdersEnabled(context.Context) (checkout.OrdersEnabled, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flag, f.flagErr
}

func (f *fakeAPI) CreateOrder(_ context.Context, req checkout.CreateOrderRequest) (checkout.Order, error) {
	f.mu.Lock()
	f.createCalls++
	delay := f.createDelay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return checkout.Order{}, f.createErr
	}
	f.created = append(f.created, req)
	if o, ok := f.orders[req.IdempotencyKey]; ok {
		return o, nil
	}
	total, err := checkout.Snapshot{Cart: req.Cart}.Total()
	if err != nil {
		return checkout.Order{}, err
	}
	o := checkout.Order{
		ID:               fmt.Sprintf("ord-%d", len(f.orders)+1),
		Method:           req.Method,
		Total:            total,
		PaymentReference: req.PaymentReference,
	}
	f.orders[req.IdempotencyKey] = o
	return o, nil
}

type calls struct {
	initiate int
	status   int
	timeout  int
	create   int
	finalize int
	orders   int
	created  []checkout.CreateOrderRequest
	links    []checkout.LinkRequest
	updates  [][2]string
}

func (f *fakeAPI) calls() calls {
	f.mu.Lock()
	defer f.mu.Unlock()
	return calls{
		initiate: f.initiateCalls,
		status:   f.statusCalls,
		timeout:  f.timeoutCalls,
		create:   f.createCalls,
		finalize: f.finalizeCalls,
		orders:   len(f.orders),
		created:  append([]checkout.CreateOrderRequest(nil), f.created...),
		links:    append([]checkout.LinkRequest(nil), f.links...),
		updates:  append([][2]string(nil), f.updates...),
	}
}

type event struct {
	kind string
	arg  string
	err  error
}

// recorder is a Presenter that keeps what it was shown.
type recorder struct {
	mu     sync.Mutex
	events []event
}

func (r *recorder) add(e event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) PaymentRedirect(url string) { r.add(event{kind: "redirect", arg: url}) }
func (r *recorder) PaymentPending(p reconcile.PendingPayment) {
	r.add(event{kind: "pending", arg: p.Reference})
}
func (r *recorder) AwaitingConfirmation(p reconcile.PendingPayment) {
	r.add(event{kind: "confirm", arg: p.Reference})
}
func (r *recorder) OrderPlaced(id string, linkErr error) {
	r.add(event{kind: "placed", arg: id, err: linkErr})
}
func (r *recorder) OrderFailed(err error)   { r.add(event{kind: "order_failed", err: err}) }
func (r *recorder) PaymentFailed(err error) { r.add(event{kind: "payment_failed", err: err}) }
func (r *recorder) NavigateHome()           { r.add(event{kind: "home"}) }

func (r *recorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.kind)
	}
	return out
}

func (r *recorder) last(kind string) (event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].kind == kind {
			return r.events[i], true
		}
	}
	return event{}, false
}

type harness struct {
	api     *fakeAPI
	mr      *miniredis.Miniredis
	client  *redis.Client
	storage reconcile.RedisStorage
	view    *recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return &harness{
		api:     newFakeAPI(),
		mr:      mr,
		client:  client,
		storage: reconcile.RedisStorage{R: client},
		view:    &recorder{},
	}
}

// checkout builds a Checkout for session sid with fast polling.
func (h *harness) checkout(sid string, push reconcile.PushSource) *reconcile.Checkout {
	return reconcile.New(h.api, h.storage, push, h.view, reconcile.Options{
		SessionID:   sid,
		RedirectURL: "https://shop.example/checkout/return",
		Poller:      reconcile.PollerConfig{MaxAttempts: 12, BaseDelay: time.Millisecond, Interval: time.Millisecond},
		Debounce:    10 * time.Millisecond,
		Logger:      zerolog.Nop(),
	})
}

func cart() []checkout.CartLine {
	return []checkout.CartLine{
		{ProductID: "11111111-1111-1111-1111-111111111111", Name: "Tea", Price: 1500, Quantity: 2},
		{ProductID: "22222222-2222-2222-2222-222222222222", Name: "Mug", Price: 2000, Quantity: 1},
	}
}

func fill(method checkout.Method) func(*checkout.Snapshot) {
	return func(s *checkout.Snapshot) {
		s.Cart = cart()
		s.Method = method
		s.Delivery = checkout.Delivery{Name: "Amina", Email: "amina@example.com", Address: "Plot 4", City: "Kampala", Phone: "0772000000"}
		if method.IsMobileMoney() {
			s.MobileMoneyPhone = "0772123456"
		}
	}
}
