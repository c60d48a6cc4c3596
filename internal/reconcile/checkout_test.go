package reconcile_test

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-checkout/internal/checkout"
	"github.com/noah-isme/toko-checkout/internal/reconcile"
)

func TestMobileMoneyCheckoutPlacesLinkedOrder(t *testing.T) {
	h := newHarness(t)
	h.api.statuses = []checkout.Status{checkout.StatusPending, checkout.StatusPending, checkout.StatusPending, checkout.StatusCompleted}
	ctx := context.Background()

	c := h.checkout("sess-1", nil)
	_, err := c.Restore(ctx, cart())
	require.NoError(t, err)
	c.Update(fill(checkout.MethodMTNMoMo))
	total, err := c.Snapshot().Total()
	require.NoError(t, err)
	require.EqualValues(t, 5000, total)

	require.NoError(t, c.Submit(ctx))

	calls := h.api.calls()
	require.Equal(t, 1, calls.initiate)
	require.Equal(t, 4, calls.status)
	require.Len(t, calls.created, 1)
	require.Equal(t, "R1", calls.created[0].IdempotencyKey)
	require.Equal(t, "R1", calls.created[0].PaymentReference)
	require.Equal(t, []checkout.LinkRequest{{OrderID: "ord-1", Reference: "R1"}}, calls.links)

	require.Equal(t, []string{"pending", "placed"}, h.view.kinds())
	placed, _ := h.view.last("placed")
	require.Equal(t, "ord-1", placed.arg)
	require.NoError(t, placed.err)

	require.Equal(t, reconcile.PhaseCompleted, c.State.Phase())
	require.False(t, h.mr.Exists(reconcile.SessionKey("sess-1")))
	require.False(t, h.mr.Exists(reconcile.PaymentKey("sess-1")))

	// polling R1 again finds the attempt settled and does nothing
	res, err := c.Poller.PollReference(ctx, reconcile.PendingPayment{Reference: "R1", SessionID: "S1"})
	require.ErrorIs(t, err, reconcile.ErrAlreadyResolved)
	require.Equal(t, checkout.StatusCompleted, res.Status)
	after := h.api.calls()
	require.Equal(t, 4, after.status)
	require.Equal(t, 1, after.orders)
	require.Len(t, after.links, 1)
}

func TestMobileMoneyWithoutPhoneSendsNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.checkout("sess-v", nil)
	c.Update(fill(checkout.MethodMTNMoMo))
	c.Update(func(s *checkout.Snapshot) { s.MobileMoneyPhone = "" })

	err := c.Submit(ctx)
	var verr *reconcile.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "required", verr.Fields["customerPhone"])
	require.Zero(t, h.api.calls().initiate)
	require.False(t, h.mr.Exists(reconcile.PaymentKey("sess-v")))
	require.Equal(t, reconcile.PhaseIdle, c.State.Phase())
}

func TestGatewayRejectionMessageIsVerbatim(t *testing.T) {
	h := newHarness(t)
	h.api.initiateErr = &checkout.APIError{
		Status:  http.StatusUnprocessableEntity,
		Code:    checkout.CodeGatewayRejected,
		Message: "phone number is not registered for mobile money",
	}
	c := h.checkout("sess-r", nil)
	c.Update(fill(checkout.MethodAirtelMoney))

	err := c.Submit(context.Background())
	var rejected *reconcile.GatewayRejectedError
	require.ErrorAs(t, err, &rejected)
	require.Equal(t, "phone number is not registered for mobile money", rejected.Message)
	require.False(t, h.mr.Exists(reconcile.PaymentKey("sess-r")))

	h.api.initiateErr = &checkout.APIError{Status: http.StatusBadGateway, Code: checkout.CodeGatewayUnavailable, Message: "down"}
	var netErr *reconcile.NetworkError
	require.ErrorAs(t, c.Submit(context.Background()), &netErr)
}

func TestCardReturnNeedsExplicitConfirmation(t *testing.T) {
	h := newHarness(t)
	h.api.initiateResp = checkout.InitiateResponse{Success: true, Reference: "R1", PaymentID: "P1", CheckoutURL: "https://pay.example/R1"}
	ctx := context.Background()

	before := h.checkout("sess-card", nil)
	before.Update(fill(checkout.MethodCard))
	require.NoError(t, before.Submit(ctx))
	require.Equal(t, []string{"redirect"}, h.view.kinds())
	require.True(t, before.State.Busy())
	require.True(t, h.mr.Exists(reconcile.SessionKey("sess-card")))

	// back from the hosted page in a fresh process
	after := h.checkout("sess-card", nil)
	snap, err := after.Restore(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, cart(), snap.Cart)

	q := url.Values{"reference": {"R1"}, "payment": {"success"}}
	require.NoError(t, after.Resume(ctx, reconcile.ParseReturn(q)))
	require.Zero(t, h.api.calls().create, "a return redirect alone must not place an order")
	ev, ok := h.view.last("confirm")
	require.True(t, ok)
	require.Equal(t, "R1", ev.arg)

	h.api.statuses = []checkout.Status{checkout.StatusPending}
	require.NoError(t, after.ConfirmOrder(ctx))
	calls := h.api.calls()
	require.Len(t, calls.created, 1)
	require.Equal(t, "R1", calls.created[0].IdempotencyKey)
	require.Equal(t, reconcile.PhaseCompleted, after.State.Phase())
	require.False(t, h.mr.Exists(reconcile.PaymentKey("sess-card")))
}

func TestProvisionalSuccessRefusedAfterTerminalFailure(t *testing.T) {
	h := newHarness(t)
	h.api.initiateResp = checkout.InitiateResponse{Success: true, Reference: "R1", CheckoutURL: "https://pay.example/R1"}
	h.api.statuses = []checkout.Status{checkout.StatusFailed}
	ctx := context.Background()

	c := h.checkout("sess-pf", nil)
	c.Update(fill(checkout.MethodCard))
	require.NoError(t, c.Submit(ctx))
	require.NoError(t, c.Resume(ctx, reconcile.ReturnParams{Reference: "R1", Payment: "success"}))

	err := c.ConfirmOrder(ctx)
	var terminal *reconcile.TerminalPaymentError
	require.ErrorAs(t, err, &terminal)
	require.Zero(t, h.api.calls().create)
	require.Equal(t, reconcile.PhaseFailed, c.State.Phase())
	require.False(t, h.mr.Exists(reconcile.PaymentKey("sess-pf")))

	stored, ok, err := reconcile.NewSessionStore(h.storage, "sess-pf", c.Logger).Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, stored.Retry)
	require.Equal(t, checkout.MethodCard, stored.Method)
}

func TestPollExhaustionReportsTimeoutOnceAndFinalizesCorrectedSuccess(t *testing.T) {
	h := newHarness(t)
	h.api.timeoutResp = checkout.TimeoutResponse{Status: checkout.StatusCompleted}
	ctx := context.Background()

	c := h.checkout("sess-to", nil)
	c.Update(fill(checkout.MethodMTNMoMo))
	require.NoError(t, c.Submit(ctx))

	calls := h.api.calls()
	require.Equal(t, 12, calls.status)
	require.Equal(t, 1, calls.timeout)
	require.Len(t, calls.created, 1)
	require.Equal(t, "R1", calls.created[0].PaymentReference)
	require.Equal(t, reconcile.PhaseCompleted, c.State.Phase())
	require.Equal(t, []string{"pending", "placed"}, h.view.kinds())
}

func TestConfirmedTimeoutKeepsReferenceForRetry(t *testing.T) {
	h := newHarness(t)
	h.api.timeoutResp = checkout.TimeoutResponse{Status: checkout.StatusTimeout}
	ctx := context.Background()

	c := h.checkout("sess-tt", nil)
	c.Update(fill(checkout.MethodMTNMoMo))
	err := c.Submit(ctx)
	require.ErrorIs(t, err, reconcile.ErrPaymentTimeout)
	require.Equal(t, reconcile.PhaseTimedOut, c.State.Phase())
	require.Zero(t, h.api.calls().create)

	failed, ok := h.view.last("payment_failed")
	require.True(t, ok)
	require.ErrorIs(t, failed.err, reconcile.ErrPaymentTimeout)
	require.True(t, h.mr.Exists(reconcile.PaymentKey("sess-tt")))
	require.True(t, c.Snapshot().Retry)
}

func TestTerminalFailurePreservesForm(t *testing.T) {
	h := newHarness(t)
	h.api.statuses = []checkout.Status{checkout.StatusPending, checkout.StatusCancelled}
	ctx := context.Background()

	c := h.checkout("sess-f", nil)
	c.Update(fill(checkout.MethodMTNMoMo))
	err := c.Submit(ctx)
	var terminal *reconcile.TerminalPaymentError
	require.ErrorAs(t, err, &terminal)
	require.Equal(t, checkout.StatusCancelled, terminal.Status)

	require.Zero(t, h.api.calls().create)
	require.False(t, h.mr.Exists(reconcile.PaymentKey("sess-f")))

	restored := h.checkout("sess-f", nil)
	snap, err := restored.Restore(ctx, nil)
	require.NoError(t, err)
	require.True(t, snap.Retry)
	require.Equal(t, "Kampala", snap.Delivery.City)
	require.Equal(t, cart(), snap.Cart)

	// another method may now be tried
	h.api.statuses = []checkout.Status{checkout.StatusCompleted}
	restored.Update(fill(checkout.MethodAirtelMoney))
	require.NoError(t, restored.Submit(ctx))
	require.Equal(t, reconcile.PhaseCompleted, restored.State.Phase())
}

func TestOrdersDisabledMessageShownVerbatim(t *testing.T) {
	h := newHarness(t)
	h.api.flag = checkout.OrdersEnabled{Enabled: false, Message: "Closed for stock-take until Monday"}
	ctx := context.Background()

	c := h.checkout("sess-off", nil)
	c.Update(fill(checkout.MethodCOD))
	require.NoError(t, c.Session.Flush(ctx))

	err := c.Submit(ctx)
	var blocked *reconcile.PolicyBlockedError
	require.ErrorAs(t, err, &blocked)
	require.Equal(t, "Closed for stock-take until Monday", blocked.Error())
	require.Zero(t, h.api.calls().create)

	failed, ok := h.view.last("order_failed")
	require.True(t, ok)
	require.Equal(t, "Closed for stock-take until Monday", failed.err.Error())
	require.True(t, h.mr.Exists(reconcile.SessionKey("sess-off")))
}

func TestCashOnDeliveryReusesAttemptKey(t *testing.T) {
	h := newHarness(t)
	h.api.createErr = errors.New("connection reset")
	ctx := context.Background()

	c := h.checkout("sess-cod", nil)
	c.Update(fill(checkout.MethodCOD))
	var orderErr *reconcile.OrderCreateError
	require.ErrorAs(t, c.Submit(ctx), &orderErr)
	require.Equal(t, reconcile.ClassGeneric, orderErr.Class)

	h.api.mu.Lock()
	h.api.createErr = nil
	h.api.mu.Unlock()
	require.NoError(t, c.Submit(ctx))

	calls := h.api.calls()
	require.Len(t, calls.created, 1)
	require.NotEmpty(t, calls.created[0].IdempotencyKey)
	require.Empty(t, calls.created[0].PaymentReference)
	require.Empty(t, calls.links)
	require.False(t, h.mr.Exists(reconcile.SessionKey("sess-cod")))
}

func TestConcurrentConfirmationsPlaceOneOrder(t *testing.T) {
	h := newHarness(t)
	h.api.initiateResp = checkout.InitiateResponse{Success: true, Reference: "R1", CheckoutURL: "https://pay.example/R1"}
	h.api.statuses = []checkout.Status{checkout.StatusCompleted}
	h.api.createDelay = 20 * time.Millisecond
	ctx := context.Background()

	c := h.checkout("sess-cc", nil)
	c.Update(fill(checkout.MethodCard))
	require.NoError(t, c.Submit(ctx))
	require.NoError(t, c.Resume(ctx, reconcile.ReturnParams{Reference: "R1", Payment: "success"}))

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.ConfirmOrder(ctx)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			require.ErrorIs(t, err, reconcile.ErrCreateInFlight)
		}
	}
	calls := h.api.calls()
	require.Equal(t, 1, calls.orders)
	for _, req := range calls.created {
		require.Equal(t, "R1", req.IdempotencyKey)
	}
}

func TestConcurrentSubmitsInitiateOnce(t *testing.T) {
	h := newHarness(t)
	h.api.initiateDelay = 50 * time.Millisecond
	h.api.statuses = []checkout.Status{checkout.StatusPending, checkout.StatusCompleted}
	ctx := context.Background()

	c := h.checkout("sess-cs", nil)
	c.Update(fill(checkout.MethodMTNMoMo))

	start := make(chan struct{})
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			errs[i] = c.Submit(ctx)
		}(i)
	}
	close(start)
	wg.Wait()

	var ok, busy int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, reconcile.ErrAttemptInProgress):
			busy++
		default:
			t.Fatalf("unexpected submit error: %v", err)
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 1, busy)

	calls := h.api.calls()
	require.Equal(t, 1, calls.initiate)
	require.Equal(t, 1, calls.orders)
	require.Len(t, calls.links, 1)
	require.Equal(t, reconcile.PhaseCompleted, c.State.Phase())
}

func TestFailedInitiateFreesTheAttempt(t *testing.T) {
	h := newHarness(t)
	h.api.initiateErr = errors.New("connection reset")
	ctx := context.Background()

	c := h.checkout("sess-fi", nil)
	c.Update(fill(checkout.MethodMTNMoMo))
	require.Error(t, c.Submit(ctx))
	require.Equal(t, reconcile.PhaseIdle, c.State.Phase())

	h.api.mu.Lock()
	h.api.initiateErr = nil
	h.api.statuses = []checkout.Status{checkout.StatusCompleted}
	h.api.mu.Unlock()
	require.NoError(t, c.Submit(ctx))
	require.Equal(t, 2, h.api.calls().initiate)
	require.Equal(t, reconcile.PhaseCompleted, c.State.Phase())
}

func TestOversizedCartIsRejectedBeforeInitiate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	c := h.checkout("sess-big", nil)
	c.Update(fill(checkout.MethodMTNMoMo))
	c.Update(func(s *checkout.Snapshot) { s.Cart[0].Quantity = 1<<32 + 1 })
	err := c.Submit(ctx)
	var verr *reconcile.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, 0, h.api.calls().initiate)
	require.Equal(t, reconcile.PhaseIdle, c.State.Phase())
}

func TestUnlinkedOrderKeepsSession(t *testing.T) {
	h := newHarness(t)
	h.api.statuses = []checkout.Status{checkout.StatusCompleted}
	h.api.linkErr = &checkout.APIError{Status: http.StatusConflict, Code: checkout.CodeAlreadyLinked}
	h.api.updateErr = errors.New("connection refused")
	ctx := context.Background()

	c := h.checkout("sess-ul", nil)
	c.Update(fill(checkout.MethodWallet))
	require.NoError(t, c.Submit(ctx))

	placed, ok := h.view.last("placed")
	require.True(t, ok)
	var linkErr *reconcile.LinkError
	require.ErrorAs(t, placed.err, &linkErr)
	require.Equal(t, [][2]string{{"P1", "ord-1"}}, h.api.calls().updates)
	require.True(t, h.mr.Exists(reconcile.PaymentKey("sess-ul")))
	require.True(t, h.mr.Exists(reconcile.SessionKey("sess-ul")))
}

func TestReturnWithOrderIDVerifiesThroughPayments(t *testing.T) {
	h := newHarness(t)
	h.api.orderPayments = map[string][]checkout.Payment{
		"ord-9": {{ID: "P1", Reference: "R1", Status: checkout.StatusCompleted, OrderID: "ord-9"}},
	}
	ctx := context.Background()

	c := h.checkout("sess-oid", nil)
	require.NoError(t, c.Resume(ctx, reconcile.ReturnParams{OrderID: "ord-9"}))

	placed, ok := h.view.last("placed")
	require.True(t, ok)
	require.Equal(t, "ord-9", placed.arg)
	require.NoError(t, placed.err)
	require.Zero(t, h.api.calls().create)
}

func TestResumeWithoutPaymentFails(t *testing.T) {
	h := newHarness(t)
	c := h.checkout("sess-none", nil)
	require.ErrorIs(t, c.Resume(context.Background(), reconcile.ReturnParams{}), reconcile.ErrNoPendingPayment)
	require.ErrorIs(t, c.ConfirmOrder(context.Background()), reconcile.ErrNoPendingPayment)
}

func TestUnverifiedOrderReturnEndsTheAttempt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.checkout("sess-uv", nil)
	c.Update(fill(checkout.MethodCard))

	err := c.Resume(ctx, reconcile.ReturnParams{OrderID: "ord-9"})
	require.ErrorIs(t, err, reconcile.ErrNotVerified)
	require.Equal(t, reconcile.PhaseTimedOut, c.State.Phase())

	failed, ok := h.view.last("payment_failed")
	require.True(t, ok)
	require.ErrorIs(t, failed.err, reconcile.ErrNotVerified)
	require.True(t, c.Snapshot().Retry)
	require.Zero(t, h.api.calls().orders)
}

func TestPushResolvesBeforePolling(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := reconcile.New(h.api, h.storage, reconcile.RedisPush{R: h.client}, h.view, reconcile.Options{
		SessionID: "sess-push",
		Poller:    reconcile.PollerConfig{MaxAttempts: 12, BaseDelay: time.Hour},
		Logger:    zerolog.Nop(),
	})
	c.Update(fill(checkout.MethodMTNMoMo))

	done := make(chan error, 1)
	go func() { done <- c.Submit(ctx) }()

	payload := `{"reference":"R1","status":"completed","paymentId":"P1"}`
	require.Eventually(t, func() bool {
		return h.mr.Publish(checkout.StatusChannel("R1"), payload) > 0
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, <-done)
	res, ok := c.State.Resolution()
	require.True(t, ok)
	require.Equal(t, reconcile.SourcePush, res.Source)
	require.Zero(t, h.api.calls().status)
	require.Equal(t, 1, h.api.calls().orders)
}

func TestWatchEmptyCartNavigatesHome(t *testing.T) {
	h := newHarness(t)
	c := h.checkout("sess-w", nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	c.State.SetRedirecting(true)
	var mu sync.Mutex
	checks := 0
	empty := func() bool {
		mu.Lock()
		defer mu.Unlock()
		checks++
		if checks == 5 {
			c.State.SetRedirecting(false)
		}
		return true
	}

	require.NoError(t, c.WatchEmptyCart(ctx, empty, 2*time.Millisecond, 10*time.Millisecond))
	mu.Lock()
	require.GreaterOrEqual(t, checks, 5)
	mu.Unlock()
	require.Equal(t, []string{"home"}, h.view.kinds())
}
