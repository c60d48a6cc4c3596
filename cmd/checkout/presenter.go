package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/noah-isme/toko-checkout/internal/reconcile"
)

// console prints checkout outcomes one per line.
type console struct {
	mu  sync.Mutex
	out io.Writer

	awaitingConfirmation bool
	orderID              string
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format+"\n", args...)
}

func (c *console) PaymentRedirect(url string) {
	c.printf("redirect: open %s to pay, then run `checkout resume` with the return URL", url)
}

func (c *console) PaymentPending(p reconcile.PendingPayment) {
	c.printf("pending: waiting for payment %s (%s)", p.Reference, p.Method)
}

func (c *console) AwaitingConfirmation(p reconcile.PendingPayment) {
	c.mu.Lock()
	c.awaitingConfirmation = true
	c.mu.Unlock()
	c.printf("confirm: gateway reported success for %s; confirm to place the order", p.Reference)
}

func (c *console) OrderPlaced(orderID string, linkErr error) {
	c.mu.Lock()
	c.orderID = orderID
	c.mu.Unlock()
	if linkErr != nil {
		c.printf("placed: order %s (payment not yet linked: %v)", orderID, linkErr)
		return
	}
	c.printf("placed: order %s", orderID)
}

func (c *console) OrderFailed(err error) {
	c.printf("order failed: %s", shopperMessage(err))
}

func (c *console) PaymentFailed(err error) {
	c.printf("payment failed: %s", shopperMessage(err))
}

func (c *console) NavigateHome() {
	c.printf("cart is empty; nothing to check out")
}

func (c *console) needsConfirmation() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.awaitingConfirmation
}

func (c *console) placedOrder() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.orderID
}

var _ reconcile.Presenter = (*console)(nil)
