package reconcile

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/noah-isme/toko-checkout/internal/checkout"
)

var (
	// ErrAlreadyResolved is returned by a producer that observed a result
	// after another one had already settled the payment.
	ErrAlreadyResolved = errors.New("reconcile: payment already resolved")
	// ErrAlreadyReported guards the timeout escalation latch.
	ErrAlreadyReported = errors.New("reconcile: timeout already reported")
	// ErrPaymentTimeout is the terminal outcome of an undecided payment once
	// the server confirmed the timeout. The shopper should try another method.
	ErrPaymentTimeout = errors.New("reconcile: payment timed out, try a different method")
	// ErrCreateInFlight is returned when an order creation for this checkout
	// attempt is already running.
	ErrCreateInFlight = errors.New("reconcile: order creation already in progress")
	// ErrNoPendingPayment means there is no payment to resume or confirm.
	ErrNoPendingPayment = errors.New("reconcile: no pending payment")
	// ErrNoPaymentEvidence refuses a prepaid order without an observed success.
	ErrNoPaymentEvidence = errors.New("reconcile: payment success has not been observed")
	// ErrAttemptInProgress refuses a new submission while a payment is open.
	ErrAttemptInProgress = errors.New("reconcile: a checkout attempt is already in progress")
	// ErrNotVerified means the order-id check ran out of attempts.
	ErrNotVerified = errors.New("reconcile: order payment could not be verified")
)

// ValidationError lists the checkout fields that failed validation. No
// request was sent.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return "reconcile: invalid checkout fields: " + strings.Join(keys, ", ")
}

// GatewayRejectedError carries the gateway's refusal message verbatim.
type GatewayRejectedError struct {
	Message string
}

func (e *GatewayRejectedError) Error() string {
	return "reconcile: payment rejected: " + e.Message
}

// NetworkError wraps a transport or server failure. Nothing was committed and
// the action may be retried.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("reconcile: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// TerminalPaymentError reports a gateway's final refusal. It is never retried.
type TerminalPaymentError struct {
	Reference string
	Status    checkout.Status
}

func (e *TerminalPaymentError) Error() string {
	return fmt.Sprintf("reconcile: payment %s %s, try a different method", e.Reference, e.Status)
}

// PolicyBlockedError refuses ordering while the storefront has orders switched
// off. Message is the server's text, shown unchanged.
type PolicyBlockedError struct {
	Message      string
	NextToggleAt *time.Time
}

func (e *PolicyBlockedError) Error() string {
	if e.Message == "" {
		return "reconcile: orders are currently disabled"
	}
	return e.Message
}

// LinkError means the order exists but could not be bound to its payment.
// It is a warning: the checkout still completes.
type LinkError struct {
	OrderID   string
	Reference string
	Primary   error
	Fallback  error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("reconcile: order %s not linked to payment %s: %v; fallback: %v", e.OrderID, e.Reference, e.Primary, e.Fallback)
}

func (e *LinkError) Unwrap() []error { return []error{e.Primary, e.Fallback} }

// OrderErrorClass groups order creation failures by what the shopper can do.
type OrderErrorClass string

const (
	ClassMalformedProduct  OrderErrorClass = "malformed_product"
	ClassProductMissing    OrderErrorClass = "product_missing"
	ClassPaymentIncomplete OrderErrorClass = "payment_incomplete"
	ClassGeneric           OrderErrorClass = "generic"
)

// OrderCreateError is a classified order creation failure. Client state is
// left untouched so the shopper can retry.
type OrderCreateError struct {
	Class OrderErrorClass
	Err   error
}

func (e *OrderCreateError) Error() string {
	return e.Message()
}

func (e *OrderCreateError) Unwrap() error { return e.Err }

// Message is the text shown to the shopper for the class.
func (e *OrderCreateError) Message() string {
	switch e.Class {
	case ClassMalformedProduct:
		return "An item in your cart is no longer valid. Please remove it and try again."
	case ClassProductMissing:
		return "An item in your cart is no longer available. Please update your cart."
	case ClassPaymentIncomplete:
		return "Your payment has not been confirmed yet. Please wait a moment and try again."
	default:
		return "We could not place your order. Your cart and details are saved, please try again."
	}
}
