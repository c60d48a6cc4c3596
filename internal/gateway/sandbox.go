package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/noah-isme/toko-checkout/internal/checkout"
)

// ErrUnknownReference is returned by the sandbox for references it never issued.
var ErrUnknownReference = errors.New("gateway: unknown reference")

// Sandbox is a deterministic in-process gateway for development and tests.
// Payments stay pending until scripted or settled; phones starting with
// "000" are rejected the way a real gateway refuses an unregistered wallet.
type Sandbox struct {
	BaseURL string
	Secret  string

	mu       sync.Mutex
	payments map[string]*sandboxPayment
	issued   []string
}

type sandboxPayment struct {
	paymentID string
	amount    int64
	status    checkout.Status
	script    []checkout.Status
	calls     int
}

func NewSandbox(baseURL, secret string) *Sandbox {
	return &Sandbox{BaseURL: strings.TrimRight(baseURL, "/"), Secret: secret, payments: map[string]*sandboxPayment{}}
}

func (*Sandbox) Name() string { return "sandbox" }

func (s *Sandbox) Initiate(_ context.Context, req InitiateRequest) (InitiateResult, error) {
	if req.Amount <= 0 {
		return InitiateResult{}, &RejectedError{Provider: s.Name(), Message: "amount must be positive"}
	}
	if strings.HasPrefix(strings.TrimPrefix(req.CustomerPhone, "+"), "000") {
		return InitiateResult{}, &RejectedError{Provider: s.Name(), Message: "phone number is not registered for mobile money"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ref := "SBX-" + strings.ToUpper(uuid.NewString()[:8])
	p := &sandboxPayment{paymentID: "pay_" + uuid.NewString(), amount: req.Amount, status: checkout.StatusPending}
	s.payments[ref] = p
	s.issued = append(s.issued, ref)

	res := InitiateResult{Reference: ref, ProviderPaymentID: p.paymentID, Status: checkout.StatusInitiated}
	switch {
	case req.Method == checkout.MethodCard:
		res.CheckoutURL = fmt.Sprintf("%s/sandbox/checkout/%s?return=%s", s.BaseURL, ref, req.RedirectURL)
	case req.Method.IsMobileMoney() || req.Method == checkout.MethodWallet:
		res.SessionID = "SES-" + ref
	}
	res.Raw, _ = json.Marshal(map[string]any{"reference": ref, "paymentId": p.paymentID})
	return res, nil
}

// Status returns the next scripted status, or the settled one once the
// script is exhausted.
func (s *Sandbox) Status(_ context.Context, reference string) (StatusResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[reference]
	if !ok {
		return StatusResult{}, ErrUnknownReference
	}
	p.calls++
	if len(p.script) > 0 {
		p.status = p.script[0]
		p.script = p.script[1:]
	}
	return StatusResult{Reference: reference, ProviderPaymentID: p.paymentID, Status: p.status, Amount: p.amount}, nil
}

func (s *Sandbox) VerifyWebhook(r *http.Request, body []byte) (WebhookResult, error) {
	if !validSignature(s.Secret, body, r.Header.Get(SignatureHeader)) {
		return WebhookResult{Valid: false, Err: errors.New("invalid signature")}, nil
	}
	return decodeWebhook(body)
}

// Script queues the statuses successive Status calls will report.
func (s *Sandbox) Script(reference string, statuses ...checkout.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.payments[reference]; ok {
		p.script = append(p.script, statuses...)
	}
}

// Settle moves a payment to status immediately.
func (s *Sandbox) Settle(reference string, status checkout.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.payments[reference]; ok {
		p.status = status
		p.script = nil
	}
}

// StatusCalls reports how often Status was asked about reference.
func (s *Sandbox) StatusCalls(reference string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.payments[reference]; ok {
		return p.calls
	}
	return 0
}

// LastReference returns the most recently issued reference.
func (s *Sandbox) LastReference() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.issued) == 0 {
		return ""
	}
	return s.issued[len(s.issued)-1]
}

// Webhook builds a signed callback body for reference, as the gateway would send it.
func (s *Sandbox) Webhook(reference string, status checkout.Status) (body []byte, signature string) {
	s.mu.Lock()
	var amount int64
	var paymentID string
	if p, ok := s.payments[reference]; ok {
		amount, paymentID = p.amount, p.paymentID
	}
	s.mu.Unlock()
	body, _ = json.Marshal(map[string]any{
		"reference": reference,
		"paymentId": paymentID,
		"status":    string(status),
		"amount":    amount,
	})
	return body, Sign(s.Secret, body)
}
