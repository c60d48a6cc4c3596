package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/toko-checkout/internal/checkout"
	"github.com/noah-isme/toko-checkout/internal/obs"
	"github.com/noah-isme/toko-checkout/internal/resilience"
)

// KPay talks to the KPay REST API. Every request carries the API key as a
// bearer token; initiation is made idempotent with the merchant reference.
type KPay struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
	HTTP          resilience.HTTPClient
}

type kpayInitiateBody struct {
	MerchantReference string `json:"merchantReference"`
	Amount            int64  `json:"amount"`
	Method            string `json:"method"`
	Phone             string `json:"phone,omitempty"`
	Email             string `json:"email,omitempty"`
	Name              string `json:"name,omitempty"`
	ReturnURL         string `json:"returnUrl,omitempty"`
	CallbackURL       string `json:"callbackUrl,omitempty"`
}

type kpayPayment struct {
	Success     *bool       `json:"success,omitempty"`
	Reference   string      `json:"reference"`
	PaymentID   string      `json:"paymentId"`
	CheckoutURL string      `json:"checkoutUrl"`
	SessionID   string      `json:"sessionId"`
	Status      string      `json:"status"`
	Amount      json.Number `json:"amount"`
	Error       string      `json:"error"`
	Message     string      `json:"message"`
}

func (p kpayPayment) errorMessage() string {
	if p.Error != "" {
		return p.Error
	}
	if p.Message != "" {
		return p.Message
	}
	return "payment was declined"
}

func (KPay) Name() string { return "kpay" }

// Initiate opens a payment. A 4xx answer or success=false is a RejectedError;
// anything else that fails is a transport error the caller may retry.
func (k KPay) Initiate(ctx context.Context, req InitiateRequest) (InitiateResult, error) {
	ctx, span := otel.Tracer("gateway.kpay").Start(ctx, "KPay.Initiate")
	defer span.End()
	span.SetAttributes(attribute.String("payment.method", string(req.Method)))

	body, err := json.Marshal(kpayInitiateBody{
		MerchantReference: req.MerchantReference,
		Amount:            req.Amount,
		Method:            string(req.Method),
		Phone:             req.CustomerPhone,
		Email:             req.CustomerEmail,
		Name:              req.CustomerName,
		ReturnURL:         req.RedirectURL,
		CallbackURL:       req.CallbackURL,
	})
	if err != nil {
		return InitiateResult{}, err
	}
	var out kpayPayment
	raw, err := k.do(ctx, "initiate", http.MethodPost, "/v1/payments", req.MerchantReference, body, &out)
	if err != nil {
		span.RecordError(err)
		return InitiateResult{}, err
	}
	if out.Success != nil && !*out.Success {
		return InitiateResult{}, &RejectedError{Provider: k.Name(), Message: out.errorMessage()}
	}
	if strings.TrimSpace(out.Reference) == "" {
		return InitiateResult{}, errors.New("kpay: response missing reference")
	}
	span.SetAttributes(attribute.String("payment.reference", out.Reference))
	status := checkout.ParseStatus(out.Status)
	if out.Status == "" {
		status = checkout.StatusInitiated
	}
	return InitiateResult{
		Reference:         out.Reference,
		ProviderPaymentID: out.PaymentID,
		CheckoutURL:       out.CheckoutURL,
		SessionID:         out.SessionID,
		Status:            status,
		Raw:               raw,
	}, nil
}

// Status fetches the gateway's current status for reference.
func (k KPay) Status(ctx context.Context, reference string) (StatusResult, error) {
	ctx, span := otel.Tracer("gateway.kpay").Start(ctx, "KPay.Status")
	defer span.End()
	span.SetAttributes(attribute.String("payment.reference", reference))

	var out kpayPayment
	raw, err := k.do(ctx, "status", http.MethodGet, "/v1/payments/"+url.PathEscape(reference), "", nil, &out)
	if err != nil {
		span.RecordError(err)
		return StatusResult{}, err
	}
	amount, _ := out.Amount.Int64()
	return StatusResult{
		Reference:         reference,
		ProviderPaymentID: out.PaymentID,
		Status:            checkout.ParseStatus(out.Status),
		Amount:            amount,
		Raw:               raw,
	}, nil
}

// VerifyWebhook validates the callback signature and normalises the payload.
func (k KPay) VerifyWebhook(r *http.Request, body []byte) (WebhookResult, error) {
	if !validSignature(k.WebhookSecret, body, r.Header.Get(SignatureHeader)) {
		return WebhookResult{Valid: false, Err: errors.New("invalid signature")}, nil
	}
	return decodeWebhook(body)
}

func decodeWebhook(body []byte) (WebhookResult, error) {
	var payload kpayPayment
	if err := json.Unmarshal(body, &payload); err != nil {
		return WebhookResult{}, fmt.Errorf("decode webhook: %w", err)
	}
	if strings.TrimSpace(payload.Reference) == "" {
		return WebhookResult{}, errors.New("webhook missing reference")
	}
	amount, _ := payload.Amount.Int64()
	return WebhookResult{
		Valid:             true,
		Reference:         payload.Reference,
		ProviderPaymentID: payload.PaymentID,
		Amount:            amount,
		Status:            checkout.ParseStatus(payload.Status),
		Payload:           body,
	}, nil
}

func (k KPay) do(ctx context.Context, op, method, path, idemKey string, body []byte, out *kpayPayment) ([]byte, error) {
	start := time.Now()
	result := "error"
	defer func() {
		if obs.GatewayLatency != nil {
			obs.GatewayLatency.WithLabelValues(k.Name(), op, result).Observe(obs.DurationMillis(time.Since(start)))
		}
	}()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(k.BaseURL, "/")+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+k.APIKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}

	resp, err := k.HTTP.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("kpay %s: %w", op, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("kpay %s: read body: %w", op, err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return nil, fmt.Errorf("kpay %s: decode: %w", op, err)
		}
	}
	if resp.StatusCode >= 400 {
		result = "rejected"
		return nil, &RejectedError{Provider: k.Name(), Message: out.errorMessage()}
	}
	result = "ok"
	return raw, nil
}
