// Package apiclient is the HTTP client for the checkout API. It implements
// the backend the reconcile core drives.
package apiclient

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

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/toko-checkout/internal/checkout"
	"github.com/noah-isme/toko-checkout/internal/common"
	"github.com/noah-isme/toko-checkout/internal/reconcile"
	"github.com/noah-isme/toko-checkout/internal/resilience"
)

const apiPrefix = "/api/v1"

// Client calls the checkout API. Mutating calls carry an Idempotency-Key so
// the retrying transport may replay them.
type Client struct {
	BaseURL string
	HTTP    resilience.HTTPClient
}

// Options tunes the outbound transport.
type Options struct {
	Timeout     time.Duration
	MaxAttempts int
	BaseBackoff time.Duration
	Logger      zerolog.Logger
}

// New builds a Client with a traced transport, retries and a breaker.
func New(baseURL string, opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP: resilience.HTTPClient{
			Client:      &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
			Breaker:     resilience.NewBreaker(20, 0.5, 30*time.Second).WithTarget("checkout-api").WithLogger(opts.Logger),
			Target:      "checkout-api",
			Logger:      opts.Logger,
			BaseBackoff: opts.BaseBackoff,
			MaxAttempts: attempts,
			Jitter:      0.2,
			Timeout:     timeout,
		},
	}
}

func (c *Client) Initiate(ctx context.Context, req checkout.InitiateRequest) (checkout.InitiateResponse, error) {
	var out checkout.InitiateResponse
	err := c.do(ctx, http.MethodPost, "/payments/initiate", uuid.NewString(), req, &out)
	return out, err
}

func (c *Client) StatusByReference(ctx context.Context, reference string) (checkout.StatusResponse, error) {
	var out checkout.StatusResponse
	err := c.do(ctx, http.MethodGet, "/payments/status/"+url.PathEscape(reference), "", nil, &out)
	return out, err
}

func (c *Client) Finalize(ctx context.Context, reference string) (checkout.FinalizeResponse, error) {
	var out checkout.FinalizeResponse
	err := c.do(ctx, http.MethodPost, "/payments/finalize", "finalize:"+reference, checkout.FinalizeRequest{Reference: reference}, &out)
	return out, err
}

func (c *Client) Link(ctx context.Context, req checkout.LinkRequest) error {
	return c.do(ctx, http.MethodPost, "/payments/link", "link:"+req.Reference+":"+req.OrderID, req, nil)
}

func (c *Client) UpdatePaymentOrder(ctx context.Context, paymentID, orderID string) error {
	return c.do(ctx, http.MethodPatch, "/payments/"+url.PathEscape(paymentID), "", checkout.UpdatePaymentRequest{OrderID: orderID}, nil)
}

func (c *Client) PaymentsForOrder(ctx context.Context, orderID string) ([]checkout.Payment, error) {
	var out []checkout.Payment
	err := c.do(ctx, http.MethodGet, "/orders/"+url.PathEscape(orderID)+"/payments", "", nil, &out)
	return out, err
}

func (c *Client) ReportTimeout(ctx context.Context, req checkout.TimeoutRequest) (checkout.TimeoutResponse, error) {
	var out checkout.TimeoutResponse
	key := "timeout:" + req.PaymentID + ":" + req.Reference
	err := c.do(ctx, http.MethodPost, "/payments/timeout", key, req, &out)
	return out, err
}

func (c *Client) OrdersEnabled(ctx context.Context) (checkout.OrdersEnabled, error) {
	var out checkout.OrdersEnabled
	err := c.do(ctx, http.MethodGet, "/settings/orders-enabled", "", nil, &out)
	return out, err
}

func (c *Client) CreateOrder(ctx context.Context, req checkout.CreateOrderRequest) (checkout.Order, error) {
	var out struct {
		Order checkout.Order `json:"order"`
	}
	key := req.IdempotencyKey
	if key == "" {
		key = req.PaymentReference
	}
	err := c.do(ctx, http.MethodPost, "/orders", key, req, &out)
	return out.Order, err
}

func (c *Client) do(ctx context.Context, method, path, idemKey string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+apiPrefix+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}

	resp, err := c.HTTP.Do(ctx, req)
	if err != nil {
		var se *resilience.StatusError
		if errors.As(err, &se) {
			return decodeError(se.Code, se.Body)
		}
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp.StatusCode, raw)
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s %s: decode: %w", method, path, err)
	}
	return nil
}

// decodeError turns an error envelope into *checkout.APIError. Bodies that
// are not an envelope keep the status with a generic code.
func decodeError(status int, raw []byte) error {
	var env common.ErrorEnvelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Error.Code == "" {
		return &checkout.APIError{Status: status, Code: "HTTP_" + fmt.Sprint(status), Message: http.StatusText(status)}
	}
	return &checkout.APIError{
		Status:  status,
		Code:    env.Error.Code,
		Message: env.Error.Message,
		Details: env.Error.Details,
	}
}

var _ reconcile.Backend = (*Client)(nil)
