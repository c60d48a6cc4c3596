package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-checkout/internal/checkout"
	"github.com/noah-isme/toko-checkout/internal/gateway"
	"github.com/noah-isme/toko-checkout/internal/resilience"
)

func newKPay(t *testing.T, handler http.HandlerFunc) gateway.KPay {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return gateway.KPay{
		BaseURL:       srv.URL,
		APIKey:        "sk_test",
		WebhookSecret: "whsec",
		HTTP:          resilience.HTTPClient{Client: srv.Client(), Target: "kpay", MaxAttempts: 2, BaseBackoff: time.Millisecond},
	}
}

func TestKPayInitiate(t *testing.T) {
	kp := newKPay(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/payments", r.URL.Path)
		require.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
		require.Equal(t, "m-1", r.Header.Get("Idempotency-Key"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "mtn_momo", body["method"])
		require.EqualValues(t, 5000, body["amount"])
		_, _ = w.Write([]byte(`{"success":true,"reference":"R1","sessionId":"S1","paymentId":"P1"}`))
	})

	res, err := kp.Initiate(context.Background(), gateway.InitiateRequest{
		MerchantReference: "m-1",
		Amount:            5000,
		Method:            checkout.MethodMTNMoMo,
		CustomerPhone:     "+256700000001",
	})
	require.NoError(t, err)
	require.Equal(t, "R1", res.Reference)
	require.Equal(t, "S1", res.SessionID)
	require.Equal(t, "P1", res.ProviderPaymentID)
	require.Equal(t, checkout.StatusInitiated, res.Status)
}

func TestKPayInitiateRejected(t *testing.T) {
	kp := newKPay(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"success":false,"error":"insufficient funds"}`))
	})

	_, err := kp.Initiate(context.Background(), gateway.InitiateRequest{MerchantReference: "m-2", Amount: 10, Method: checkout.MethodCard})
	var rejected *gateway.RejectedError
	require.True(t, errors.As(err, &rejected))
	require.Equal(t, "insufficient funds", rejected.Message)
}

func TestKPayStatusRetriesServerErrors(t *testing.T) {
	calls := 0
	kp := newKPay(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		require.Equal(t, "/v1/payments/R1", r.URL.Path)
		_, _ = w.Write([]byte(`{"reference":"R1","status":"SETTLED","paymentId":"P1","amount":5000}`))
	})

	res, err := kp.Status(context.Background(), "R1")
	require.NoError(t, err)
	require.Equal(t, checkout.StatusCompleted, res.Status)
	require.EqualValues(t, 5000, res.Amount)
	require.Equal(t, 2, calls)
}

func TestKPayVerifyWebhook(t *testing.T) {
	kp := gateway.KPay{WebhookSecret: "whsec"}
	body := []byte(`{"reference":"R1","status":"completed","amount":5000,"paymentId":"P1"}`)

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set(gateway.SignatureHeader, gateway.Sign("whsec", body))
	res, err := kp.VerifyWebhook(req, body)
	require.NoError(t, err)
	require.True(t, res.Valid)
	require.Equal(t, "R1", res.Reference)
	require.Equal(t, checkout.StatusCompleted, res.Status)

	req.Header.Set(gateway.SignatureHeader, "deadbeef")
	res, err = kp.VerifyWebhook(req, body)
	require.NoError(t, err)
	require.False(t, res.Valid)
}
