package gateway_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-checkout/internal/checkout"
	"github.com/noah-isme/toko-checkout/internal/gateway"
)

func TestSandboxInitiateKinds(t *testing.T) {
	sb := gateway.NewSandbox("http://localhost:8080", "secret")
	ctx := context.Background()

	card, err := sb.Initiate(ctx, gateway.InitiateRequest{Amount: 100, Method: checkout.MethodCard, RedirectURL: "http://shop/return"})
	require.NoError(t, err)
	require.Contains(t, card.CheckoutURL, card.Reference)
	require.Empty(t, card.SessionID)

	momo, err := sb.Initiate(ctx, gateway.InitiateRequest{Amount: 100, Method: checkout.MethodMTNMoMo, CustomerPhone: "+256700000001"})
	require.NoError(t, err)
	require.NotEmpty(t, momo.SessionID)
	require.Empty(t, momo.CheckoutURL)

	_, err = sb.Initiate(ctx, gateway.InitiateRequest{Amount: 100, Method: checkout.MethodMTNMoMo, CustomerPhone: "000123"})
	var rejected *gateway.RejectedError
	require.True(t, errors.As(err, &rejected))
}

func TestSandboxScriptedStatus(t *testing.T) {
	sb := gateway.NewSandbox("", "secret")
	ctx := context.Background()
	res, err := sb.Initiate(ctx, gateway.InitiateRequest{Amount: 5000, Method: checkout.MethodMTNMoMo, CustomerPhone: "0772"})
	require.NoError(t, err)

	sb.Script(res.Reference, checkout.StatusPending, checkout.StatusCompleted)
	first, err := sb.Status(ctx, res.Reference)
	require.NoError(t, err)
	require.Equal(t, checkout.StatusPending, first.Status)
	second, err := sb.Status(ctx, res.Reference)
	require.NoError(t, err)
	require.Equal(t, checkout.StatusCompleted, second.Status)
	third, err := sb.Status(ctx, res.Reference)
	require.NoError(t, err)
	require.Equal(t, checkout.StatusCompleted, third.Status, "last scripted status sticks")
	require.Equal(t, 3, sb.StatusCalls(res.Reference))

	_, err = sb.Status(ctx, "nope")
	require.ErrorIs(t, err, gateway.ErrUnknownReference)
}

func TestSandboxWebhookRoundTrip(t *testing.T) {
	sb := gateway.NewSandbox("", "secret")
	res, err := sb.Initiate(context.Background(), gateway.InitiateRequest{Amount: 700, Method: checkout.MethodWallet})
	require.NoError(t, err)

	body, sig := sb.Webhook(res.Reference, checkout.StatusCompleted)
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set(gateway.SignatureHeader, sig)
	verified, err := sb.VerifyWebhook(req, body)
	require.NoError(t, err)
	require.True(t, verified.Valid)
	require.EqualValues(t, 700, verified.Amount)
	require.Equal(t, res.Reference, verified.Reference)
}
