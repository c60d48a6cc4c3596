package payment_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-checkout/internal/checkout"
	"github.com/noah-isme/toko-checkout/internal/common"
	"github.com/noah-isme/toko-checkout/internal/payment"
)

func apiRouter(f *fixture) http.Handler {
	h := &payment.Handler{Svc: f.svc}
	r := chi.NewRouter()
	r.Post("/payments/initiate", h.Initiate)
	r.Get("/payments/status/{reference}", h.Status)
	r.Post("/payments/finalize", h.Finalize)
	r.Post("/payments/link", h.Link)
	r.Patch("/payments/{paymentId}", h.Update)
	r.Post("/payments/timeout", h.Timeout)
	r.Get("/orders/{orderId}/payments", h.ForOrder)
	return r
}

func call(t *testing.T, srv http.Handler, method, path string, body any, out any) int {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(method, path, reader))
	if out != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}

func TestPaymentRoutesEndToEnd(t *testing.T) {
	f := newFixture(t)
	srv := apiRouter(f)

	var initiated checkout.InitiateResponse
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodPost, "/payments/initiate", f.initiateRequest(checkout.MethodMTNMoMo), &initiated))
	require.True(t, initiated.Success)

	f.sandbox.Script(initiated.Reference, checkout.StatusPending, checkout.StatusCompleted)
	var st checkout.StatusResponse
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/payments/status/"+initiated.Reference, nil, &st))
	require.Equal(t, checkout.StatusPending, st.Status)
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/payments/status/"+initiated.Reference, nil, &st))
	require.Equal(t, checkout.StatusCompleted, st.Status)

	var fin checkout.FinalizeResponse
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodPost, "/payments/finalize", checkout.FinalizeRequest{Reference: initiated.Reference}, &fin))
	require.NotEmpty(t, fin.OrderID)

	var linked checkout.Payment
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodPost, "/payments/link", checkout.LinkRequest{OrderID: fin.OrderID, Reference: initiated.Reference}, &linked))
	require.Equal(t, fin.OrderID, linked.OrderID)
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodPatch, "/payments/"+initiated.PaymentID, checkout.UpdatePaymentRequest{OrderID: fin.OrderID}, &linked))

	var list []checkout.Payment
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/orders/"+fin.OrderID+"/payments", nil, &list))
	require.Len(t, list, 1)

	var timeout checkout.TimeoutResponse
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodPost, "/payments/timeout", checkout.TimeoutRequest{PaymentID: initiated.PaymentID, Reason: "poll_exhausted"}, &timeout))
	require.Equal(t, checkout.StatusCompleted, timeout.Status)
	require.Equal(t, fin.OrderID, timeout.OrderID)
}

func TestPaymentRoutesRenderErrorEnvelope(t *testing.T) {
	f := newFixture(t)
	srv := apiRouter(f)

	req := f.initiateRequest(checkout.MethodMTNMoMo)
	req.CustomerPhone = "000111"
	var env common.ErrorEnvelope
	require.Equal(t, http.StatusUnprocessableEntity, call(t, srv, http.MethodPost, "/payments/initiate", req, &env))
	require.Equal(t, checkout.CodeGatewayRejected, env.Error.Code)

	require.Equal(t, http.StatusNotFound, call(t, srv, http.MethodGet, "/payments/status/SBX-NONE", nil, &env))
	require.Equal(t, checkout.CodePaymentNotFound, env.Error.Code)

	require.Equal(t, http.StatusBadRequest, call(t, srv, http.MethodPost, "/payments/timeout", checkout.TimeoutRequest{}, &env))
}
