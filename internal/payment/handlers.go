package payment

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/toko-checkout/internal/checkout"
	"github.com/noah-isme/toko-checkout/internal/common"
)

// Handler exposes the payment endpoints the checkout client talks to.
type Handler struct {
	Svc *Service
}

func (h *Handler) ready(w http.ResponseWriter) bool {
	if h == nil || h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "payment handler unavailable", nil)
		return false
	}
	return true
}

// Initiate handles POST /payments/initiate.
func (h *Handler) Initiate(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	var req checkout.InitiateRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, err)
		return
	}
	resp, err := h.Svc.Initiate(r.Context(), req)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, resp)
}

// Status handles GET /payments/status/{reference}.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	resp, err := h.Svc.StatusByReference(r.Context(), chi.URLParam(r, "reference"))
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, resp)
}

// Finalize handles POST /payments/finalize.
func (h *Handler) Finalize(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	var req checkout.FinalizeRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, err)
		return
	}
	resp, err := h.Svc.FinalizeByReference(r.Context(), req.Reference)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, resp)
}

// Link handles POST /payments/link.
func (h *Handler) Link(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	var req checkout.LinkRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, err)
		return
	}
	p, err := h.Svc.Link(r.Context(), req)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, p)
}

// Update handles PATCH /payments/{paymentId}.
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	var req checkout.UpdatePaymentRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, err)
		return
	}
	p, err := h.Svc.UpdateOrder(r.Context(), chi.URLParam(r, "paymentId"), req)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, p)
}

// ForOrder handles GET /orders/{orderId}/payments.
func (h *Handler) ForOrder(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	list, err := h.Svc.PaymentsForOrder(r.Context(), chi.URLParam(r, "orderId"))
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, list)
}

// Timeout handles POST /payments/timeout.
func (h *Handler) Timeout(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	var req checkout.TimeoutRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, err)
		return
	}
	resp, err := h.Svc.ReportTimeout(r.Context(), req)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, resp)
}
