package order

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/toko-checkout/internal/checkout"
	"github.com/noah-isme/toko-checkout/internal/common"
)

type Handler struct {
	Svc   *Service
	Flags Flags
}

// Create handles POST /orders. A replayed request answers 200 with the order
// created the first time.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "order service not configured", nil)
		return
	}
	var req checkout.CreateOrderRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, err)
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}
	o, created, err := h.Svc.Create(r.Context(), req)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	items, err := h.Svc.Store.ListOrderItems(r.Context(), o.ID)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to load order items", nil)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	common.JSON(w, status, map[string]any{"order": ToView(o, items)})
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "order service not configured", nil)
		return
	}
	o, items, err := h.Svc.Get(r.Context(), chi.URLParam(r, "orderId"))
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"order": ToView(o, items)})
}

// OrdersEnabled handles GET /settings/orders-enabled.
func (h *Handler) OrdersEnabled(w http.ResponseWriter, r *http.Request) {
	flags := h.Flags
	if flags == nil && h.Svc != nil {
		flags = h.Svc.Flags
	}
	if flags == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "flag store not configured", nil)
		return
	}
	flag, err := flags.Get(r.Context())
	if err != nil {
		common.JSONError(w, http.StatusServiceUnavailable, checkout.CodeFlagUnavailable, "order availability could not be determined", nil)
		return
	}
	common.JSON(w, http.StatusOK, flag)
}
