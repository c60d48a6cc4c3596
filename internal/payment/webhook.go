package payment

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	redis "github.com/redis/go-redis/v9"

	"github.com/noah-isme/toko-checkout/internal/checkout"
	"github.com/noah-isme/toko-checkout/internal/common"
	"github.com/noah-isme/toko-checkout/internal/gateway"
	"github.com/noah-isme/toko-checkout/internal/obs"
	"github.com/noah-isme/toko-checkout/internal/store"
)

// Webhook handles payment provider callbacks: signature check, replay guard,
// amount check, then the same status transition a poll would apply.
type Webhook struct {
	Svc       *Service
	Providers map[string]gateway.Provider
	Replay    redis.UniversalClient
	ReplayTTL time.Duration
}

// Handle processes POST /webhooks/payment/{provider}.
func (h Webhook) Handle(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil || h.Providers == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "webhook unavailable", nil)
		return
	}
	providerKey := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "provider")))
	provider, ok := h.Providers[providerKey]
	if !ok {
		common.JSONError(w, http.StatusNotFound, "PROVIDER_NOT_SUPPORTED", "unknown provider", nil)
		return
	}
	outcome := "error"
	defer func() { obs.Inc(obs.PaymentWebhookTotal, providerKey, outcome) }()

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "INVALID_BODY", "unable to read payload", nil)
		return
	}
	result, err := provider.VerifyWebhook(r, body)
	if err != nil {
		outcome = "invalid"
		common.JSONError(w, http.StatusBadRequest, "WEBHOOK_INVALID", err.Error(), nil)
		return
	}
	if !result.Valid {
		outcome = "bad_signature"
		common.JSONError(w, http.StatusUnauthorized, "INVALID_SIGNATURE", "signature verification failed", nil)
		return
	}
	ctx := r.Context()
	if h.Replay != nil && h.ReplayTTL > 0 {
		key := fmt.Sprintf("wh:%s:%s", providerKey, common.Digest(body))
		fresh, err := h.Replay.SetNX(ctx, key, "1", h.ReplayTTL).Result()
		if err != nil {
			common.JSONError(w, http.StatusInternalServerError, "REPLAY_STORE_ERROR", err.Error(), nil)
			return
		}
		if !fresh {
			outcome = "replay"
			common.JSONError(w, http.StatusConflict, "REPLAY", "duplicate webhook", nil)
			return
		}
		// only a handled delivery stays claimed; the gateway's retry of a
		// failed one must get through
		defer func() {
			if outcome == "applied" || outcome == "ignored" {
				return
			}
			if err := h.Replay.Del(context.Background(), key).Err(); err != nil {
				h.Svc.Logger.Warn().Err(err).Str("provider", providerKey).Msg("webhook_replay_release_failed")
			}
		}()
	}
	if result.Payload == nil {
		result.Payload = body
	}

	p, err := h.Svc.Store.GetPaymentByReference(ctx, strings.TrimSpace(result.Reference))
	if err != nil {
		if store.IsNotFound(err) {
			outcome = "unknown_reference"
			common.JSONError(w, http.StatusNotFound, checkout.CodePaymentNotFound, "payment not found", nil)
			return
		}
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_FETCH_ERROR", "failed to load payment", nil)
		return
	}
	if result.Amount > 0 && result.Amount != p.Amount {
		outcome = "amount_mismatch"
		common.JSONError(w, http.StatusBadRequest, checkout.CodeAmountMismatch, "provider amount mismatch", nil)
		return
	}
	_, changed, err := h.Svc.applyStatus(ctx, p, result.Status, result.ProviderPaymentID, result.Payload, SourceWebhook)
	if err != nil {
		h.Svc.Logger.Error().Err(err).Str("reference", p.Reference).Msg("webhook_apply_failed")
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_UPDATE_ERROR", "failed to update payment", nil)
		return
	}
	outcome = "ignored"
	if changed {
		outcome = "applied"
	}
	w.WriteHeader(http.StatusNoContent)
}
