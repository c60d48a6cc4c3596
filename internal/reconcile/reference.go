package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-checkout/internal/checkout"
)

// DefaultReferenceTTL bounds how long an unresolved payment can be resumed.
const DefaultReferenceTTL = 30 * time.Minute

// PendingPayment is the short-lived record of an initiated payment.
type PendingPayment struct {
	Reference   string          `json:"reference"`
	PaymentID   string          `json:"paymentId,omitempty"`
	SessionID   string          `json:"sessionId,omitempty"`
	CheckoutURL string          `json:"checkoutUrl,omitempty"`
	Method      checkout.Method `json:"method"`
	Amount      int64           `json:"amount"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// ReferenceStore keeps the pending payment for a session.
type ReferenceStore struct {
	Storage   Storage
	SessionID string
	TTL       time.Duration
	Logger    zerolog.Logger
}

func (r *ReferenceStore) Put(ctx context.Context, p PendingPayment) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	ttl := r.TTL
	if ttl <= 0 {
		ttl = DefaultReferenceTTL
	}
	if err := r.Storage.Set(ctx, PaymentKey(r.SessionID), data, ttl); err != nil {
		return fmt.Errorf("save payment reference: %w", err)
	}
	return nil
}

// Get returns the pending payment. Absent or malformed entries report false.
func (r *ReferenceStore) Get(ctx context.Context) (PendingPayment, bool, error) {
	data, err := r.Storage.Get(ctx, PaymentKey(r.SessionID))
	if errors.Is(err, ErrNotFound) {
		return PendingPayment{}, false, nil
	}
	if err != nil {
		return PendingPayment{}, false, fmt.Errorf("load payment reference: %w", err)
	}
	var p PendingPayment
	if err := json.Unmarshal(data, &p); err != nil || p.Reference == "" {
		r.Logger.Warn().Err(err).Str("session", r.SessionID).Msg("payment_reference_malformed")
		return PendingPayment{}, false, nil
	}
	return p, true, nil
}

func (r *ReferenceStore) Clear(ctx context.Context) error {
	if err := r.Storage.Delete(ctx, PaymentKey(r.SessionID)); err != nil {
		return fmt.Errorf("clear payment reference: %w", err)
	}
	return nil
}
