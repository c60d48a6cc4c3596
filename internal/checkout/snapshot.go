package checkout

import (
	"errors"
	"math"
	"time"
)

// Line bounds. The validate tags below repeat them.
const (
	MaxLineQuantity = 10000
	MaxUnitPrice    = 1_000_000_000_000
)

// ErrTotalOutOfRange is returned when a cart cannot be totalled in int64.
var ErrTotalOutOfRange = errors.New("checkout: cart total out of range")

// CartLine is one product in the cart snapshot. Prices are minor units.
type CartLine struct {
	ProductID   string `json:"product_id" validate:"required"`
	VariationID string `json:"variation_id,omitempty"`
	Name        string `json:"name" validate:"required"`
	Price       int64  `json:"price" validate:"gte=0,lte=1000000000000"`
	Quantity    int    `json:"quantity" validate:"gte=1,lte=10000"`
	SKU         string `json:"sku,omitempty"`
}

// Delivery holds the checkout form fields.
type Delivery struct {
	Name    string `json:"name,omitempty"`
	Email   string `json:"email,omitempty" validate:"omitempty,email"`
	Address string `json:"address" validate:"required"`
	City    string `json:"city" validate:"required"`
	Phone   string `json:"phone" validate:"required"`
	Notes   string `json:"notes,omitempty"`
}

// Snapshot is the durable client-side state of an in-progress checkout.
type Snapshot struct {
	Cart             []CartLine `json:"cart"`
	Delivery         Delivery   `json:"delivery"`
	Method           Method     `json:"method,omitempty"`
	MobileMoneyPhone string     `json:"mobileMoneyPhone,omitempty"`
	// Retry is set after a failed or timed out payment so the next load keeps
	// the form but lets the shopper pick another method.
	Retry     bool      `json:"retry,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Total sums the cart lines. Lines outside the bounds, or a sum that does
// not fit in int64, give ErrTotalOutOfRange.
func (s Snapshot) Total() (int64, error) {
	var total int64
	for _, line := range s.Cart {
		if line.Price < 0 || line.Price > MaxUnitPrice || line.Quantity < 0 || line.Quantity > MaxLineQuantity {
			return 0, ErrTotalOutOfRange
		}
		sub := line.Price * int64(line.Quantity)
		if total > math.MaxInt64-sub {
			return 0, ErrTotalOutOfRange
		}
		total += sub
	}
	return total, nil
}

// Empty reports whether the snapshot carries nothing worth restoring.
func (s Snapshot) Empty() bool {
	return len(s.Cart) == 0 && s.Delivery == (Delivery{}) && s.Method == ""
}

// Clone returns a copy that shares no slices with s.
func (s Snapshot) Clone() Snapshot {
	out := s
	if s.Cart != nil {
		out.Cart = append([]CartLine(nil), s.Cart...)
	}
	return out
}
