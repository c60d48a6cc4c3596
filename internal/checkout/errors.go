package checkout

import (
	"errors"
	"fmt"
)

// Error codes shared by the API and its clients.
const (
	CodeValidation              = "VALIDATION_FAILED"
	CodeGatewayRejected         = "GATEWAY_REJECTED"
	CodeGatewayUnavailable      = "GATEWAY_UNAVAILABLE"
	CodePaymentNotFound         = "PAYMENT_NOT_FOUND"
	CodePaymentNotCompleted     = "PAYMENT_NOT_COMPLETED"
	CodeAlreadyLinked           = "PAYMENT_ALREADY_LINKED"
	CodeOrderNotFound           = "ORDER_NOT_FOUND"
	CodeOrdersDisabled          = "ORDERS_DISABLED"
	CodeInvalidProductReference = "INVALID_PRODUCT_REFERENCE"
	CodeProductNotFound         = "PRODUCT_NOT_FOUND"
	CodeSnapshotMissing         = "SNAPSHOT_MISSING"
	CodeOrderInFlight           = "ORDER_IN_FLIGHT"
	CodeAmountMismatch          = "AMOUNT_MISMATCH"
	CodeFlagUnavailable         = "ORDERS_FLAG_UNAVAILABLE"
)

// APIError is a non-2xx answer decoded from the canonical error envelope.
type APIError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api %d %s: %s", e.Status, e.Code, e.Message)
}

// Temporary reports whether retrying the same call may succeed.
func (e *APIError) Temporary() bool {
	return e.Status >= 500 || e.Status == 429 || e.Code == CodeOrderInFlight
}

// ErrorCode extracts the API error code from err, or "".
func ErrorCode(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}
