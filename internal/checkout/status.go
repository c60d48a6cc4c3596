package checkout

import "strings"

// Status is the lifecycle state of a payment intent.
type Status string

const (
	StatusInitiated  Status = "initiated"
	StatusPending    Status = "pending"
	StatusCompleted  Status = "completed"
	StatusSuccessful Status = "successful"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusTimeout    Status = "timeout"
)

// ParseStatus maps gateway and client spellings onto the status domain.
// Anything unrecognised is treated as still pending.
func ParseStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "initiated", "created", "new":
		return StatusInitiated
	case "completed", "complete", "paid", "settled", "settlement", "capture":
		return StatusCompleted
	case "successful", "success", "succeeded":
		return StatusSuccessful
	case "failed", "failure", "deny", "denied", "rejected", "error":
		return StatusFailed
	case "cancelled", "canceled", "cancel":
		return StatusCancelled
	case "timeout", "expired", "expire":
		return StatusTimeout
	default:
		return StatusPending
	}
}

// IsSuccess treats completed and successful as one class.
func (s Status) IsSuccess() bool {
	return s == StatusCompleted || s == StatusSuccessful
}

// IsFailure covers the gateway's final negative answers. Timeout is not one:
// a delayed webhook may still turn it into a success.
func (s Status) IsFailure() bool {
	return s == StatusFailed || s == StatusCancelled
}

// IsFinal reports whether the gateway has made its decision.
func (s Status) IsFinal() bool {
	return s.IsSuccess() || s.IsFailure()
}

// CanTransition reports whether an intent in s may move to next. Success is
// sticky; a failed or timed out intent only moves on a corrective success.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return false
	}
	switch {
	case s.IsSuccess():
		return false
	case s.IsFailure():
		return next.IsSuccess()
	case s == StatusTimeout:
		return next.IsFinal()
	case s == StatusPending:
		return next != StatusInitiated
	default:
		return true
	}
}
