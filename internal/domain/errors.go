package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for domain-level error handling.
// The handler layer maps these to HTTP status codes.
var (
	ErrPartyAlreadyExists  = errors.New("party_already_exists")
	ErrPartyNotFound       = errors.New("party_not_found")
	ErrOrderNotFound       = errors.New("order_not_found")
	ErrOrderNotCancellable = errors.New("order_not_cancellable")
	ErrOrderInSettlement   = errors.New("order_in_settlement")
	ErrNotOrderOwner       = errors.New("not_order_owner")
	ErrInsufficientBalance = errors.New("insufficient_balance")
	ErrNoLiquidity         = errors.New("no_liquidity")
	ErrPairNotFound        = errors.New("pair_not_found")
	ErrMatchingBusy        = errors.New("matching_busy")
	ErrStaleOrderState     = errors.New("stale_order_state")
	ErrWebhookNotFound     = errors.New("webhook_not_found")
)

// ValidationError represents a request validation failure. Orders that
// fail validation are rejected before any balance is reserved.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// InvariantViolationError indicates a programming-error-level condition,
// e.g. releasing more of a reservation than is currently held. It is
// surfaced loudly and never silently absorbed.
type InvariantViolationError struct {
	Message string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("invariant violation: %s", e.Message)
}

// Invariantf builds an InvariantViolationError with a formatted message.
func Invariantf(format string, args ...any) *InvariantViolationError {
	return &InvariantViolationError{Message: fmt.Sprintf(format, args...)}
}
