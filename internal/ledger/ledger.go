// Package ledger defines the external distributed-ledger collaborator the
// engine settles against: versioned, immutable-and-replaced contracts with
// create/exercise/query operations, plus an in-memory implementation used
// for local operation and tests.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"ledgerdex/internal/domain"
)

// Errors returned by Ledger implementations. Timeout and unavailability
// are retryable; everything else is not.
var (
	ErrTimeout       = errors.New("ledger_timeout")
	ErrUnavailable   = errors.New("ledger_unavailable")
	ErrStaleContract = errors.New("stale_contract")
)

// RejectedError is a non-retryable business rejection enforced on-ledger,
// e.g. insufficient funds or an already-archived contract. OrderID names
// the offending side when the rejection is attributable to one order.
type RejectedError struct {
	Reason  string
	OrderID string
}

func (e *RejectedError) Error() string {
	if e.OrderID != "" {
		return fmt.Sprintf("ledger_rejected: %s (order %s)", e.Reason, e.OrderID)
	}
	return "ledger_rejected: " + e.Reason
}

// Retryable reports whether the error classifies as transient: the same
// call may be resubmitted with backoff.
func Retryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable)
}

// TransferLeg is one directional asset movement within an atomic transfer.
type TransferLeg struct {
	From   string
	To     string
	Asset  string
	Amount decimal.Decimal
}

// TransferRequest describes one candidate match as an atomic multi-party
// transfer: both legs commit together or not at all. IdempotencyKey is
// deterministic per underlying fill so duplicate submissions are safely
// deduplicated by the ledger.
type TransferRequest struct {
	IdempotencyKey string
	Pair           string
	BuyRef         domain.ContractRef
	SellRef        domain.ContractRef
	Price          decimal.Decimal
	Quantity       decimal.Decimal
	Legs           []TransferLeg
}

// TransferResult reports the trade reference and the contracts currently
// backing each order after the transfer (refs change on every mutation).
type TransferResult struct {
	TradeRef  string
	Contracts map[string]domain.ContractRef // order_id → current ref
}

// EventKind enumerates the ledger event feed entries the read model
// consumes.
type EventKind string

const (
	EventOrderCreated   EventKind = "order-created"
	EventOrderCancelled EventKind = "order-cancelled"
	EventOrderFilled    EventKind = "order-filled"
	EventTradeCreated   EventKind = "trade-created"
)

// Event is one entry in the ledger's append-only event feed. Offsets are
// strictly increasing.
type Event struct {
	Offset   int64
	Kind     EventKind
	Pair     string
	OrderID  string
	TradeID  string
	Price    decimal.Decimal
	Quantity decimal.Decimal
	At       time.Time
}

// Ledger is the opaque external ledger the core settles against. All
// calls may block on the network and must be bounded by the caller's
// context.
type Ledger interface {
	// CreateOrderContract creates the ledger contract backing a new order
	// and returns its initial ref.
	CreateOrderContract(ctx context.Context, o *domain.Order) (domain.ContractRef, error)

	// ExerciseCancel archives the contract behind ref. A stale ref (the
	// contract was already replaced) fails with ErrStaleContract; an
	// already-archived contract fails with a RejectedError.
	ExerciseCancel(ctx context.Context, ref domain.ContractRef) (domain.ContractRef, error)

	// ExerciseAtomicTransfer applies both legs of a match as one atomic
	// commit: partial execution never happens. Requests carrying a
	// previously seen IdempotencyKey return the original result without
	// re-applying.
	ExerciseAtomicTransfer(ctx context.Context, req TransferRequest) (*TransferResult, error)

	// QueryOpenOrders returns the orders with live contracts for a pair.
	QueryOpenOrders(ctx context.Context, pair string) ([]*domain.Order, error)
}

// EventSource is the feed consumed by the read model sync.
type EventSource interface {
	// Events returns events with Offset > from, in offset order.
	Events(from int64) []Event
}
