package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side indicates whether an order buys or sells the base asset.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Kind distinguishes limit, market, and stop orders.
type Kind string

const (
	KindLimit  Kind = "limit"
	KindMarket Kind = "market"
	KindStop   Kind = "stop"
)

// Status represents the lifecycle state of an order.
//
// PENDING_TRIGGER → OPEN → {PARTIALLY_FILLED ⇄ OPEN-remaining} → FILLED,
// or any non-terminal state → CANCELLED, or OPEN → REJECTED (before any fill).
type Status string

const (
	StatusPendingTrigger  Status = "pending_trigger"
	StatusOpen            Status = "open"
	StatusPartiallyFilled Status = "partially_filled"
	StatusFilled          Status = "filled"
	StatusCancelled       Status = "cancelled"
	StatusRejected        Status = "rejected"
)

// ContractRef is a versioned handle to the ledger contract instance
// currently backing an order. Ledger contracts are immutable-and-replaced:
// every ledger-level mutation archives the old instance and produces a new
// ref, so the ref must be re-read before each exercise. Order identity is
// the logical OrderID, never the physical ref.
type ContractRef struct {
	ID      string
	Version int64
}

// Order represents a buy or sell instruction owned by a ledger party.
type Order struct {
	OrderID        string
	Owner          string // party identifier
	Pair           string // trading pair symbol, e.g. "BTC/USDT"
	Side           Side
	Kind           Kind
	LimitPrice     decimal.Decimal // zero for market orders
	TriggerPrice   decimal.Decimal // stop orders only
	TriggerInto    Kind            // stop orders only: limit or market once triggered
	Quantity       decimal.Decimal
	FilledQuantity decimal.Decimal
	Status         Status
	ReservedAsset  string
	ReservedAmount decimal.Decimal // remaining reservation backing this order
	CreatedAt      time.Time
	CancelledAt    *time.Time
	Contract       ContractRef
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// Fillable reports whether the order may still participate in settlement.
func (o *Order) Fillable() bool {
	return o.Status == StatusOpen || o.Status == StatusPartiallyFilled
}

// Terminal reports whether the order has reached a final state.
func (o *Order) Terminal() bool {
	switch o.Status {
	case StatusFilled, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// ApplyFill records a fill of qty and transitions status. FilledQuantity
// never decreases.
func (o *Order) ApplyFill(qty decimal.Decimal) {
	o.FilledQuantity = o.FilledQuantity.Add(qty)
	if o.Remaining().IsZero() {
		o.Status = StatusFilled
	} else {
		o.Status = StatusPartiallyFilled
	}
}
