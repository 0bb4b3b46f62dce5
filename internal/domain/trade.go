package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade records one atomic match execution. Exactly one Trade exists per
// settled match, and it is never mutated after creation.
type Trade struct {
	TradeID     string
	Pair        string
	BuyOrderID  string
	SellOrderID string
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	Buyer       string
	Seller      string
	ExecutedAt  time.Time
}
