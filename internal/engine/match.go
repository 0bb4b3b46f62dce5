// Package engine contains the matching cycle, the settlement executor,
// and the trigger coordinator. Matching is a pure in-memory computation
// producing candidate matches; settlement performs the authoritative,
// failure-safe transition against the ledger; the coordinator decides
// when a cycle runs and serializes passes per trading pair.
package engine

import (
	"github.com/shopspring/decimal"

	"ledgerdex/internal/book"
	"ledgerdex/internal/domain"
)

// Candidate is a proposed, not-yet-committed pairing of a buy and a sell
// order. It carries the contract version each order was read at, so the
// settlement executor can detect concurrent mutation and derive its
// idempotent settlement identifier.
type Candidate struct {
	BuyOrderID  string
	SellOrderID string
	Buyer       string
	Seller      string
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	BuyVersion  int64
	SellVersion int64
}

// Match runs one continuous double-auction pass over book entries in
// price-time priority and returns the candidate matches, in execution
// order. It never mutates the book or the orders: remaining quantities
// are tracked on working copies so settlement can be retried without
// re-deriving the match.
//
// The execution price is the limit price of the order that was resting
// first (the maker). The caller must hold the book lock while collecting
// the entry slices.
func Match(bids, asks []book.Entry) []Candidate {
	rem := make(map[string]decimal.Decimal, len(bids)+len(asks))
	remaining := func(e book.Entry) decimal.Decimal {
		if r, ok := rem[e.OrderID]; ok {
			return r
		}
		r := e.Order.Remaining()
		rem[e.OrderID] = r
		return r
	}

	var out []Candidate
	i, j := 0, 0
	for i < len(bids) && j < len(asks) {
		bid, ask := bids[i], asks[j]

		if !bid.Order.Fillable() || !remaining(bid).IsPositive() {
			i++
			continue
		}
		if !ask.Order.Fillable() || !remaining(ask).IsPositive() {
			j++
			continue
		}

		// No cross: the best bid is below the best ask.
		if bid.Price.LessThan(ask.Price) {
			break
		}

		qty := decimal.Min(remaining(bid), remaining(ask))
		price := makerPrice(bid, ask)

		out = append(out, Candidate{
			BuyOrderID:  bid.OrderID,
			SellOrderID: ask.OrderID,
			Buyer:       bid.Order.Owner,
			Seller:      ask.Order.Owner,
			Price:       price,
			Quantity:    qty,
			BuyVersion:  bid.Order.Contract.Version,
			SellVersion: ask.Order.Contract.Version,
		})

		rem[bid.OrderID] = remaining(bid).Sub(qty)
		rem[ask.OrderID] = remaining(ask).Sub(qty)
		if rem[bid.OrderID].IsZero() {
			i++
		}
		if rem[ask.OrderID].IsZero() {
			j++
		}
	}
	return out
}

// makerPrice selects the limit price of the earlier-resting side.
// Created-at ties fall back to the book insertion sequence.
func makerPrice(bid, ask book.Entry) decimal.Decimal {
	if bid.CreatedAt.Before(ask.CreatedAt) {
		return bid.Price
	}
	if ask.CreatedAt.Before(bid.CreatedAt) {
		return ask.Price
	}
	if bid.Seq < ask.Seq {
		return bid.Price
	}
	return ask.Price
}

// MatchMarket matches a market taker against the opposite side of the
// book. The execution price is always the resting order's price: market
// orders never set a price. It fails with ErrNoLiquidity when the
// opposite side holds no fillable depth; any remainder after walking the
// book is the caller's to cancel, since market orders never rest.
func MatchMarket(taker *domain.Order, opposite []book.Entry) ([]Candidate, error) {
	rem := taker.Remaining()
	var out []Candidate

	for _, e := range opposite {
		if !rem.IsPositive() {
			break
		}
		if !e.Order.Fillable() || !e.Order.Remaining().IsPositive() {
			continue
		}

		qty := decimal.Min(rem, e.Order.Remaining())
		c := Candidate{
			Price:    e.Price,
			Quantity: qty,
		}
		if taker.Side == domain.SideBuy {
			c.BuyOrderID = taker.OrderID
			c.Buyer = taker.Owner
			c.BuyVersion = taker.Contract.Version
			c.SellOrderID = e.OrderID
			c.Seller = e.Order.Owner
			c.SellVersion = e.Order.Contract.Version
		} else {
			c.SellOrderID = taker.OrderID
			c.Seller = taker.Owner
			c.SellVersion = taker.Contract.Version
			c.BuyOrderID = e.OrderID
			c.Buyer = e.Order.Owner
			c.BuyVersion = e.Order.Contract.Version
		}
		out = append(out, c)
		rem = rem.Sub(qty)
	}

	if len(out) == 0 {
		return nil, domain.ErrNoLiquidity
	}
	return out, nil
}
