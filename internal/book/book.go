// Package book maintains per-pair order books in price-time priority
// using B-trees, with a secondary index for O(log n) removal by order ID.
package book

import (
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/shopspring/decimal"

	"ledgerdex/internal/domain"
)

// Entry represents a single order resting on the book. Seq is a
// per-book monotonic insertion counter used as the deterministic
// tie-break after price and time.
type Entry struct {
	Price     decimal.Decimal
	CreatedAt time.Time
	Seq       uint64
	OrderID   string
	Order     *domain.Order
}

// Level is an aggregated price level for display: orders at the same
// rounded price with their remaining quantities summed.
type Level struct {
	Price         decimal.Decimal
	TotalQuantity decimal.Decimal
	OrderCount    int
}

// Snapshot is a depth-limited aggregated view of both sides,
// most-aggressive price first.
type Snapshot struct {
	Pair           string
	Bids           []Level
	Asks           []Level
	LastTradePrice *decimal.Decimal
}

// bidLess orders the bid side: price descending, created_at ascending,
// then insertion sequence. Min() returns the best bid.
func bidLess(a, b Entry) bool {
	if !a.Price.Equal(b.Price) {
		return a.Price.GreaterThan(b.Price)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Seq < b.Seq
}

// askLess orders the ask side: price ascending, created_at ascending,
// then insertion sequence. Min() returns the best ask.
func askLess(a, b Entry) bool {
	if !a.Price.Equal(b.Price) {
		return a.Price.LessThan(b.Price)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Seq < b.Seq
}

// Book maintains the bid and ask sides for a single trading pair, plus a
// separate pending list of stop orders awaiting their trigger. Stop
// orders never participate in matching or snapshots until promoted.
type Book struct {
	pair domain.TradingPair

	mu      sync.RWMutex
	seq     uint64
	bids    *btree.BTreeG[Entry]
	asks    *btree.BTreeG[Entry]
	index   map[string]Entry         // order_id → entry
	pending map[string]*domain.Order // order_id → stop order awaiting trigger

	lastPrice    decimal.Decimal
	hasLastPrice bool
}

// New creates an order book for the given pair.
func New(pair domain.TradingPair) *Book {
	const degree = 32
	return &Book{
		pair:    pair,
		bids:    btree.NewG[Entry](degree, bidLess),
		asks:    btree.NewG[Entry](degree, askLess),
		index:   make(map[string]Entry),
		pending: make(map[string]*domain.Order),
	}
}

// Pair returns the trading pair this book serves.
func (b *Book) Pair() domain.TradingPair {
	return b.pair
}

// Lock acquires the book's write lock. The trigger coordinator holds it
// for the in-memory part of a matching pass.
func (b *Book) Lock() { b.mu.Lock() }

// Unlock releases the book's write lock.
func (b *Book) Unlock() { b.mu.Unlock() }

// Add inserts an open limit order into the correct side. It returns a
// ValidationError when the price or quantity is non-positive or the
// order references a different pair.
func (b *Book) Add(o *domain.Order) error {
	if o.Pair != b.pair.Symbol {
		return &domain.ValidationError{Message: "order pair does not match book"}
	}
	if !o.LimitPrice.IsPositive() {
		return &domain.ValidationError{Message: "price must be positive"}
	}
	if !o.Remaining().IsPositive() {
		return &domain.ValidationError{Message: "quantity must be positive"}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.addLocked(o)
	return nil
}

// addLocked inserts without validation. Callers hold the write lock.
func (b *Book) addLocked(o *domain.Order) {
	b.seq++
	entry := Entry{
		Price:     o.LimitPrice,
		CreatedAt: o.CreatedAt,
		Seq:       b.seq,
		OrderID:   o.OrderID,
		Order:     o,
	}
	if o.Side == domain.SideBuy {
		b.bids.ReplaceOrInsert(entry)
	} else {
		b.asks.ReplaceOrInsert(entry)
	}
	b.index[o.OrderID] = entry
}

// AddLocked inserts an already-validated order while the caller holds
// the book lock. Used by the engine when promoting stop orders.
func (b *Book) AddLocked(o *domain.Order) {
	b.addLocked(o)
}

// Remove deletes an order from the book by ID. Removing an order that is
// not on the book is a no-op, which keeps cancellation idempotent.
func (b *Book) Remove(orderID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(orderID)
}

// RemoveLocked removes while the caller holds the book lock.
func (b *Book) RemoveLocked(orderID string) {
	b.removeLocked(orderID)
}

func (b *Book) removeLocked(orderID string) {
	entry, ok := b.index[orderID]
	if !ok {
		return
	}
	delete(b.index, orderID)
	// Delete is a no-op on the side the entry isn't on.
	b.bids.Delete(entry)
	b.asks.Delete(entry)
}

// Contains reports whether an order currently rests on the book.
func (b *Book) Contains(orderID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.index[orderID]
	return ok
}

// BestBid returns the highest-priority bid (highest price, earliest time).
func (b *Book) BestBid() (Entry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bids.Min()
}

// BestAsk returns the highest-priority ask (lowest price, earliest time).
func (b *Book) BestAsk() (Entry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.asks.Min()
}

// BidEntries returns bid-side entries in priority order. Callers must
// hold at least the read lock for the slice to stay consistent with the
// book.
func (b *Book) BidEntries() []Entry {
	return collect(b.bids)
}

// AskEntries returns ask-side entries in priority order.
func (b *Book) AskEntries() []Entry {
	return collect(b.asks)
}

func collect(tree *btree.BTreeG[Entry]) []Entry {
	out := make([]Entry, 0, tree.Len())
	tree.Ascend(func(e Entry) bool {
		out = append(out, e)
		return true
	})
	return out
}

// AddPending registers a stop order awaiting its trigger condition.
func (b *Book) AddPending(o *domain.Order) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[o.OrderID] = o
}

// RemovePending removes a stop order from the pending list. No-op when
// absent.
func (b *Book) RemovePending(orderID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, orderID)
}

// PendingLocked returns the pending stop orders. Callers hold the lock.
func (b *Book) PendingLocked() []*domain.Order {
	out := make([]*domain.Order, 0, len(b.pending))
	for _, o := range b.pending {
		out = append(out, o)
	}
	return out
}

// RemovePendingLocked removes a pending stop order under the caller's lock.
func (b *Book) RemovePendingLocked(orderID string) {
	delete(b.pending, orderID)
}

// LastPrice returns the most recent trade price, if any trade has
// executed on this book.
func (b *Book) LastPrice() (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastPrice, b.hasLastPrice
}

// LastPriceLocked reads the last trade price under the caller's lock.
func (b *Book) LastPriceLocked() (decimal.Decimal, bool) {
	return b.lastPrice, b.hasLastPrice
}

// SetLastPriceLocked records the latest trade price under the caller's lock.
func (b *Book) SetLastPriceLocked(p decimal.Decimal) {
	b.lastPrice = p
	b.hasLastPrice = true
}

// Counts returns the number of individual resting orders per side.
func (b *Book) Counts() (bids, asks int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bids.Len(), b.asks.Len()
}

// Snapshot aggregates up to depth price levels per side, grouping orders
// at the same price after rounding to the pair's price precision and
// summing remaining quantities. Most aggressive price first.
func (b *Book) Snapshot(depth int) Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	snap := Snapshot{
		Pair: b.pair.Symbol,
		Bids: topLevels(b.bids, depth, b.pair.PricePrecision),
		Asks: topLevels(b.asks, depth, b.pair.PricePrecision),
	}
	if b.hasLastPrice {
		p := b.lastPrice
		snap.LastTradePrice = &p
	}
	return snap
}

// topLevels walks the tree in priority order aggregating entries into at
// most n levels, rounding prices to the configured precision before
// grouping.
func topLevels(tree *btree.BTreeG[Entry], n int, precision int32) []Level {
	if n <= 0 {
		return nil
	}
	levels := make([]Level, 0, n)
	tree.Ascend(func(e Entry) bool {
		price := e.Price.Round(precision)
		remaining := e.Order.Remaining()
		if len(levels) > 0 && levels[len(levels)-1].Price.Equal(price) {
			levels[len(levels)-1].TotalQuantity = levels[len(levels)-1].TotalQuantity.Add(remaining)
			levels[len(levels)-1].OrderCount++
			return true
		}
		if len(levels) >= n {
			return false
		}
		levels = append(levels, Level{
			Price:         price,
			TotalQuantity: remaining,
			OrderCount:    1,
		})
		return true
	})
	return levels
}
