package service

import (
	"sort"

	"github.com/shopspring/decimal"

	"ledgerdex/internal/book"
	"ledgerdex/internal/domain"
	"ledgerdex/internal/store"
)

const (
	defaultBookDepth = 10
	maxBookDepth     = 100
	maxTradeLimit    = 500
)

// MarketService serves pair-level read endpoints: book snapshots, trade
// history, and last trade prices.
type MarketService struct {
	pairs  *domain.PairRegistry
	books  *book.Manager
	trades *store.TradeStore
}

// NewMarketService creates a new MarketService.
func NewMarketService(pairs *domain.PairRegistry, books *book.Manager, trades *store.TradeStore) *MarketService {
	return &MarketService{
		pairs:  pairs,
		books:  books,
		trades: trades,
	}
}

// BookSnapshot returns an aggregated view of the pair's book, at most
// depth price levels per side.
func (s *MarketService) BookSnapshot(pair string, depth int) (book.Snapshot, error) {
	if depth == 0 {
		depth = defaultBookDepth
	}
	if depth < 1 || depth > maxBookDepth {
		return book.Snapshot{}, &domain.ValidationError{Message: "depth must be between 1 and 100"}
	}
	bk, err := s.books.Get(pair)
	if err != nil {
		return book.Snapshot{}, err
	}
	return bk.Snapshot(depth), nil
}

// Trades returns the pair's most recent trades, newest first, capped at
// limit.
func (s *MarketService) Trades(pair string, limit int) ([]*domain.Trade, error) {
	if limit == 0 {
		limit = 100
	}
	if limit < 1 || limit > maxTradeLimit {
		return nil, &domain.ValidationError{Message: "limit must be between 1 and 500"}
	}
	if !s.pairs.Exists(pair) {
		return nil, domain.ErrPairNotFound
	}

	trades := s.trades.GetByPair(pair)
	sort.SliceStable(trades, func(i, j int) bool {
		return trades[i].ExecutedAt.After(trades[j].ExecutedAt)
	})
	if len(trades) > limit {
		trades = trades[:limit]
	}
	return trades, nil
}

// LastPrice returns the pair's last trade price. ok is false before the
// first trade.
func (s *MarketService) LastPrice(pair string) (decimal.Decimal, bool, error) {
	bk, err := s.books.Get(pair)
	if err != nil {
		return decimal.Decimal{}, false, err
	}
	p, ok := bk.LastPrice()
	return p, ok, nil
}

// Pairs returns all registered pair symbols, sorted.
func (s *MarketService) Pairs() []string {
	symbols := s.pairs.Symbols()
	sort.Strings(symbols)
	return symbols
}
