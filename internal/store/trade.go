package store

import (
	"sync"

	"ledgerdex/internal/domain"
)

// TradeStore is a thread-safe in-memory store for trades,
// keyed by trading pair. Trades are append-only and chronological.
type TradeStore struct {
	mu     sync.RWMutex
	trades map[string][]*domain.Trade // pair → trades (chronological)
	byID   map[string]*domain.Trade
}

// NewTradeStore creates an empty TradeStore.
func NewTradeStore() *TradeStore {
	return &TradeStore{
		trades: make(map[string][]*domain.Trade),
		byID:   make(map[string]*domain.Trade),
	}
}

// Append adds a trade to the pair's chronological list.
func (s *TradeStore) Append(t *domain.Trade) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trades[t.Pair] = append(s.trades[t.Pair], t)
	s.byID[t.TradeID] = t
}

// Get retrieves a trade by ID, or nil when unknown.
func (s *TradeStore) Get(tradeID string) *domain.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byID[tradeID]
}

// GetByPair returns all trades for a pair in chronological order.
// Returns an empty slice if no trades exist for the pair.
func (s *TradeStore) GetByPair(pair string) []*domain.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()

	trades := s.trades[pair]
	if trades == nil {
		return []*domain.Trade{}
	}

	// Return a copy to avoid callers mutating the internal slice.
	result := make([]*domain.Trade, len(trades))
	copy(result, trades)
	return result
}
