package domain

import (
	"strings"
	"sync"
)

// TradingPair describes a tradable base/quote asset pair. Prices are
// quoted in the quote asset and rounded to PricePrecision decimal places
// when aggregating book levels.
type TradingPair struct {
	Symbol         string // e.g. "BTC/USDT"
	Base           string
	Quote          string
	PricePrecision int32
}

// ParsePairSymbol splits a "BASE/QUOTE" symbol into its assets.
// Returns false when the symbol is not of that shape.
func ParsePairSymbol(symbol string) (base, quote string, ok bool) {
	parts := strings.Split(symbol, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// PairRegistry tracks the trading pairs the exchange serves in a
// thread-safe manner. Orders referencing an unregistered pair are
// rejected before any balance is reserved.
type PairRegistry struct {
	mu    sync.RWMutex
	pairs map[string]TradingPair
}

// NewPairRegistry creates an empty PairRegistry.
func NewPairRegistry() *PairRegistry {
	return &PairRegistry{
		pairs: make(map[string]TradingPair),
	}
}

// Register adds a pair to the registry. Safe for concurrent use.
func (r *PairRegistry) Register(pair TradingPair) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pairs[pair.Symbol] = pair
}

// Get returns the pair for the given symbol. It returns ErrPairNotFound
// if the pair has not been registered.
func (r *PairRegistry) Get(symbol string) (TradingPair, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pairs[symbol]
	if !ok {
		return TradingPair{}, ErrPairNotFound
	}
	return p, nil
}

// Exists returns true if the pair has been registered.
func (r *PairRegistry) Exists(symbol string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.pairs[symbol]
	return ok
}

// Symbols returns all registered pair symbols. The order is unspecified.
func (r *PairRegistry) Symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.pairs))
	for s := range r.pairs {
		out = append(out, s)
	}
	return out
}
