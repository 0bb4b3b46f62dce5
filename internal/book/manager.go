package book

import (
	"sync"

	"ledgerdex/internal/domain"
)

// Manager is a thread-safe map of pair symbol → Book.
type Manager struct {
	mu    sync.RWMutex
	pairs *domain.PairRegistry
	books map[string]*Book
}

// NewManager creates a Manager backed by the given pair registry.
func NewManager(pairs *domain.PairRegistry) *Manager {
	return &Manager{
		pairs: pairs,
		books: make(map[string]*Book),
	}
}

// Get returns the book for the given pair symbol, creating it lazily.
// It returns ErrPairNotFound for unregistered pairs.
func (m *Manager) Get(symbol string) (*Book, error) {
	m.mu.RLock()
	b, ok := m.books[symbol]
	m.mu.RUnlock()
	if ok {
		return b, nil
	}

	pair, err := m.pairs.Get(symbol)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Double-check after acquiring write lock.
	if b, ok = m.books[symbol]; ok {
		return b, nil
	}
	b = New(pair)
	m.books[symbol] = b
	return b, nil
}
