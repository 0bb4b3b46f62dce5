package store

import (
	"sync"

	"ledgerdex/internal/domain"
)

// PartyStore is a thread-safe in-memory store for parties,
// keyed by party identifier.
type PartyStore struct {
	mu      sync.RWMutex
	parties map[string]*domain.Party
}

// NewPartyStore creates an empty PartyStore.
func NewPartyStore() *PartyStore {
	return &PartyStore{
		parties: make(map[string]*domain.Party),
	}
}

// Create adds a party to the store. It returns
// domain.ErrPartyAlreadyExists if a party with the same ID
// already exists.
func (s *PartyStore) Create(p *domain.Party) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.parties[p.PartyID]; exists {
		return domain.ErrPartyAlreadyExists
	}
	s.parties[p.PartyID] = p
	return nil
}

// Get retrieves a party by ID. It returns
// domain.ErrPartyNotFound if the party does not exist.
func (s *PartyStore) Get(id string) (*domain.Party, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.parties[id]
	if !ok {
		return nil, domain.ErrPartyNotFound
	}
	return p, nil
}

// Exists returns true if a party with the given ID exists.
func (s *PartyStore) Exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.parties[id]
	return ok
}
