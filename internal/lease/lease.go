// Package lease provides the per-trading-pair matching lease: the sole
// serialization mechanism guaranteeing that at most one matching +
// settlement pass runs per pair at a time. Leases carry a TTL so a
// crashed holder never blocks matching forever, and the pebble-backed
// store keeps correctness independent of process lifetime.
package lease

import (
	"sync"
	"time"
)

// Store hands out time-bounded per-pair leases.
type Store interface {
	// Acquire takes the lease for pair if it is free or expired.
	// Returns false when another holder has it.
	Acquire(pair string, ttl time.Duration) (bool, error)

	// Release frees the lease for pair. Releasing an unheld lease is a
	// no-op.
	Release(pair string) error
}

// MemoryStore is a mutex-guarded lease map for single-process use.
type MemoryStore struct {
	mu       sync.Mutex
	deadline map[string]time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		deadline: make(map[string]time.Time),
	}
}

func (s *MemoryStore) Acquire(pair string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if d, ok := s.deadline[pair]; ok && d.After(now) {
		return false, nil
	}
	s.deadline[pair] = now.Add(ttl)
	return true, nil
}

func (s *MemoryStore) Release(pair string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.deadline, pair)
	return nil
}

var _ Store = (*MemoryStore)(nil)
