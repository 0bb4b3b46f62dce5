package lease

import (
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

// PebbleStore persists lease deadlines in a pebble keyspace so the
// "matching in progress" flag survives process recycling. Keys are
// lease:<pair>, values the expiry as big-endian unix nanos.
type PebbleStore struct {
	mu sync.Mutex // serializes the read-check-write acquire
	db *pebble.DB
}

// NewPebbleStore creates a PebbleStore over an open pebble database.
// The database may be shared with other keyspaces (e.g. read-model
// offsets).
func NewPebbleStore(db *pebble.DB) *PebbleStore {
	return &PebbleStore{db: db}
}

func leaseKey(pair string) []byte {
	return append([]byte("lease:"), pair...)
}

func (s *PebbleStore) Acquire(pair string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	key := leaseKey(pair)

	val, closer, err := s.db.Get(key)
	switch {
	case err == nil:
		expiry := time.Unix(0, int64(binary.BigEndian.Uint64(val)))
		closer.Close()
		if expiry.After(now) {
			return false, nil
		}
	case errors.Is(err, pebble.ErrNotFound):
		// Free.
	default:
		return false, err
	}

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(now.Add(ttl).UnixNano()))
	if err := s.db.Set(key, buf[:], pebble.Sync); err != nil {
		return false, err
	}
	return true, nil
}

func (s *PebbleStore) Release(pair string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Delete(leaseKey(pair), pebble.Sync)
}

var _ Store = (*PebbleStore)(nil)
