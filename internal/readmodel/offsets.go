package readmodel

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/cockroachdb/pebble"
)

var offsetKey = []byte("readmodel:offset")

// PebbleOffsets stores the consumed offset in a pebble keyspace shared
// with the lease store.
type PebbleOffsets struct {
	db *pebble.DB
}

func NewPebbleOffsets(db *pebble.DB) *PebbleOffsets {
	return &PebbleOffsets{db: db}
}

func (p *PebbleOffsets) Load() (int64, error) {
	val, closer, err := p.db.Get(offsetKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	return int64(binary.BigEndian.Uint64(val)), nil
}

func (p *PebbleOffsets) Save(offset int64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(offset))
	return p.db.Set(offsetKey, buf[:], pebble.Sync)
}

// MemoryOffsets keeps the offset in memory, for tests and ephemeral
// deployments.
type MemoryOffsets struct {
	mu     sync.Mutex
	offset int64
}

func NewMemoryOffsets() *MemoryOffsets {
	return &MemoryOffsets{}
}

func (m *MemoryOffsets) Load() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offset, nil
}

func (m *MemoryOffsets) Save(offset int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offset = offset
	return nil
}

var (
	_ OffsetStore = (*PebbleOffsets)(nil)
	_ OffsetStore = (*MemoryOffsets)(nil)
)
