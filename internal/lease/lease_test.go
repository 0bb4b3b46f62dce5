package lease

import (
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

func openTestPebble(t *testing.T) *pebble.DB {
	t.Helper()
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func stores(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory": NewMemoryStore(),
		"pebble": NewPebbleStore(openTestPebble(t)),
	}
}

func TestAcquire_ExclusiveUntilReleased(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ok, err := s.Acquire("BTC/USD", time.Minute)
			if err != nil || !ok {
				t.Fatalf("first acquire: ok=%v err=%v", ok, err)
			}

			ok, err = s.Acquire("BTC/USD", time.Minute)
			if err != nil || ok {
				t.Fatalf("second acquire must fail while held: ok=%v err=%v", ok, err)
			}

			// Other pairs are independent.
			ok, err = s.Acquire("ETH/USD", time.Minute)
			if err != nil || !ok {
				t.Fatalf("other pair: ok=%v err=%v", ok, err)
			}

			if err := s.Release("BTC/USD"); err != nil {
				t.Fatalf("release: %v", err)
			}
			ok, err = s.Acquire("BTC/USD", time.Minute)
			if err != nil || !ok {
				t.Fatalf("acquire after release: ok=%v err=%v", ok, err)
			}
		})
	}
}

func TestAcquire_ExpiredLeaseIsFree(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ok, err := s.Acquire("BTC/USD", 10*time.Millisecond)
			if err != nil || !ok {
				t.Fatalf("acquire: ok=%v err=%v", ok, err)
			}

			time.Sleep(25 * time.Millisecond)

			ok, err = s.Acquire("BTC/USD", time.Minute)
			if err != nil || !ok {
				t.Fatalf("acquire after expiry: ok=%v err=%v", ok, err)
			}
		})
	}
}

func TestRelease_UnheldIsNoOp(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Release("never-held"); err != nil {
				t.Fatalf("release of unheld lease: %v", err)
			}
		})
	}
}

func TestPebbleStore_LeaseSurvivesReopen(t *testing.T) {
	fs := vfs.NewMem()
	db, err := pebble.Open("", &pebble.Options{FS: fs})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	s := NewPebbleStore(db)
	if ok, err := s.Acquire("BTC/USD", time.Hour); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db, err = pebble.Open("", &pebble.Options{FS: fs})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()

	s = NewPebbleStore(db)
	if ok, err := s.Acquire("BTC/USD", time.Hour); err != nil || ok {
		t.Fatalf("lease must survive restart: ok=%v err=%v", ok, err)
	}
}
