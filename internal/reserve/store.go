// Package reserve implements the balance reservation store: per-party,
// per-asset holds backing open orders, guaranteeing that a party can
// never commit more of an asset than it holds.
package reserve

import (
	"sync"

	"github.com/shopspring/decimal"

	"ledgerdex/internal/domain"
)

// Reservation is a hold against a party's balance tied to one order.
type Reservation struct {
	Party   string
	Asset   string
	Amount  decimal.Decimal
	OrderID string
}

// Store tracks asset balances and live reservations. All methods are safe
// for concurrent use. For every (party, asset):
//
//	sum(live reservations) <= balance
//
// holds at every observable point. Reserve enforces it on entry; Debit
// checks it on exit.
type Store struct {
	mu           sync.Mutex
	balances     map[string]map[string]decimal.Decimal // party → asset → total
	reservations map[string]*Reservation               // order_id → reservation
	reserved     map[string]map[string]decimal.Decimal // party → asset → sum of holds
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		balances:     make(map[string]map[string]decimal.Decimal),
		reservations: make(map[string]*Reservation),
		reserved:     make(map[string]map[string]decimal.Decimal),
	}
}

// SetBalance sets the total balance for a party/asset, replacing any
// previous value. Used when onboarding a party.
func (s *Store) SetBalance(party, asset string, amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(s.balances, party, asset, amount)
}

// Credit increases a party's total balance for an asset.
func (s *Store) Credit(party, asset string, amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(s.balances, party, asset, s.getLocked(s.balances, party, asset).Add(amount))
}

// Debit decreases a party's total balance for an asset. It returns an
// InvariantViolationError if the debit would push the balance below the
// sum of live reservations, since funds backing open orders must never
// be spendable elsewhere.
func (s *Store) Debit(party, asset string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.getLocked(s.balances, party, asset).Sub(amount)
	if next.LessThan(s.getLocked(s.reserved, party, asset)) {
		return domain.Invariantf("debit of %s %s for %s breaks reservation backing", amount, asset, party)
	}
	s.setLocked(s.balances, party, asset, next)
	return nil
}

// Reserve records a hold of amount against the party's asset balance,
// tied to orderID. It fails with ErrInsufficientBalance when amount
// exceeds the available (unreserved) balance, and with an
// InvariantViolationError when a reservation for orderID already exists.
func (s *Store) Reserve(party, asset string, amount decimal.Decimal, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.reservations[orderID]; exists {
		return domain.Invariantf("duplicate reservation for order %s", orderID)
	}
	available := s.getLocked(s.balances, party, asset).Sub(s.getLocked(s.reserved, party, asset))
	if amount.GreaterThan(available) {
		return domain.ErrInsufficientBalance
	}

	s.reservations[orderID] = &Reservation{
		Party:   party,
		Asset:   asset,
		Amount:  amount,
		OrderID: orderID,
	}
	s.setLocked(s.reserved, party, asset, s.getLocked(s.reserved, party, asset).Add(amount))
	return nil
}

// Release reduces the reservation for orderID by amount, removing it
// entirely when it reaches zero. Releasing more than is currently held
// is a double-release bug and returns an InvariantViolationError rather
// than being silently clamped.
func (s *Store) Release(orderID string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[orderID]
	if !ok {
		return domain.Invariantf("release for unknown reservation, order %s", orderID)
	}
	if amount.GreaterThan(r.Amount) {
		return domain.Invariantf("over-release on order %s: %s held, %s released", orderID, r.Amount, amount)
	}

	r.Amount = r.Amount.Sub(amount)
	s.setLocked(s.reserved, r.Party, r.Asset, s.getLocked(s.reserved, r.Party, r.Asset).Sub(amount))
	if r.Amount.IsZero() {
		delete(s.reservations, orderID)
	}
	return nil
}

// ReleaseAll removes the reservation for orderID and returns the amount
// that was still held. It is a no-op returning zero when no reservation
// exists, which makes repeated cancellation safe.
func (s *Store) ReleaseAll(orderID string) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[orderID]
	if !ok {
		return decimal.Zero
	}
	released := r.Amount
	s.setLocked(s.reserved, r.Party, r.Asset, s.getLocked(s.reserved, r.Party, r.Asset).Sub(released))
	delete(s.reservations, orderID)
	return released
}

// Available returns the party's unreserved balance for an asset.
func (s *Store) Available(party, asset string) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(s.balances, party, asset).Sub(s.getLocked(s.reserved, party, asset))
}

// Balance returns the party's total balance for an asset.
func (s *Store) Balance(party, asset string) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(s.balances, party, asset)
}

// Reserved returns the sum of the party's live reservations for an asset.
func (s *Store) Reserved(party, asset string) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(s.reserved, party, asset)
}

// Get returns a copy of the reservation for orderID, if one exists.
func (s *Store) Get(orderID string) (Reservation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[orderID]
	if !ok {
		return Reservation{}, false
	}
	return *r, true
}

// Balances returns a copy of all asset balances for a party.
func (s *Store) Balances(party string) map[string]decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(s.balances[party]))
	for asset, amount := range s.balances[party] {
		out[asset] = amount
	}
	return out
}

func (s *Store) getLocked(m map[string]map[string]decimal.Decimal, party, asset string) decimal.Decimal {
	if inner, ok := m[party]; ok {
		return inner[asset]
	}
	return decimal.Zero
}

func (s *Store) setLocked(m map[string]map[string]decimal.Decimal, party, asset string, v decimal.Decimal) {
	inner, ok := m[party]
	if !ok {
		inner = make(map[string]decimal.Decimal)
		m[party] = inner
	}
	inner[asset] = v
}
