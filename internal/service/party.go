package service

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"ledgerdex/internal/domain"
	"ledgerdex/internal/ledger"
	"ledgerdex/internal/reserve"
	"ledgerdex/internal/store"
)

// BalanceSetter seeds initial holdings on the ledger side. The in-memory
// ledger implements it.
type BalanceSetter interface {
	SetBalance(party, asset string, amount decimal.Decimal)
}

// RegisterPartyRequest represents the input for party registration.
// Balances accepts any of the ledger balance encodings: an asset→amount
// object, an array of [asset, amount] pairs, or an array of
// {asset, amount} entries.
type RegisterPartyRequest struct {
	Party    string
	Balances json.RawMessage
}

// AssetBalance is one asset line in a balance response.
type AssetBalance struct {
	Asset     string
	Balance   decimal.Decimal
	Reserved  decimal.Decimal
	Available decimal.Decimal
}

// BalanceResponse represents the response for the party balance endpoint.
type BalanceResponse struct {
	Party    string
	Balances []AssetBalance
}

// PartyService handles party registration and balance queries.
type PartyService struct {
	store   *store.PartyStore
	reserve *reserve.Store
	seeder  BalanceSetter
}

// NewPartyService creates a new PartyService. seeder may be nil when the
// ledger manages its own balances.
func NewPartyService(partyStore *store.PartyStore, rsv *reserve.Store, seeder BalanceSetter) *PartyService {
	return &PartyService{
		store:   partyStore,
		reserve: rsv,
		seeder:  seeder,
	}
}

// Register validates the request, creates the party, and seeds its
// initial balances in both the reservation store and the ledger.
func (s *PartyService) Register(req RegisterPartyRequest) (*domain.Party, error) {
	if !partyIDRegex.MatchString(req.Party) {
		return nil, &domain.ValidationError{Message: "party must match ^[a-zA-Z0-9_-]{1,64}$"}
	}

	balances := map[string]decimal.Decimal{}
	if len(req.Balances) > 0 {
		decoded, err := ledger.DecodeBalances(req.Balances)
		if err != nil {
			return nil, &domain.ValidationError{Message: "balances: " + err.Error()}
		}
		balances = decoded
	}
	for asset, amount := range balances {
		if asset == "" {
			return nil, &domain.ValidationError{Message: "balances: asset name must not be empty"}
		}
		if amount.IsNegative() {
			return nil, &domain.ValidationError{Message: "balances: amount for " + asset + " must be >= 0"}
		}
	}

	party := &domain.Party{
		PartyID:   req.Party,
		CreatedAt: time.Now(),
	}
	if err := s.store.Create(party); err != nil {
		return nil, err
	}

	for asset, amount := range balances {
		s.reserve.SetBalance(req.Party, asset, amount)
		if s.seeder != nil {
			s.seeder.SetBalance(req.Party, asset, amount)
		}
	}
	return party, nil
}

// GetBalances retrieves the party's balances including reservations.
func (s *PartyService) GetBalances(party string) (*BalanceResponse, error) {
	if _, err := s.store.Get(party); err != nil {
		return nil, err
	}

	raw := s.reserve.Balances(party)
	balances := make([]AssetBalance, 0, len(raw))
	for asset, total := range raw {
		reserved := s.reserve.Reserved(party, asset)
		balances = append(balances, AssetBalance{
			Asset:     asset,
			Balance:   total,
			Reserved:  reserved,
			Available: total.Sub(reserved),
		})
	}
	sort.Slice(balances, func(i, j int) bool { return balances[i].Asset < balances[j].Asset })

	return &BalanceResponse{Party: party, Balances: balances}, nil
}
