package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ledgerdex/internal/domain"
)

func newTestTrade(id, pair string, executedAt time.Time) *domain.Trade {
	return &domain.Trade{
		TradeID:     id,
		Pair:        pair,
		BuyOrderID:  "buy-" + id,
		SellOrderID: "sell-" + id,
		Price:       decimal.NewFromInt(100),
		Quantity:    decimal.NewFromInt(1),
		Buyer:       "alice",
		Seller:      "bob",
		ExecutedAt:  executedAt,
	}
}

func TestTradeStore_AppendAndGet(t *testing.T) {
	s := NewTradeStore()
	s.Append(newTestTrade("t1", "BTC/USD", time.Now()))

	got := s.Get("t1")
	if got == nil || got.TradeID != "t1" {
		t.Fatalf("expected t1, got %+v", got)
	}
	if s.Get("missing") != nil {
		t.Error("expected nil for unknown trade")
	}
}

func TestTradeStore_GetByPair(t *testing.T) {
	s := NewTradeStore()
	base := time.Now()
	for i := 0; i < 3; i++ {
		s.Append(newTestTrade(fmt.Sprintf("btc-%d", i), "BTC/USD", base.Add(time.Duration(i)*time.Second)))
	}
	s.Append(newTestTrade("eth-0", "ETH/USD", base))

	btc := s.GetByPair("BTC/USD")
	if len(btc) != 3 {
		t.Fatalf("expected 3 BTC/USD trades, got %d", len(btc))
	}
	if len(s.GetByPair("ETH/USD")) != 1 {
		t.Error("expected 1 ETH/USD trade")
	}
	if got := s.GetByPair("SOL/USD"); got == nil || len(got) != 0 {
		t.Errorf("expected empty slice for pair with no trades, got %v", got)
	}

	// The returned slice is a copy.
	btc[0] = nil
	if s.GetByPair("BTC/USD")[0] == nil {
		t.Error("GetByPair must return a copy")
	}
}
