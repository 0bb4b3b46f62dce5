package service

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"ledgerdex/internal/book"
	"ledgerdex/internal/domain"
	"ledgerdex/internal/store"
)

func newMarketService(t *testing.T) (*MarketService, *book.Manager, *store.TradeStore) {
	t.Helper()
	pairs := domain.NewPairRegistry()
	pairs.Register(domain.TradingPair{Symbol: "BTC/USD", Base: "BTC", Quote: "USD", PricePrecision: 2})
	pairs.Register(domain.TradingPair{Symbol: "ETH/USD", Base: "ETH", Quote: "USD", PricePrecision: 2})
	books := book.NewManager(pairs)
	trades := store.NewTradeStore()
	return NewMarketService(pairs, books, trades), books, trades
}

func TestBookSnapshot(t *testing.T) {
	svc, books, _ := newMarketService(t)

	bk, _ := books.Get("BTC/USD")
	for i := 0; i < 15; i++ {
		o := &domain.Order{
			OrderID:    fmt.Sprintf("o-%d", i),
			Owner:      "alice",
			Pair:       "BTC/USD",
			Side:       domain.SideSell,
			Kind:       domain.KindLimit,
			LimitPrice: dec(fmt.Sprintf("%d", 100+i)),
			Quantity:   dec("1"),
			Status:     domain.StatusOpen,
			CreatedAt:  time.Now(),
		}
		if err := bk.Add(o); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	// Zero depth uses the default of 10 levels.
	snap, err := svc.BookSnapshot("BTC/USD", 0)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Asks) != 10 {
		t.Errorf("expected 10 levels at default depth, got %d", len(snap.Asks))
	}

	snap, err = svc.BookSnapshot("BTC/USD", 3)
	if err != nil || len(snap.Asks) != 3 {
		t.Errorf("expected 3 levels, got %d (%v)", len(snap.Asks), err)
	}

	if _, err := svc.BookSnapshot("BTC/USD", 101); err == nil {
		t.Error("expected validation error for oversized depth")
	}
	if _, err := svc.BookSnapshot("DOGE/USD", 0); err != domain.ErrPairNotFound {
		t.Errorf("expected ErrPairNotFound, got %v", err)
	}
}

func TestTrades_NewestFirst(t *testing.T) {
	svc, _, trades := newMarketService(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		trades.Append(&domain.Trade{
			TradeID:    fmt.Sprintf("t-%d", i),
			Pair:       "BTC/USD",
			Price:      dec("100"),
			Quantity:   dec("1"),
			ExecutedAt: base.Add(time.Duration(i) * time.Second),
		})
	}

	got, err := svc.Trades("BTC/USD", 0)
	if err != nil {
		t.Fatalf("trades: %v", err)
	}
	if len(got) != 5 || got[0].TradeID != "t-4" || got[4].TradeID != "t-0" {
		t.Fatalf("expected newest first, got %+v", got)
	}

	got, err = svc.Trades("BTC/USD", 2)
	if err != nil || len(got) != 2 || got[0].TradeID != "t-4" {
		t.Fatalf("expected 2 newest trades, got %d (%v)", len(got), err)
	}

	var verr *domain.ValidationError
	if _, err := svc.Trades("BTC/USD", 501); !errors.As(err, &verr) {
		t.Errorf("expected validation error, got %v", err)
	}
	if _, err := svc.Trades("DOGE/USD", 0); err != domain.ErrPairNotFound {
		t.Errorf("expected ErrPairNotFound, got %v", err)
	}
}

func TestLastPrice(t *testing.T) {
	svc, books, _ := newMarketService(t)

	if _, ok, err := svc.LastPrice("BTC/USD"); err != nil || ok {
		t.Errorf("expected no price before trades: ok=%v err=%v", ok, err)
	}

	bk, _ := books.Get("BTC/USD")
	bk.Lock()
	bk.SetLastPriceLocked(dec("105.25"))
	bk.Unlock()

	p, ok, err := svc.LastPrice("BTC/USD")
	if err != nil || !ok || !p.Equal(dec("105.25")) {
		t.Errorf("expected 105.25, got %s (ok=%v err=%v)", p, ok, err)
	}

	if _, _, err := svc.LastPrice("DOGE/USD"); err != domain.ErrPairNotFound {
		t.Errorf("expected ErrPairNotFound, got %v", err)
	}
}

func TestPairs_Sorted(t *testing.T) {
	svc, _, _ := newMarketService(t)

	got := svc.Pairs()
	if len(got) != 2 || got[0] != "BTC/USD" || got[1] != "ETH/USD" {
		t.Errorf("expected sorted [BTC/USD ETH/USD], got %v", got)
	}
}
