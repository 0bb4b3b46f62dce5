package book

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ledgerdex/internal/domain"
)

var testPair = domain.TradingPair{Symbol: "BTC/USD", Base: "BTC", Quote: "USD", PricePrecision: 2}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func limitOrder(id string, side domain.Side, price, qty string, createdAt time.Time) *domain.Order {
	return &domain.Order{
		OrderID:    id,
		Owner:      "p-" + id,
		Pair:       testPair.Symbol,
		Side:       side,
		Kind:       domain.KindLimit,
		LimitPrice: dec(price),
		Quantity:   dec(qty),
		Status:     domain.StatusOpen,
		CreatedAt:  createdAt,
	}
}

func TestAdd_Validation(t *testing.T) {
	b := New(testPair)
	now := time.Now()

	tests := []struct {
		name  string
		order *domain.Order
	}{
		{"wrong pair", &domain.Order{OrderID: "o1", Pair: "ETH/USD", Side: domain.SideBuy, LimitPrice: dec("1"), Quantity: dec("1"), CreatedAt: now}},
		{"zero price", limitOrder("o2", domain.SideBuy, "0", "1", now)},
		{"negative price", limitOrder("o3", domain.SideBuy, "-5", "1", now)},
		{"zero quantity", limitOrder("o4", domain.SideBuy, "10", "0", now)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := b.Add(tt.order)
			var verr *domain.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestBestBidAsk_PriceTimePriority(t *testing.T) {
	b := New(testPair)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	// Bids: highest price first; ties broken by arrival.
	_ = b.Add(limitOrder("b1", domain.SideBuy, "100", "1", base))
	_ = b.Add(limitOrder("b2", domain.SideBuy, "101", "1", base.Add(time.Second)))
	_ = b.Add(limitOrder("b3", domain.SideBuy, "101", "1", base.Add(2*time.Second)))

	best, ok := b.BestBid()
	if !ok || best.OrderID != "b2" {
		t.Errorf("expected best bid b2, got %s (ok=%v)", best.OrderID, ok)
	}

	// Asks: lowest price first.
	_ = b.Add(limitOrder("a1", domain.SideSell, "103", "1", base))
	_ = b.Add(limitOrder("a2", domain.SideSell, "102", "1", base.Add(time.Second)))

	bestAsk, ok := b.BestAsk()
	if !ok || bestAsk.OrderID != "a2" {
		t.Errorf("expected best ask a2, got %s (ok=%v)", bestAsk.OrderID, ok)
	}

	bids := b.BidEntries()
	want := []string{"b2", "b3", "b1"}
	for i, id := range want {
		if bids[i].OrderID != id {
			t.Errorf("bid position %d: expected %s, got %s", i, id, bids[i].OrderID)
		}
	}
}

func TestSeqBreaksCreatedAtTies(t *testing.T) {
	b := New(testPair)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	_ = b.Add(limitOrder("first", domain.SideBuy, "100", "1", at))
	_ = b.Add(limitOrder("second", domain.SideBuy, "100", "1", at))

	bids := b.BidEntries()
	if bids[0].OrderID != "first" || bids[1].OrderID != "second" {
		t.Errorf("insertion order must break timestamp ties, got %s, %s", bids[0].OrderID, bids[1].OrderID)
	}
}

func TestRemove_Idempotent(t *testing.T) {
	b := New(testPair)
	_ = b.Add(limitOrder("o1", domain.SideBuy, "100", "1", time.Now()))

	b.Remove("o1")
	b.Remove("o1") // second removal is a no-op
	b.Remove("never-existed")

	bids, asks := b.Counts()
	if bids != 0 || asks != 0 {
		t.Errorf("expected empty book, got %d/%d", bids, asks)
	}
	if b.Contains("o1") {
		t.Error("removed order must not be indexed")
	}
}

func TestPendingOrdersStayOffTheBook(t *testing.T) {
	b := New(testPair)
	stop := &domain.Order{
		OrderID:      "s1",
		Pair:         testPair.Symbol,
		Side:         domain.SideBuy,
		Kind:         domain.KindStop,
		TriggerPrice: dec("105"),
		TriggerInto:  domain.KindLimit,
		LimitPrice:   dec("104"),
		Quantity:     dec("1"),
		Status:       domain.StatusPendingTrigger,
		CreatedAt:    time.Now(),
	}
	b.AddPending(stop)

	bids, asks := b.Counts()
	if bids != 0 || asks != 0 {
		t.Errorf("pending orders must not rest, got %d/%d", bids, asks)
	}

	snap := b.Snapshot(10)
	if len(snap.Bids) != 0 || len(snap.Asks) != 0 {
		t.Error("pending orders must not appear in snapshots")
	}

	b.Lock()
	if got := len(b.PendingLocked()); got != 1 {
		t.Errorf("expected 1 pending order, got %d", got)
	}
	b.RemovePendingLocked("s1")
	if got := len(b.PendingLocked()); got != 0 {
		t.Errorf("expected pending removed, got %d", got)
	}
	b.Unlock()
}

func TestSnapshot_AggregatesLevels(t *testing.T) {
	b := New(testPair)
	base := time.Now()

	// Two bids at the same rounded price aggregate into one level.
	_ = b.Add(limitOrder("b1", domain.SideBuy, "100.001", "3", base))
	_ = b.Add(limitOrder("b2", domain.SideBuy, "100.004", "4", base.Add(time.Second)))
	_ = b.Add(limitOrder("b3", domain.SideBuy, "99.50", "2", base.Add(2*time.Second)))
	_ = b.Add(limitOrder("a1", domain.SideSell, "101", "5", base))

	snap := b.Snapshot(10)
	if len(snap.Bids) != 2 {
		t.Fatalf("expected 2 bid levels, got %d", len(snap.Bids))
	}
	if !snap.Bids[0].Price.Equal(dec("100")) {
		t.Errorf("expected top level 100, got %s", snap.Bids[0].Price)
	}
	if !snap.Bids[0].TotalQuantity.Equal(dec("7")) {
		t.Errorf("expected aggregated quantity 7, got %s", snap.Bids[0].TotalQuantity)
	}
	if snap.Bids[0].OrderCount != 2 {
		t.Errorf("expected 2 orders at top level, got %d", snap.Bids[0].OrderCount)
	}
	if len(snap.Asks) != 1 || !snap.Asks[0].Price.Equal(dec("101")) {
		t.Errorf("unexpected ask levels: %+v", snap.Asks)
	}
	if snap.LastTradePrice != nil {
		t.Error("expected no last trade price before any trade")
	}
}

func TestSnapshot_DepthLimit(t *testing.T) {
	b := New(testPair)
	base := time.Now()
	for i := 0; i < 5; i++ {
		price := fmt.Sprintf("%d", 100+i)
		_ = b.Add(limitOrder(fmt.Sprintf("a%d", i), domain.SideSell, price, "1", base))
	}

	snap := b.Snapshot(3)
	if len(snap.Asks) != 3 {
		t.Fatalf("expected 3 levels, got %d", len(snap.Asks))
	}
	if !snap.Asks[0].Price.Equal(dec("100")) || !snap.Asks[2].Price.Equal(dec("102")) {
		t.Errorf("unexpected depth window: %s .. %s", snap.Asks[0].Price, snap.Asks[2].Price)
	}
}

func TestLastPrice(t *testing.T) {
	b := New(testPair)
	if _, ok := b.LastPrice(); ok {
		t.Error("expected no last price on a fresh book")
	}

	b.Lock()
	b.SetLastPriceLocked(dec("123.45"))
	b.Unlock()

	p, ok := b.LastPrice()
	if !ok || !p.Equal(dec("123.45")) {
		t.Errorf("expected 123.45, got %s (ok=%v)", p, ok)
	}

	snap := b.Snapshot(1)
	if snap.LastTradePrice == nil || !snap.LastTradePrice.Equal(dec("123.45")) {
		t.Error("snapshot must carry the last trade price")
	}
}

func TestManager_LazyCreatesPerPair(t *testing.T) {
	pairs := domain.NewPairRegistry()
	pairs.Register(testPair)
	m := NewManager(pairs)

	b1, err := m.Get("BTC/USD")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	b2, err := m.Get("BTC/USD")
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if b1 != b2 {
		t.Error("expected the same book instance per pair")
	}

	if _, err := m.Get("ETH/USD"); err != domain.ErrPairNotFound {
		t.Errorf("expected ErrPairNotFound, got %v", err)
	}
}
