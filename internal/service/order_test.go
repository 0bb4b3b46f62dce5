package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ledgerdex/internal/book"
	"ledgerdex/internal/domain"
	"ledgerdex/internal/engine"
	"ledgerdex/internal/lease"
	"ledgerdex/internal/ledger"
	"ledgerdex/internal/reserve"
	"ledgerdex/internal/store"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type orderHarness struct {
	svc    *OrderService
	ldg    *ledger.Memory
	orders *store.OrderStore
	rsv    *reserve.Store
	books  *book.Manager
}

func newOrderHarness(t *testing.T) *orderHarness {
	t.Helper()
	log := testLogger()

	pairs := domain.NewPairRegistry()
	pairs.Register(domain.TradingPair{Symbol: "BTC/USD", Base: "BTC", Quote: "USD", PricePrecision: 2})

	partyStore := store.NewPartyStore()
	orderStore := store.NewOrderStore()
	tradeStore := store.NewTradeStore()
	rsv := reserve.NewStore()
	books := book.NewManager(pairs)
	ldg := ledger.NewMemory()

	settler := engine.NewSettler(ldg, orderStore, tradeStore, rsv, books, log, time.Second, 3, time.Millisecond)
	coord := engine.NewCoordinator(lease.NewMemoryStore(), books, pairs, settler, log, time.Second, 0)

	svc := NewOrderService(partyStore, orderStore, pairs, books, rsv, ldg, settler, coord, nil, log, time.Second)

	for _, party := range []string{"alice", "bob"} {
		if err := partyStore.Create(&domain.Party{PartyID: party, CreatedAt: time.Now()}); err != nil {
			t.Fatalf("create party: %v", err)
		}
	}

	return &orderHarness{svc: svc, ldg: ldg, orders: orderStore, rsv: rsv, books: books}
}

func (h *orderHarness) fund(party, asset, amount string) {
	h.rsv.SetBalance(party, asset, dec(amount))
	h.ldg.SetBalance(party, asset, dec(amount))
}

func TestPlaceOrder_Validation(t *testing.T) {
	h := newOrderHarness(t)

	tests := []struct {
		name string
		req  PlaceOrderRequest
	}{
		{"bad side", PlaceOrderRequest{Party: "alice", Pair: "BTC/USD", Side: "hold", Kind: domain.KindLimit, LimitPrice: decPtr("100"), Quantity: dec("1")}},
		{"bad party id", PlaceOrderRequest{Party: "no spaces", Pair: "BTC/USD", Side: domain.SideBuy, Kind: domain.KindLimit, LimitPrice: decPtr("100"), Quantity: dec("1")}},
		{"zero quantity", PlaceOrderRequest{Party: "alice", Pair: "BTC/USD", Side: domain.SideBuy, Kind: domain.KindLimit, LimitPrice: decPtr("100"), Quantity: dec("0")}},
		{"limit without price", PlaceOrderRequest{Party: "alice", Pair: "BTC/USD", Side: domain.SideBuy, Kind: domain.KindLimit, Quantity: dec("1")}},
		{"limit with trigger", PlaceOrderRequest{Party: "alice", Pair: "BTC/USD", Side: domain.SideBuy, Kind: domain.KindLimit, LimitPrice: decPtr("100"), TriggerPrice: decPtr("90"), Quantity: dec("1")}},
		{"market with price", PlaceOrderRequest{Party: "alice", Pair: "BTC/USD", Side: domain.SideBuy, Kind: domain.KindMarket, LimitPrice: decPtr("100"), Quantity: dec("1")}},
		{"stop without trigger", PlaceOrderRequest{Party: "alice", Pair: "BTC/USD", Side: domain.SideBuy, Kind: domain.KindStop, TriggerInto: domain.KindMarket, Quantity: dec("1")}},
		{"stop-limit without limit price", PlaceOrderRequest{Party: "alice", Pair: "BTC/USD", Side: domain.SideBuy, Kind: domain.KindStop, TriggerPrice: decPtr("100"), TriggerInto: domain.KindLimit, Quantity: dec("1")}},
		{"stop-market with limit price", PlaceOrderRequest{Party: "alice", Pair: "BTC/USD", Side: domain.SideBuy, Kind: domain.KindStop, TriggerPrice: decPtr("100"), TriggerInto: domain.KindMarket, LimitPrice: decPtr("99"), Quantity: dec("1")}},
		{"stop bad trigger_into", PlaceOrderRequest{Party: "alice", Pair: "BTC/USD", Side: domain.SideBuy, Kind: domain.KindStop, TriggerPrice: decPtr("100"), TriggerInto: "ioc", Quantity: dec("1")}},
		{"unknown kind", PlaceOrderRequest{Party: "alice", Pair: "BTC/USD", Side: domain.SideBuy, Kind: "fill-or-kill", Quantity: dec("1")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.PlaceOrder(context.Background(), tt.req)
			var verr *domain.ValidationError
			if !errors.As(err, &verr) {
				t.Errorf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestPlaceOrder_UnknownPartyAndPair(t *testing.T) {
	h := newOrderHarness(t)

	_, err := h.svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		Party: "ghost", Pair: "BTC/USD", Side: domain.SideBuy,
		Kind: domain.KindLimit, LimitPrice: decPtr("100"), Quantity: dec("1"),
	})
	if err != domain.ErrPartyNotFound {
		t.Errorf("expected ErrPartyNotFound, got %v", err)
	}

	_, err = h.svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		Party: "alice", Pair: "DOGE/USD", Side: domain.SideBuy,
		Kind: domain.KindLimit, LimitPrice: decPtr("100"), Quantity: dec("1"),
	})
	if err != domain.ErrPairNotFound {
		t.Errorf("expected ErrPairNotFound, got %v", err)
	}
}

func TestPlaceLimitOrder_RestsAndReserves(t *testing.T) {
	h := newOrderHarness(t)
	h.fund("alice", "USD", "1000")

	order, err := h.svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		Party: "alice", Pair: "BTC/USD", Side: domain.SideBuy,
		Kind: domain.KindLimit, LimitPrice: decPtr("100"), Quantity: dec("5"),
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if order.Status != domain.StatusOpen {
		t.Errorf("expected open, got %s", order.Status)
	}
	if order.Contract.ID == "" {
		t.Error("expected a ledger contract ref")
	}
	if got := h.rsv.Reserved("alice", "USD"); !got.Equal(dec("500")) {
		t.Errorf("expected 500 USD reserved, got %s", got)
	}

	bk, _ := h.books.Get("BTC/USD")
	if !bk.Contains(order.OrderID) {
		t.Error("expected the order to rest on the book")
	}
}

func TestPlaceLimitOrder_InsufficientBalance(t *testing.T) {
	h := newOrderHarness(t)
	h.fund("alice", "USD", "499")

	_, err := h.svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		Party: "alice", Pair: "BTC/USD", Side: domain.SideBuy,
		Kind: domain.KindLimit, LimitPrice: decPtr("100"), Quantity: dec("5"),
	})
	if err != domain.ErrInsufficientBalance {
		t.Errorf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestPlaceLimitOrder_CrossingExecutesImmediately(t *testing.T) {
	h := newOrderHarness(t)
	h.fund("alice", "USD", "1000")
	h.fund("bob", "BTC", "10")

	if _, err := h.svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		Party: "bob", Pair: "BTC/USD", Side: domain.SideSell,
		Kind: domain.KindLimit, LimitPrice: decPtr("100"), Quantity: dec("5"),
	}); err != nil {
		t.Fatalf("place sell: %v", err)
	}

	buy, err := h.svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		Party: "alice", Pair: "BTC/USD", Side: domain.SideBuy,
		Kind: domain.KindLimit, LimitPrice: decPtr("101"), Quantity: dec("5"),
	})
	if err != nil {
		t.Fatalf("place buy: %v", err)
	}

	// Matching runs synchronously on placement, so the fill is visible.
	if buy.Status != domain.StatusFilled {
		t.Errorf("expected filled, got %s", buy.Status)
	}
	// Resting sell at 100 sets the price.
	if got := h.ldg.Balance("alice", "USD"); !got.Equal(dec("500")) {
		t.Errorf("alice USD: expected 500, got %s", got)
	}
	if got := h.ldg.Balance("alice", "BTC"); !got.Equal(dec("5")) {
		t.Errorf("alice BTC: expected 5, got %s", got)
	}
}

func TestPlaceMarketOrder_NoLiquidity(t *testing.T) {
	h := newOrderHarness(t)
	h.fund("alice", "USD", "1000")

	order, err := h.svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		Party: "alice", Pair: "BTC/USD", Side: domain.SideBuy,
		Kind: domain.KindMarket, Quantity: dec("1"),
	})
	if !errors.Is(err, domain.ErrNoLiquidity) {
		t.Fatalf("expected ErrNoLiquidity, got %v", err)
	}
	if order == nil || order.Status != domain.StatusCancelled {
		t.Fatalf("expected a cancelled order alongside the error, got %+v", order)
	}
	if got := h.rsv.Reserved("alice", "USD"); !got.IsZero() {
		t.Errorf("no funds may stay locked, got %s", got)
	}

	// The order is queryable afterwards.
	stored, err := h.svc.GetOrder(order.OrderID)
	if err != nil || stored.Status != domain.StatusCancelled {
		t.Errorf("expected stored cancelled order, got %+v, %v", stored, err)
	}
}

func TestPlaceMarketOrder_FillsAtRestingPrices(t *testing.T) {
	h := newOrderHarness(t)
	h.fund("alice", "USD", "1000")
	h.fund("bob", "BTC", "10")

	if _, err := h.svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		Party: "bob", Pair: "BTC/USD", Side: domain.SideSell,
		Kind: domain.KindLimit, LimitPrice: decPtr("100"), Quantity: dec("5"),
	}); err != nil {
		t.Fatalf("place sell: %v", err)
	}

	order, err := h.svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		Party: "alice", Pair: "BTC/USD", Side: domain.SideBuy,
		Kind: domain.KindMarket, Quantity: dec("3"),
	})
	if err != nil {
		t.Fatalf("place market: %v", err)
	}
	if order.Status != domain.StatusFilled {
		t.Errorf("expected filled, got %s", order.Status)
	}
	if got := h.ldg.Balance("alice", "BTC"); !got.Equal(dec("3")) {
		t.Errorf("alice BTC: expected 3, got %s", got)
	}
	if got := h.rsv.Reserved("alice", "USD"); !got.IsZero() {
		t.Errorf("market hold must be fully released, got %s", got)
	}
}

func TestPlaceStopOrder_PendsWithHold(t *testing.T) {
	h := newOrderHarness(t)
	h.fund("alice", "USD", "1000")

	order, err := h.svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		Party: "alice", Pair: "BTC/USD", Side: domain.SideBuy,
		Kind: domain.KindStop, TriggerPrice: decPtr("110"),
		TriggerInto: domain.KindLimit, LimitPrice: decPtr("112"), Quantity: dec("2"),
	})
	if err != nil {
		t.Fatalf("place stop: %v", err)
	}
	if order.Status != domain.StatusPendingTrigger {
		t.Errorf("expected pending_trigger, got %s", order.Status)
	}
	// Stop-limit holds at the limit price.
	if got := h.rsv.Reserved("alice", "USD"); !got.Equal(dec("224")) {
		t.Errorf("expected 224 USD held, got %s", got)
	}

	bk, _ := h.books.Get("BTC/USD")
	if bk.Contains(order.OrderID) {
		t.Error("pending stop must not rest on the book")
	}
}

func TestCancelOrder(t *testing.T) {
	h := newOrderHarness(t)
	h.fund("alice", "USD", "1000")

	order, err := h.svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		Party: "alice", Pair: "BTC/USD", Side: domain.SideBuy,
		Kind: domain.KindLimit, LimitPrice: decPtr("100"), Quantity: dec("5"),
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}

	if _, err := h.svc.CancelOrder(context.Background(), order.OrderID, "bob"); err != domain.ErrNotOrderOwner {
		t.Errorf("expected ErrNotOrderOwner, got %v", err)
	}

	cancelled, err := h.svc.CancelOrder(context.Background(), order.OrderID, "alice")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.StatusCancelled || cancelled.CancelledAt == nil {
		t.Errorf("expected cancelled with timestamp, got %+v", cancelled)
	}
	if got := h.rsv.Reserved("alice", "USD"); !got.IsZero() {
		t.Errorf("expected hold released, got %s", got)
	}

	bk, _ := h.books.Get("BTC/USD")
	if bk.Contains(order.OrderID) {
		t.Error("cancelled order must leave the book")
	}

	// Cancelling again is idempotent.
	again, err := h.svc.CancelOrder(context.Background(), order.OrderID, "alice")
	if err != nil || again.Status != domain.StatusCancelled {
		t.Errorf("repeat cancel: %+v, %v", again, err)
	}

	if _, err := h.svc.CancelOrder(context.Background(), "missing", "alice"); err != domain.ErrOrderNotFound {
		t.Errorf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestCancelOrder_FilledIsNotCancellable(t *testing.T) {
	h := newOrderHarness(t)
	h.fund("alice", "USD", "1000")
	h.fund("bob", "BTC", "10")

	sell, err := h.svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		Party: "bob", Pair: "BTC/USD", Side: domain.SideSell,
		Kind: domain.KindLimit, LimitPrice: decPtr("100"), Quantity: dec("5"),
	})
	if err != nil {
		t.Fatalf("place sell: %v", err)
	}
	if _, err := h.svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		Party: "alice", Pair: "BTC/USD", Side: domain.SideBuy,
		Kind: domain.KindLimit, LimitPrice: decPtr("100"), Quantity: dec("5"),
	}); err != nil {
		t.Fatalf("place buy: %v", err)
	}

	if _, err := h.svc.CancelOrder(context.Background(), sell.OrderID, "bob"); err != domain.ErrOrderNotCancellable {
		t.Errorf("expected ErrOrderNotCancellable, got %v", err)
	}
}

func TestListOrders(t *testing.T) {
	h := newOrderHarness(t)
	h.fund("alice", "USD", "10000")

	for i := 0; i < 3; i++ {
		if _, err := h.svc.PlaceOrder(context.Background(), PlaceOrderRequest{
			Party: "alice", Pair: "BTC/USD", Side: domain.SideBuy,
			Kind: domain.KindLimit, LimitPrice: decPtr("100"), Quantity: dec("1"),
		}); err != nil {
			t.Fatalf("place %d: %v", i, err)
		}
	}

	orders, total, err := h.svc.ListOrders("alice", nil, 1, 10)
	if err != nil || total != 3 || len(orders) != 3 {
		t.Fatalf("list: %d/%d, %v", len(orders), total, err)
	}

	open := domain.StatusOpen
	orders, total, err = h.svc.ListOrders("alice", &open, 1, 2)
	if err != nil || total != 3 || len(orders) != 2 {
		t.Fatalf("filtered list: %d/%d, %v", len(orders), total, err)
	}

	if _, _, err := h.svc.ListOrders("ghost", nil, 1, 10); err != domain.ErrPartyNotFound {
		t.Errorf("expected ErrPartyNotFound, got %v", err)
	}

	bad := domain.Status("settled")
	if _, _, err := h.svc.ListOrders("alice", &bad, 1, 10); err == nil {
		t.Error("expected validation error for bad status")
	}
	if _, _, err := h.svc.ListOrders("alice", nil, 0, 10); err == nil {
		t.Error("expected validation error for page 0")
	}
	if _, _, err := h.svc.ListOrders("alice", nil, 1, 101); err == nil {
		t.Error("expected validation error for oversized limit")
	}
}

func TestTriggerMatching(t *testing.T) {
	h := newOrderHarness(t)

	if _, err := h.svc.TriggerMatching(context.Background(), "DOGE/USD"); err != domain.ErrPairNotFound {
		t.Errorf("expected ErrPairNotFound, got %v", err)
	}
	if n, err := h.svc.TriggerMatching(context.Background(), "BTC/USD"); err != nil || n != 0 {
		t.Errorf("empty book trigger: n=%d err=%v", n, err)
	}
}
