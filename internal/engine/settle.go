package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ledgerdex/internal/book"
	"ledgerdex/internal/domain"
	"ledgerdex/internal/ledger"
	"ledgerdex/internal/reserve"
	"ledgerdex/internal/store"
)

// settlementNamespace is the UUIDv5 namespace for deriving settlement
// identifiers. Fixed so that every process derives the same identifier
// for the same underlying fill.
var settlementNamespace = uuid.MustParse("9f3c61b4-0f0e-4dd1-a8f7-6be2f6f1f2aa")

// SettlementID derives the deterministic identifier for a candidate
// match from both order IDs and the contract versions they were read at.
// Two overlapping coordinator runs that propose the same fill derive the
// same identifier, which is what makes duplicate settlement impossible.
func SettlementID(c Candidate) uuid.UUID {
	seed := fmt.Sprintf("%s:%d|%s:%d", c.BuyOrderID, c.BuyVersion, c.SellOrderID, c.SellVersion)
	return uuid.NewSHA1(settlementNamespace, []byte(seed))
}

// Settler converts candidate matches into ledger-level atomic transfers,
// exactly once per underlying fill, and applies the resulting order,
// trade, and reservation updates to the read model.
type Settler struct {
	ledger  ledger.Ledger
	orders  *store.OrderStore
	trades  *store.TradeStore
	reserve *reserve.Store
	books   *book.Manager
	log     *slog.Logger

	callTimeout    time.Duration
	maxAttempts    uint64
	initialBackoff time.Duration

	mu             sync.Mutex
	inFlight       map[uuid.UUID]struct{}
	settled        map[uuid.UUID]string // settlement id → trade id
	settledOrder   []uuid.UUID          // insertion order, for eviction
	inFlightOrders map[string]int
}

// settledCacheSize bounds the settled-id cache. The cache only
// short-circuits duplicate candidates proposed within recent passes;
// the ledger idempotency key remains the durable at-most-once guard,
// so evicting old entries is safe.
const settledCacheSize = 4096

// NewSettler creates a Settler. maxAttempts bounds submissions per
// candidate for retryable ledger failures; callTimeout bounds each
// individual ledger call.
func NewSettler(
	ldg ledger.Ledger,
	orders *store.OrderStore,
	trades *store.TradeStore,
	rsv *reserve.Store,
	books *book.Manager,
	log *slog.Logger,
	callTimeout time.Duration,
	maxAttempts uint64,
	initialBackoff time.Duration,
) *Settler {
	return &Settler{
		ledger:         ldg,
		orders:         orders,
		trades:         trades,
		reserve:        rsv,
		books:          books,
		log:            log,
		callTimeout:    callTimeout,
		maxAttempts:    maxAttempts,
		initialBackoff: initialBackoff,
		inFlight:       make(map[uuid.UUID]struct{}),
		settled:        make(map[uuid.UUID]string),
		inFlightOrders: make(map[string]int),
	}
}

// OrderInFlight reports whether the order is part of a settlement whose
// transfer may already have been submitted to the ledger. Cancellation
// is deferred while this holds: the funds may be in flight.
func (s *Settler) OrderInFlight(orderID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlightOrders[orderID] > 0
}

// Settle executes one candidate match. It returns the created trade, or
// (nil, nil) when the candidate was coalesced away because the same fill
// is already settled or in flight. Errors mean the candidate was
// dropped without mutating any state. The one exception: a ledger
// rejection proving an order's contract archived marks that order
// cancelled locally to stop futile re-matching.
func (s *Settler) Settle(ctx context.Context, pair domain.TradingPair, c Candidate) (*domain.Trade, error) {
	id := SettlementID(c)

	s.mu.Lock()
	if _, done := s.settled[id]; done {
		s.mu.Unlock()
		return nil, nil
	}
	if _, busy := s.inFlight[id]; busy {
		s.mu.Unlock()
		return nil, nil
	}
	s.inFlight[id] = struct{}{}
	s.inFlightOrders[c.BuyOrderID]++
	s.inFlightOrders[c.SellOrderID]++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.inFlight, id)
		s.inFlightOrders[c.BuyOrderID]--
		if s.inFlightOrders[c.BuyOrderID] == 0 {
			delete(s.inFlightOrders, c.BuyOrderID)
		}
		s.inFlightOrders[c.SellOrderID]--
		if s.inFlightOrders[c.SellOrderID] == 0 {
			delete(s.inFlightOrders, c.SellOrderID)
		}
		s.mu.Unlock()
	}()

	// Final authority on the cancellation race: re-check both orders
	// against the latest known state immediately before submission.
	buy, sell, err := s.recheck(c)
	if err != nil {
		return nil, err
	}

	cost := c.Price.Mul(c.Quantity)
	req := ledger.TransferRequest{
		IdempotencyKey: id.String(),
		Pair:           pair.Symbol,
		BuyRef:         buy.Contract,
		SellRef:        sell.Contract,
		Price:          c.Price,
		Quantity:       c.Quantity,
		Legs: []ledger.TransferLeg{
			{From: buy.Owner, To: sell.Owner, Asset: pair.Quote, Amount: cost},
			{From: sell.Owner, To: buy.Owner, Asset: pair.Base, Amount: c.Quantity},
		},
	}

	res, err := s.submit(ctx, req)
	if err != nil {
		s.handleSubmitFailure(pair, c, err)
		return nil, err
	}

	trade := s.apply(pair, c, buy, sell, res)

	s.mu.Lock()
	if len(s.settledOrder) >= settledCacheSize {
		oldest := s.settledOrder[0]
		s.settledOrder = s.settledOrder[1:]
		delete(s.settled, oldest)
	}
	s.settledOrder = append(s.settledOrder, id)
	s.settled[id] = trade.TradeID
	s.mu.Unlock()

	return trade, nil
}

// ExecuteMarket fills a market taker against the opposite side of the
// book with immediate-or-cancel semantics: whatever cannot fill right
// now is cancelled, market orders never rest. The caller must hold the
// pair's matching lease. Returns the number of matches executed; a
// completely dry opposite side returns ErrNoLiquidity with the order
// cancelled and its reservation fully released.
func (s *Settler) ExecuteMarket(ctx context.Context, bk *book.Book, taker *domain.Order) (int, error) {
	bk.Lock()
	var opposite []book.Entry
	if taker.Side == domain.SideBuy {
		opposite = bk.AskEntries()
	} else {
		opposite = bk.BidEntries()
	}
	bk.Unlock()

	cands, err := MatchMarket(taker, opposite)
	if err != nil {
		s.cancelRemainder(ctx, bk, taker)
		return 0, err
	}

	executed := 0
	for _, cand := range cands {
		trade, err := s.Settle(ctx, bk.Pair(), cand)
		if err != nil {
			continue
		}
		if trade != nil {
			executed++
		}
	}

	if taker.Remaining().IsPositive() {
		s.cancelRemainder(ctx, bk, taker)
	}
	return executed, nil
}

// cancelRemainder archives the order's remaining contract, cancels it
// locally, and releases whatever reservation is still held.
func (s *Settler) cancelRemainder(ctx context.Context, bk *book.Book, o *domain.Order) {
	if o.Contract.ID != "" && o.Remaining().IsPositive() {
		callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
		if _, err := s.ledger.ExerciseCancel(callCtx, o.Contract); err != nil {
			s.log.Info("cancel of market remainder on ledger failed",
				slog.String("order_id", o.OrderID),
				slog.String("error", err.Error()),
			)
		}
		cancel()
	}

	bk.Lock()
	if !o.Terminal() {
		now := time.Now()
		o.Status = domain.StatusCancelled
		o.CancelledAt = &now
	}
	o.ReservedAmount = decimal.Zero
	bk.Unlock()

	s.reserve.ReleaseAll(o.OrderID)
}

// recheck verifies both orders are still in a fillable state with enough
// remaining quantity. Earlier settlements of the same pass legitimately
// advance contract versions, so version equality is not required here;
// a ref that truly went stale across passes is rejected by the ledger
// itself on submission.
func (s *Settler) recheck(c Candidate) (buy, sell *domain.Order, err error) {
	buy, err = s.orders.Get(c.BuyOrderID)
	if err != nil {
		return nil, nil, domain.ErrStaleOrderState
	}
	sell, err = s.orders.Get(c.SellOrderID)
	if err != nil {
		return nil, nil, domain.ErrStaleOrderState
	}
	if !buy.Fillable() || buy.Remaining().LessThan(c.Quantity) {
		return nil, nil, domain.ErrStaleOrderState
	}
	if !sell.Fillable() || sell.Remaining().LessThan(c.Quantity) {
		return nil, nil, domain.ErrStaleOrderState
	}
	return buy, sell, nil
}

// RefreshContracts reloads contract refs for the pair's locally open
// orders from the ledger's open-order query. An order the ledger no
// longer reports keeps its local ref; the next settlement attempt
// surfaces the discrepancy as an archived rejection.
func (s *Settler) RefreshContracts(ctx context.Context, pair string) error {
	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	remote, err := s.ledger.QueryOpenOrders(callCtx, pair)
	if err != nil {
		return err
	}
	refs := make(map[string]domain.ContractRef, len(remote))
	for _, o := range remote {
		refs[o.OrderID] = o.Contract
	}

	bk, err := s.books.Get(pair)
	if err != nil {
		return err
	}
	bk.Lock()
	defer bk.Unlock()
	for _, o := range s.orders.OpenByPair(pair) {
		if ref, ok := refs[o.OrderID]; ok {
			o.Contract = ref
		}
	}
	return nil
}

// submit sends the transfer with bounded retries. Only transient ledger
// failures (timeout, unavailable) are retried; everything else aborts
// immediately.
func (s *Settler) submit(ctx context.Context, req ledger.TransferRequest) (*ledger.TransferResult, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = s.initialBackoff
	policy := backoff.WithContext(backoff.WithMaxRetries(expo, s.maxAttempts-1), ctx)

	var res *ledger.TransferResult
	err := backoff.Retry(func() error {
		callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
		defer cancel()

		r, err := s.ledger.ExerciseAtomicTransfer(callCtx, req)
		if err != nil {
			if ledger.Retryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		res = r
		return nil
	}, policy)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// handleSubmitFailure classifies a failed submission. A rejection naming
// an archived contract means that order no longer exists on the ledger:
// it is cancelled locally so later cycles stop re-proposing it. All
// other failures leave both orders untouched for the next trigger.
func (s *Settler) handleSubmitFailure(pair domain.TradingPair, c Candidate, err error) {
	var rej *ledger.RejectedError
	switch {
	case errors.As(err, &rej):
		s.log.Warn("settlement rejected by ledger",
			slog.String("pair", pair.Symbol),
			slog.String("reason", rej.Reason),
			slog.String("order_id", rej.OrderID),
		)
		if rej.Reason == "contract_archived" && rej.OrderID != "" {
			s.cancelLocally(pair, rej.OrderID)
		}
	case errors.Is(err, ledger.ErrStaleContract):
		s.log.Info("settlement dropped, contract state moved",
			slog.String("pair", pair.Symbol),
			slog.String("buy_order_id", c.BuyOrderID),
			slog.String("sell_order_id", c.SellOrderID),
		)
	default:
		s.log.Warn("settlement abandoned after retries",
			slog.String("pair", pair.Symbol),
			slog.String("buy_order_id", c.BuyOrderID),
			slog.String("sell_order_id", c.SellOrderID),
			slog.String("error", err.Error()),
		)
	}
}

// cancelLocally marks an order cancelled in the read model after the
// ledger proved its contract archived.
func (s *Settler) cancelLocally(pair domain.TradingPair, orderID string) {
	o, err := s.orders.Get(orderID)
	if err != nil {
		return
	}
	bk, err := s.books.Get(pair.Symbol)
	if err != nil {
		return
	}

	bk.Lock()
	defer bk.Unlock()
	if o.Terminal() {
		return
	}
	now := time.Now()
	o.Status = domain.StatusCancelled
	o.CancelledAt = &now
	o.ReservedAmount = decimal.Zero
	bk.RemoveLocked(orderID)
	bk.RemovePendingLocked(orderID)
	s.reserve.ReleaseAll(orderID)
}

// apply records a successful settlement: fills, refreshed contract refs,
// the immutable trade, reservation releases, and the balance moves that
// mirror the ledger transfer.
func (s *Settler) apply(pair domain.TradingPair, c Candidate, buy, sell *domain.Order, res *ledger.TransferResult) *domain.Trade {
	bk, err := s.books.Get(pair.Symbol)
	if err != nil {
		// Settlement only runs for books that exist.
		panic(err)
	}

	cost := c.Price.Mul(c.Quantity)

	bk.Lock()
	defer bk.Unlock()

	buy.ApplyFill(c.Quantity)
	sell.ApplyFill(c.Quantity)
	buy.Contract = res.Contracts[buy.OrderID]
	sell.Contract = res.Contracts[sell.OrderID]

	// The buyer's hold was priced at its limit (or simulated cost for a
	// market order at these same book prices), the seller's in base
	// quantity. Release exactly the filled portion of each. Market holds
	// are estimates, so their release is capped at what is still held.
	buyRelease := c.Quantity.Mul(buy.LimitPrice)
	if buy.Kind == domain.KindMarket {
		buyRelease = decimal.Min(cost, buy.ReservedAmount)
	}
	s.releaseOrLogInvariant(buy, buyRelease)
	s.releaseOrLogInvariant(sell, c.Quantity)

	if err := s.reserve.Debit(buy.Owner, pair.Quote, cost); err != nil {
		s.log.Error("reservation invariant broken", slog.String("error", err.Error()))
	}
	s.reserve.Credit(buy.Owner, pair.Base, c.Quantity)
	if err := s.reserve.Debit(sell.Owner, pair.Base, c.Quantity); err != nil {
		s.log.Error("reservation invariant broken", slog.String("error", err.Error()))
	}
	s.reserve.Credit(sell.Owner, pair.Quote, cost)

	if buy.Status == domain.StatusFilled {
		bk.RemoveLocked(buy.OrderID)
	}
	if sell.Status == domain.StatusFilled {
		bk.RemoveLocked(sell.OrderID)
	}
	bk.SetLastPriceLocked(c.Price)

	trade := &domain.Trade{
		TradeID:     res.TradeRef,
		Pair:        pair.Symbol,
		BuyOrderID:  buy.OrderID,
		SellOrderID: sell.OrderID,
		Price:       c.Price,
		Quantity:    c.Quantity,
		Buyer:       buy.Owner,
		Seller:      sell.Owner,
		ExecutedAt:  time.Now(),
	}
	s.trades.Append(trade)
	return trade
}

func (s *Settler) releaseOrLogInvariant(o *domain.Order, amount decimal.Decimal) {
	if err := s.reserve.Release(o.OrderID, amount); err != nil {
		s.log.Error("reservation release failed",
			slog.String("order_id", o.OrderID),
			slog.String("error", err.Error()),
		)
		return
	}
	o.ReservedAmount = o.ReservedAmount.Sub(amount)
	if o.ReservedAmount.IsNegative() {
		o.ReservedAmount = decimal.Zero
	}
}
