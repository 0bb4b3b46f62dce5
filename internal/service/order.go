package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ledgerdex/internal/book"
	"ledgerdex/internal/domain"
	"ledgerdex/internal/engine"
	"ledgerdex/internal/ledger"
	"ledgerdex/internal/reserve"
	"ledgerdex/internal/store"
)

var partyIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// ValidOrderStatuses lists all valid order status values for filtering.
var ValidOrderStatuses = map[domain.Status]bool{
	domain.StatusPendingTrigger:  true,
	domain.StatusOpen:            true,
	domain.StatusPartiallyFilled: true,
	domain.StatusFilled:          true,
	domain.StatusCancelled:       true,
	domain.StatusRejected:        true,
}

// PlaceOrderRequest represents the input for order placement.
type PlaceOrderRequest struct {
	Party        string
	Pair         string
	Side         domain.Side
	Kind         domain.Kind
	LimitPrice   *decimal.Decimal // required for limit and stop-limit
	TriggerPrice *decimal.Decimal // required for stop
	TriggerInto  domain.Kind      // stop only: limit or market
	Quantity     decimal.Decimal
}

// OrderService handles order placement, retrieval, cancellation, listing,
// and matching triggers.
type OrderService struct {
	partyStore *store.PartyStore
	orderStore *store.OrderStore
	pairs      *domain.PairRegistry
	books      *book.Manager
	reserve    *reserve.Store
	ledger     ledger.Ledger
	settler    *engine.Settler
	coord      *engine.Coordinator
	webhookSvc *WebhookService
	log        *slog.Logger

	callTimeout time.Duration
}

// NewOrderService creates a new OrderService with the given dependencies.
func NewOrderService(
	partyStore *store.PartyStore,
	orderStore *store.OrderStore,
	pairs *domain.PairRegistry,
	books *book.Manager,
	rsv *reserve.Store,
	ldg ledger.Ledger,
	settler *engine.Settler,
	coord *engine.Coordinator,
	webhookSvc *WebhookService,
	log *slog.Logger,
	callTimeout time.Duration,
) *OrderService {
	return &OrderService{
		partyStore:  partyStore,
		orderStore:  orderStore,
		pairs:       pairs,
		books:       books,
		reserve:     rsv,
		ledger:      ldg,
		settler:     settler,
		coord:       coord,
		webhookSvc:  webhookSvc,
		log:         log,
		callTimeout: callTimeout,
	}
}

// PlaceOrder validates the request, locks the backing funds, creates the
// ledger contract, and hands the order to the matching path for its kind.
func (s *OrderService) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*domain.Order, error) {
	if err := s.validatePlacement(&req); err != nil {
		return nil, err
	}

	pair, err := s.pairs.Get(req.Pair)
	if err != nil {
		return nil, err
	}
	if !s.partyStore.Exists(req.Party) {
		return nil, domain.ErrPartyNotFound
	}

	order := &domain.Order{
		OrderID:   uuid.New().String(),
		Owner:     req.Party,
		Pair:      pair.Symbol,
		Side:      req.Side,
		Kind:      req.Kind,
		Quantity:  req.Quantity,
		CreatedAt: time.Now(),
	}
	if req.LimitPrice != nil {
		order.LimitPrice = *req.LimitPrice
	}
	if req.TriggerPrice != nil {
		order.TriggerPrice = *req.TriggerPrice
	}
	order.TriggerInto = req.TriggerInto

	switch req.Kind {
	case domain.KindMarket:
		return s.placeMarketOrder(ctx, pair, order)
	case domain.KindStop:
		return s.placeStopOrder(ctx, pair, order)
	default:
		return s.placeLimitOrder(ctx, pair, order)
	}
}

func (s *OrderService) validatePlacement(req *PlaceOrderRequest) error {
	if req.Side != domain.SideBuy && req.Side != domain.SideSell {
		return &domain.ValidationError{Message: "side must be 'buy' or 'sell'"}
	}
	if !partyIDRegex.MatchString(req.Party) {
		return &domain.ValidationError{Message: "party must match ^[a-zA-Z0-9_-]{1,64}$"}
	}
	if !req.Quantity.IsPositive() {
		return &domain.ValidationError{Message: "quantity must be greater than 0"}
	}

	switch req.Kind {
	case domain.KindLimit:
		if req.LimitPrice == nil || !req.LimitPrice.IsPositive() {
			return &domain.ValidationError{Message: "limit_price must be greater than 0 for limit orders"}
		}
		if req.TriggerPrice != nil {
			return &domain.ValidationError{Message: "limit orders must not include trigger_price"}
		}
	case domain.KindMarket:
		if req.LimitPrice != nil {
			return &domain.ValidationError{Message: "market orders must not include limit_price"}
		}
		if req.TriggerPrice != nil {
			return &domain.ValidationError{Message: "market orders must not include trigger_price"}
		}
	case domain.KindStop:
		if req.TriggerPrice == nil || !req.TriggerPrice.IsPositive() {
			return &domain.ValidationError{Message: "trigger_price must be greater than 0 for stop orders"}
		}
		switch req.TriggerInto {
		case domain.KindLimit:
			if req.LimitPrice == nil || !req.LimitPrice.IsPositive() {
				return &domain.ValidationError{Message: "limit_price must be greater than 0 for stop-limit orders"}
			}
		case domain.KindMarket:
			if req.LimitPrice != nil {
				return &domain.ValidationError{Message: "stop-market orders must not include limit_price"}
			}
		default:
			return &domain.ValidationError{Message: "trigger_into must be 'limit' or 'market'"}
		}
	default:
		return &domain.ValidationError{
			Message: fmt.Sprintf("Unknown order kind: %s. Must be one of: limit, market, stop", req.Kind),
		}
	}
	return nil
}

func (s *OrderService) placeLimitOrder(ctx context.Context, pair domain.TradingPair, order *domain.Order) (*domain.Order, error) {
	order.Status = domain.StatusOpen

	if err := s.reserveFor(pair, order, order.LimitPrice); err != nil {
		return nil, err
	}
	if err := s.createContract(ctx, order); err != nil {
		s.reserve.ReleaseAll(order.OrderID)
		return nil, err
	}

	s.orderStore.Create(order)
	bk, err := s.books.Get(pair.Symbol)
	if err != nil {
		return nil, err
	}
	if err := bk.Add(order); err != nil {
		return nil, err
	}

	// Matching runs synchronously so the caller observes any immediate
	// fills in the returned order.
	if _, err := s.coord.OnOrderPlaced(ctx, pair.Symbol); err != nil {
		s.log.Warn("matching cycle after placement failed",
			slog.String("pair", pair.Symbol),
			slog.String("error", err.Error()),
		)
	}
	return order, nil
}

// placeMarketOrder executes a market order immediately under the pair's
// matching lease. Market orders never rest: whatever the current book
// cannot fill is cancelled, and an empty opposite side fails the whole
// order with ErrNoLiquidity.
func (s *OrderService) placeMarketOrder(ctx context.Context, pair domain.TradingPair, order *domain.Order) (*domain.Order, error) {
	bk, err := s.books.Get(pair.Symbol)
	if err != nil {
		return nil, err
	}

	var execErr error
	err = s.coord.WithLease(ctx, pair.Symbol, func() error {
		fillable, cost := simulateMarket(bk, order)
		if fillable.IsZero() {
			now := time.Now()
			order.Status = domain.StatusCancelled
			order.CancelledAt = &now
			s.orderStore.Create(order)
			if s.webhookSvc != nil {
				s.webhookSvc.DispatchOrderCancelled(order)
			}
			execErr = domain.ErrNoLiquidity
			return nil
		}

		if order.Side == domain.SideBuy {
			execErr = s.lock(pair.Quote, order, cost)
		} else {
			execErr = s.lock(pair.Base, order, order.Quantity)
		}
		if execErr != nil {
			return nil
		}

		order.Status = domain.StatusOpen
		if execErr = s.createContract(ctx, order); execErr != nil {
			s.reserve.ReleaseAll(order.OrderID)
			return nil
		}
		s.orderStore.Create(order)

		_, execErr = s.settler.ExecuteMarket(ctx, bk, order)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if execErr != nil {
		if errors.Is(execErr, domain.ErrNoLiquidity) {
			return order, execErr
		}
		return nil, execErr
	}
	return order, nil
}

func (s *OrderService) placeStopOrder(ctx context.Context, pair domain.TradingPair, order *domain.Order) (*domain.Order, error) {
	order.Status = domain.StatusPendingTrigger

	// A stop-market buy has no limit price to size the hold, so the
	// trigger price stands in for it.
	holdPrice := order.LimitPrice
	if order.TriggerInto == domain.KindMarket {
		holdPrice = order.TriggerPrice
	}
	if err := s.reserveFor(pair, order, holdPrice); err != nil {
		return nil, err
	}
	if err := s.createContract(ctx, order); err != nil {
		s.reserve.ReleaseAll(order.OrderID)
		return nil, err
	}

	s.orderStore.Create(order)
	bk, err := s.books.Get(pair.Symbol)
	if err != nil {
		return nil, err
	}
	bk.AddPending(order)
	return order, nil
}

// reserveFor locks the funds backing an order: quote notional for buys,
// base quantity for sells.
func (s *OrderService) reserveFor(pair domain.TradingPair, order *domain.Order, price decimal.Decimal) error {
	if order.Side == domain.SideBuy {
		return s.lock(pair.Quote, order, order.Quantity.Mul(price))
	}
	return s.lock(pair.Base, order, order.Quantity)
}

func (s *OrderService) lock(asset string, order *domain.Order, amount decimal.Decimal) error {
	if err := s.reserve.Reserve(order.Owner, asset, amount, order.OrderID); err != nil {
		return err
	}
	order.ReservedAsset = asset
	order.ReservedAmount = amount
	return nil
}

func (s *OrderService) createContract(ctx context.Context, order *domain.Order) error {
	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	ref, err := s.ledger.CreateOrderContract(callCtx, order)
	if err != nil {
		return err
	}
	order.Contract = ref
	return nil
}

// simulateMarket walks the opposite side of the book and returns how
// much of the order is fillable right now and the quote cost of that
// portion at resting prices. The caller holds the matching lease.
func simulateMarket(bk *book.Book, order *domain.Order) (fillable, cost decimal.Decimal) {
	bk.Lock()
	var opposite []book.Entry
	if order.Side == domain.SideBuy {
		opposite = bk.AskEntries()
	} else {
		opposite = bk.BidEntries()
	}
	bk.Unlock()

	remaining := order.Quantity
	for _, e := range opposite {
		if !remaining.IsPositive() {
			break
		}
		avail := e.Order.Remaining()
		if !avail.IsPositive() {
			continue
		}
		qty := decimal.Min(remaining, avail)
		fillable = fillable.Add(qty)
		cost = cost.Add(qty.Mul(e.Price))
		remaining = remaining.Sub(qty)
	}
	return fillable, cost
}

// GetOrder retrieves an order by ID.
func (s *OrderService) GetOrder(orderID string) (*domain.Order, error) {
	return s.orderStore.Get(orderID)
}

// CancelOrder cancels an order on behalf of its owner. Cancelling an
// already cancelled order is idempotent and returns the order unchanged;
// filled and rejected orders cannot be cancelled, and orders whose funds
// may currently be moving on the ledger are refused until settlement
// resolves.
func (s *OrderService) CancelOrder(ctx context.Context, orderID, party string) (*domain.Order, error) {
	order, err := s.orderStore.Get(orderID)
	if err != nil {
		return nil, err
	}
	if order.Owner != party {
		return nil, domain.ErrNotOrderOwner
	}
	if order.Status == domain.StatusCancelled {
		return order, nil
	}
	if order.Terminal() {
		return nil, domain.ErrOrderNotCancellable
	}
	if s.settler.OrderInFlight(orderID) {
		return nil, domain.ErrOrderInSettlement
	}

	if order.Contract.ID != "" {
		if err := s.cancelContract(ctx, order); err != nil {
			return nil, err
		}
	}

	bk, err := s.books.Get(order.Pair)
	if err != nil {
		return nil, err
	}

	bk.Lock()
	now := time.Now()
	order.Status = domain.StatusCancelled
	order.CancelledAt = &now
	order.ReservedAmount = decimal.Zero
	bk.RemoveLocked(orderID)
	bk.RemovePendingLocked(orderID)
	bk.Unlock()

	s.reserve.ReleaseAll(orderID)
	return order, nil
}

// cancelContract archives the order's ledger contract. A stale ref means
// a settlement refreshed the contract between our read and the exercise,
// so the cancel is retried once with the refreshed ref.
func (s *OrderService) cancelContract(ctx context.Context, order *domain.Order) error {
	for attempt := 0; attempt < 2; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
		ref, err := s.ledger.ExerciseCancel(callCtx, order.Contract)
		cancel()
		if err == nil {
			order.Contract = ref
			return nil
		}
		if errors.Is(err, ledger.ErrStaleContract) && attempt == 0 {
			fresh, gerr := s.orderStore.Get(order.OrderID)
			if gerr == nil {
				order.Contract = fresh.Contract
			}
			continue
		}
		var rej *ledger.RejectedError
		if errors.As(err, &rej) {
			// Already archived on the ledger side; finish locally.
			return nil
		}
		return err
	}
	return ledger.ErrStaleContract
}

// ListOrders returns a paginated list of orders for a party with
// optional status filtering.
func (s *OrderService) ListOrders(party string, status *domain.Status, page, limit int) ([]*domain.Order, int, error) {
	if !s.partyStore.Exists(party) {
		return nil, 0, domain.ErrPartyNotFound
	}

	if status != nil && !ValidOrderStatuses[*status] {
		return nil, 0, &domain.ValidationError{
			Message: fmt.Sprintf("Invalid status filter: '%s'. Must be one of: pending_trigger, open, partially_filled, filled, cancelled, rejected", *status),
		}
	}

	if page < 1 {
		return nil, 0, &domain.ValidationError{Message: "page must be >= 1"}
	}
	if limit < 1 || limit > 100 {
		return nil, 0, &domain.ValidationError{Message: "limit must be between 1 and 100"}
	}

	orders, total := s.orderStore.ListByOwner(party, status, page, limit)
	return orders, total, nil
}

// TriggerMatching runs an explicit matching poll. An empty pair polls
// every registered pair.
func (s *OrderService) TriggerMatching(ctx context.Context, pair string) (int, error) {
	return s.coord.OnPoll(ctx, pair)
}
