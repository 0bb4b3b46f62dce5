package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ledgerdex/internal/domain"
)

// contract is one immutable ledger contract instance. A mutation archives
// the instance and creates a replacement with a fresh ID and a bumped
// version, so holders of the old ref observe staleness.
type contract struct {
	ref      domain.ContractRef
	order    domain.Order // snapshot including fill state
	archived bool
}

// Memory is an in-process Ledger with the semantics the engine depends
// on: contract versioning with stale-ref rejection, on-ledger balance
// enforcement, idempotency-key deduplication, and an append-only event
// feed. It backs local operation and tests; a remote ledger client
// implements the same interface.
type Memory struct {
	mu        sync.Mutex
	contracts map[string]*contract // contract id → instance
	byOrder   map[string]string    // order id → live contract id
	balances  map[string]map[string]decimal.Decimal
	idem      map[string]*TransferResult
	events    []Event
	offset    int64

	// transferHook, when set, runs before a transfer is applied and can
	// force an error. Tests use it to simulate timeouts and outages.
	transferHook func(TransferRequest) error
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		contracts: make(map[string]*contract),
		byOrder:   make(map[string]string),
		balances:  make(map[string]map[string]decimal.Decimal),
		idem:      make(map[string]*TransferResult),
	}
}

// SetTransferHook installs a hook invoked before each transfer.
func (m *Memory) SetTransferHook(h func(TransferRequest) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transferHook = h
}

// SetBalance sets a party's on-ledger balance for an asset.
func (m *Memory) SetBalance(party, asset string, amount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inner, ok := m.balances[party]
	if !ok {
		inner = make(map[string]decimal.Decimal)
		m.balances[party] = inner
	}
	inner[asset] = amount
}

// Balance returns a party's on-ledger balance for an asset.
func (m *Memory) Balance(party, asset string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[party][asset]
}

func (m *Memory) CreateOrderContract(ctx context.Context, o *domain.Order) (domain.ContractRef, error) {
	if err := ctx.Err(); err != nil {
		return domain.ContractRef{}, ErrTimeout
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	ref := domain.ContractRef{ID: "c-" + uuid.New().String(), Version: 1}
	m.contracts[ref.ID] = &contract{ref: ref, order: *o}
	m.byOrder[o.OrderID] = ref.ID
	m.appendEvent(Event{
		Kind:     EventOrderCreated,
		Pair:     o.Pair,
		OrderID:  o.OrderID,
		Quantity: o.Quantity,
		Price:    o.LimitPrice,
	})
	return ref, nil
}

func (m *Memory) ExerciseCancel(ctx context.Context, ref domain.ContractRef) (domain.ContractRef, error) {
	if err := ctx.Err(); err != nil {
		return domain.ContractRef{}, ErrTimeout
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.contracts[ref.ID]
	if !ok {
		return domain.ContractRef{}, ErrStaleContract
	}
	if c.archived {
		return domain.ContractRef{}, &RejectedError{Reason: "contract_archived", OrderID: c.order.OrderID}
	}

	c.archived = true
	delete(m.byOrder, c.order.OrderID)
	m.appendEvent(Event{
		Kind:    EventOrderCancelled,
		Pair:    c.order.Pair,
		OrderID: c.order.OrderID,
	})
	return domain.ContractRef{ID: c.ref.ID, Version: c.ref.Version + 1}, nil
}

func (m *Memory) ExerciseAtomicTransfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, ErrTimeout
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	// Idempotent replay: a previously seen key returns the original
	// result without moving any assets again.
	if res, ok := m.idem[req.IdempotencyKey]; ok {
		return res, nil
	}

	if m.transferHook != nil {
		if err := m.transferHook(req); err != nil {
			return nil, err
		}
	}

	buy, err := m.liveContract(req.BuyRef)
	if err != nil {
		return nil, err
	}
	sell, err := m.liveContract(req.SellRef)
	if err != nil {
		return nil, err
	}

	if buy.order.Remaining().LessThan(req.Quantity) {
		return nil, &RejectedError{Reason: "insufficient_remaining", OrderID: buy.order.OrderID}
	}
	if sell.order.Remaining().LessThan(req.Quantity) {
		return nil, &RejectedError{Reason: "insufficient_remaining", OrderID: sell.order.OrderID}
	}

	// Both legs must be applicable before either is applied.
	for _, leg := range req.Legs {
		if m.balances[leg.From][leg.Asset].LessThan(leg.Amount) {
			offender := buy.order.OrderID
			if leg.From == sell.order.Owner {
				offender = sell.order.OrderID
			}
			return nil, &RejectedError{Reason: "insufficient_funds", OrderID: offender}
		}
	}
	for _, leg := range req.Legs {
		m.balances[leg.From][leg.Asset] = m.balances[leg.From][leg.Asset].Sub(leg.Amount)
		inner, ok := m.balances[leg.To]
		if !ok {
			inner = make(map[string]decimal.Decimal)
			m.balances[leg.To] = inner
		}
		inner[leg.Asset] = inner[leg.Asset].Add(leg.Amount)
	}

	result := &TransferResult{
		TradeRef:  "t-" + uuid.New().String(),
		Contracts: make(map[string]domain.ContractRef, 2),
	}
	result.Contracts[buy.order.OrderID] = m.replaceAfterFill(buy, req.Quantity)
	result.Contracts[sell.order.OrderID] = m.replaceAfterFill(sell, req.Quantity)

	m.appendEvent(Event{
		Kind:     EventOrderFilled,
		Pair:     req.Pair,
		OrderID:  buy.order.OrderID,
		Price:    req.Price,
		Quantity: req.Quantity,
	})
	m.appendEvent(Event{
		Kind:     EventOrderFilled,
		Pair:     req.Pair,
		OrderID:  sell.order.OrderID,
		Price:    req.Price,
		Quantity: req.Quantity,
	})
	m.appendEvent(Event{
		Kind:     EventTradeCreated,
		Pair:     req.Pair,
		TradeID:  result.TradeRef,
		Price:    req.Price,
		Quantity: req.Quantity,
	})

	m.idem[req.IdempotencyKey] = result
	return result, nil
}

// liveContract resolves a ref to its live contract. Unknown IDs and
// superseded versions are stale. An archived instance whose order still
// has a live replacement is stale as well, since a fill archives the
// old instance while the order lives on; only an order with no live
// contract at all is rejected as archived.
func (m *Memory) liveContract(ref domain.ContractRef) (*contract, error) {
	c, ok := m.contracts[ref.ID]
	if !ok {
		return nil, ErrStaleContract
	}
	if c.archived {
		if _, live := m.byOrder[c.order.OrderID]; live {
			return nil, ErrStaleContract
		}
		return nil, &RejectedError{Reason: "contract_archived", OrderID: c.order.OrderID}
	}
	if c.ref.Version != ref.Version {
		return nil, ErrStaleContract
	}
	return c, nil
}

// replaceAfterFill archives the contract and, when quantity remains,
// creates the replacement instance carrying the updated fill state.
func (m *Memory) replaceAfterFill(c *contract, qty decimal.Decimal) domain.ContractRef {
	c.archived = true

	next := c.order
	next.FilledQuantity = next.FilledQuantity.Add(qty)

	if next.Remaining().IsZero() {
		delete(m.byOrder, next.OrderID)
		return domain.ContractRef{ID: c.ref.ID, Version: c.ref.Version + 1}
	}

	ref := domain.ContractRef{ID: "c-" + uuid.New().String(), Version: c.ref.Version + 1}
	m.contracts[ref.ID] = &contract{ref: ref, order: next}
	m.byOrder[next.OrderID] = ref.ID
	return ref
}

func (m *Memory) QueryOpenOrders(ctx context.Context, pair string) ([]*domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, ErrTimeout
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.Order
	for _, id := range m.byOrder {
		c := m.contracts[id]
		if c.order.Pair != pair {
			continue
		}
		o := c.order
		o.Contract = c.ref
		out = append(out, &o)
	}
	return out, nil
}

// Events returns events with Offset > from, in offset order.
func (m *Memory) Events(from int64) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := 0
	for idx < len(m.events) && m.events[idx].Offset <= from {
		idx++
	}
	out := make([]Event, len(m.events)-idx)
	copy(out, m.events[idx:])
	return out
}

func (m *Memory) appendEvent(e Event) {
	m.offset++
	e.Offset = m.offset
	e.At = time.Now()
	m.events = append(m.events, e)
}

var _ Ledger = (*Memory)(nil)
var _ EventSource = (*Memory)(nil)
