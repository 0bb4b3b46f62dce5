package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"ledgerdex/internal/book"
	"ledgerdex/internal/domain"
	"ledgerdex/internal/lease"
	"ledgerdex/internal/ledger"
)

// Coordinator decides when matching cycles run and guarantees at most
// one matching + settlement pass per trading pair at a time. The per-pair
// lease is the sole serialization mechanism: all book and order mutation
// happens inside a coordinated pass, so no finer-grained locking scheme
// is needed.
type Coordinator struct {
	leases  lease.Store
	books   *book.Manager
	pairs   *domain.PairRegistry
	settler *Settler
	log     *slog.Logger

	leaseTTL time.Duration
	cooldown time.Duration

	mu      sync.Mutex
	lastRun map[string]time.Time
}

// NewCoordinator creates a Coordinator. leaseTTL bounds how long a
// crashed pass can block matching; cooldown rate-limits poll-driven
// triggers.
func NewCoordinator(
	leases lease.Store,
	books *book.Manager,
	pairs *domain.PairRegistry,
	settler *Settler,
	log *slog.Logger,
	leaseTTL, cooldown time.Duration,
) *Coordinator {
	return &Coordinator{
		leases:   leases,
		books:    books,
		pairs:    pairs,
		settler:  settler,
		log:      log,
		leaseTTL: leaseTTL,
		cooldown: cooldown,
		lastRun:  make(map[string]time.Time),
	}
}

// OnOrderPlaced requests an immediate cycle for the pair a new order
// landed on. This is the primary trigger path and bypasses the poll
// cooldown.
func (c *Coordinator) OnOrderPlaced(ctx context.Context, pair string) (int, error) {
	return c.run(ctx, pair)
}

// OnPoll is the opportunistic trigger for hosts without a persistent
// background process. An empty pair means every registered pair.
// Triggers inside the cooldown window are skipped so external polling
// cannot drive an unbounded cycle rate.
func (c *Coordinator) OnPoll(ctx context.Context, pair string) (int, error) {
	symbols := []string{pair}
	if pair == "" {
		symbols = c.pairs.Symbols()
	} else if !c.pairs.Exists(pair) {
		return 0, domain.ErrPairNotFound
	}

	total := 0
	for _, sym := range symbols {
		if !c.cooldownElapsed(sym) {
			continue
		}
		n, err := c.run(ctx, sym)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// OnSchedule is the periodic trigger. It covers every pair, which is how
// resting stop orders whose condition depends on price drift (rather
// than new order flow) get promoted.
func (c *Coordinator) OnSchedule(ctx context.Context) (int, error) {
	total := 0
	for _, sym := range c.pairs.Symbols() {
		n, err := c.run(ctx, sym)
		if err != nil {
			c.log.Warn("scheduled cycle failed",
				slog.String("pair", sym),
				slog.String("error", err.Error()),
			)
			continue
		}
		total += n
	}
	return total, nil
}

// WithLease runs fn while holding the pair's matching lease, waiting for
// the lease rather than coalescing. Market order execution uses it: a
// market order must run, not be skipped because a cycle is in flight.
// Returns ErrMatchingBusy when the lease cannot be taken before the
// lease TTL elapses.
func (c *Coordinator) WithLease(ctx context.Context, pair string, fn func() error) error {
	deadline := time.Now().Add(c.leaseTTL)
	for {
		ok, err := c.leases.Acquire(pair, c.leaseTTL)
		if err != nil {
			return err
		}
		if ok {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Now().After(deadline) {
			return domain.ErrMatchingBusy
		}
		time.Sleep(10 * time.Millisecond)
	}
	defer func() {
		if err := c.leases.Release(pair); err != nil {
			c.log.Warn("lease release failed",
				slog.String("pair", pair),
				slog.String("error", err.Error()),
			)
		}
	}()
	return fn()
}

func (c *Coordinator) cooldownElapsed(pair string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if last, ok := c.lastRun[pair]; ok && time.Since(last) < c.cooldown {
		return false
	}
	return true
}

func (c *Coordinator) noteRun(pair string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastRun[pair] = time.Now()
}

// run executes one matching + settlement pass for a pair. A trigger
// arriving while a pass is in flight becomes a no-op rather than being
// queued; the in-flight pass already reflects the freshest book, and
// not queuing bounds worst-case latency under bursty placement.
func (c *Coordinator) run(ctx context.Context, pair string) (int, error) {
	bk, err := c.books.Get(pair)
	if err != nil {
		return 0, err
	}

	ok, err := c.leases.Acquire(pair, c.leaseTTL)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	defer func() {
		// The lease is always cleared, even when settlement failed, so a
		// future trigger can retry. The TTL covers the crash case.
		if err := c.leases.Release(pair); err != nil {
			c.log.Warn("lease release failed",
				slog.String("pair", pair),
				slog.String("error", err.Error()),
			)
		}
	}()
	c.noteRun(pair)

	bk.Lock()
	marketStops := promoteStopsLocked(bk)
	cands := Match(bk.BidEntries(), bk.AskEntries())
	bk.Unlock()

	executed := 0
	staleSeen := false
	for _, cand := range cands {
		trade, err := c.settler.Settle(ctx, bk.Pair(), cand)
		if err != nil {
			// Dropped candidates are the settler's to log; the pass
			// continues with the remaining candidates.
			if errors.Is(err, ledger.ErrStaleContract) {
				staleSeen = true
			}
			continue
		}
		if trade != nil {
			executed++
		}
	}

	// A stale drop means the book proposed a fill against contract state
	// the ledger has since replaced. Refresh the local refs and give the
	// surviving candidates one more attempt under the same lease.
	if staleSeen {
		if err := c.settler.RefreshContracts(ctx, pair); err != nil {
			c.log.Warn("contract refresh failed",
				slog.String("pair", pair),
				slog.String("error", err.Error()),
			)
		} else {
			bk.Lock()
			cands = Match(bk.BidEntries(), bk.AskEntries())
			bk.Unlock()
			for _, cand := range cands {
				trade, err := c.settler.Settle(ctx, bk.Pair(), cand)
				if err != nil {
					continue
				}
				if trade != nil {
					executed++
				}
			}
		}
	}

	// Stop orders promoted into market orders execute inside the same
	// coordinated pass.
	for _, mo := range marketStops {
		n, err := c.settler.ExecuteMarket(ctx, bk, mo)
		if err != nil {
			c.log.Warn("promoted stop-market order failed",
				slog.String("order_id", mo.OrderID),
				slog.String("error", err.Error()),
			)
		}
		executed += n
	}

	return executed, nil
}

// promoteStopsLocked promotes pending stop orders whose trigger price
// has been touched by the last trade price. A buy stop triggers at or
// above its trigger price, a sell stop at or below. Promotion happens
// exactly once: the order leaves the pending list and either rests as a
// limit order or is returned for immediate market execution. The caller
// holds the book lock.
func promoteStopsLocked(bk *book.Book) []*domain.Order {
	last, ok := bk.LastPriceLocked()
	if !ok {
		return nil
	}

	var marketStops []*domain.Order
	for _, o := range bk.PendingLocked() {
		if o.Status != domain.StatusPendingTrigger {
			bk.RemovePendingLocked(o.OrderID)
			continue
		}

		triggered := false
		switch o.Side {
		case domain.SideBuy:
			triggered = last.GreaterThanOrEqual(o.TriggerPrice)
		case domain.SideSell:
			triggered = last.LessThanOrEqual(o.TriggerPrice)
		}
		if !triggered {
			continue
		}

		bk.RemovePendingLocked(o.OrderID)
		o.Status = domain.StatusOpen
		if o.TriggerInto == domain.KindMarket {
			o.Kind = domain.KindMarket
			marketStops = append(marketStops, o)
			continue
		}
		o.Kind = domain.KindLimit
		bk.AddLocked(o)
	}
	return marketStops
}
