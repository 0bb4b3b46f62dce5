package readmodel

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"ledgerdex/internal/ledger"
)

// OffsetStore persists the last ledger offset the read model has
// consumed, so a recycled process resumes instead of replaying.
type OffsetStore interface {
	Load() (int64, error)
	Save(offset int64) error
}

// Notifier receives every consumed ledger event; the webhook service
// implements it.
type Notifier interface {
	NotifyEvent(e ledger.Event)
}

// feedMessage is the JSON shape broadcast to websocket subscribers.
type feedMessage struct {
	Type     string          `json:"type"`
	Offset   int64           `json:"offset"`
	Pair     string          `json:"pair,omitempty"`
	OrderID  string          `json:"order_id,omitempty"`
	TradeID  string          `json:"trade_id,omitempty"`
	Price    decimal.Decimal `json:"price,omitempty"`
	Quantity decimal.Decimal `json:"quantity,omitempty"`
	At       time.Time       `json:"at"`
}

// Sync tails the ledger event feed from the last persisted offset and
// fans events out to websocket subscribers and the webhook notifier.
type Sync struct {
	source   ledger.EventSource
	offsets  OffsetStore
	hub      *Hub
	notifier Notifier
	log      *slog.Logger
	interval time.Duration

	offset int64
}

// NewSync creates a Sync resuming from the stored offset.
func NewSync(
	source ledger.EventSource,
	offsets OffsetStore,
	hub *Hub,
	notifier Notifier,
	log *slog.Logger,
	interval time.Duration,
) (*Sync, error) {
	offset, err := offsets.Load()
	if err != nil {
		return nil, err
	}
	return &Sync{
		source:   source,
		offsets:  offsets,
		hub:      hub,
		notifier: notifier,
		log:      log,
		interval: interval,
		offset:   offset,
	}, nil
}

// Poll drains currently available events once and returns how many were
// consumed. Safe to call from any entry point; the offset only moves
// forward.
func (s *Sync) Poll() (int, error) {
	events := s.source.Events(s.offset)
	for _, e := range events {
		s.dispatch(e)
		s.offset = e.Offset
	}
	if len(events) > 0 {
		if err := s.offsets.Save(s.offset); err != nil {
			return len(events), err
		}
	}
	return len(events), nil
}

// Run polls at the configured interval until ctx is done.
func (s *Sync) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Poll(); err != nil {
				s.log.Warn("read model sync failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (s *Sync) dispatch(e ledger.Event) {
	if s.notifier != nil {
		s.notifier.NotifyEvent(e)
	}
	if s.hub == nil {
		return
	}
	msg, err := json.Marshal(feedMessage{
		Type:     string(e.Kind),
		Offset:   e.Offset,
		Pair:     e.Pair,
		OrderID:  e.OrderID,
		TradeID:  e.TradeID,
		Price:    e.Price,
		Quantity: e.Quantity,
		At:       e.At,
	})
	if err != nil {
		return
	}
	s.hub.Broadcast(msg)
}
