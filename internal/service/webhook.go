package service

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ledgerdex/internal/domain"
	"ledgerdex/internal/ledger"
	"ledgerdex/internal/store"
)

// Valid webhook event types.
var validWebhookEvents = map[string]bool{
	"trade.executed":  true,
	"order.filled":    true,
	"order.cancelled": true,
}

// UpsertWebhookRequest represents the input for webhook registration.
type UpsertWebhookRequest struct {
	Party  string
	URL    string
	Events []string
}

// WebhookService handles webhook CRUD and event dispatch. It consumes
// ledger events through the read-model sync, so every notification is
// backed by a fact the ledger committed.
type WebhookService struct {
	store      *store.WebhookStore
	partyStore *store.PartyStore
	orderStore *store.OrderStore
	tradeStore *store.TradeStore
	client     *http.Client
}

// NewWebhookService creates a new WebhookService with the given dependencies.
func NewWebhookService(
	webhookStore *store.WebhookStore,
	partyStore *store.PartyStore,
	orderStore *store.OrderStore,
	tradeStore *store.TradeStore,
	webhookTimeout time.Duration,
) *WebhookService {
	return &WebhookService{
		store:      webhookStore,
		partyStore: partyStore,
		orderStore: orderStore,
		tradeStore: tradeStore,
		client: &http.Client{
			Timeout: webhookTimeout,
		},
	}
}

// Upsert validates the request and creates or updates webhook subscriptions.
// Returns the resulting webhooks, whether any new subscriptions were created, and any error.
func (s *WebhookService) Upsert(req UpsertWebhookRequest) ([]*domain.Webhook, bool, error) {
	if !s.partyStore.Exists(req.Party) {
		return nil, false, domain.ErrPartyNotFound
	}

	if req.URL == "" {
		return nil, false, &domain.ValidationError{Message: "url is required"}
	}
	if len(req.URL) > 2048 {
		return nil, false, &domain.ValidationError{Message: "url must be at most 2048 characters"}
	}
	parsed, err := url.ParseRequestURI(req.URL)
	if err != nil || !parsed.IsAbs() {
		return nil, false, &domain.ValidationError{Message: "url must be a valid absolute URL"}
	}
	if parsed.Scheme != "https" {
		return nil, false, &domain.ValidationError{Message: "url must use https scheme"}
	}

	if len(req.Events) == 0 {
		return nil, false, &domain.ValidationError{Message: "events must be a non-empty array"}
	}

	// Deduplicate events while preserving order and validating.
	seen := make(map[string]bool, len(req.Events))
	dedupedEvents := make([]string, 0, len(req.Events))
	for _, event := range req.Events {
		if !validWebhookEvents[event] {
			return nil, false, &domain.ValidationError{
				Message: "Unknown event type: " + event + ". Must be one of: trade.executed, order.filled, order.cancelled",
			}
		}
		if !seen[event] {
			seen[event] = true
			dedupedEvents = append(dedupedEvents, event)
		}
	}

	// Upsert each (party, event) pair.
	now := time.Now().UTC().Truncate(time.Second)
	anyCreated := false
	webhooks := make([]*domain.Webhook, 0, len(dedupedEvents))

	for _, event := range dedupedEvents {
		w := &domain.Webhook{
			WebhookID: uuid.New().String(),
			Party:     req.Party,
			Event:     event,
			URL:       req.URL,
			CreatedAt: now,
			UpdatedAt: now,
		}

		created := s.store.Upsert(w)
		if created {
			anyCreated = true
			webhooks = append(webhooks, w)
		} else {
			existing := s.store.GetByPartyEvent(req.Party, event)
			if existing != nil {
				webhooks = append(webhooks, existing)
			}
		}
	}

	return webhooks, anyCreated, nil
}

// List validates the party exists and returns all webhook subscriptions.
func (s *WebhookService) List(party string) ([]*domain.Webhook, error) {
	if !s.partyStore.Exists(party) {
		return nil, domain.ErrPartyNotFound
	}
	return s.store.ListByParty(party), nil
}

// Delete removes a webhook subscription by ID on behalf of its owner.
func (s *WebhookService) Delete(webhookID, party string) error {
	w, err := s.store.Get(webhookID)
	if err != nil {
		return err
	}
	if w.Party != party {
		return domain.ErrWebhookNotFound
	}
	return s.store.Delete(webhookID)
}

// NotifyEvent routes a consumed ledger event to the matching webhook
// dispatches. Implements the read-model notifier.
func (s *WebhookService) NotifyEvent(e ledger.Event) {
	switch e.Kind {
	case ledger.EventTradeCreated:
		trade := s.tradeStore.Get(e.TradeID)
		if trade == nil {
			return
		}
		if buy, err := s.orderStore.Get(trade.BuyOrderID); err == nil {
			s.DispatchTradeExecuted(trade.Buyer, trade, buy)
		}
		if sell, err := s.orderStore.Get(trade.SellOrderID); err == nil {
			s.DispatchTradeExecuted(trade.Seller, trade, sell)
		}
	case ledger.EventOrderFilled:
		order, err := s.orderStore.Get(e.OrderID)
		if err != nil || order.Status != domain.StatusFilled {
			return
		}
		s.DispatchOrderFilled(order)
	case ledger.EventOrderCancelled:
		order, err := s.orderStore.Get(e.OrderID)
		if err != nil {
			return
		}
		s.DispatchOrderCancelled(order)
	}
}

// tradeExecutedPayload is the JSON payload for trade.executed webhooks.
type tradeExecutedPayload struct {
	Event     string            `json:"event"`
	Timestamp string            `json:"timestamp"`
	Data      tradeExecutedData `json:"data"`
}

type tradeExecutedData struct {
	TradeID                string          `json:"trade_id"`
	Party                  string          `json:"party"`
	OrderID                string          `json:"order_id"`
	Pair                   string          `json:"pair"`
	Side                   string          `json:"side"`
	TradePrice             decimal.Decimal `json:"trade_price"`
	TradeQuantity          decimal.Decimal `json:"trade_quantity"`
	OrderStatus            string          `json:"order_status"`
	OrderFilledQuantity    decimal.Decimal `json:"order_filled_quantity"`
	OrderRemainingQuantity decimal.Decimal `json:"order_remaining_quantity"`
}

// orderEventPayload is the JSON payload for order.filled and order.cancelled webhooks.
type orderEventPayload struct {
	Event     string         `json:"event"`
	Timestamp string         `json:"timestamp"`
	Data      orderEventData `json:"data"`
}

type orderEventData struct {
	Party             string          `json:"party"`
	OrderID           string          `json:"order_id"`
	Pair              string          `json:"pair"`
	Side              string          `json:"side"`
	Kind              string          `json:"kind"`
	LimitPrice        decimal.Decimal `json:"limit_price"`
	Quantity          decimal.Decimal `json:"quantity"`
	FilledQuantity    decimal.Decimal `json:"filled_quantity"`
	RemainingQuantity decimal.Decimal `json:"remaining_quantity"`
	Status            string          `json:"status"`
}

// DispatchTradeExecuted dispatches a trade.executed webhook notification
// to the specified party. Fire-and-forget, errors are silently ignored.
func (s *WebhookService) DispatchTradeExecuted(party string, trade *domain.Trade, order *domain.Order) {
	wh := s.store.GetByPartyEvent(party, "trade.executed")
	if wh == nil {
		return
	}

	payload := tradeExecutedPayload{
		Event:     "trade.executed",
		Timestamp: trade.ExecutedAt.UTC().Truncate(time.Second).Format(time.RFC3339),
		Data: tradeExecutedData{
			TradeID:                trade.TradeID,
			Party:                  party,
			OrderID:                order.OrderID,
			Pair:                   order.Pair,
			Side:                   string(order.Side),
			TradePrice:             trade.Price,
			TradeQuantity:          trade.Quantity,
			OrderStatus:            string(order.Status),
			OrderFilledQuantity:    order.FilledQuantity,
			OrderRemainingQuantity: order.Remaining(),
		},
	}

	go s.deliver(wh, "trade.executed", payload)
}

// DispatchOrderFilled dispatches an order.filled webhook notification to
// the order's owner. Fire-and-forget.
func (s *WebhookService) DispatchOrderFilled(order *domain.Order) {
	wh := s.store.GetByPartyEvent(order.Owner, "order.filled")
	if wh == nil {
		return
	}

	payload := s.buildOrderEventPayload("order.filled", order)
	go s.deliver(wh, "order.filled", payload)
}

// DispatchOrderCancelled dispatches an order.cancelled webhook notification
// to the order's owner. Fire-and-forget.
func (s *WebhookService) DispatchOrderCancelled(order *domain.Order) {
	wh := s.store.GetByPartyEvent(order.Owner, "order.cancelled")
	if wh == nil {
		return
	}

	payload := s.buildOrderEventPayload("order.cancelled", order)
	go s.deliver(wh, "order.cancelled", payload)
}

// buildOrderEventPayload creates the JSON payload for order.filled and order.cancelled events.
func (s *WebhookService) buildOrderEventPayload(event string, order *domain.Order) orderEventPayload {
	return orderEventPayload{
		Event:     event,
		Timestamp: time.Now().UTC().Truncate(time.Second).Format(time.RFC3339),
		Data: orderEventData{
			Party:             order.Owner,
			OrderID:           order.OrderID,
			Pair:              order.Pair,
			Side:              string(order.Side),
			Kind:              string(order.Kind),
			LimitPrice:        order.LimitPrice,
			Quantity:          order.Quantity,
			FilledQuantity:    order.FilledQuantity,
			RemainingQuantity: order.Remaining(),
			Status:            string(order.Status),
		},
	}
}

// deliver sends the webhook payload via HTTP POST with the required headers.
// Errors are silently ignored (fire-and-forget).
func (s *WebhookService) deliver(wh *domain.Webhook, eventType string, payload interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}

	req, err := http.NewRequest(http.MethodPost, wh.URL, bytes.NewReader(body))
	if err != nil {
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Delivery-Id", uuid.New().String())
	req.Header.Set("X-Webhook-Id", wh.WebhookID)
	req.Header.Set("X-Event-Type", eventType)

	resp, err := s.client.Do(req)
	if err != nil {
		return
	}
	resp.Body.Close()
}
