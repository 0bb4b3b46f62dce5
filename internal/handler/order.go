package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"ledgerdex/internal/domain"
	"ledgerdex/internal/service"
)

// OrderHandler handles HTTP requests for order endpoints.
type OrderHandler struct {
	orderSvc *service.OrderService
}

// NewOrderHandler creates a new OrderHandler.
func NewOrderHandler(orderSvc *service.OrderService) *OrderHandler {
	return &OrderHandler{orderSvc: orderSvc}
}

// placeOrderRequest is the JSON request body for POST /orders.
type placeOrderRequest struct {
	Party        string  `json:"party"`
	Pair         string  `json:"pair"`
	Side         string  `json:"side"`
	Kind         string  `json:"kind"`
	LimitPrice   *string `json:"limit_price"`
	TriggerPrice *string `json:"trigger_price"`
	TriggerInto  string  `json:"trigger_into"`
	Quantity     string  `json:"quantity"`
}

// orderResponse is the JSON shape of an order in all order endpoints.
// Nullable fields use pointers.
type orderResponse struct {
	OrderID           string  `json:"order_id"`
	Party             string  `json:"party"`
	Pair              string  `json:"pair"`
	Side              string  `json:"side"`
	Kind              string  `json:"kind"`
	LimitPrice        *string `json:"limit_price"`
	TriggerPrice      *string `json:"trigger_price"`
	TriggerInto       *string `json:"trigger_into"`
	Quantity          string  `json:"quantity"`
	FilledQuantity    string  `json:"filled_quantity"`
	RemainingQuantity string  `json:"remaining_quantity"`
	Status            string  `json:"status"`
	ReservedAsset     string  `json:"reserved_asset,omitempty"`
	ReservedAmount    string  `json:"reserved_amount"`
	CreatedAt         string  `json:"created_at"`
	CancelledAt       *string `json:"cancelled_at"`
}

// PlaceOrder handles POST /orders.
func (h *OrderHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	quantity, err := decimal.NewFromString(req.Quantity)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "validation_error", "quantity must be a valid decimal")
		return
	}

	limitPrice, err := parseOptionalDecimal(req.LimitPrice)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "validation_error", "limit_price must be a valid decimal")
		return
	}
	triggerPrice, err := parseOptionalDecimal(req.TriggerPrice)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "validation_error", "trigger_price must be a valid decimal")
		return
	}

	order, err := h.orderSvc.PlaceOrder(r.Context(), service.PlaceOrderRequest{
		Party:        req.Party,
		Pair:         req.Pair,
		Side:         domain.Side(req.Side),
		Kind:         domain.Kind(req.Kind),
		LimitPrice:   limitPrice,
		TriggerPrice: triggerPrice,
		TriggerInto:  domain.Kind(req.TriggerInto),
		Quantity:     quantity,
	})
	if err != nil {
		if errors.Is(err, domain.ErrNoLiquidity) && order != nil {
			// The order record exists in its cancelled state; the error
			// status tells the caller why nothing filled.
			WriteError(w, http.StatusConflict, "no_liquidity", err.Error())
			return
		}
		mapOrderError(w, err)
		return
	}

	WriteJSON(w, http.StatusCreated, buildOrderResponse(order))
}

// GetOrder handles GET /orders/{order_id}.
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "order_id")

	order, err := h.orderSvc.GetOrder(orderID)
	if err != nil {
		mapOrderError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, buildOrderResponse(order))
}

// CancelOrder handles DELETE /orders/{order_id}. The acting party is
// supplied via the X-Party header.
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "order_id")
	party := r.Header.Get("X-Party")
	if party == "" {
		WriteError(w, http.StatusBadRequest, "validation_error", "X-Party header is required")
		return
	}

	order, err := h.orderSvc.CancelOrder(r.Context(), orderID, party)
	if err != nil {
		mapOrderError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, buildOrderResponse(order))
}

// listOrdersResponse is the JSON response for GET /parties/{party}/orders.
type listOrdersResponse struct {
	Orders []orderResponse `json:"orders"`
	Page   int             `json:"page"`
	Limit  int             `json:"limit"`
	Total  int             `json:"total"`
}

// ListOrders handles GET /parties/{party}/orders.
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	party := chi.URLParam(r, "party")

	var status *domain.Status
	if s := r.URL.Query().Get("status"); s != "" {
		st := domain.Status(s)
		status = &st
	}

	page, err := queryInt(r, "page", 1)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "validation_error", "page must be a valid integer")
		return
	}
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "validation_error", "limit must be a valid integer")
		return
	}

	orders, total, err := h.orderSvc.ListOrders(party, status, page, limit)
	if err != nil {
		mapOrderError(w, err)
		return
	}

	resp := listOrdersResponse{
		Orders: make([]orderResponse, len(orders)),
		Page:   page,
		Limit:  limit,
		Total:  total,
	}
	for i, o := range orders {
		resp.Orders[i] = buildOrderResponse(o)
	}
	WriteJSON(w, http.StatusOK, resp)
}

// triggerResponse is the JSON response for POST /matching/trigger.
type triggerResponse struct {
	TradesExecuted int `json:"trades_executed"`
}

// TriggerMatching handles POST /matching/trigger. An optional ?pair=
// query restricts the poll to one pair.
func (h *OrderHandler) TriggerMatching(w http.ResponseWriter, r *http.Request) {
	pair := r.URL.Query().Get("pair")

	n, err := h.orderSvc.TriggerMatching(r.Context(), pair)
	if err != nil {
		mapOrderError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, triggerResponse{TradesExecuted: n})
}

func parseOptionalDecimal(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func queryInt(r *http.Request, key string, defaultVal int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.Atoi(v)
}

// buildOrderResponse converts a domain order to its JSON shape.
func buildOrderResponse(o *domain.Order) orderResponse {
	resp := orderResponse{
		OrderID:           o.OrderID,
		Party:             o.Owner,
		Pair:              o.Pair,
		Side:              string(o.Side),
		Kind:              string(o.Kind),
		Quantity:          o.Quantity.String(),
		FilledQuantity:    o.FilledQuantity.String(),
		RemainingQuantity: o.Remaining().String(),
		Status:            string(o.Status),
		ReservedAsset:     o.ReservedAsset,
		ReservedAmount:    o.ReservedAmount.String(),
		CreatedAt:         o.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
	}
	if o.LimitPrice.IsPositive() {
		s := o.LimitPrice.String()
		resp.LimitPrice = &s
	}
	if o.TriggerPrice.IsPositive() {
		s := o.TriggerPrice.String()
		resp.TriggerPrice = &s
		into := string(o.TriggerInto)
		resp.TriggerInto = &into
	}
	if o.CancelledAt != nil {
		s := o.CancelledAt.UTC().Format("2006-01-02T15:04:05Z")
		resp.CancelledAt = &s
	}
	return resp
}

// mapOrderError maps domain errors to HTTP responses for order endpoints.
func mapOrderError(w http.ResponseWriter, err error) {
	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		WriteError(w, http.StatusBadRequest, "validation_error", validationErr.Message)
		return
	}

	switch {
	case errors.Is(err, domain.ErrPartyNotFound):
		WriteError(w, http.StatusNotFound, "party_not_found", err.Error())
	case errors.Is(err, domain.ErrPairNotFound):
		WriteError(w, http.StatusNotFound, "pair_not_found", err.Error())
	case errors.Is(err, domain.ErrOrderNotFound):
		WriteError(w, http.StatusNotFound, "order_not_found", err.Error())
	case errors.Is(err, domain.ErrNotOrderOwner):
		WriteError(w, http.StatusForbidden, "not_order_owner", err.Error())
	case errors.Is(err, domain.ErrOrderNotCancellable):
		WriteError(w, http.StatusConflict, "order_not_cancellable", err.Error())
	case errors.Is(err, domain.ErrOrderInSettlement):
		WriteError(w, http.StatusConflict, "order_in_settlement", err.Error())
	case errors.Is(err, domain.ErrInsufficientBalance):
		WriteError(w, http.StatusConflict, "insufficient_balance", err.Error())
	case errors.Is(err, domain.ErrNoLiquidity):
		WriteError(w, http.StatusConflict, "no_liquidity", err.Error())
	case errors.Is(err, domain.ErrMatchingBusy):
		WriteError(w, http.StatusServiceUnavailable, "matching_busy", err.Error())
	default:
		WriteError(w, http.StatusInternalServerError, "internal_error", "An unexpected error occurred")
	}
}
