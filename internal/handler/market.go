package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"ledgerdex/internal/domain"
	"ledgerdex/internal/service"
)

// MarketHandler handles HTTP requests for pair-level read endpoints.
type MarketHandler struct {
	marketSvc *service.MarketService
}

// NewMarketHandler creates a new MarketHandler.
func NewMarketHandler(marketSvc *service.MarketService) *MarketHandler {
	return &MarketHandler{marketSvc: marketSvc}
}

// bookLevelResponse is a single price level in the book response.
type bookLevelResponse struct {
	Price         string `json:"price"`
	TotalQuantity string `json:"total_quantity"`
	OrderCount    int    `json:"order_count"`
}

// bookResponse is the JSON response for GET /pairs/{pair}/book.
type bookResponse struct {
	Pair           string              `json:"pair"`
	Bids           []bookLevelResponse `json:"bids"`
	Asks           []bookLevelResponse `json:"asks"`
	LastTradePrice *string             `json:"last_trade_price"`
	SnapshotAt     string              `json:"snapshot_at"`
}

// GetBook handles GET /pairs/{pair}/book.
func (h *MarketHandler) GetBook(w http.ResponseWriter, r *http.Request) {
	pair := pairParam(chi.URLParam(r, "pair"))

	depth, err := queryInt(r, "depth", 0)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "validation_error", "depth must be a valid integer")
		return
	}

	snap, err := h.marketSvc.BookSnapshot(pair, depth)
	if err != nil {
		mapMarketError(w, err)
		return
	}

	resp := bookResponse{
		Pair:       snap.Pair,
		Bids:       make([]bookLevelResponse, len(snap.Bids)),
		Asks:       make([]bookLevelResponse, len(snap.Asks)),
		SnapshotAt: time.Now().UTC().Format("2006-01-02T15:04:05Z"),
	}
	for i, l := range snap.Bids {
		resp.Bids[i] = bookLevelResponse{
			Price:         l.Price.String(),
			TotalQuantity: l.TotalQuantity.String(),
			OrderCount:    l.OrderCount,
		}
	}
	for i, l := range snap.Asks {
		resp.Asks[i] = bookLevelResponse{
			Price:         l.Price.String(),
			TotalQuantity: l.TotalQuantity.String(),
			OrderCount:    l.OrderCount,
		}
	}
	if snap.LastTradePrice != nil {
		s := snap.LastTradePrice.String()
		resp.LastTradePrice = &s
	}

	WriteJSON(w, http.StatusOK, resp)
}

// tradeResponse is a single trade in the trades response.
type tradeResponse struct {
	TradeID     string `json:"trade_id"`
	Pair        string `json:"pair"`
	BuyOrderID  string `json:"buy_order_id"`
	SellOrderID string `json:"sell_order_id"`
	Price       string `json:"price"`
	Quantity    string `json:"quantity"`
	Buyer       string `json:"buyer"`
	Seller      string `json:"seller"`
	ExecutedAt  string `json:"executed_at"`
}

// tradesResponse is the JSON response for GET /pairs/{pair}/trades.
type tradesResponse struct {
	Pair   string          `json:"pair"`
	Trades []tradeResponse `json:"trades"`
}

// GetTrades handles GET /pairs/{pair}/trades.
func (h *MarketHandler) GetTrades(w http.ResponseWriter, r *http.Request) {
	pair := pairParam(chi.URLParam(r, "pair"))

	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "validation_error", "limit must be a valid integer")
		return
	}

	trades, err := h.marketSvc.Trades(pair, limit)
	if err != nil {
		mapMarketError(w, err)
		return
	}

	resp := tradesResponse{
		Pair:   pair,
		Trades: make([]tradeResponse, len(trades)),
	}
	for i, t := range trades {
		resp.Trades[i] = tradeResponse{
			TradeID:     t.TradeID,
			Pair:        t.Pair,
			BuyOrderID:  t.BuyOrderID,
			SellOrderID: t.SellOrderID,
			Price:       t.Price.String(),
			Quantity:    t.Quantity.String(),
			Buyer:       t.Buyer,
			Seller:      t.Seller,
			ExecutedAt:  t.ExecutedAt.UTC().Format("2006-01-02T15:04:05Z"),
		}
	}
	WriteJSON(w, http.StatusOK, resp)
}

// priceResponse is the JSON response for GET /pairs/{pair}/price.
type priceResponse struct {
	Pair           string  `json:"pair"`
	LastTradePrice *string `json:"last_trade_price"`
}

// GetPrice handles GET /pairs/{pair}/price.
func (h *MarketHandler) GetPrice(w http.ResponseWriter, r *http.Request) {
	pair := pairParam(chi.URLParam(r, "pair"))

	price, ok, err := h.marketSvc.LastPrice(pair)
	if err != nil {
		mapMarketError(w, err)
		return
	}

	resp := priceResponse{Pair: pair}
	if ok {
		s := price.String()
		resp.LastTradePrice = &s
	}
	WriteJSON(w, http.StatusOK, resp)
}

// ListPairs handles GET /pairs.
func (h *MarketHandler) ListPairs(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string][]string{"pairs": h.marketSvc.Pairs()})
}

// mapMarketError maps domain errors to HTTP responses for market endpoints.
func mapMarketError(w http.ResponseWriter, err error) {
	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		WriteError(w, http.StatusBadRequest, "validation_error", validationErr.Message)
		return
	}

	switch {
	case errors.Is(err, domain.ErrPairNotFound):
		WriteError(w, http.StatusNotFound, "pair_not_found", err.Error())
	default:
		WriteError(w, http.StatusInternalServerError, "internal_error", "An unexpected error occurred")
	}
}
