package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"ledgerdex/internal/domain"
	"ledgerdex/internal/service"
)

// PartyHandler handles HTTP requests for party endpoints.
type PartyHandler struct {
	partySvc *service.PartyService
}

// NewPartyHandler creates a new PartyHandler.
func NewPartyHandler(partySvc *service.PartyService) *PartyHandler {
	return &PartyHandler{partySvc: partySvc}
}

// registerPartyRequest is the JSON request body for POST /parties.
// balances accepts the ledger's flexible encodings: an asset→amount
// object, [[asset, amount]] pairs, or [{"asset": ..., "amount": ...}]
// entries.
type registerPartyRequest struct {
	Party    string          `json:"party"`
	Balances json.RawMessage `json:"balances"`
}

// registerPartyResponse is the JSON response for POST /parties.
type registerPartyResponse struct {
	Party     string `json:"party"`
	CreatedAt string `json:"created_at"`
}

// Register handles POST /parties.
func (h *PartyHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerPartyRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	party, err := h.partySvc.Register(service.RegisterPartyRequest{
		Party:    req.Party,
		Balances: req.Balances,
	})
	if err != nil {
		mapPartyError(w, err)
		return
	}

	WriteJSON(w, http.StatusCreated, registerPartyResponse{
		Party:     party.PartyID,
		CreatedAt: party.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
	})
}

// assetBalanceResponse is one asset line in the balances response.
type assetBalanceResponse struct {
	Asset     string `json:"asset"`
	Balance   string `json:"balance"`
	Reserved  string `json:"reserved"`
	Available string `json:"available"`
}

// balancesResponse is the JSON response for GET /parties/{party}/balances.
type balancesResponse struct {
	Party    string                 `json:"party"`
	Balances []assetBalanceResponse `json:"balances"`
}

// GetBalances handles GET /parties/{party}/balances.
func (h *PartyHandler) GetBalances(w http.ResponseWriter, r *http.Request) {
	party := chi.URLParam(r, "party")

	res, err := h.partySvc.GetBalances(party)
	if err != nil {
		mapPartyError(w, err)
		return
	}

	resp := balancesResponse{
		Party:    res.Party,
		Balances: make([]assetBalanceResponse, len(res.Balances)),
	}
	for i, b := range res.Balances {
		resp.Balances[i] = assetBalanceResponse{
			Asset:     b.Asset,
			Balance:   b.Balance.String(),
			Reserved:  b.Reserved.String(),
			Available: b.Available.String(),
		}
	}
	WriteJSON(w, http.StatusOK, resp)
}

// mapPartyError maps domain errors to HTTP responses for party endpoints.
func mapPartyError(w http.ResponseWriter, err error) {
	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		WriteError(w, http.StatusBadRequest, "validation_error", validationErr.Message)
		return
	}

	switch {
	case errors.Is(err, domain.ErrPartyAlreadyExists):
		WriteError(w, http.StatusConflict, "party_already_exists", err.Error())
	case errors.Is(err, domain.ErrPartyNotFound):
		WriteError(w, http.StatusNotFound, "party_not_found", err.Error())
	default:
		WriteError(w, http.StatusInternalServerError, "internal_error", "An unexpected error occurred")
	}
}
