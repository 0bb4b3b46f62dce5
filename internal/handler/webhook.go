package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"ledgerdex/internal/domain"
	"ledgerdex/internal/service"
)

// WebhookHandler handles HTTP requests for webhook endpoints.
type WebhookHandler struct {
	webhookSvc *service.WebhookService
}

// NewWebhookHandler creates a new WebhookHandler.
func NewWebhookHandler(webhookSvc *service.WebhookService) *WebhookHandler {
	return &WebhookHandler{webhookSvc: webhookSvc}
}

// upsertWebhookRequest is the JSON request body for POST /webhooks.
type upsertWebhookRequest struct {
	Party  string   `json:"party"`
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

// webhookResponse is the JSON shape of a webhook subscription.
type webhookResponse struct {
	WebhookID string `json:"webhook_id"`
	Party     string `json:"party"`
	Event     string `json:"event"`
	URL       string `json:"url"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// webhooksResponse wraps a list of webhook subscriptions.
type webhooksResponse struct {
	Webhooks []webhookResponse `json:"webhooks"`
}

// Upsert handles POST /webhooks.
func (h *WebhookHandler) Upsert(w http.ResponseWriter, r *http.Request) {
	var req upsertWebhookRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	webhooks, anyCreated, err := h.webhookSvc.Upsert(service.UpsertWebhookRequest{
		Party:  req.Party,
		URL:    req.URL,
		Events: req.Events,
	})
	if err != nil {
		mapWebhookError(w, err)
		return
	}

	status := http.StatusOK
	if anyCreated {
		status = http.StatusCreated
	}
	WriteJSON(w, status, buildWebhooksResponse(webhooks))
}

// List handles GET /webhooks?party=.
func (h *WebhookHandler) List(w http.ResponseWriter, r *http.Request) {
	party := r.URL.Query().Get("party")
	if party == "" {
		WriteError(w, http.StatusBadRequest, "validation_error", "party query parameter is required")
		return
	}

	webhooks, err := h.webhookSvc.List(party)
	if err != nil {
		mapWebhookError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, buildWebhooksResponse(webhooks))
}

// Delete handles DELETE /webhooks/{webhook_id}. The acting party is
// supplied via the X-Party header.
func (h *WebhookHandler) Delete(w http.ResponseWriter, r *http.Request) {
	webhookID := chi.URLParam(r, "webhook_id")
	party := r.Header.Get("X-Party")
	if party == "" {
		WriteError(w, http.StatusBadRequest, "validation_error", "X-Party header is required")
		return
	}

	if err := h.webhookSvc.Delete(webhookID, party); err != nil {
		mapWebhookError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func buildWebhooksResponse(webhooks []*domain.Webhook) webhooksResponse {
	resp := webhooksResponse{Webhooks: make([]webhookResponse, len(webhooks))}
	for i, wh := range webhooks {
		resp.Webhooks[i] = webhookResponse{
			WebhookID: wh.WebhookID,
			Party:     wh.Party,
			Event:     wh.Event,
			URL:       wh.URL,
			CreatedAt: wh.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
			UpdatedAt: wh.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		}
	}
	return resp
}

// mapWebhookError maps domain errors to HTTP responses for webhook endpoints.
func mapWebhookError(w http.ResponseWriter, err error) {
	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		WriteError(w, http.StatusBadRequest, "validation_error", validationErr.Message)
		return
	}

	switch {
	case errors.Is(err, domain.ErrPartyNotFound):
		WriteError(w, http.StatusNotFound, "party_not_found", err.Error())
	case errors.Is(err, domain.ErrWebhookNotFound):
		WriteError(w, http.StatusNotFound, "webhook_not_found", err.Error())
	default:
		WriteError(w, http.StatusInternalServerError, "internal_error", "An unexpected error occurred")
	}
}
