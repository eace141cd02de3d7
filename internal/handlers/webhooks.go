package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/webrichesse/orders-api/internal/platform/httpx"
	"github.com/webrichesse/orders-api/internal/services"
)

const (
	defaultWebhookBodyLimit = 64 * 1024
	stripeSignatureHeader   = "Stripe-Signature"
)

// WebhookHandlers receives payment gateway callbacks. The routes are unauthenticated;
// the reconciler verifies the gateway signature.
type WebhookHandlers struct {
	reconciler services.WebhookReconciler
	bodyLimit  int64
}

// NewWebhookHandlers constructs webhook handlers. A non-positive limit uses the default.
func NewWebhookHandlers(reconciler services.WebhookReconciler, bodyLimit int64) *WebhookHandlers {
	if bodyLimit <= 0 {
		bodyLimit = defaultWebhookBodyLimit
	}
	return &WebhookHandlers{reconciler: reconciler, bodyLimit: bodyLimit}
}

// Routes registers the /webhooks endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/stripe", h.stripe)
}

type webhookResponse struct {
	Status string `json:"status"`
}

func (h *WebhookHandlers) stripe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconciler == nil {
		httpx.WriteError(ctx, w, httpx.NewError("webhook_unavailable", "webhook processing unavailable", http.StatusServiceUnavailable))
		return
	}

	payload, err := httpx.ReadBody(r, h.bodyLimit)
	if err != nil {
		if errors.Is(err, httpx.ErrBodyTooLarge) {
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "webhook payload too large", http.StatusRequestEntityTooLarge))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_payload", "failed to read webhook payload", http.StatusBadRequest))
		return
	}

	result, err := h.reconciler.HandleGatewayEvent(ctx, payload, r.Header.Get(stripeSignatureHeader))
	switch {
	case err == nil:
		httpx.WriteJSON(w, http.StatusOK, webhookResponse{Status: string(result.Outcome)})
	case errors.Is(err, services.ErrWebhookInvalidPayload):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_payload", "webhook payload or signature invalid", http.StatusBadRequest))
	case errors.Is(err, services.ErrWebhookInProgress):
		httpx.WriteError(ctx, w, httpx.NewError("event_in_progress", "event is being processed; retry later", http.StatusConflict))
	case errors.Is(err, services.ErrWebhookUnavailable), errors.Is(err, services.ErrOrderRepositoryUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("webhook_unavailable", "webhook processing temporarily unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("webhook_error", "failed to process webhook", http.StatusInternalServerError))
	}
}
