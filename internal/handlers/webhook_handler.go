package handlers

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tradelink/settlement/internal/gateway"
	"github.com/tradelink/settlement/internal/services"
)

type WebhookHandler struct {
	reconciler *services.Reconciler
}

func NewWebhookHandler(reconciler *services.Reconciler) *WebhookHandler {
	return &WebhookHandler{reconciler: reconciler}
}

// Receive accepts a gateway notification
// @Summary Gateway webhook
// @Description Verifies the signature over the raw body, then applies the event at most once
// @Tags Webhooks
// @Accept json
// @Produce json
// @Param gateway path string true "Gateway name"
// @Param X-Signature header string true "Gateway signature"
// @Success 200 {object} services.WebhookResult
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /webhooks/{gateway} [post]
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	res, err := h.reconciler.HandleWebhook(r.Context(), chi.URLParam(r, "gateway"), payload,
		r.Header.Get(gateway.SignatureHeader), r.RemoteAddr)
	if err != nil {
		sendServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
