package handlers

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tradelink/settlement/internal/gateway"
	mW "github.com/tradelink/settlement/internal/middleware"
	"github.com/tradelink/settlement/internal/models"
	"github.com/tradelink/settlement/internal/services"
)

type PaymentHandler struct {
	payments  *services.PaymentLedger
	escrow    *services.EscrowLedger
	stats     *services.StatsService
	validator *ValidationHelper
}

func NewPaymentHandler(payments *services.PaymentLedger, escrow *services.EscrowLedger, stats *services.StatsService) *PaymentHandler {
	return &PaymentHandler{
		payments:  payments,
		escrow:    escrow,
		stats:     stats,
		validator: NewValidationHelper(),
	}
}

type CreateIntentRequest struct {
	OrderID    string `json:"orderId" validate:"required"`
	BuyerID    string `json:"buyerId" validate:"required"`
	SupplierID string `json:"supplierId" validate:"required"`
	Amount     int64  `json:"amount" validate:"required,gt=0"`
	Currency   string `json:"currency" validate:"required,len=3"`
	Gateway    string `json:"gateway,omitempty"`
	BuyerRef   string `json:"buyerRef,omitempty"`
	WithQR     bool   `json:"withQr,omitempty"`
}

type CreateIntentResponse struct {
	Payment     *models.Payment `json:"payment"`
	ClientToken string          `json:"clientToken"`
	QRImage     string          `json:"qrImage,omitempty"`
}

// CreateIntent opens a payment with the gateway
// @Summary Create payment intent
// @Description Records a PENDING payment and opens an intent with the chosen gateway
// @Tags Payments
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body CreateIntentRequest true "Intent request"
// @Success 201 {object} CreateIntentResponse
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Failure 502 {object} ErrorResponse
// @Router /payments/intents [post]
func (h *PaymentHandler) CreateIntent(w http.ResponseWriter, r *http.Request) {
	var req CreateIntentRequest
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}

	p, intent, err := h.payments.CreateIntent(r.Context(), services.CreateIntentInput{
		OrderID:    req.OrderID,
		BuyerID:    req.BuyerID,
		SupplierID: req.SupplierID,
		Amount:     req.Amount,
		Currency:   req.Currency,
		Gateway:    req.Gateway,
		BuyerRef:   req.BuyerRef,
	}, mW.ActorFromContext(r.Context()))
	if err != nil {
		sendServiceError(w, err)
		return
	}

	resp := CreateIntentResponse{Payment: p, ClientToken: intent.ClientToken}
	if req.WithQR {
		img, err := services.CheckoutQR(intent.ClientToken)
		if err != nil {
			log.Printf("[PAYMENT] qr for %s failed: %v", p.ID, err)
		}
		resp.QRImage = img
	}
	writeJSON(w, http.StatusCreated, resp)
}

type ConfirmRequest struct {
	MethodRef string `json:"methodRef" validate:"required"`
}

// Confirm confirms the payment with the gateway
// @Summary Confirm payment
// @Description Confirms the intent; a COMPLETED result creates the escrow hold
// @Tags Payments
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Payment ID"
// @Param request body ConfirmRequest true "Confirm request"
// @Success 200 {object} models.Payment
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Failure 502 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Router /payments/{id}/confirm [post]
func (h *PaymentHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	var req ConfirmRequest
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}

	p, err := h.payments.Confirm(r.Context(), chi.URLParam(r, "id"), req.MethodRef, mW.ActorFromContext(r.Context()))
	if err != nil {
		sendServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetStatus returns the payment with its escrow view
// @Summary Get payment status
// @Tags Payments
// @Produce json
// @Security BearerAuth
// @Param id path string true "Payment ID"
// @Success 200 {object} services.PaymentView
// @Failure 404 {object} ErrorResponse
// @Router /payments/{id} [get]
func (h *PaymentHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	view, err := h.payments.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		sendServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Cancel abandons a payment that has not completed
// @Summary Cancel payment
// @Tags Payments
// @Produce json
// @Security BearerAuth
// @Param id path string true "Payment ID"
// @Success 200 {object} models.Payment
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /payments/{id}/cancel [post]
func (h *PaymentHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	p, err := h.payments.Cancel(r.Context(), chi.URLParam(r, "id"), mW.ActorFromContext(r.Context()))
	if err != nil {
		sendServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type RefundRequest struct {
	Amount int64  `json:"amount" validate:"required,gt=0"`
	Reason string `json:"reason" validate:"required,max=500"`
}

// Refund refunds part or all of the held funds
// @Summary Refund against escrow
// @Description Returns 202 when the gateway outcome is unknown; a webhook settles it later
// @Tags Payments
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Payment ID"
// @Param request body RefundRequest true "Refund request"
// @Success 200 {object} services.RefundOutcome
// @Success 202 {object} services.RefundOutcome
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Failure 502 {object} ErrorResponse
// @Router /payments/{id}/refund [post]
func (h *PaymentHandler) Refund(w http.ResponseWriter, r *http.Request) {
	var req RefundRequest
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}

	hold, err := h.escrow.HoldForPayment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		sendServiceError(w, err)
		return
	}

	out, err := h.escrow.RefundAgainstHold(r.Context(), hold.ID, req.Amount, req.Reason, mW.ActorFromContext(r.Context()))
	switch {
	case err == nil && out.Refund.Status == models.RefundStatusPending:
		writeJSON(w, http.StatusAccepted, out)
	case err == nil:
		writeJSON(w, http.StatusOK, out)
	case errors.Is(err, gateway.ErrOutcomeUnknown) && out != nil:
		writeJSON(w, http.StatusAccepted, out)
	default:
		sendServiceError(w, err)
	}
}

// AuditTrail lists the audit entries for a payment and its hold
// @Summary Payment audit trail
// @Tags Payments
// @Produce json
// @Security BearerAuth
// @Param id path string true "Payment ID"
// @Success 200 {array} models.AuditLogEntry
// @Failure 404 {object} ErrorResponse
// @Router /payments/{id}/audit [get]
func (h *PaymentHandler) AuditTrail(w http.ResponseWriter, r *http.Request) {
	entries, err := h.payments.AuditTrail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		sendServiceError(w, err)
		return
	}
	if entries == nil {
		entries = []models.AuditLogEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

type ReleaseRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

// Release releases held funds to the supplier ahead of the hold period
// @Summary Release escrow
// @Tags Escrow
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Escrow ID"
// @Param request body ReleaseRequest true "Release request"
// @Success 200 {object} models.EscrowHold
// @Failure 403 {string} string
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /escrow/{id}/release [post]
func (h *PaymentHandler) Release(w http.ResponseWriter, r *http.Request) {
	var req ReleaseRequest
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}

	hold, err := h.escrow.ReleaseFunds(r.Context(), chi.URLParam(r, "id"), req.Reason, mW.ActorFromContext(r.Context()))
	if err != nil {
		sendServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hold)
}

// SettlementStats summarizes recent settlement outcomes
// @Summary Settlement stats
// @Tags Stats
// @Produce json
// @Security BearerAuth
// @Param since query string false "Look-back window, e.g. 24h" default(24h)
// @Success 200 {object} services.SettlementStats
// @Failure 400 {object} ErrorResponse
// @Router /stats/settlement [get]
func (h *PaymentHandler) SettlementStats(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if v := r.URL.Query().Get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			SendErrorResponse(w, "since must be a positive duration such as 24h", http.StatusBadRequest, nil)
			return
		}
		window = d
	}

	s, err := h.stats.Settlement(r.Context(), window)
	if err != nil {
		sendServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}
