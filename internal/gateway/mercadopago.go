package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mercadopago/sdk-go/pkg/config"
	"github.com/mercadopago/sdk-go/pkg/payment"
	"github.com/mercadopago/sdk-go/pkg/refund"

	"github.com/tradelink/settlement/internal/models"
)

const (
	MercadoPagoName  = "mercadopago"
	mpRequestTimeout = 10 * time.Second
)

var ErrMissingMercadoPagoAccessToken = errors.New("missing mercadopago access token")

type mpPayments interface {
	Create(ctx context.Context, request payment.Request) (*payment.Response, error)
	Get(ctx context.Context, id int) (*payment.Response, error)
}

type mpRefunds interface {
	CreatePartialRefund(ctx context.Context, paymentID int, amount float64) (*refund.Response, error)
}

// zero-decimal currencies are sent to the API as whole units.
var zeroDecimal = map[string]bool{"CLP": true, "JPY": true, "PYG": true}

// MercadoPago adapts the Mercado Pago payments API. The intent is local:
// the buyer tokenizes the card with the public key and confirm creates the
// payment with that token.
type MercadoPago struct {
	payments  mpPayments
	refunds   mpRefunds
	publicKey string
	secret    string
}

func NewMercadoPago(accessToken, publicKey, webhookSecret string) (*MercadoPago, error) {
	if accessToken == "" {
		return nil, ErrMissingMercadoPagoAccessToken
	}
	cfg, err := config.New(accessToken, config.WithHTTPClient(newKeyedRequester(mpRequestTimeout)))
	if err != nil {
		log.Printf("[GATEWAY] mercadopago sdk config failed: %v", err)
		return nil, err
	}
	log.Printf("[GATEWAY] mercadopago client initialized")
	return &MercadoPago{
		payments:  payment.NewClient(cfg),
		refunds:   refund.NewClient(cfg),
		publicKey: publicKey,
		secret:    webhookSecret,
	}, nil
}

func (g *MercadoPago) Name() string { return MercadoPagoName }

func (g *MercadoPago) CreateIntent(_ context.Context, req IntentRequest) (Intent, error) {
	if req.Amount <= 0 || req.Currency == "" {
		return Intent{}, newError(MercadoPagoName, "create_intent", KindInvalidRequest, errors.New("amount and currency are required"))
	}
	return Intent{IntentID: "mp_" + uuid.NewString(), ClientToken: g.publicKey}, nil
}

// ConfirmIntent expects methodRef as "<payment_method_id>:<card_token>".
func (g *MercadoPago) ConfirmIntent(ctx context.Context, req ConfirmRequest) (Confirmation, error) {
	method, token, ok := strings.Cut(req.MethodRef, ":")
	if !ok || method == "" || token == "" {
		return Confirmation{}, newError(MercadoPagoName, "confirm_intent", KindInvalidRequest, fmt.Errorf("method ref %q", req.MethodRef))
	}

	body := map[string]any{
		"transaction_amount": toMajor(req.Amount, req.Currency),
		"token":              token,
		"payment_method_id":  method,
		"installments":       1,
		"description":        "Order " + req.OrderID,
		"external_reference": req.IntentID,
		"payer":              map[string]any{"email": req.BuyerRef},
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return Confirmation{}, newError(MercadoPagoName, "confirm_intent", KindInvalidRequest, err)
	}
	var mpReq payment.Request
	if err := json.Unmarshal(raw, &mpReq); err != nil {
		return Confirmation{}, newError(MercadoPagoName, "confirm_intent", KindInvalidRequest, err)
	}

	resp, err := g.payments.Create(withIdempotencyKey(ctx, req.IdempotencyKey), mpReq)
	if err != nil {
		return Confirmation{}, classifyMP("confirm_intent", err, true)
	}
	log.Printf("[GATEWAY] mercadopago payment %d status=%s", resp.ID, resp.Status)

	status, final := mpPaymentStatus(resp.Status)
	txn := fmt.Sprint(resp.ID)
	if status == "" {
		// accepted but in a state we cannot place; the webhook settles it
		return Confirmation{TransactionID: txn},
			newError(MercadoPagoName, "confirm_intent", KindTimeout, fmt.Errorf("unrecognized payment status %q", resp.Status))
	}
	if final && status == models.PaymentStatusFailed {
		return Confirmation{TransactionID: txn, Status: status},
			newError(MercadoPagoName, "confirm_intent", KindTerminal, fmt.Errorf("payment %s", resp.Status))
	}
	return Confirmation{TransactionID: txn, Status: status}, nil
}

func (g *MercadoPago) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	id, err := strconv.Atoi(req.TransactionID)
	if err != nil {
		return RefundResult{}, newError(MercadoPagoName, "refund", KindInvalidRequest, fmt.Errorf("transaction id %q", req.TransactionID))
	}
	resp, err := g.refunds.CreatePartialRefund(withIdempotencyKey(ctx, req.IdempotencyKey), id, toMajor(req.Amount, req.Currency))
	if err != nil {
		return RefundResult{}, classifyMP("refund", err, false)
	}
	result := RefundResult{RefundID: fmt.Sprint(resp.ID), Status: models.RefundStatusSucceeded}
	switch resp.Status {
	case "rejected", "cancelled":
		return result, newError(MercadoPagoName, "refund", KindTerminal, fmt.Errorf("refund %s", resp.Status))
	case "in_process", "pending":
		result.Status = models.RefundStatusPending
	}
	return result, nil
}

// VerifyWebhookSignature checks the "ts=..,v1=.." header against the
// manifest "id:<data.id>;ts:<ts>;".
func (g *MercadoPago) VerifyWebhookSignature(payload []byte, signatureHeader string) bool {
	if g.secret == "" {
		return false
	}
	var ts, v1 string
	for _, part := range strings.Split(signatureHeader, ",") {
		k, v, _ := strings.Cut(strings.TrimSpace(part), "=")
		switch k {
		case "ts":
			ts = v
		case "v1":
			v1 = v
		}
	}
	if ts == "" || v1 == "" {
		return false
	}
	n, err := decodeMPNotification(payload)
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(v1)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(g.secret))
	fmt.Fprintf(mac, "id:%s;ts:%s;", strings.ToLower(n.Data.ID.String()), ts)
	return hmac.Equal(got, mac.Sum(nil))
}

type mpNotification struct {
	ID     json.Number `json:"id"`
	Type   string      `json:"type"`
	Action string      `json:"action"`
	Data   struct {
		ID json.Number `json:"id"`
	} `json:"data"`
	DateCreated time.Time `json:"date_created"`
}

func decodeMPNotification(payload []byte) (mpNotification, error) {
	var n mpNotification
	if err := json.Unmarshal(payload, &n); err != nil {
		return n, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if n.ID == "" || n.Data.ID == "" {
		return n, fmt.Errorf("%w: missing id", ErrMalformedPayload)
	}
	return n, nil
}

// mpPaymentView is the subset of the payment resource read from webhooks.
type mpPaymentView struct {
	ID                        int     `json:"id"`
	Status                    string  `json:"status"`
	StatusDetail              string  `json:"status_detail"`
	ExternalReference         string  `json:"external_reference"`
	CurrencyID                string  `json:"currency_id"`
	TransactionAmountRefunded float64 `json:"transaction_amount_refunded"`
}

// ParseWebhook fetches the notified payment, since Mercado Pago
// notifications only carry the resource id.
func (g *MercadoPago) ParseWebhook(ctx context.Context, payload []byte) (models.WebhookEvent, error) {
	n, err := decodeMPNotification(payload)
	if err != nil {
		return models.WebhookEvent{}, err
	}
	evt := models.WebhookEvent{
		Gateway:    MercadoPagoName,
		EventID:    n.ID.String(),
		Type:       MercadoPagoName + "." + n.Type,
		Reference:  n.Data.ID.String(),
		OccurredAt: n.DateCreated,
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	if n.Type != "payment" {
		return evt, nil
	}

	id, err := strconv.Atoi(n.Data.ID.String())
	if err != nil {
		return models.WebhookEvent{}, fmt.Errorf("%w: payment id %q", ErrMalformedPayload, n.Data.ID)
	}
	resp, err := g.payments.Get(ctx, id)
	if err != nil {
		return models.WebhookEvent{}, classifyMP("get_payment", err, false)
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return models.WebhookEvent{}, err
	}
	var view mpPaymentView
	if err := json.Unmarshal(raw, &view); err != nil {
		return models.WebhookEvent{}, err
	}

	evt.TransactionID = strconv.Itoa(view.ID)
	if view.ExternalReference != "" {
		evt.Reference = view.ExternalReference
	}
	evt.Reason = view.StatusDetail

	if view.TransactionAmountRefunded > 0 {
		evt.Type = models.EventRefundSucceeded
		evt.Amount = toMinor(view.TransactionAmountRefunded, view.CurrencyID)
		evt.Cumulative = true
		return evt, nil
	}
	status, _ := mpPaymentStatus(view.Status)
	switch status {
	case models.PaymentStatusCompleted:
		evt.Type = models.EventPaymentCaptured
	case models.PaymentStatusFailed:
		evt.Type = models.EventPaymentFailed
	case models.PaymentStatusProcessing:
		evt.Type = models.EventPaymentProcessing
	default:
		evt.Type = MercadoPagoName + ".payment." + view.Status
	}
	return evt, nil
}

// mpPaymentStatus maps a Mercado Pago payment status. final is false for
// statuses that will still move.
func mpPaymentStatus(s string) (models.PaymentStatus, bool) {
	switch s {
	case "approved":
		return models.PaymentStatusCompleted, true
	case "rejected", "cancelled":
		return models.PaymentStatusFailed, true
	case "pending", "in_process", "authorized", "in_mediation":
		return models.PaymentStatusProcessing, false
	}
	return "", false
}

var httpStatusPattern = regexp.MustCompile(`\b([45]\d\d)\b`)

// classifyMP maps SDK errors onto gateway kinds. A failed write that never
// got a response is reported as outcome unknown unless the connection was
// never made.
func classifyMP(op string, err error, write bool) error {
	if ce, ok := classifyContext(MercadoPagoName, op, err); ok {
		return ce
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return newError(MercadoPagoName, op, KindTransient, err)
	}
	m := httpStatusPattern.FindStringSubmatch(err.Error())
	if m == nil {
		if write {
			return newError(MercadoPagoName, op, KindTimeout, err)
		}
		return newError(MercadoPagoName, op, KindTransient, err)
	}
	code, _ := strconv.Atoi(m[1])
	switch {
	case code == 429 || code >= 500:
		return newError(MercadoPagoName, op, KindTransient, err)
	case op == "refund" && code == 400 && strings.Contains(strings.ToLower(err.Error()), "amount"):
		return newError(MercadoPagoName, op, KindInsufficientCaptured, err)
	case code == 400 || code == 404:
		return newError(MercadoPagoName, op, KindInvalidRequest, err)
	}
	return newError(MercadoPagoName, op, KindTerminal, err)
}

func toMajor(minor int64, currency string) float64 {
	if zeroDecimal[strings.ToUpper(currency)] {
		return float64(minor)
	}
	return float64(minor) / 100
}

func toMinor(major float64, currency string) int64 {
	if zeroDecimal[strings.ToUpper(currency)] {
		return int64(math.Round(major))
	}
	return int64(math.Round(major * 100))
}
