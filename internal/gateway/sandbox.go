package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tradelink/settlement/internal/models"
)

const SandboxName = "sandbox"

// Sandbox method references that force a particular confirm outcome.
const (
	SandboxMethodDeclined    = "card_declined"
	SandboxMethodPending     = "card_pending"
	SandboxMethodUnavailable = "card_unavailable"
)

// Sandbox notification types, translated to the normalized vocabulary by
// ParseWebhook.
var sandboxEventTypes = map[string]string{
	"payment_intent.processing":     models.EventPaymentProcessing,
	"payment_intent.succeeded":      models.EventPaymentCaptured,
	"payment_intent.payment_failed": models.EventPaymentFailed,
	"charge.refunded":               models.EventRefundSucceeded,
	"charge.refund.failed":          models.EventRefundFailed,
}

// Sandbox is a processor stand-in for development and tests. The captured
// amount is encoded in the transaction id so refunds can be checked without
// remembering anything between calls.
type Sandbox struct {
	secret string
}

func NewSandbox(webhookSecret string) *Sandbox {
	return &Sandbox{secret: webhookSecret}
}

func (s *Sandbox) Name() string { return SandboxName }

func (s *Sandbox) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	if err := ctx.Err(); err != nil {
		return Intent{}, newError(SandboxName, "create_intent", KindTimeout, err)
	}
	if req.Amount <= 0 {
		return Intent{}, newError(SandboxName, "create_intent", KindInvalidRequest, errors.New("amount must be positive"))
	}
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return Intent{
		IntentID:    "sbx_pi_" + id,
		ClientToken: "sbx_pi_" + id + "_secret_" + uuid.NewString()[:8],
	}, nil
}

func (s *Sandbox) ConfirmIntent(ctx context.Context, req ConfirmRequest) (Confirmation, error) {
	if err := ctx.Err(); err != nil {
		return Confirmation{}, newError(SandboxName, "confirm_intent", KindTimeout, err)
	}
	if req.IntentID == "" || req.MethodRef == "" {
		return Confirmation{}, newError(SandboxName, "confirm_intent", KindInvalidRequest, errors.New("intent and method are required"))
	}

	// the same key always yields the same transaction, like a real processor
	key := req.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}
	txn := fmt.Sprintf("sbx_txn_%s_%d", strings.ReplaceAll(key, "-", ""), req.Amount)
	switch req.MethodRef {
	case SandboxMethodDeclined:
		return Confirmation{}, newError(SandboxName, "confirm_intent", KindTerminal, errors.New("card declined"))
	case SandboxMethodUnavailable:
		return Confirmation{}, newError(SandboxName, "confirm_intent", KindTransient, errors.New("processor unavailable"))
	case SandboxMethodPending:
		return Confirmation{TransactionID: txn, Status: models.PaymentStatusProcessing}, nil
	}
	return Confirmation{TransactionID: txn, Status: models.PaymentStatusCompleted}, nil
}

func (s *Sandbox) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	if err := ctx.Err(); err != nil {
		return RefundResult{}, newError(SandboxName, "refund", KindTimeout, err)
	}
	if req.Amount <= 0 {
		return RefundResult{}, newError(SandboxName, "refund", KindInvalidRequest, errors.New("amount must be positive"))
	}
	captured, err := sandboxCaptured(req.TransactionID)
	if err != nil {
		return RefundResult{}, newError(SandboxName, "refund", KindInvalidRequest, err)
	}
	if req.Amount > captured {
		return RefundResult{}, newError(SandboxName, "refund", KindInsufficientCaptured,
			fmt.Errorf("requested %d, captured %d", req.Amount, captured))
	}
	return RefundResult{RefundID: "sbx_re_" + strings.ReplaceAll(uuid.NewString(), "-", ""), Status: models.RefundStatusSucceeded}, nil
}

func sandboxCaptured(txn string) (int64, error) {
	i := strings.LastIndex(txn, "_")
	if !strings.HasPrefix(txn, "sbx_txn_") || i < 0 {
		return 0, fmt.Errorf("unknown transaction %q", txn)
	}
	return strconv.ParseInt(txn[i+1:], 10, 64)
}

func (s *Sandbox) VerifyWebhookSignature(payload []byte, signatureHeader string) bool {
	return VerifySignature(payload, signatureHeader, s.secret)
}

type SandboxEventData struct {
	IntentID      string `json:"intentId,omitempty"`
	TransactionID string `json:"transactionId,omitempty"`
	RefundID      string `json:"refundId,omitempty"`
	Amount        int64  `json:"amount,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

type SandboxEvent struct {
	ID      string           `json:"id"`
	Type    string           `json:"type"`
	Created int64            `json:"created"`
	Data    SandboxEventData `json:"data"`
}

func (s *Sandbox) ParseWebhook(_ context.Context, payload []byte) (models.WebhookEvent, error) {
	var evt SandboxEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return models.WebhookEvent{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if evt.ID == "" || evt.Type == "" {
		return models.WebhookEvent{}, fmt.Errorf("%w: missing id or type", ErrMalformedPayload)
	}

	typ, ok := sandboxEventTypes[evt.Type]
	if !ok {
		typ = evt.Type
	}
	ref := evt.Data.IntentID
	if ref == "" {
		ref = evt.Data.TransactionID
	}
	if ref == "" {
		return models.WebhookEvent{}, fmt.Errorf("%w: missing payment reference", ErrMalformedPayload)
	}

	occurred := time.Now().UTC()
	if evt.Created > 0 {
		occurred = time.Unix(evt.Created, 0).UTC()
	}
	return models.WebhookEvent{
		Gateway:       SandboxName,
		EventID:       evt.ID,
		Type:          typ,
		Reference:     ref,
		TransactionID: evt.Data.TransactionID,
		RefundID:      evt.Data.RefundID,
		Amount:        evt.Data.Amount,
		Reason:        evt.Data.Reason,
		OccurredAt:    occurred,
	}, nil
}

// SignedEvent marshals evt and signs it with the sandbox secret.
func (s *Sandbox) SignedEvent(evt SandboxEvent) ([]byte, string, error) {
	if evt.Created == 0 {
		evt.Created = time.Now().Unix()
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, "", err
	}
	return payload, Sign(payload, s.secret), nil
}
