package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/tradelink/settlement/internal/gateway"
	"github.com/tradelink/settlement/internal/models"
	"github.com/tradelink/settlement/internal/repository"
)

type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRejected  Outcome = "rejected"
)

// eventTargets is the fixed mapping from normalized event type to the
// payment status it requests.
var eventTargets = map[string]models.PaymentStatus{
	models.EventPaymentProcessing: models.PaymentStatusProcessing,
	models.EventPaymentCaptured:   models.PaymentStatusCompleted,
	models.EventPaymentFailed:     models.PaymentStatusFailed,
}

func isRefundEvent(typ string) bool {
	return typ == models.EventRefundSucceeded || typ == models.EventRefundFailed
}

// SupportedEvent reports whether the reconciler acts on typ at all.
func SupportedEvent(typ string) bool {
	_, ok := eventTargets[typ]
	return ok || isRefundEvent(typ)
}

// Decision is the pure result of reconciling one event against the
// current payment status.
type Decision struct {
	Outcome     Outcome
	Target      models.PaymentStatus
	RefundEvent bool
	// Retry asks the gateway to redeliver: the event is valid but arrived
	// ahead of the capture it depends on.
	Retry  bool
	Reason string
}

func Decide(current models.PaymentStatus, evt models.WebhookEvent) Decision {
	if target, ok := eventTargets[evt.Type]; ok {
		if models.CanTransition(current, target) {
			return Decision{Outcome: OutcomeApplied, Target: target}
		}
		return Decision{
			Outcome: OutcomeIgnored,
			Target:  target,
			Reason:  fmt.Sprintf("%s cannot move to %s", current, target),
		}
	}
	if isRefundEvent(evt.Type) {
		switch current {
		case models.PaymentStatusCompleted:
			return Decision{Outcome: OutcomeApplied, RefundEvent: true}
		case models.PaymentStatusPending, models.PaymentStatusProcessing:
			return Decision{Outcome: OutcomeIgnored, RefundEvent: true, Retry: true, Reason: fmt.Sprintf("refund before capture of a %s payment", current)}
		}
		return Decision{Outcome: OutcomeIgnored, RefundEvent: true, Reason: fmt.Sprintf("refund on a %s payment", current)}
	}
	return Decision{Outcome: OutcomeRejected, Reason: "unsupported event type " + evt.Type}
}

// SeenCache is the fast path for redelivered events. The webhook_events
// table stays authoritative.
type SeenCache interface {
	Seen(ctx context.Context, gateway, eventID string) (bool, error)
	MarkSeen(ctx context.Context, gateway, eventID string) error
}

type WebhookResult struct {
	Outcome   Outcome              `json:"outcome"`
	EventID   string               `json:"eventId"`
	PaymentID string               `json:"paymentId,omitempty"`
	Status    models.PaymentStatus `json:"status,omitempty"`
	Reason    string               `json:"reason,omitempty"`
}

type Reconciler struct {
	repo     repository.Repository
	gateways *gateway.Registry
	payments *PaymentLedger
	escrow   *EscrowLedger
	seen     SeenCache
	security *SecurityLogger
	nowFn    func() time.Time
}

func NewReconciler(repo repository.Repository, gateways *gateway.Registry, payments *PaymentLedger, escrow *EscrowLedger, seen SeenCache, security *SecurityLogger) *Reconciler {
	return &Reconciler{
		repo:     repo,
		gateways: gateways,
		payments: payments,
		escrow:   escrow,
		seen:     seen,
		security: security,
		nowFn:    time.Now,
	}
}

// HandleWebhook verifies, deduplicates and applies one gateway
// notification. Nothing is read or written before the signature checks
// out.
func (r *Reconciler) HandleWebhook(ctx context.Context, gatewayName string, payload []byte, signature, remoteAddr string) (*WebhookResult, error) {
	gw, err := r.gateways.Get(gatewayName)
	if err != nil {
		return nil, err
	}
	if !gw.VerifyWebhookSignature(payload, signature) {
		r.security.LogSignatureRejected(gw.Name(), remoteAddr, len(payload))
		return nil, ErrInvalidSignature
	}

	evt, err := gw.ParseWebhook(ctx, payload)
	if err != nil {
		if errors.Is(err, gateway.ErrMalformedPayload) {
			return nil, invalid("payload", "%v", err)
		}
		return nil, err
	}
	evt.Gateway = gw.Name()

	if !SupportedEvent(evt.Type) {
		log.Printf("[WEBHOOK] %s event %s of type %s not handled", evt.Gateway, evt.EventID, evt.Type)
		return &WebhookResult{Outcome: OutcomeRejected, EventID: evt.EventID, Reason: "unsupported event type " + evt.Type}, nil
	}

	if r.seen != nil {
		seen, err := r.seen.Seen(ctx, evt.Gateway, evt.EventID)
		if err != nil {
			log.Printf("[WEBHOOK] seen cache unavailable: %v", err)
		} else if seen {
			return r.recordDuplicate(ctx, evt)
		}
	}
	return r.reconcile(ctx, evt)
}

func (r *Reconciler) lookupPayment(ctx context.Context, st repository.Store, evt models.WebhookEvent) (*models.Payment, error) {
	p, err := st.GetPaymentByGatewayRef(ctx, evt.Gateway, evt.Reference)
	if errors.Is(err, repository.ErrNotFound) && evt.TransactionID != "" && evt.TransactionID != evt.Reference {
		p, err = st.GetPaymentByGatewayRef(ctx, evt.Gateway, evt.TransactionID)
	}
	return p, paymentNotFound(err)
}

func (r *Reconciler) recordDuplicate(ctx context.Context, evt models.WebhookEvent) (*WebhookResult, error) {
	res := &WebhookResult{Outcome: OutcomeDuplicate, EventID: evt.EventID}
	err := r.repo.WithinTx(ctx, func(st repository.Store) error {
		p, err := r.lookupPayment(ctx, st, evt)
		if errors.Is(err, ErrPaymentNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		res.PaymentID = p.ID
		res.Status = p.Status
		return r.auditDuplicate(ctx, st, p, evt)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (r *Reconciler) auditDuplicate(ctx context.Context, st repository.Store, p *models.Payment, evt models.WebhookEvent) error {
	log.Printf("[WEBHOOK] duplicate %s event %s for payment %s", evt.Gateway, evt.EventID, p.ID)
	return appendAudit(ctx, st, gatewayActor(evt.Gateway), models.AuditIgnoredDuplicate, models.EntityWebhook, evt.EventID, p.ID, models.Metadata{
		"type": evt.Type,
	}, r.nowFn())
}

func (r *Reconciler) reconcile(ctx context.Context, evt models.WebhookEvent) (*WebhookResult, error) {
	actor := gatewayActor(evt.Gateway)
	res := &WebhookResult{EventID: evt.EventID}
	var (
		p        *models.Payment
		hold     *models.EscrowHold
		refunded bool
	)

	err := r.repo.WithinTx(ctx, func(st repository.Store) error {
		var err error
		if p, err = r.lookupPayment(ctx, st, evt); err != nil {
			return err
		}
		res.PaymentID = p.ID

		d := Decide(p.Status, evt)
		if d.Retry {
			// nothing is recorded so the redelivery is processed in full
			log.Printf("[WEBHOOK] deferring %s for payment %s: %s", evt.EventID, p.ID, d.Reason)
			return fmt.Errorf("%w: %s", ErrPaymentNotCompleted, d.Reason)
		}

		fresh, err := st.RecordWebhookEvent(ctx, evt, r.nowFn())
		if err != nil {
			return err
		}
		if !fresh {
			res.Outcome = OutcomeDuplicate
			return r.auditDuplicate(ctx, st, p, evt)
		}
		res.Outcome, res.Reason = d.Outcome, d.Reason
		switch {
		case d.Outcome == OutcomeIgnored:
			log.Printf("[WEBHOOK] ignored %s for payment %s: %s", evt.EventID, p.ID, d.Reason)
			return appendAudit(ctx, st, actor, models.AuditIgnoredTransition, models.EntityPayment, p.ID, p.ID, models.Metadata{
				"from":    p.Status,
				"event":   evt.Type,
				"eventId": evt.EventID,
				"reason":  d.Reason,
			}, r.nowFn())

		case d.RefundEvent:
			h, applied, reason, err := r.escrow.applyRefundEventTx(ctx, st, p, evt, actor)
			if err != nil {
				return err
			}
			hold, refunded = h, applied && evt.Type == models.EventRefundSucceeded
			if applied {
				return nil
			}
			res.Outcome, res.Reason = OutcomeIgnored, reason
			return appendAudit(ctx, st, actor, models.AuditIgnoredTransition, models.EntityPayment, p.ID, p.ID, models.Metadata{
				"event":   evt.Type,
				"eventId": evt.EventID,
				"reason":  reason,
			}, r.nowFn())
		}

		u := repository.PaymentUpdate{Status: d.Target, TransactionID: evt.TransactionID, At: r.nowFn()}
		if d.Target == models.PaymentStatusFailed {
			u.Error = evt.Reason
		}
		applied, h, err := r.payments.applyStatus(ctx, st, p, u, actor, "webhook:"+evt.EventID)
		if err != nil {
			return err
		}
		hold = h
		if !applied {
			res.Outcome = OutcomeIgnored
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if r.seen != nil {
		if err := r.seen.MarkSeen(ctx, evt.Gateway, evt.EventID); err != nil {
			log.Printf("[WEBHOOK] failed to cache event %s: %v", evt.EventID, err)
		}
	}
	res.Status = p.Status

	if res.Outcome == OutcomeApplied {
		if refunded && hold != nil {
			r.escrow.emitRefunded(ctx, hold, hold.RefundedAmount, actor)
		} else if !isRefundEvent(evt.Type) {
			r.payments.emitStatus(ctx, p, hold, actor)
		}
	}
	log.Printf("[WEBHOOK] %s event %s (%s) for payment %s: %s", evt.Gateway, evt.EventID, evt.Type, p.ID, res.Outcome)
	return res, nil
}
