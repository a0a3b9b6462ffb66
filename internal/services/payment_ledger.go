package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tradelink/settlement/internal/gateway"
	"github.com/tradelink/settlement/internal/models"
	"github.com/tradelink/settlement/internal/notify"
	"github.com/tradelink/settlement/internal/repository"
)

// PaymentLedger owns the payment state machine. Every status change goes
// through applyStatus, which is a guarded write plus one audit entry.
type PaymentLedger struct {
	repo     repository.Repository
	gateways *gateway.Registry
	escrow   *EscrowLedger
	sink     notify.Sink
	nowFn    func() time.Time
}

func NewPaymentLedger(repo repository.Repository, gateways *gateway.Registry, escrow *EscrowLedger, sink notify.Sink) *PaymentLedger {
	return &PaymentLedger{
		repo:     repo,
		gateways: gateways,
		escrow:   escrow,
		sink:     sink,
		nowFn:    time.Now,
	}
}

type CreateIntentInput struct {
	OrderID    string
	BuyerID    string
	SupplierID string
	Amount     int64
	Currency   string
	Gateway    string
	BuyerRef   string
}

func (l *PaymentLedger) CreateIntent(ctx context.Context, in CreateIntentInput, actor string) (*models.Payment, gateway.Intent, error) {
	if in.Amount <= 0 {
		return nil, gateway.Intent{}, invalid("amount", "must be a positive number of minor units")
	}
	in.Currency = strings.ToUpper(strings.TrimSpace(in.Currency))
	if len(in.Currency) != 3 {
		return nil, gateway.Intent{}, invalid("currency", "must be an ISO-4217 code")
	}
	if in.OrderID == "" {
		return nil, gateway.Intent{}, invalid("orderId", "is required")
	}

	gw, err := l.gateways.Get(in.Gateway)
	if err != nil {
		return nil, gateway.Intent{}, invalid("gateway", "%v", err)
	}
	buyerRef := in.BuyerRef
	if buyerRef == "" {
		buyerRef = in.BuyerID
	}
	intent, err := gw.CreateIntent(ctx, gateway.IntentRequest{
		Amount:   in.Amount,
		Currency: in.Currency,
		OrderID:  in.OrderID,
		BuyerRef: buyerRef,
	})
	if err != nil {
		log.Printf("[PAYMENT] create intent failed for order %s on %s: %v", in.OrderID, gw.Name(), err)
		return nil, gateway.Intent{}, err
	}

	now := l.nowFn()
	p := &models.Payment{
		ID:              uuid.NewString(),
		OrderID:         in.OrderID,
		BuyerID:         in.BuyerID,
		SupplierID:      in.SupplierID,
		Amount:          in.Amount,
		Currency:        in.Currency,
		Status:          models.PaymentStatusPending,
		Gateway:         gw.Name(),
		GatewayIntentID: intent.IntentID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	err = l.repo.WithinTx(ctx, func(st repository.Store) error {
		if err := st.CreatePayment(ctx, p); err != nil {
			return err
		}
		return appendAudit(ctx, st, actor, models.AuditPaymentCreated, models.EntityPayment, p.ID, p.ID, models.Metadata{
			"orderId":  p.OrderID,
			"amount":   p.Amount,
			"currency": p.Currency,
			"gateway":  p.Gateway,
			"intentId": p.GatewayIntentID,
		}, now)
	})
	if err != nil {
		return nil, gateway.Intent{}, err
	}

	log.Printf("[PAYMENT] intent %s created for order %s: %d %s via %s", p.ID, p.OrderID, p.Amount, p.Currency, p.Gateway)
	return p, intent, nil
}

// Confirm asks the gateway to confirm the intent. The gateway is called at
// most once per payment: a payment that is already processing or
// completed is returned as is, and one whose confirm is still in flight
// reports ErrOutcomeUnknown. An unknown or transient gateway result leaves
// the status untouched for the webhook to settle.
func (l *PaymentLedger) Confirm(ctx context.Context, paymentID, methodRef, actor string) (*models.Payment, error) {
	if methodRef == "" {
		return nil, invalid("paymentMethod", "is required")
	}
	p, err := l.repo.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, paymentNotFound(err)
	}
	if done, err := confirmSettled(p); done {
		return p, err
	}

	gw, err := l.gateways.Get(p.Gateway)
	if err != nil {
		return nil, err
	}
	claimed, err := l.repo.ClaimConfirm(ctx, p.ID, l.nowFn())
	if err != nil {
		return nil, err
	}
	if !claimed {
		if p, err = l.repo.GetPayment(ctx, paymentID); err != nil {
			return nil, paymentNotFound(err)
		}
		if done, err := confirmSettled(p); done {
			return p, err
		}
		return p, fmt.Errorf("%w: payment %s is already being confirmed", gateway.ErrOutcomeUnknown, p.ID)
	}

	conf, gwErr := gw.ConfirmIntent(ctx, gateway.ConfirmRequest{
		IntentID:       p.GatewayIntentID,
		MethodRef:      methodRef,
		Amount:         p.Amount,
		Currency:       p.Currency,
		OrderID:        p.OrderID,
		BuyerRef:       p.BuyerID,
		IdempotencyKey: p.ID,
	})

	update := repository.PaymentUpdate{
		Status:        conf.Status,
		TransactionID: conf.TransactionID,
		Method:        methodLabel(methodRef),
	}
	if gwErr != nil {
		if !errors.Is(gwErr, gateway.ErrGatewayTerminal) {
			if !errors.Is(gwErr, gateway.ErrOutcomeUnknown) {
				// nothing was charged, so the buyer may try again
				if err := l.repo.ClearConfirmClaim(ctx, p.ID); err != nil {
					log.Printf("[PAYMENT] failed to clear confirm marker on %s: %v", p.ID, err)
				}
			}
			log.Printf("[PAYMENT] confirm %s on %s left pending: %v", p.ID, gw.Name(), gwErr)
			return p, gwErr
		}
		update.Status = models.PaymentStatusFailed
		update.Error = gwErr.Error()
	}

	var hold *models.EscrowHold
	var applied bool
	err = l.repo.WithinTx(ctx, func(st repository.Store) error {
		cur, err := st.GetPayment(ctx, p.ID)
		if err != nil {
			return paymentNotFound(err)
		}
		p = cur
		if cur.Status == update.Status {
			return nil
		}
		update.At = l.nowFn()
		applied, hold, err = l.applyStatus(ctx, st, cur, update, actor, "confirm")
		return err
	})
	if err != nil {
		return nil, err
	}
	if applied {
		l.emitStatus(ctx, p, hold, actor)
	}
	if gwErr != nil {
		return p, gwErr
	}
	return p, nil
}

// confirmSettled reports whether p must not be sent to the gateway again,
// with the error to return for it.
func confirmSettled(p *models.Payment) (bool, error) {
	switch {
	case p.Status == models.PaymentStatusFailed, p.Status == models.PaymentStatusCancelled:
		return true, fmt.Errorf("%w: payment %s is %s", ErrStateConflict, p.ID, p.Status)
	case p.Status != models.PaymentStatusPending, p.GatewayTransactionID != "":
		return true, nil
	case p.ConfirmStartedAt != nil:
		return true, fmt.Errorf("%w: payment %s was sent to %s at %s and has not settled",
			gateway.ErrOutcomeUnknown, p.ID, p.Gateway, p.ConfirmStartedAt.Format(time.RFC3339))
	}
	return false, nil
}

// Cancel abandons a payment that has not completed. Gateways never cancel
// through webhooks.
func (l *PaymentLedger) Cancel(ctx context.Context, paymentID, actor string) (*models.Payment, error) {
	var p *models.Payment
	err := l.repo.WithinTx(ctx, func(st repository.Store) error {
		cur, err := st.GetPayment(ctx, paymentID)
		if err != nil {
			return paymentNotFound(err)
		}
		p = cur
		if cur.Status == models.PaymentStatusCancelled {
			return nil
		}
		if !models.CanTransition(cur.Status, models.PaymentStatusCancelled) {
			return fmt.Errorf("%w: payment %s is %s", ErrStateConflict, cur.ID, cur.Status)
		}
		applied, _, err := l.applyStatus(ctx, st, cur, repository.PaymentUpdate{
			Status: models.PaymentStatusCancelled,
			At:     l.nowFn(),
		}, actor, "cancel")
		if err == nil && !applied {
			return fmt.Errorf("%w: payment %s changed concurrently", ErrStateConflict, cur.ID)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// applyStatus performs a guarded transition inside st. A rejected guard is
// recorded as IgnoredTransition and is not an error. Entering COMPLETED
// creates the escrow hold in the same transaction.
func (l *PaymentLedger) applyStatus(ctx context.Context, st repository.Store, p *models.Payment, u repository.PaymentUpdate, actor, source string) (bool, *models.EscrowHold, error) {
	from := p.Status
	ok, err := st.TransitionPayment(ctx, p.ID, models.AllowedPredecessors(u.Status), u)
	if err != nil {
		return false, nil, err
	}
	if !ok {
		if cur, err := st.GetPayment(ctx, p.ID); err == nil {
			from = cur.Status
		}
		log.Printf("[PAYMENT] ignored %s -> %s for %s (%s)", from, u.Status, p.ID, source)
		return false, nil, appendAudit(ctx, st, actor, models.AuditIgnoredTransition, models.EntityPayment, p.ID, p.ID, models.Metadata{
			"from":   from,
			"to":     u.Status,
			"source": source,
		}, u.At)
	}

	p.Status = u.Status
	p.UpdatedAt = u.At
	p.Error = u.Error
	if u.TransactionID != "" {
		p.GatewayTransactionID = u.TransactionID
	}
	if u.Method != "" {
		p.Method = u.Method
	}
	details := models.Metadata{"from": from, "to": u.Status, "source": source}
	if u.TransactionID != "" {
		details["transactionId"] = u.TransactionID
	}
	if u.Error != "" {
		details["error"] = u.Error
	}
	log.Printf("[PAYMENT] %s: %s -> %s (%s)", p.ID, from, u.Status, source)
	if err := appendAudit(ctx, st, actor, models.AuditPaymentTransition, models.EntityPayment, p.ID, p.ID, details, u.At); err != nil {
		return false, nil, err
	}

	if u.Status != models.PaymentStatusCompleted {
		return true, nil, nil
	}
	hold := l.escrow.newHold(p, p.Amount, l.escrow.holdPeriod)
	if err := l.escrow.createHoldTx(ctx, st, hold, actor); err != nil {
		return false, nil, err
	}
	return true, hold, nil
}

func (l *PaymentLedger) emitStatus(ctx context.Context, p *models.Payment, hold *models.EscrowHold, actor string) {
	var typ string
	switch p.Status {
	case models.PaymentStatusCompleted:
		typ = notify.EventPaymentCompleted
	case models.PaymentStatusFailed:
		typ = notify.EventPaymentFailed
	default:
		return
	}
	notify.Emit(ctx, l.sink, notify.Event{
		Type:       typ,
		PaymentID:  p.ID,
		Amount:     p.Amount,
		Currency:   p.Currency,
		Actor:      actor,
		OccurredAt: p.UpdatedAt,
	})
	if hold != nil {
		l.escrow.emitHoldCreated(ctx, hold, actor)
	}
}

// methodLabel keeps the method name and drops any card token.
func methodLabel(ref string) string {
	label, _, _ := strings.Cut(ref, ":")
	return label
}

// PaymentView is the status read model.
type PaymentView struct {
	*models.Payment
	// EscrowStatus is HELD, PARTIALLY_REFUNDED, RELEASED or REFUNDED once
	// a hold exists.
	EscrowStatus string             `json:"escrowStatus,omitempty"`
	Escrow       *models.EscrowHold `json:"escrow,omitempty"`
	ReleaseDate  *time.Time         `json:"releaseDate,omitempty"`
	Refunds      []models.Refund    `json:"refunds,omitempty"`
}

func (l *PaymentLedger) GetStatus(ctx context.Context, paymentID string) (*PaymentView, error) {
	p, err := l.repo.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, paymentNotFound(err)
	}
	view := &PaymentView{Payment: p}

	h, err := l.repo.GetHoldByPayment(ctx, p.ID)
	if errors.Is(err, repository.ErrNotFound) {
		return view, nil
	}
	if err != nil {
		return nil, err
	}
	view.Escrow = h
	view.EscrowStatus = escrowStatus(h)
	if h.Status == models.HoldStatusActive {
		rd := h.ReleaseDate
		view.ReleaseDate = &rd
	}
	if view.Refunds, err = l.repo.ListRefunds(ctx, h.ID); err != nil {
		return nil, err
	}
	return view, nil
}

func escrowStatus(h *models.EscrowHold) string {
	switch h.Status {
	case models.HoldStatusReleased:
		return "RELEASED"
	case models.HoldStatusRefunded:
		return "REFUNDED"
	}
	if h.RefundedAmount > 0 {
		return "PARTIALLY_REFUNDED"
	}
	return "HELD"
}

func (l *PaymentLedger) AuditTrail(ctx context.Context, paymentID string) ([]models.AuditLogEntry, error) {
	if _, err := l.repo.GetPayment(ctx, paymentID); err != nil {
		return nil, paymentNotFound(err)
	}
	return l.repo.ListAudit(ctx, paymentID)
}
