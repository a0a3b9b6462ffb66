package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/tradelink/settlement/internal/gateway"
	"github.com/tradelink/settlement/internal/models"
	"github.com/tradelink/settlement/internal/notify"
	"github.com/tradelink/settlement/internal/repository"
)

// EscrowLedger owns hold creation, release and refunds. Release and refund
// reservation are single conditional writes, so a manual release racing
// the sweeper has exactly one winner.
type EscrowLedger struct {
	repo       repository.Repository
	gateways   *gateway.Registry
	sink       notify.Sink
	security   *SecurityLogger
	holdPeriod time.Duration
	nowFn      func() time.Time
}

func NewEscrowLedger(repo repository.Repository, gateways *gateway.Registry, sink notify.Sink, security *SecurityLogger, holdPeriod time.Duration) *EscrowLedger {
	return &EscrowLedger{
		repo:       repo,
		gateways:   gateways,
		sink:       sink,
		security:   security,
		holdPeriod: holdPeriod,
		nowFn:      time.Now,
	}
}

type CreateHoldInput struct {
	PaymentID  string
	Amount     int64
	BuyerID    string
	SupplierID string
	// HoldPeriod of zero uses the configured default.
	HoldPeriod time.Duration
}

func (e *EscrowLedger) CreateHold(ctx context.Context, in CreateHoldInput, actor string) (*models.EscrowHold, error) {
	if in.Amount <= 0 {
		return nil, invalid("amount", "must be positive")
	}
	if in.HoldPeriod < 0 {
		return nil, invalid("holdPeriod", "must not be negative")
	}
	period := in.HoldPeriod
	if period == 0 {
		period = e.holdPeriod
	}

	var hold *models.EscrowHold
	err := e.repo.WithinTx(ctx, func(st repository.Store) error {
		p, err := st.GetPayment(ctx, in.PaymentID)
		if err != nil {
			return paymentNotFound(err)
		}
		if p.Status != models.PaymentStatusCompleted {
			return fmt.Errorf("%w: payment %s is %s", ErrPaymentNotCompleted, p.ID, p.Status)
		}
		if in.Amount > p.Amount {
			return invalid("amount", "hold %d exceeds payment amount %d", in.Amount, p.Amount)
		}
		h := e.newHold(p, in.Amount, period)
		if in.BuyerID != "" {
			h.BuyerID = in.BuyerID
		}
		if in.SupplierID != "" {
			h.SupplierID = in.SupplierID
		}
		hold = h
		return e.createHoldTx(ctx, st, h, actor)
	})
	if err != nil {
		return nil, err
	}
	e.emitHoldCreated(ctx, hold, actor)
	return hold, nil
}

func (e *EscrowLedger) newHold(p *models.Payment, amount int64, period time.Duration) *models.EscrowHold {
	now := e.nowFn()
	return &models.EscrowHold{
		ID:          uuid.NewString(),
		PaymentID:   p.ID,
		OrderID:     p.OrderID,
		BuyerID:     p.BuyerID,
		SupplierID:  p.SupplierID,
		Amount:      amount,
		Currency:    p.Currency,
		HoldPeriod:  period,
		ReleaseDate: now.Add(period),
		Status:      models.HoldStatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (e *EscrowLedger) createHoldTx(ctx context.Context, st repository.Store, h *models.EscrowHold, actor string) error {
	if err := st.CreateHold(ctx, h); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return fmt.Errorf("%w: %s", ErrHoldExists, h.PaymentID)
		}
		return err
	}
	log.Printf("[ESCROW] hold %s created for payment %s: %d %s until %s",
		h.ID, h.PaymentID, h.Amount, h.Currency, h.ReleaseDate.Format(time.RFC3339))
	return appendAudit(ctx, st, actor, models.AuditHoldCreated, models.EntityEscrow, h.ID, h.PaymentID, models.Metadata{
		"amount":      h.Amount,
		"currency":    h.Currency,
		"releaseDate": h.ReleaseDate,
	}, h.CreatedAt)
}

func (e *EscrowLedger) GetHold(ctx context.Context, id string) (*models.EscrowHold, error) {
	h, err := e.repo.GetHold(ctx, id)
	return h, escrowNotFound(err)
}

func (e *EscrowLedger) HoldForPayment(ctx context.Context, paymentID string) (*models.EscrowHold, error) {
	h, err := e.repo.GetHoldByPayment(ctx, paymentID)
	return h, escrowNotFound(err)
}

// ReleaseFunds moves an ACTIVE hold with no refund in flight to RELEASED.
// Losing a race returns ErrEscrowNotActive and changes nothing.
func (e *EscrowLedger) ReleaseFunds(ctx context.Context, escrowID, reason, releasedBy string) (*models.EscrowHold, error) {
	now := e.nowFn()
	var hold *models.EscrowHold
	err := e.repo.WithinTx(ctx, func(st repository.Store) error {
		ok, err := st.ReleaseHold(ctx, escrowID, repository.HoldRelease{By: releasedBy, Reason: reason, At: now})
		if err != nil {
			return err
		}
		cur, err := st.GetHold(ctx, escrowID)
		if err != nil {
			return escrowNotFound(err)
		}
		if !ok {
			if cur.Status == models.HoldStatusActive && cur.RefundPending > 0 {
				return fmt.Errorf("%w: %d pending on %s", ErrRefundInProgress, cur.RefundPending, cur.ID)
			}
			return fmt.Errorf("%w: %s is %s", ErrEscrowNotActive, cur.ID, cur.Status)
		}
		hold = cur
		return appendAudit(ctx, st, releasedBy, models.AuditHoldReleased, models.EntityEscrow, cur.ID, cur.PaymentID, models.Metadata{
			"reason":         reason,
			"amount":         cur.Amount - cur.RefundedAmount,
			"refundedAmount": cur.RefundedAmount,
		}, now)
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[ESCROW] hold %s released by %s: %s", hold.ID, releasedBy, reason)
	if releasedBy != SchedulerActor {
		e.security.LogManualRelease(hold.PaymentID, hold.ID, releasedBy, reason, hold.Amount-hold.RefundedAmount)
	}
	notify.Emit(ctx, e.sink, notify.Event{
		Type:       notify.EventEscrowReleased,
		PaymentID:  hold.PaymentID,
		EscrowID:   hold.ID,
		Amount:     hold.Amount - hold.RefundedAmount,
		Currency:   hold.Currency,
		Actor:      releasedBy,
		OccurredAt: now,
	})
	return hold, nil
}

// RefundOutcome is what a refund call leaves behind. Refund.Status is
// PENDING when the processor's answer is still outstanding.
type RefundOutcome struct {
	Hold   *models.EscrowHold `json:"escrow"`
	Refund *models.Refund     `json:"refund"`
}

// RefundAgainstHold reserves amount on the hold, calls the gateway without
// holding any lock, then settles the reservation. A terminal failure frees
// the reservation and is never retried; an unknown outcome leaves it
// pending for the webhook to resolve.
func (e *EscrowLedger) RefundAgainstHold(ctx context.Context, escrowID string, amount int64, reason, actor string) (*RefundOutcome, error) {
	if amount <= 0 {
		return nil, invalid("amount", "must be positive")
	}

	now := e.nowFn()
	var (
		rf  *models.Refund
		p   *models.Payment
		gw  gateway.Gateway
		out RefundOutcome
	)
	err := e.repo.WithinTx(ctx, func(st repository.Store) error {
		h, err := st.GetHold(ctx, escrowID)
		if err != nil {
			return escrowNotFound(err)
		}
		if h.Status != models.HoldStatusActive {
			return fmt.Errorf("%w: %s is %s", ErrEscrowNotActive, h.ID, h.Status)
		}
		if p, err = st.GetPayment(ctx, h.PaymentID); err != nil {
			return paymentNotFound(err)
		}
		if gw, err = e.gateways.Get(p.Gateway); err != nil {
			return err
		}
		ok, err := st.ReserveRefund(ctx, h.ID, amount, now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: requested %d, refundable %d", ErrInsufficientFundsForRefund, amount, h.Refundable())
		}

		rf = &models.Refund{
			ID:          uuid.NewString(),
			EscrowID:    h.ID,
			PaymentID:   h.PaymentID,
			Amount:      amount,
			Currency:    h.Currency,
			Status:      models.RefundStatusPending,
			Reason:      reason,
			InitiatedBy: actor,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := st.CreateRefund(ctx, rf); err != nil {
			return err
		}
		h.RefundPending += amount
		out.Hold = h
		return appendAudit(ctx, st, actor, models.AuditRefundRequested, models.EntityRefund, rf.ID, h.PaymentID, models.Metadata{
			"escrowId": h.ID,
			"amount":   amount,
			"reason":   reason,
		}, now)
	})
	if err != nil {
		return nil, err
	}
	out.Refund = rf

	res, gwErr := gw.Refund(ctx, gateway.RefundRequest{
		TransactionID:  p.GatewayTransactionID,
		Amount:         amount,
		Currency:       rf.Currency,
		Reason:         reason,
		IdempotencyKey: rf.ID,
	})

	switch {
	case gwErr == nil && res.Status == models.RefundStatusPending:
		if res.RefundID != "" {
			if _, err := e.repo.SetRefundGatewayID(ctx, rf.ID, res.RefundID, e.nowFn()); err != nil {
				return nil, err
			}
			rf.GatewayRefundID = res.RefundID
		}
		log.Printf("[ESCROW] refund %s accepted by %s as %s, awaiting confirmation", rf.ID, gw.Name(), res.RefundID)
		return &out, nil

	case gwErr == nil:
		return e.finishRefund(ctx, &out, true, res.RefundID, "", actor)

	case errors.Is(gwErr, gateway.ErrOutcomeUnknown):
		log.Printf("[ESCROW] refund %s outcome unknown: %v", rf.ID, gwErr)
		err := e.repo.WithinTx(ctx, func(st repository.Store) error {
			return appendAudit(ctx, st, actor, models.AuditRefundOutcomeUnknown, models.EntityRefund, rf.ID, rf.PaymentID, models.Metadata{
				"escrowId": rf.EscrowID,
				"amount":   amount,
				"error":    gwErr.Error(),
			}, e.nowFn())
		})
		if err != nil {
			return nil, err
		}
		return &out, gwErr
	}

	e.security.LogRefundFailure(rf.PaymentID, rf.EscrowID, amount, gwErr)
	if _, err := e.finishRefund(ctx, &out, false, "", gwErr.Error(), actor); err != nil {
		return nil, err
	}
	return &out, gwErr
}

func (e *EscrowLedger) finishRefund(ctx context.Context, out *RefundOutcome, succeeded bool, gatewayRefundID, errMsg, actor string) (*RefundOutcome, error) {
	var released bool
	err := e.repo.WithinTx(ctx, func(st repository.Store) error {
		h, applied, err := e.settleRefundTx(ctx, st, out.Refund, succeeded, gatewayRefundID, errMsg, actor)
		if err != nil {
			return err
		}
		released = applied && succeeded
		out.Hold = h
		return nil
	})
	if err != nil {
		return nil, err
	}
	if succeeded {
		out.Refund.Status = models.RefundStatusSucceeded
		out.Refund.GatewayRefundID = gatewayRefundID
	} else {
		out.Refund.Status = models.RefundStatusFailed
		out.Refund.Error = errMsg
	}
	if released {
		e.emitRefunded(ctx, out.Hold, out.Refund.Amount, actor)
	}
	return out, nil
}

// settleRefundTx finalizes a reserved refund. When the refund was already
// finalized (webhook and API racing) it reports applied=false and writes
// nothing.
func (e *EscrowLedger) settleRefundTx(ctx context.Context, st repository.Store, rf *models.Refund, succeeded bool, gatewayRefundID, errMsg, actor string) (*models.EscrowHold, bool, error) {
	now := e.nowFn()
	status := models.RefundStatusFailed
	if succeeded {
		status = models.RefundStatusSucceeded
	}
	ok, err := st.CompleteRefund(ctx, rf.ID, status, gatewayRefundID, errMsg, now)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		h, err := st.GetHold(ctx, rf.EscrowID)
		return h, false, err
	}

	h, err := st.SettleRefund(ctx, rf.EscrowID, repository.RefundSettlement{Amount: rf.Amount, Succeeded: succeeded, Reserved: true, At: now})
	if err != nil {
		return nil, false, err
	}

	action := models.AuditRefundFailed
	switch {
	case succeeded && h.Status == models.HoldStatusRefunded:
		action = models.AuditHoldRefunded
	case succeeded:
		action = models.AuditHoldPartiallyRefunded
	}
	details := models.Metadata{
		"refundId":       rf.ID,
		"amount":         rf.Amount,
		"refundedAmount": h.RefundedAmount,
		"holdStatus":     h.Status,
	}
	if errMsg != "" {
		details["error"] = errMsg
	}
	log.Printf("[ESCROW] refund %s on hold %s: %s", rf.ID, h.ID, action)
	return h, true, appendAudit(ctx, st, actor, action, models.EntityEscrow, h.ID, h.PaymentID, details, now)
}

// applyRefundEventTx resolves a refund notification against the payment's
// hold. A gateway refund id already on file decides the match outright,
// so a notification for a refund settled synchronously is a no-op.
// Otherwise a pending refund is matched by amount, and anything left is
// a refund the processor initiated on its own.
func (e *EscrowLedger) applyRefundEventTx(ctx context.Context, st repository.Store, p *models.Payment, evt models.WebhookEvent, actor string) (*models.EscrowHold, bool, string, error) {
	h, err := st.GetHoldByPayment(ctx, p.ID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, false, "no escrow hold for payment", nil
	}
	if err != nil {
		return nil, false, "", err
	}
	refunds, err := st.ListRefunds(ctx, h.ID)
	if err != nil {
		return nil, false, "", err
	}

	var match *models.Refund
	if evt.RefundID != "" {
		for i := range refunds {
			if refunds[i].GatewayRefundID == evt.RefundID {
				match = &refunds[i]
				break
			}
		}
		if match != nil && match.Status != models.RefundStatusPending {
			return h, false, "refund already applied", nil
		}
	}

	amount := evt.Amount
	if evt.Cumulative {
		var settled int64
		for _, r := range refunds {
			if r.Status == models.RefundStatusSucceeded {
				settled += r.Amount
			}
		}
		amount = evt.Amount - settled
		if amount <= 0 {
			return h, false, "refund already applied", nil
		}
	}

	for i := 0; match == nil && i < len(refunds); i++ {
		r := &refunds[i]
		if r.Status != models.RefundStatusPending || r.Amount != amount {
			continue
		}
		// a refund the processor already named only matches by that name
		if evt.RefundID != "" && r.GatewayRefundID != "" {
			continue
		}
		match = r
	}

	succeeded := evt.Type == models.EventRefundSucceeded
	if match != nil {
		h, applied, err := e.settleRefundTx(ctx, st, match, succeeded, evt.RefundID, evt.Reason, actor)
		if err != nil || !applied {
			return h, false, "refund already settled", err
		}
		return h, true, "", nil
	}
	if !succeeded {
		return h, false, "no pending refund matches the failure", nil
	}
	if amount <= 0 {
		return h, false, "refund amount missing", nil
	}
	return e.bookExternalRefundTx(ctx, st, h, amount, evt, actor)
}

func (e *EscrowLedger) bookExternalRefundTx(ctx context.Context, st repository.Store, h *models.EscrowHold, amount int64, evt models.WebhookEvent, actor string) (*models.EscrowHold, bool, string, error) {
	now := e.nowFn()
	settled, err := st.SettleRefund(ctx, h.ID, repository.RefundSettlement{Amount: amount, Succeeded: true, At: now})
	if errors.Is(err, repository.ErrHoldNotActive) || errors.Is(err, repository.ErrRefundExceedsHold) {
		return h, false, err.Error(), nil
	}
	if err != nil {
		return nil, false, "", err
	}
	rf := &models.Refund{
		ID:              uuid.NewString(),
		EscrowID:        h.ID,
		PaymentID:       h.PaymentID,
		Amount:          amount,
		Currency:        h.Currency,
		Status:          models.RefundStatusSucceeded,
		GatewayRefundID: evt.RefundID,
		Reason:          "initiated at gateway",
		InitiatedBy:     actor,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := st.CreateRefund(ctx, rf); err != nil {
		return nil, false, "", err
	}
	action := models.AuditHoldPartiallyRefunded
	if settled.Status == models.HoldStatusRefunded {
		action = models.AuditHoldRefunded
	}
	log.Printf("[ESCROW] gateway-initiated refund of %d booked on hold %s", amount, h.ID)
	return settled, true, "", appendAudit(ctx, st, actor, action, models.EntityEscrow, h.ID, h.PaymentID, models.Metadata{
		"refundId":       rf.ID,
		"amount":         amount,
		"refundedAmount": settled.RefundedAmount,
		"holdStatus":     settled.Status,
		"eventId":        evt.EventID,
	}, now)
}

func (e *EscrowLedger) emitHoldCreated(ctx context.Context, h *models.EscrowHold, actor string) {
	notify.Emit(ctx, e.sink, notify.Event{
		Type:       notify.EventHoldCreated,
		PaymentID:  h.PaymentID,
		EscrowID:   h.ID,
		Amount:     h.Amount,
		Currency:   h.Currency,
		Actor:      actor,
		OccurredAt: h.CreatedAt,
	})
}

func (e *EscrowLedger) emitRefunded(ctx context.Context, h *models.EscrowHold, amount int64, actor string) {
	notify.Emit(ctx, e.sink, notify.Event{
		Type:       notify.EventEscrowRefunded,
		PaymentID:  h.PaymentID,
		EscrowID:   h.ID,
		Amount:     amount,
		Currency:   h.Currency,
		Actor:      actor,
		OccurredAt: h.UpdatedAt,
	})
}
