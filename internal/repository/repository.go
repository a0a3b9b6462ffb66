// Package repository persists payments, escrow holds, refunds, webhook
// receipts and the audit log. Every guarded write is a single conditional
// statement so concurrent callers cannot both succeed.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tradelink/settlement/internal/models"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrDuplicate         = errors.New("duplicate record")
	ErrHoldNotActive     = errors.New("escrow hold is not active")
	ErrRefundExceedsHold = errors.New("refund exceeds refundable amount")
	ErrOptimisticLock    = errors.New("optimistic lock failed")
)

type PaymentUpdate struct {
	Status        models.PaymentStatus
	TransactionID string
	Method        string
	Error         string
	At            time.Time
}

type HoldRelease struct {
	By     string
	Reason string
	At     time.Time
}

// RefundSettlement resolves refund money against a hold. Reserved is set
// when the amount was taken with ReserveRefund before the gateway call.
type RefundSettlement struct {
	Amount    int64
	Succeeded bool
	Reserved  bool
	At        time.Time
}

type SettlementCounts struct {
	Completed int64
	Failed    int64
	Refunded  int64
}

// Store is the set of operations available inside and outside a
// transaction.
type Store interface {
	CreatePayment(ctx context.Context, p *models.Payment) error
	GetPayment(ctx context.Context, id string) (*models.Payment, error)
	GetPaymentByGatewayRef(ctx context.Context, gateway, ref string) (*models.Payment, error)
	// TransitionPayment moves the payment to u.Status only if its current
	// status is one of from. It reports whether the row changed. A recorded
	// gateway transaction id is never replaced, and one transaction id maps
	// to at most one payment per gateway (ErrDuplicate).
	TransitionPayment(ctx context.Context, id string, from []models.PaymentStatus, u PaymentUpdate) (bool, error)
	// ClaimConfirm marks a PENDING payment as sent to the gateway. Only the
	// first caller gets true.
	ClaimConfirm(ctx context.Context, id string, at time.Time) (bool, error)
	// ClearConfirmClaim drops the marker after the gateway definitely did
	// not charge.
	ClearConfirmClaim(ctx context.Context, id string) error

	CreateHold(ctx context.Context, h *models.EscrowHold) error
	GetHold(ctx context.Context, id string) (*models.EscrowHold, error)
	GetHoldByPayment(ctx context.Context, paymentID string) (*models.EscrowHold, error)
	// ReleaseHold is a compare-and-set from ACTIVE with no refund pending.
	ReleaseHold(ctx context.Context, id string, r HoldRelease) (bool, error)
	// ReserveRefund atomically earmarks amount if it still fits.
	ReserveRefund(ctx context.Context, id string, amount int64, at time.Time) (bool, error)
	SettleRefund(ctx context.Context, id string, s RefundSettlement) (*models.EscrowHold, error)
	ListDueHolds(ctx context.Context, now time.Time, limit int) ([]models.EscrowHold, error)

	CreateRefund(ctx context.Context, r *models.Refund) error
	ListRefunds(ctx context.Context, escrowID string) ([]models.Refund, error)
	// SetRefundGatewayID records the processor's id on a PENDING refund
	// that has none yet.
	SetRefundGatewayID(ctx context.Context, id, gatewayRefundID string, at time.Time) (bool, error)
	// CompleteRefund moves a PENDING refund to its final status.
	CompleteRefund(ctx context.Context, id string, status models.RefundStatus, gatewayRefundID, errMsg string, at time.Time) (bool, error)

	AppendAudit(ctx context.Context, e *models.AuditLogEntry) error
	ListAudit(ctx context.Context, paymentID string) ([]models.AuditLogEntry, error)

	// RecordWebhookEvent reports false when (gateway, event id) was already
	// recorded.
	RecordWebhookEvent(ctx context.Context, evt models.WebhookEvent, receivedAt time.Time) (bool, error)

	SettlementCounts(ctx context.Context, since time.Time) (SettlementCounts, error)
}

// Repository adds a unit of work: fn's writes commit together or not at
// all.
type Repository interface {
	Store
	WithinTx(ctx context.Context, fn func(Store) error) error
}

// ApplyRefundSettlement mutates h for s. Shared by both stores.
func ApplyRefundSettlement(h *models.EscrowHold, s RefundSettlement) error {
	if h.Status != models.HoldStatusActive {
		return ErrHoldNotActive
	}
	switch {
	case s.Reserved:
		if h.RefundPending < s.Amount {
			return fmt.Errorf("%w: pending %d, settling %d", ErrRefundExceedsHold, h.RefundPending, s.Amount)
		}
		h.RefundPending -= s.Amount
	case s.Succeeded:
		if h.Refundable() < s.Amount {
			return fmt.Errorf("%w: refundable %d, settling %d", ErrRefundExceedsHold, h.Refundable(), s.Amount)
		}
	}
	if s.Succeeded {
		h.RefundedAmount += s.Amount
		if h.RefundedAmount == h.Amount {
			h.Status = models.HoldStatusRefunded
		}
	}
	h.UpdatedAt = s.At
	return nil
}
