package models

import "time"

type HoldStatus string

const (
	HoldStatusActive   HoldStatus = "ACTIVE"
	HoldStatusReleased HoldStatus = "RELEASED"
	HoldStatusRefunded HoldStatus = "REFUNDED"
)

// EscrowHold is money captured from the buyer and held for the supplier.
type EscrowHold struct {
	ID             string        `json:"id" db:"id"`
	PaymentID      string        `json:"paymentId" db:"payment_id"`
	OrderID        string        `json:"orderId" db:"order_id"`
	BuyerID        string        `json:"buyerId" db:"buyer_id"`
	SupplierID     string        `json:"supplierId" db:"supplier_id"`
	Amount         int64         `json:"amount" db:"amount"`
	Currency       string        `json:"currency" db:"currency"`
	RefundedAmount int64         `json:"refundedAmount" db:"refunded_amount"`
	RefundPending  int64         `json:"refundPending" db:"refund_pending"`
	HoldPeriod     time.Duration `json:"-" db:"hold_period_seconds"`
	ReleaseDate    time.Time     `json:"releaseDate" db:"release_date"`
	Status         HoldStatus    `json:"status" db:"status"`
	ReleasedAt     *time.Time    `json:"releasedAt,omitempty" db:"released_at"`
	ReleasedBy     string        `json:"releasedBy,omitempty" db:"released_by"`
	ReleaseReason  string        `json:"releaseReason,omitempty" db:"release_reason"`
	Version        int           `json:"-" db:"version"`
	CreatedAt      time.Time     `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time     `json:"updatedAt" db:"updated_at"`
}

// Refundable is what can still be reserved for a refund.
func (h *EscrowHold) Refundable() int64 {
	return h.Amount - h.RefundedAmount - h.RefundPending
}

// RefundStatus tracks a single refund attempt against a hold.
type RefundStatus string

const (
	RefundStatusPending   RefundStatus = "PENDING"
	RefundStatusSucceeded RefundStatus = "SUCCEEDED"
	RefundStatusFailed    RefundStatus = "FAILED"
)

type Refund struct {
	ID              string       `json:"id" db:"id"`
	EscrowID        string       `json:"escrowId" db:"escrow_id"`
	PaymentID       string       `json:"paymentId" db:"payment_id"`
	Amount          int64        `json:"amount" db:"amount"`
	Currency        string       `json:"currency" db:"currency"`
	Status          RefundStatus `json:"status" db:"status"`
	GatewayRefundID string       `json:"gatewayRefundId,omitempty" db:"gateway_refund_id"`
	Reason          string       `json:"reason,omitempty" db:"reason"`
	InitiatedBy     string       `json:"initiatedBy" db:"initiated_by"`
	Error           string       `json:"error,omitempty" db:"error"`
	CreatedAt       time.Time    `json:"createdAt" db:"created_at"`
	UpdatedAt       time.Time    `json:"updatedAt" db:"updated_at"`
}
