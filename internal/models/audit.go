package models

import "time"

// Audit actions. Every Payment or EscrowHold transition writes exactly one
// of the state-changing actions; Ignored* record no-ops.
const (
	AuditPaymentCreated        = "PaymentCreated"
	AuditPaymentTransition     = "PaymentTransition"
	AuditIgnoredTransition     = "IgnoredTransition"
	AuditIgnoredDuplicate      = "IgnoredDuplicate"
	AuditHoldCreated           = "HoldCreated"
	AuditHoldReleased          = "HoldReleased"
	AuditHoldRefunded          = "HoldRefunded"
	AuditHoldPartiallyRefunded = "HoldPartiallyRefunded"
	AuditRefundRequested       = "RefundRequested"
	AuditRefundFailed          = "RefundFailed"
	AuditRefundOutcomeUnknown  = "RefundOutcomeUnknown"
)

const (
	EntityPayment = "payment"
	EntityEscrow  = "escrow_hold"
	EntityRefund  = "refund"
	EntityWebhook = "webhook_event"
)

// AuditLogEntry is an append-only record. Entries are never updated.
type AuditLogEntry struct {
	ID         string    `json:"id" db:"id"`
	ActorID    string    `json:"actorId" db:"actor_id"`
	Action     string    `json:"action" db:"action"`
	EntityType string    `json:"entityType" db:"entity_type"`
	EntityID   string    `json:"entityId" db:"entity_id"`
	PaymentID  string    `json:"paymentId" db:"payment_id"`
	Details    Metadata  `json:"details" db:"details"`
	OccurredAt time.Time `json:"occurredAt" db:"occurred_at"`
}
