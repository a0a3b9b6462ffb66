package models

import "time"

// Normalized webhook event types. Gateway adapters translate their own
// notification vocabulary into these.
const (
	EventPaymentProcessing = "payment.processing"
	EventPaymentCaptured   = "payment.captured"
	EventPaymentFailed     = "payment.failed"
	EventRefundSucceeded   = "refund.succeeded"
	EventRefundFailed      = "refund.failed"
)

// WebhookEvent is an asynchronous notification from a gateway.
type WebhookEvent struct {
	Gateway       string `json:"gateway"`
	EventID       string `json:"eventId"`
	Type          string `json:"type"`
	Reference     string `json:"reference"`
	TransactionID string `json:"transactionId,omitempty"`
	RefundID      string `json:"refundId,omitempty"`
	Amount        int64  `json:"amount,omitempty"`
	// Cumulative marks Amount as the total refunded so far rather than
	// the amount of this one refund.
	Cumulative bool      `json:"cumulative,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}
