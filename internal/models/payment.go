package models

import "time"

// PaymentStatus is the lifecycle state of a Payment.
type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "PENDING"
	PaymentStatusProcessing PaymentStatus = "PROCESSING"
	PaymentStatusCompleted  PaymentStatus = "COMPLETED"
	PaymentStatusFailed     PaymentStatus = "FAILED"
	PaymentStatusCancelled  PaymentStatus = "CANCELLED"
)

// IsTerminal reports whether no further transitions are allowed.
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusCancelled:
		return true
	}
	return false
}

// predecessors lists the states each target may be entered from.
var predecessors = map[PaymentStatus][]PaymentStatus{
	PaymentStatusProcessing: {PaymentStatusPending},
	PaymentStatusCompleted:  {PaymentStatusPending, PaymentStatusProcessing},
	PaymentStatusFailed:     {PaymentStatusPending, PaymentStatusProcessing},
	PaymentStatusCancelled:  {PaymentStatusPending, PaymentStatusProcessing},
}

// AllowedPredecessors returns the states from which target can be reached.
func AllowedPredecessors(target PaymentStatus) []PaymentStatus {
	return predecessors[target]
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to PaymentStatus) bool {
	for _, p := range predecessors[to] {
		if p == from {
			return true
		}
	}
	return false
}

// Payment is one settlement attempt for an order.
type Payment struct {
	ID                   string        `json:"id" db:"id"`
	OrderID              string        `json:"orderId" db:"order_id"`
	BuyerID              string        `json:"buyerId" db:"buyer_id"`
	SupplierID           string        `json:"supplierId" db:"supplier_id"`
	Amount               int64         `json:"amount" db:"amount"`
	Currency             string        `json:"currency" db:"currency"`
	Status               PaymentStatus `json:"status" db:"status"`
	Gateway              string        `json:"gateway" db:"gateway"`
	GatewayIntentID      string        `json:"gatewayIntentId" db:"gateway_intent_id"`
	GatewayTransactionID string        `json:"gatewayTransactionId,omitempty" db:"gateway_transaction_id"`
	Method               string        `json:"method,omitempty" db:"method"`
	Error                string        `json:"error,omitempty" db:"error"`
	// ConfirmStartedAt is set once a confirm call has been sent to the
	// gateway. Later confirms must not charge again.
	ConfirmStartedAt *time.Time `json:"confirmStartedAt,omitempty" db:"confirm_started_at"`
	CreatedAt        time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt        time.Time  `json:"updatedAt" db:"updated_at"`
}
