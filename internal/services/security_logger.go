package services

import (
	"encoding/json"
	"log"
	"time"
)

// SecurityEvent goes to the operational log, not the audit table. It
// covers things that never reach a state transition.
type SecurityEvent struct {
	Timestamp  time.Time `json:"timestamp"`
	EventType  string    `json:"event_type"`
	Gateway    string    `json:"gateway,omitempty"`
	PaymentID  string    `json:"payment_id,omitempty"`
	EscrowID   string    `json:"escrow_id,omitempty"`
	Amount     int64     `json:"amount,omitempty"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
	Status     string    `json:"status"`
	Details    any       `json:"details,omitempty"`
}

type SecurityLogger struct{}

func NewSecurityLogger() *SecurityLogger {
	return &SecurityLogger{}
}

func (s *SecurityLogger) LogSignatureRejected(gateway, remoteAddr string, payloadSize int) {
	s.log(SecurityEvent{
		Timestamp:  time.Now(),
		EventType:  "WEBHOOK_SIGNATURE_REJECTED",
		Gateway:    gateway,
		RemoteAddr: remoteAddr,
		Status:     "REJECTED",
		Details:    map[string]int{"payload_bytes": payloadSize},
	})
}

func (s *SecurityLogger) LogRefundFailure(paymentID, escrowID string, amount int64, err error) {
	s.log(SecurityEvent{
		Timestamp: time.Now(),
		EventType: "REFUND_FAILED",
		PaymentID: paymentID,
		EscrowID:  escrowID,
		Amount:    amount,
		Status:    "FAILED",
		Details:   map[string]string{"error": err.Error()},
	})
}

func (s *SecurityLogger) LogManualRelease(paymentID, escrowID, actor, reason string, amount int64) {
	s.log(SecurityEvent{
		Timestamp: time.Now(),
		EventType: "MANUAL_RELEASE",
		PaymentID: paymentID,
		EscrowID:  escrowID,
		Amount:    amount,
		Status:    "SUCCESS",
		Details:   map[string]string{"actor": actor, "reason": reason},
	})
}

func (s *SecurityLogger) log(event SecurityEvent) {
	if s == nil {
		return
	}
	data, _ := json.Marshal(event)
	log.Printf("SECURITY: %s", string(data))
}
