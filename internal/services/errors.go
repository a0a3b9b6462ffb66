package services

import (
	"errors"
	"fmt"
)

var (
	ErrPaymentNotFound            = errors.New("payment not found")
	ErrEscrowNotFound             = errors.New("escrow hold not found")
	ErrStateConflict              = errors.New("payment state conflict")
	ErrEscrowNotActive            = errors.New("escrow hold is not active")
	ErrRefundInProgress           = errors.New("a refund is in progress for this hold")
	ErrInsufficientFundsForRefund = errors.New("refund exceeds the refundable amount")
	ErrHoldExists                 = errors.New("escrow hold already exists for payment")
	ErrPaymentNotCompleted        = errors.New("payment is not completed")
	ErrInvalidSignature           = errors.New("invalid webhook signature")
)

// ValidationError is returned for bad caller input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
