package gateway

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a gateway failure.
type Kind int

const (
	KindTransient Kind = iota
	KindTerminal
	KindInvalidRequest
	KindInsufficientCaptured
	KindTimeout
)

var (
	ErrGatewayUnavailable         = errors.New("gateway unavailable")
	ErrGatewayTerminal            = errors.New("gateway rejected the request")
	ErrInvalidRequest             = errors.New("invalid gateway request")
	ErrInsufficientCapturedAmount = errors.New("refund exceeds captured amount")
	// ErrOutcomeUnknown means the call timed out; the result must come
	// from a later webhook and is never assumed to have failed.
	ErrOutcomeUnknown = errors.New("gateway outcome unknown")

	ErrUnknownGateway   = errors.New("unknown gateway")
	ErrMalformedPayload = errors.New("malformed webhook payload")
)

func (k Kind) sentinel() error {
	switch k {
	case KindTransient:
		return ErrGatewayUnavailable
	case KindInvalidRequest:
		return ErrInvalidRequest
	case KindInsufficientCaptured:
		return ErrInsufficientCapturedAmount
	case KindTimeout:
		return ErrOutcomeUnknown
	default:
		return ErrGatewayTerminal
	}
}

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindInvalidRequest:
		return "invalid_request"
	case KindInsufficientCaptured:
		return "insufficient_captured"
	case KindTimeout:
		return "timeout"
	default:
		return "terminal"
	}
}

// Error wraps a failure from a gateway call. errors.Is matches both the
// kind sentinel and the underlying cause.
type Error struct {
	Gateway string
	Op      string
	Kind    Kind
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %s", e.Gateway, e.Op, e.Kind.sentinel())
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Gateway, e.Op, e.Kind.sentinel(), e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind.sentinel()}
	}
	return []error{e.Kind.sentinel(), e.Err}
}

func newError(gw, op string, kind Kind, err error) *Error {
	return &Error{Gateway: gw, Op: op, Kind: kind, Err: err}
}

// classifyContext turns deadline and cancellation errors into timeouts.
func classifyContext(gw, op string, err error) (*Error, bool) {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return newError(gw, op, KindTimeout, err), true
	}
	return nil, false
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrGatewayUnavailable)
}
