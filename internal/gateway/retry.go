package gateway

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type RetryPolicy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
	AttemptTimeout  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		AttemptTimeout:  10 * time.Second,
	}
}

func (p RetryPolicy) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.AttemptTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.AttemptTimeout)
}

// retry runs fn until it succeeds, fails with a non-transient error or
// the policy is exhausted.
func retry[T any](ctx context.Context, p RetryPolicy, gw, op string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = 0

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		attemptCtx, cancel := p.attemptContext(ctx)
		defer cancel()

		v, err := fn(attemptCtx)
		out = v
		if err == nil {
			return nil
		}
		if IsRetryable(err) {
			log.Printf("[GATEWAY] %s %s attempt %d failed: %v", gw, op, attempt, err)
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(b, p.MaxRetries), ctx))

	if err != nil {
		var gwErr *Error
		if !errors.As(err, &gwErr) {
			if ce, ok := classifyContext(gw, op, err); ok {
				return out, ce
			}
		}
	}
	return out, err
}

type retrying struct {
	Gateway
	policy RetryPolicy
}

// WithRetry retries intent creation and confirmation on transient errors.
// Refunds get a single bounded attempt and are never resubmitted here.
func WithRetry(gw Gateway, p RetryPolicy) Gateway {
	return &retrying{Gateway: gw, policy: p}
}

func (r *retrying) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	return retry(ctx, r.policy, r.Name(), "create_intent", func(ctx context.Context) (Intent, error) {
		return r.Gateway.CreateIntent(ctx, req)
	})
}

func (r *retrying) ConfirmIntent(ctx context.Context, req ConfirmRequest) (Confirmation, error) {
	return retry(ctx, r.policy, r.Name(), "confirm_intent", func(ctx context.Context) (Confirmation, error) {
		return r.Gateway.ConfirmIntent(ctx, req)
	})
}

func (r *retrying) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	attemptCtx, cancel := r.policy.attemptContext(ctx)
	defer cancel()
	res, err := r.Gateway.Refund(attemptCtx, req)
	if err != nil {
		var gwErr *Error
		if !errors.As(err, &gwErr) {
			if ce, ok := classifyContext(r.Name(), "refund", err); ok {
				return res, ce
			}
		}
	}
	return res, err
}
