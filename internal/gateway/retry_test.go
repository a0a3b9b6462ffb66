package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/tradelink/settlement/internal/models"
)

func fastPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, AttemptTimeout: time.Second}
}

func TestWithRetry(t *testing.T) {
	ctx := context.Background()
	req := ConfirmRequest{IntentID: "pi_1", MethodRef: "card"}

	t.Run("transient then success", func(t *testing.T) {
		gw := new(MockGateway)
		gw.On("ConfirmIntent", mock.Anything, req).
			Return(Confirmation{}, newError("mock", "confirm_intent", KindTransient, errors.New("503"))).Once()
		gw.On("ConfirmIntent", mock.Anything, req).
			Return(Confirmation{TransactionID: "txn_1", Status: models.PaymentStatusCompleted}, nil).Once()

		conf, err := WithRetry(gw, fastPolicy()).ConfirmIntent(ctx, req)
		assert.NoError(t, err)
		assert.Equal(t, "txn_1", conf.TransactionID)
		gw.AssertNumberOfCalls(t, "ConfirmIntent", 2)
	})

	t.Run("terminal is not retried", func(t *testing.T) {
		gw := new(MockGateway)
		gw.On("ConfirmIntent", mock.Anything, req).
			Return(Confirmation{}, newError("mock", "confirm_intent", KindTerminal, errors.New("declined"))).Once()

		_, err := WithRetry(gw, fastPolicy()).ConfirmIntent(ctx, req)
		assert.True(t, errors.Is(err, ErrGatewayTerminal))
		gw.AssertNumberOfCalls(t, "ConfirmIntent", 1)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		gw := new(MockGateway)
		gw.On("ConfirmIntent", mock.Anything, req).
			Return(Confirmation{}, newError("mock", "confirm_intent", KindTransient, errors.New("503")))

		_, err := WithRetry(gw, fastPolicy()).ConfirmIntent(ctx, req)
		assert.True(t, errors.Is(err, ErrGatewayUnavailable))
		gw.AssertNumberOfCalls(t, "ConfirmIntent", 3)
	})

	t.Run("refund is attempted once", func(t *testing.T) {
		gw := new(MockGateway)
		rr := RefundRequest{TransactionID: "txn_1", Amount: 100}
		gw.On("Refund", mock.Anything, rr).
			Return(RefundResult{}, newError("mock", "refund", KindTransient, errors.New("503"))).Once()

		_, err := WithRetry(gw, fastPolicy()).Refund(ctx, rr)
		assert.Error(t, err)
		gw.AssertNumberOfCalls(t, "Refund", 1)
	})

	t.Run("deadline becomes outcome unknown", func(t *testing.T) {
		gw := new(MockGateway)
		rr := RefundRequest{TransactionID: "txn_1", Amount: 100}
		gw.On("Refund", mock.Anything, rr).Return(RefundResult{}, context.DeadlineExceeded).Once()

		_, err := WithRetry(gw, fastPolicy()).Refund(ctx, rr)
		assert.True(t, errors.Is(err, ErrOutcomeUnknown))
	})
}
