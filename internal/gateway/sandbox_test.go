package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradelink/settlement/internal/models"
)

func TestSandbox_ConfirmAndRefund(t *testing.T) {
	ctx := context.Background()
	sb := NewSandbox("secret")

	intent, err := sb.CreateIntent(ctx, IntentRequest{Amount: 50000, Currency: "INR", OrderID: "ord-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, intent.IntentID)
	assert.NotEmpty(t, intent.ClientToken)

	t.Run("confirm completes", func(t *testing.T) {
		conf, err := sb.ConfirmIntent(ctx, ConfirmRequest{IntentID: intent.IntentID, MethodRef: "card_visa", Amount: 50000})
		require.NoError(t, err)
		assert.Equal(t, models.PaymentStatusCompleted, conf.Status)

		res, err := sb.Refund(ctx, RefundRequest{TransactionID: conf.TransactionID, Amount: 20000})
		require.NoError(t, err)
		assert.Equal(t, models.RefundStatusSucceeded, res.Status)

		_, err = sb.Refund(ctx, RefundRequest{TransactionID: conf.TransactionID, Amount: 60000})
		assert.True(t, errors.Is(err, ErrInsufficientCapturedAmount))
	})

	t.Run("same idempotency key yields the same transaction", func(t *testing.T) {
		req := ConfirmRequest{IntentID: intent.IntentID, MethodRef: "card_visa", Amount: 50000, IdempotencyKey: "pay-1"}
		first, err := sb.ConfirmIntent(ctx, req)
		require.NoError(t, err)
		second, err := sb.ConfirmIntent(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, first.TransactionID, second.TransactionID)
	})

	t.Run("declined card is terminal", func(t *testing.T) {
		_, err := sb.ConfirmIntent(ctx, ConfirmRequest{IntentID: intent.IntentID, MethodRef: SandboxMethodDeclined, Amount: 50000})
		assert.True(t, errors.Is(err, ErrGatewayTerminal))
		assert.False(t, IsRetryable(err))
	})

	t.Run("unavailable is retryable", func(t *testing.T) {
		_, err := sb.ConfirmIntent(ctx, ConfirmRequest{IntentID: intent.IntentID, MethodRef: SandboxMethodUnavailable, Amount: 50000})
		assert.True(t, IsRetryable(err))
	})

	t.Run("invalid amount", func(t *testing.T) {
		_, err := sb.CreateIntent(ctx, IntentRequest{Amount: 0, Currency: "INR"})
		assert.True(t, errors.Is(err, ErrInvalidRequest))
	})
}

func TestSandbox_ParseWebhook(t *testing.T) {
	sb := NewSandbox("secret")

	payload, sig, err := sb.SignedEvent(SandboxEvent{
		ID:   "evt_1",
		Type: "payment_intent.succeeded",
		Data: SandboxEventData{IntentID: "sbx_pi_1", TransactionID: "sbx_txn_1_50000", Amount: 50000},
	})
	require.NoError(t, err)
	assert.True(t, sb.VerifyWebhookSignature(payload, sig))

	evt, err := sb.ParseWebhook(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, models.EventPaymentCaptured, evt.Type)
	assert.Equal(t, "sbx_pi_1", evt.Reference)
	assert.Equal(t, "evt_1", evt.EventID)
	assert.Equal(t, SandboxName, evt.Gateway)

	_, err = sb.ParseWebhook(context.Background(), []byte(`{"type":"x"}`))
	assert.True(t, errors.Is(err, ErrMalformedPayload))

	_, err = sb.ParseWebhook(context.Background(), []byte(`not json`))
	assert.True(t, errors.Is(err, ErrMalformedPayload))
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry(SandboxName)
	reg.Register(NewSandbox("s"))

	gw, err := reg.Get("")
	require.NoError(t, err)
	assert.Equal(t, SandboxName, gw.Name())

	_, err = reg.Get("stripe")
	assert.True(t, errors.Is(err, ErrUnknownGateway))
	assert.Equal(t, []string{SandboxName}, reg.Names())
}
