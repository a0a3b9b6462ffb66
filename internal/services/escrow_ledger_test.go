package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tradelink/settlement/internal/gateway"
	"github.com/tradelink/settlement/internal/models"
)

func refundOf(amount int64) any {
	return mock.MatchedBy(func(r gateway.RefundRequest) bool { return r.Amount == amount })
}

func TestEscrowLedger_CreateHold(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	t.Run("payment not completed", func(t *testing.T) {
		p := env.newIntent(1000)
		_, err := env.escrow.CreateHold(ctx, CreateHoldInput{PaymentID: p.ID, Amount: 1000}, "admin-1")
		assert.ErrorIs(t, err, ErrPaymentNotCompleted)
	})

	t.Run("one hold per payment", func(t *testing.T) {
		p, _ := env.completed(1000)
		_, err := env.escrow.CreateHold(ctx, CreateHoldInput{PaymentID: p.ID, Amount: 1000}, "admin-1")
		assert.ErrorIs(t, err, ErrHoldExists)
	})

	t.Run("validation", func(t *testing.T) {
		var ve *ValidationError
		_, err := env.escrow.CreateHold(ctx, CreateHoldInput{PaymentID: "x", Amount: 0}, "admin-1")
		assert.True(t, errors.As(err, &ve))
		_, err = env.escrow.CreateHold(ctx, CreateHoldInput{PaymentID: "x", Amount: 10, HoldPeriod: -1}, "admin-1")
		assert.True(t, errors.As(err, &ve))
		_, err = env.escrow.CreateHold(ctx, CreateHoldInput{PaymentID: "missing", Amount: 10}, "admin-1")
		assert.ErrorIs(t, err, ErrPaymentNotFound)
	})
}

func TestEscrowLedger_ConcurrentRelease(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	p, h := env.completed(50000)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, actor := range []string{"admin-1", SchedulerActor} {
		wg.Add(1)
		go func(i int, actor string) {
			defer wg.Done()
			_, errs[i] = env.escrow.ReleaseFunds(ctx, h.ID, "race", actor)
		}(i, actor)
	}
	wg.Wait()

	succeeded, notActive := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrEscrowNotActive):
			notActive++
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, notActive)
	assert.Equal(t, 1, countActions(env.audit(p.ID), models.AuditHoldReleased))

	got, err := env.escrow.GetHold(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, models.HoldStatusReleased, got.Status)
	require.NotNil(t, got.ReleasedAt)
}

func TestEscrowLedger_Refunds(t *testing.T) {
	ctx := context.Background()

	t.Run("refund larger than hold is rejected before the gateway", func(t *testing.T) {
		env := newTestEnv(t)
		p, h := env.mockCompleted(10000)

		_, err := env.escrow.RefundAgainstHold(ctx, h.ID, 12000, "damaged", "admin-1")
		assert.ErrorIs(t, err, ErrInsufficientFundsForRefund)

		got, err := env.escrow.GetHold(ctx, h.ID)
		require.NoError(t, err)
		assert.Equal(t, models.HoldStatusActive, got.Status)
		assert.Equal(t, int64(0), got.RefundedAmount)
		assert.Equal(t, int64(0), got.RefundPending)
		assert.Equal(t, 0, countActions(env.audit(p.ID), models.AuditRefundRequested))
		env.mockGW.AssertNotCalled(t, "Refund", mock.Anything, mock.Anything)
	})

	t.Run("partial then full refund", func(t *testing.T) {
		env := newTestEnv(t)
		p, h := env.mockCompleted(10000)
		env.mockGW.On("Refund", mock.Anything, refundOf(4000)).
			Return(gateway.RefundResult{RefundID: "re_1", Status: models.RefundStatusSucceeded}, nil).Once()
		env.mockGW.On("Refund", mock.Anything, refundOf(6000)).
			Return(gateway.RefundResult{RefundID: "re_2", Status: models.RefundStatusSucceeded}, nil).Once()

		out, err := env.escrow.RefundAgainstHold(ctx, h.ID, 4000, "short shipment", "admin-1")
		require.NoError(t, err)
		assert.Equal(t, models.HoldStatusActive, out.Hold.Status)
		assert.Equal(t, int64(4000), out.Hold.RefundedAmount)
		assert.Equal(t, models.RefundStatusSucceeded, out.Refund.Status)
		assert.Equal(t, "re_1", out.Refund.GatewayRefundID)

		out, err = env.escrow.RefundAgainstHold(ctx, h.ID, 6000, "returned", "admin-1")
		require.NoError(t, err)
		assert.Equal(t, models.HoldStatusRefunded, out.Hold.Status)
		assert.Equal(t, int64(10000), out.Hold.RefundedAmount)

		_, err = env.escrow.ReleaseFunds(ctx, h.ID, "late", SchedulerActor)
		assert.ErrorIs(t, err, ErrEscrowNotActive)

		_, err = env.escrow.RefundAgainstHold(ctx, h.ID, 1, "again", "admin-1")
		assert.ErrorIs(t, err, ErrEscrowNotActive)

		entries := env.audit(p.ID)
		assert.Equal(t, 1, countActions(entries, models.AuditHoldPartiallyRefunded))
		assert.Equal(t, 1, countActions(entries, models.AuditHoldRefunded))
		env.mockGW.AssertExpectations(t)
	})

	t.Run("terminal gateway failure frees the reservation", func(t *testing.T) {
		env := newTestEnv(t)
		p, h := env.mockCompleted(10000)
		env.mockGW.On("Refund", mock.Anything, refundOf(3000)).
			Return(gateway.RefundResult{}, &gateway.Error{Gateway: mockGatewayName, Op: "refund", Kind: gateway.KindTerminal, Err: errors.New("account closed")}).Once()

		out, err := env.escrow.RefundAgainstHold(ctx, h.ID, 3000, "damaged", "admin-1")
		assert.ErrorIs(t, err, gateway.ErrGatewayTerminal)
		require.NotNil(t, out)
		assert.Equal(t, models.RefundStatusFailed, out.Refund.Status)
		assert.Equal(t, models.HoldStatusActive, out.Hold.Status)
		assert.Equal(t, int64(0), out.Hold.RefundPending)
		assert.Equal(t, int64(0), out.Hold.RefundedAmount)
		assert.Equal(t, 1, countActions(env.audit(p.ID), models.AuditRefundFailed))

		_, err = env.escrow.ReleaseFunds(ctx, h.ID, "delivered", "admin-1")
		assert.NoError(t, err, "failed refund no longer blocks release")
		env.mockGW.AssertNumberOfCalls(t, "Refund", 1)
	})

	t.Run("unknown outcome stays pending until the webhook", func(t *testing.T) {
		env := newTestEnv(t)
		p, h := env.mockCompleted(10000)
		env.mockGW.On("Refund", mock.Anything, refundOf(4000)).
			Return(gateway.RefundResult{}, &gateway.Error{Gateway: mockGatewayName, Op: "refund", Kind: gateway.KindTimeout}).Once()

		out, err := env.escrow.RefundAgainstHold(ctx, h.ID, 4000, "damaged", "admin-1")
		assert.ErrorIs(t, err, gateway.ErrOutcomeUnknown)
		assert.Equal(t, models.RefundStatusPending, out.Refund.Status)
		assert.Equal(t, int64(4000), out.Hold.RefundPending)

		_, err = env.escrow.ReleaseFunds(ctx, h.ID, "delivered", "admin-1")
		assert.ErrorIs(t, err, ErrRefundInProgress)

		payload := []byte(`{"refund":"ok"}`)
		env.mockGW.On("VerifyWebhookSignature", payload, "sig").Return(true)
		env.mockGW.On("ParseWebhook", mock.Anything, payload).Return(models.WebhookEvent{
			EventID:   "evt_refund_1",
			Type:      models.EventRefundSucceeded,
			Reference: p.GatewayIntentID,
			RefundID:  "re_9",
			Amount:    4000,
		}, nil)

		res, err := env.reconciler.HandleWebhook(ctx, mockGatewayName, payload, "sig", "10.0.0.2")
		require.NoError(t, err)
		assert.Equal(t, OutcomeApplied, res.Outcome)

		got, err := env.escrow.GetHold(ctx, h.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(0), got.RefundPending)
		assert.Equal(t, int64(4000), got.RefundedAmount)
		assert.Equal(t, models.HoldStatusActive, got.Status)

		entries := env.audit(p.ID)
		assert.Equal(t, 1, countActions(entries, models.AuditRefundOutcomeUnknown))
		assert.Equal(t, 1, countActions(entries, models.AuditHoldPartiallyRefunded))

		_, err = env.escrow.ReleaseFunds(ctx, h.ID, "delivered", "admin-1")
		assert.NoError(t, err)
	})

	t.Run("gateway initiated refund is booked", func(t *testing.T) {
		env := newTestEnv(t)
		p, h := env.completed(10000)

		res, err := env.deliver("evt_re_ext", "charge.refunded", p, gateway.SandboxEventData{Amount: 10000, RefundID: "re_ext"})
		require.NoError(t, err)
		assert.Equal(t, OutcomeApplied, res.Outcome)

		got, err := env.escrow.GetHold(ctx, h.ID)
		require.NoError(t, err)
		assert.Equal(t, models.HoldStatusRefunded, got.Status)

		res, err = env.deliver("evt_re_ext_2", "charge.refunded", p, gateway.SandboxEventData{Amount: 500})
		require.NoError(t, err)
		assert.Equal(t, OutcomeIgnored, res.Outcome)
	})
}

func TestEscrowLedger_RefundNotificationAfterSyncSuccess(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	p, h := env.completed(10000)

	out, err := env.escrow.RefundAgainstHold(ctx, h.ID, 4000, "short shipment", "admin-1")
	require.NoError(t, err)
	require.Equal(t, models.RefundStatusSucceeded, out.Refund.Status)
	require.NotEmpty(t, out.Refund.GatewayRefundID)

	res, err := env.deliver("evt_re_sync", "charge.refunded", p, gateway.SandboxEventData{
		TransactionID: p.GatewayTransactionID,
		RefundID:      out.Refund.GatewayRefundID,
		Amount:        4000,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)

	got, err := env.escrow.GetHold(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4000), got.RefundedAmount)
	assert.Equal(t, models.HoldStatusActive, got.Status)
	assert.Len(t, env.refunds(h.ID), 1)
	assert.Equal(t, 1, countActions(env.audit(p.ID), models.AuditHoldPartiallyRefunded))
}

func TestEscrowLedger_PendingRefundsMatchByGatewayID(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	p, h := env.mockCompleted(10000)
	env.mockGW.On("Refund", mock.Anything, refundOf(3000)).
		Return(gateway.RefundResult{RefundID: "re_a", Status: models.RefundStatusPending}, nil).Once()
	env.mockGW.On("Refund", mock.Anything, refundOf(3000)).
		Return(gateway.RefundResult{RefundID: "re_b", Status: models.RefundStatusPending}, nil).Once()

	first, err := env.escrow.RefundAgainstHold(ctx, h.ID, 3000, "damaged", "admin-1")
	require.NoError(t, err)
	assert.Equal(t, "re_a", first.Refund.GatewayRefundID)
	second, err := env.escrow.RefundAgainstHold(ctx, h.ID, 3000, "damaged", "admin-1")
	require.NoError(t, err)
	assert.Equal(t, "re_b", second.Refund.GatewayRefundID)

	res, err := env.deliverMock(models.WebhookEvent{
		EventID: "evt_re_b", Type: models.EventRefundSucceeded, Reference: p.GatewayIntentID, RefundID: "re_b", Amount: 3000,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)

	res, err = env.deliverMock(models.WebhookEvent{
		EventID: "evt_re_a", Type: models.EventRefundFailed, Reference: p.GatewayIntentID, RefundID: "re_a", Amount: 3000, Reason: "bank rejected",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)

	byID := map[string]models.Refund{}
	for _, r := range env.refunds(h.ID) {
		byID[r.ID] = r
	}
	require.Len(t, byID, 2)
	assert.Equal(t, models.RefundStatusFailed, byID[first.Refund.ID].Status)
	assert.Equal(t, models.RefundStatusSucceeded, byID[second.Refund.ID].Status)

	got, err := env.escrow.GetHold(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), got.RefundedAmount)
	assert.Equal(t, int64(0), got.RefundPending)
}

func TestEscrowLedger_ConcurrentRefunds(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	p, h := env.completed(10000)

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.escrow.RefundAgainstHold(ctx, h.ID, 3000, "damaged", "admin-1")
		}(i)
	}
	wg.Wait()

	succeeded, rejected := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrInsufficientFundsForRefund):
			rejected++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 3, succeeded)
	assert.Equal(t, 2, rejected)

	got, err := env.escrow.GetHold(ctx, h.ID)
	require.NoError(t, err)
	assert.LessOrEqual(t, got.RefundedAmount+got.RefundPending, got.Amount)
	assert.Equal(t, int64(9000), got.RefundedAmount)
	assert.Equal(t, int64(0), got.RefundPending)
	assert.Equal(t, models.HoldStatusActive, got.Status)
	assert.Len(t, env.refunds(h.ID), 3)
	assert.Equal(t, 3, countActions(env.audit(p.ID), models.AuditRefundRequested))
}
