package services

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradelink/settlement/internal/gateway"
	"github.com/tradelink/settlement/internal/models"
)

func TestDecide(t *testing.T) {
	cases := []struct {
		name    string
		current models.PaymentStatus
		event   string
		outcome Outcome
		target  models.PaymentStatus
	}{
		{"pending to processing", models.PaymentStatusPending, models.EventPaymentProcessing, OutcomeApplied, models.PaymentStatusProcessing},
		{"processing to completed", models.PaymentStatusProcessing, models.EventPaymentCaptured, OutcomeApplied, models.PaymentStatusCompleted},
		{"pending straight to completed", models.PaymentStatusPending, models.EventPaymentCaptured, OutcomeApplied, models.PaymentStatusCompleted},
		{"processing to failed", models.PaymentStatusProcessing, models.EventPaymentFailed, OutcomeApplied, models.PaymentStatusFailed},
		{"late processing after completion", models.PaymentStatusCompleted, models.EventPaymentProcessing, OutcomeIgnored, models.PaymentStatusProcessing},
		{"failure after completion", models.PaymentStatusCompleted, models.EventPaymentFailed, OutcomeIgnored, models.PaymentStatusFailed},
		{"capture after cancel", models.PaymentStatusCancelled, models.EventPaymentCaptured, OutcomeIgnored, models.PaymentStatusCompleted},
		{"repeat processing", models.PaymentStatusProcessing, models.EventPaymentProcessing, OutcomeIgnored, models.PaymentStatusProcessing},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			d := Decide(c.current, models.WebhookEvent{Type: c.event})
			assert.Equal(t, c.outcome, d.Outcome)
			assert.Equal(t, c.target, d.Target)
		})
	}

	t.Run("refund events need a completed payment", func(t *testing.T) {
		d := Decide(models.PaymentStatusCompleted, models.WebhookEvent{Type: models.EventRefundSucceeded})
		assert.Equal(t, OutcomeApplied, d.Outcome)
		assert.True(t, d.RefundEvent)

		d = Decide(models.PaymentStatusPending, models.WebhookEvent{Type: models.EventRefundFailed})
		assert.Equal(t, OutcomeIgnored, d.Outcome)
		assert.True(t, d.Retry, "capture may still arrive")

		d = Decide(models.PaymentStatusProcessing, models.WebhookEvent{Type: models.EventRefundSucceeded})
		assert.True(t, d.Retry)

		d = Decide(models.PaymentStatusFailed, models.WebhookEvent{Type: models.EventRefundSucceeded})
		assert.Equal(t, OutcomeIgnored, d.Outcome)
		assert.False(t, d.Retry)
	})

	t.Run("unknown type", func(t *testing.T) {
		d := Decide(models.PaymentStatusPending, models.WebhookEvent{Type: "dispute.opened"})
		assert.Equal(t, OutcomeRejected, d.Outcome)
	})
}

func TestReconciler_DuplicateCaptured(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.newIntent(50000)
	p, err := env.payments.Confirm(ctx, p.ID, gateway.SandboxMethodPending, "buyer-1")
	require.NoError(t, err)
	require.Equal(t, models.PaymentStatusProcessing, p.Status)

	data := gateway.SandboxEventData{TransactionID: p.GatewayTransactionID, Amount: 50000}
	res, err := env.deliver("evt_1", "payment_intent.succeeded", p, data)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, models.PaymentStatusCompleted, res.Status)

	res, err = env.deliver("evt_1", "payment_intent.succeeded", p, data)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)

	h, err := env.escrow.HoldForPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(50000), h.Amount)
	assert.Equal(t, "INR", h.Currency)

	entries := env.audit(p.ID)
	assert.Equal(t, 1, countActions(entries, models.AuditHoldCreated))
	assert.Equal(t, 1, countActions(entries, models.AuditIgnoredDuplicate))
}

func TestReconciler_ConcurrentDuplicateDelivery(t *testing.T) {
	env := newTestEnv(t)
	env.reconciler.seen = nil
	p := env.newIntent(50000)
	payload, sig := env.sandboxEvent("evt_c", "payment_intent.succeeded", p, gateway.SandboxEventData{Amount: 50000})

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 8)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := env.reconciler.HandleWebhook(context.Background(), gateway.SandboxName, payload, sig, "10.0.0.1")
			if assert.NoError(t, err) {
				outcomes[i] = res.Outcome
			}
		}(i)
	}
	wg.Wait()

	applied := 0
	for _, o := range outcomes {
		if o == OutcomeApplied {
			applied++
		} else {
			assert.Equal(t, OutcomeDuplicate, o)
		}
	}
	assert.Equal(t, 1, applied)
	assert.Equal(t, 1, countActions(env.audit(p.ID), models.AuditHoldCreated))
}

func TestReconciler_OutOfOrder(t *testing.T) {
	env := newTestEnv(t)
	p := env.newIntent(1000)

	res, err := env.deliver("evt_cap", "payment_intent.succeeded", p, gateway.SandboxEventData{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)

	res, err = env.deliver("evt_proc", "payment_intent.processing", p, gateway.SandboxEventData{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)

	res, err = env.deliver("evt_fail", "payment_intent.payment_failed", p, gateway.SandboxEventData{Reason: "insufficient funds"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)
	assert.Equal(t, models.PaymentStatusCompleted, res.Status)

	assert.Equal(t, 2, countActions(env.audit(p.ID), models.AuditIgnoredTransition))
}

func TestReconciler_RefundBeforeCaptureIsRedelivered(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	p := env.newIntent(10000)
	refund := gateway.SandboxEventData{RefundID: "re_early", Amount: 3000}

	_, err := env.deliver("evt_re_early", "charge.refunded", p, refund)
	assert.ErrorIs(t, err, ErrPaymentNotCompleted)
	seen, err := env.seen.Seen(ctx, gateway.SandboxName, "evt_re_early")
	require.NoError(t, err)
	assert.False(t, seen, "deferred event is not cached")

	res, err := env.deliver("evt_cap", "payment_intent.succeeded", p, gateway.SandboxEventData{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)

	res, err = env.deliver("evt_re_early", "charge.refunded", p, refund)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)

	h, err := env.escrow.HoldForPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), h.RefundedAmount)
	assert.Equal(t, models.HoldStatusActive, h.Status)
}

func TestReconciler_InvalidSignature(t *testing.T) {
	env := newTestEnv(t)
	p := env.newIntent(1000)
	before := env.audit(p.ID)

	payload, _ := env.sandboxEvent("evt_x", "payment_intent.succeeded", p, gateway.SandboxEventData{})
	_, err := env.reconciler.HandleWebhook(context.Background(), gateway.SandboxName, payload, gateway.Sign(payload, "wrong"), "203.0.113.9")
	assert.ErrorIs(t, err, ErrInvalidSignature)

	view, err := env.payments.GetStatus(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, view.Status)
	assert.Equal(t, before, env.audit(p.ID))

	// the event id was never recorded, so a correctly signed retry applies
	res, err := env.deliver("evt_x", "payment_intent.succeeded", p, gateway.SandboxEventData{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
}

func TestReconciler_UnknownPaymentIsRetryable(t *testing.T) {
	env := newTestEnv(t)
	ghost := &models.Payment{GatewayIntentID: "sbx_pi_ghost"}

	_, err := env.deliver("evt_g", "payment_intent.succeeded", ghost, gateway.SandboxEventData{})
	assert.ErrorIs(t, err, ErrPaymentNotFound)

	fresh, err := env.repo.RecordWebhookEvent(context.Background(), models.WebhookEvent{Gateway: gateway.SandboxName, EventID: "evt_g"}, env.clock())
	require.NoError(t, err)
	assert.True(t, fresh, "failed delivery must not consume the event id")
}

func TestReconciler_SeenCacheShortCircuit(t *testing.T) {
	env := newTestEnv(t)
	p := env.newIntent(1000)
	require.NoError(t, env.seen.MarkSeen(context.Background(), gateway.SandboxName, "evt_cached"))

	res, err := env.deliver("evt_cached", "payment_intent.succeeded", p, gateway.SandboxEventData{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.Equal(t, models.PaymentStatusPending, res.Status)
	assert.Equal(t, 1, countActions(env.audit(p.ID), models.AuditIgnoredDuplicate))
}

func TestReconciler_UnsupportedEvent(t *testing.T) {
	env := newTestEnv(t)
	p := env.newIntent(1000)

	res, err := env.deliver("evt_d", "dispute.created", p, gateway.SandboxEventData{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.Len(t, env.audit(p.ID), 1)
}

func TestReconciler_ReplayMatchesCanonicalPass(t *testing.T) {
	type delivery struct{ id, typ string }
	canonical := []delivery{
		{"evt_1", "payment_intent.processing"},
		{"evt_2", "payment_intent.succeeded"},
	}
	noisy := []delivery{
		{"evt_1", "payment_intent.processing"},
		{"evt_1", "payment_intent.processing"},
		{"evt_2", "payment_intent.succeeded"},
		{"evt_1", "payment_intent.processing"},
		{"evt_2", "payment_intent.succeeded"},
		{"evt_3", "payment_intent.processing"},
	}

	run := func(seq []delivery) ([]string, models.PaymentStatus, int64) {
		env := newTestEnv(t)
		p := env.newIntent(50000)
		for _, d := range seq {
			_, err := env.deliver(d.id, d.typ, p, gateway.SandboxEventData{})
			require.NoError(t, err)
		}
		var changing []string
		for _, e := range env.audit(p.ID) {
			if e.Action != models.AuditIgnoredDuplicate && e.Action != models.AuditIgnoredTransition {
				changing = append(changing, e.Action)
			}
		}
		view, err := env.payments.GetStatus(context.Background(), p.ID)
		require.NoError(t, err)
		return changing, view.Status, view.Escrow.Amount
	}

	wantAudit, wantStatus, wantHeld := run(canonical)
	gotAudit, gotStatus, gotHeld := run(noisy)
	assert.Equal(t, wantAudit, gotAudit)
	assert.Equal(t, wantStatus, gotStatus)
	assert.Equal(t, wantHeld, gotHeld)
}
