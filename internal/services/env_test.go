package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tradelink/settlement/internal/gateway"
	"github.com/tradelink/settlement/internal/models"
	"github.com/tradelink/settlement/internal/repository"
)

const (
	sandboxSecret  = "whsec_test"
	testHoldPeriod = 7 * 24 * time.Hour
)

type testEnv struct {
	t *testing.T

	mu     sync.Mutex
	now    time.Time
	orders int

	repo       *repository.MemoryRepository
	gateways   *gateway.Registry
	sandbox    *gateway.Sandbox
	mockGW     *MockGateway
	sink       *recordingSink
	seen       *fakeSeenCache
	escrow     *EscrowLedger
	payments   *PaymentLedger
	reconciler *Reconciler
	sweeper    *Sweeper
	stats      *StatsService
}

func newTestEnv(t *testing.T) *testEnv {
	env := &testEnv{t: t, now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	env.repo = repository.NewMemoryRepository()
	env.sandbox = gateway.NewSandbox(sandboxSecret)
	env.mockGW = new(MockGateway)
	env.gateways = gateway.NewRegistry(gateway.SandboxName)
	env.gateways.Register(env.sandbox)
	env.gateways.Register(env.mockGW)
	env.sink = &recordingSink{}
	env.seen = newFakeSeenCache()

	security := NewSecurityLogger()
	env.escrow = NewEscrowLedger(env.repo, env.gateways, env.sink, security, testHoldPeriod)
	env.payments = NewPaymentLedger(env.repo, env.gateways, env.escrow, env.sink)
	env.reconciler = NewReconciler(env.repo, env.gateways, env.payments, env.escrow, env.seen, security)
	env.sweeper = NewSweeper(env.repo, env.escrow, nil, time.Minute, 10, time.Minute)
	env.stats = NewStatsService(env.repo)

	for _, fn := range []*func() time.Time{
		&env.escrow.nowFn, &env.payments.nowFn, &env.reconciler.nowFn, &env.sweeper.nowFn, &env.stats.nowFn,
	} {
		*fn = env.clock
	}
	return env
}

func (e *testEnv) clock() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

func (e *testEnv) advance(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = e.now.Add(d)
}

func (e *testEnv) nextOrder() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.orders++
	return fmt.Sprintf("ord-%d", e.orders)
}

func (e *testEnv) newIntent(amount int64) *models.Payment {
	e.t.Helper()
	p, intent, err := e.payments.CreateIntent(context.Background(), CreateIntentInput{
		OrderID:    e.nextOrder(),
		BuyerID:    "buyer-1",
		SupplierID: "supplier-1",
		Amount:     amount,
		Currency:   "inr",
	}, "buyer-1")
	require.NoError(e.t, err)
	require.Equal(e.t, intent.IntentID, p.GatewayIntentID)
	return p
}

// completed runs a sandbox payment through confirm.
func (e *testEnv) completed(amount int64) (*models.Payment, *models.EscrowHold) {
	e.t.Helper()
	p := e.newIntent(amount)
	p, err := e.payments.Confirm(context.Background(), p.ID, "card_visa", "buyer-1")
	require.NoError(e.t, err)
	require.Equal(e.t, models.PaymentStatusCompleted, p.Status)
	h, err := e.escrow.HoldForPayment(context.Background(), p.ID)
	require.NoError(e.t, err)
	return p, h
}

// mockIntent creates a PENDING payment on the mock gateway.
func (e *testEnv) mockIntent(amount int64) *models.Payment {
	e.t.Helper()
	order := e.nextOrder()
	e.mockGW.On("CreateIntent", mock.Anything, mock.MatchedBy(func(r gateway.IntentRequest) bool { return r.OrderID == order })).
		Return(gateway.Intent{IntentID: "pi_" + order, ClientToken: "secret"}, nil).Once()

	p, _, err := e.payments.CreateIntent(context.Background(), CreateIntentInput{
		OrderID:    order,
		BuyerID:    "buyer-1",
		SupplierID: "supplier-1",
		Amount:     amount,
		Currency:   "INR",
		Gateway:    mockGatewayName,
	}, "buyer-1")
	require.NoError(e.t, err)
	return p
}

// mockCompleted runs a payment through the mock gateway so refund
// behavior can be scripted.
func (e *testEnv) mockCompleted(amount int64) (*models.Payment, *models.EscrowHold) {
	e.t.Helper()
	ctx := context.Background()
	p := e.mockIntent(amount)
	e.mockGW.On("ConfirmIntent", mock.Anything, mock.MatchedBy(func(r gateway.ConfirmRequest) bool { return r.IntentID == p.GatewayIntentID })).
		Return(gateway.Confirmation{TransactionID: "txn_" + p.OrderID, Status: models.PaymentStatusCompleted}, nil).Once()

	p, err := e.payments.Confirm(ctx, p.ID, "card", "buyer-1")
	require.NoError(e.t, err)
	h, err := e.escrow.HoldForPayment(ctx, p.ID)
	require.NoError(e.t, err)
	return p, h
}

func (e *testEnv) sandboxEvent(id, typ string, p *models.Payment, data gateway.SandboxEventData) ([]byte, string) {
	e.t.Helper()
	data.IntentID = p.GatewayIntentID
	payload, sig, err := e.sandbox.SignedEvent(gateway.SandboxEvent{ID: id, Type: typ, Created: e.clock().Unix(), Data: data})
	require.NoError(e.t, err)
	return payload, sig
}

func (e *testEnv) deliver(id, typ string, p *models.Payment, data gateway.SandboxEventData) (*WebhookResult, error) {
	payload, sig := e.sandboxEvent(id, typ, p, data)
	return e.reconciler.HandleWebhook(context.Background(), gateway.SandboxName, payload, sig, "10.0.0.1")
}

// deliverMock sends evt through the mock gateway's webhook path.
func (e *testEnv) deliverMock(evt models.WebhookEvent) (*WebhookResult, error) {
	payload := []byte(`{"id":"` + evt.EventID + `"}`)
	e.mockGW.On("VerifyWebhookSignature", payload, "sig").Return(true)
	e.mockGW.On("ParseWebhook", mock.Anything, payload).Return(evt, nil)
	return e.reconciler.HandleWebhook(context.Background(), mockGatewayName, payload, "sig", "10.0.0.2")
}

func (e *testEnv) refunds(escrowID string) []models.Refund {
	e.t.Helper()
	refunds, err := e.repo.ListRefunds(context.Background(), escrowID)
	require.NoError(e.t, err)
	return refunds
}

func (e *testEnv) audit(paymentID string) []models.AuditLogEntry {
	e.t.Helper()
	entries, err := e.repo.ListAudit(context.Background(), paymentID)
	require.NoError(e.t, err)
	return entries
}

func countActions(entries []models.AuditLogEntry, action string) int {
	n := 0
	for _, e := range entries {
		if e.Action == action {
			n++
		}
	}
	return n
}
