package services

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/tradelink/settlement/internal/gateway"
	"github.com/tradelink/settlement/internal/models"
	"github.com/tradelink/settlement/internal/notify"
)

const mockGatewayName = "mockpay"

type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) Name() string { return mockGatewayName }

func (m *MockGateway) CreateIntent(ctx context.Context, req gateway.IntentRequest) (gateway.Intent, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(gateway.Intent), args.Error(1)
}

func (m *MockGateway) ConfirmIntent(ctx context.Context, req gateway.ConfirmRequest) (gateway.Confirmation, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(gateway.Confirmation), args.Error(1)
}

func (m *MockGateway) Refund(ctx context.Context, req gateway.RefundRequest) (gateway.RefundResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(gateway.RefundResult), args.Error(1)
}

func (m *MockGateway) VerifyWebhookSignature(payload []byte, header string) bool {
	return m.Called(payload, header).Bool(0)
}

func (m *MockGateway) ParseWebhook(ctx context.Context, payload []byte) (models.WebhookEvent, error) {
	args := m.Called(ctx, payload)
	return args.Get(0).(models.WebhookEvent), args.Error(1)
}

type recordingSink struct {
	mu     sync.Mutex
	events []notify.Event
}

func (s *recordingSink) Publish(_ context.Context, evt notify.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return nil
}

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

type fakeSeenCache struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newFakeSeenCache() *fakeSeenCache {
	return &fakeSeenCache{seen: make(map[string]bool)}
}

func (c *fakeSeenCache) Seen(_ context.Context, gw, id string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seen[gw+"/"+id], nil
}

func (c *fakeSeenCache) MarkSeen(_ context.Context, gw, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[gw+"/"+id] = true
	return nil
}
