package gateway

import (
	"context"

	"github.com/mercadopago/sdk-go/pkg/payment"
	"github.com/mercadopago/sdk-go/pkg/refund"
	"github.com/stretchr/testify/mock"

	"github.com/tradelink/settlement/internal/models"
)

type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) Name() string { return "mock" }

func (m *MockGateway) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(Intent), args.Error(1)
}

func (m *MockGateway) ConfirmIntent(ctx context.Context, req ConfirmRequest) (Confirmation, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(Confirmation), args.Error(1)
}

func (m *MockGateway) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(RefundResult), args.Error(1)
}

func (m *MockGateway) VerifyWebhookSignature(payload []byte, header string) bool {
	return m.Called(payload, header).Bool(0)
}

func (m *MockGateway) ParseWebhook(ctx context.Context, payload []byte) (models.WebhookEvent, error) {
	args := m.Called(ctx, payload)
	return args.Get(0).(models.WebhookEvent), args.Error(1)
}

type MockMPPayments struct {
	mock.Mock
}

func (m *MockMPPayments) Create(ctx context.Context, req payment.Request) (*payment.Response, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payment.Response), args.Error(1)
}

func (m *MockMPPayments) Get(ctx context.Context, id int) (*payment.Response, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payment.Response), args.Error(1)
}

type MockMPRefunds struct {
	mock.Mock
}

func (m *MockMPRefunds) CreatePartialRefund(ctx context.Context, paymentID int, amount float64) (*refund.Response, error) {
	args := m.Called(ctx, paymentID, amount)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*refund.Response), args.Error(1)
}
