package mocks

import (
	"context"

	"jewellery-backend/internal/infra/razorpay"

	"github.com/stretchr/testify/mock"
)

type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) CreateOrder(ctx context.Context, receipt string, amount float64, currency string) (*razorpay.GatewayOrder, error) {
	args := m.Called(ctx, receipt, amount, currency)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*razorpay.GatewayOrder), args.Error(1)
}

func (m *MockGateway) FetchOrder(ctx context.Context, gatewayOrderID string) (*razorpay.GatewayOrder, error) {
	args := m.Called(ctx, gatewayOrderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*razorpay.GatewayOrder), args.Error(1)
}

func (m *MockGateway) FetchOrderPayments(ctx context.Context, gatewayOrderID string) ([]razorpay.GatewayPayment, error) {
	args := m.Called(ctx, gatewayOrderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]razorpay.GatewayPayment), args.Error(1)
}

func (m *MockGateway) Refund(ctx context.Context, gatewayPaymentID string, amount float64, notes map[string]string) (*razorpay.GatewayRefund, error) {
	args := m.Called(ctx, gatewayPaymentID, amount, notes)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*razorpay.GatewayRefund), args.Error(1)
}

func (m *MockGateway) VerifyPaymentSignature(gatewayOrderID, gatewayPaymentID, signature string) bool {
	args := m.Called(gatewayOrderID, gatewayPaymentID, signature)
	return args.Bool(0)
}

func (m *MockGateway) VerifyWebhookSignature(body []byte, signature string) bool {
	args := m.Called(body, signature)
	return args.Bool(0)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, routingKey string, data any) error {
	args := m.Called(ctx, routingKey, data)
	return args.Error(0)
}
