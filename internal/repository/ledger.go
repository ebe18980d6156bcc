package repository

import (
	"context"
	"time"

	"jewellery-backend/internal/domain"
)

// Ledger is the durable system of record for orders, payments, refunds,
// webhook events and the payment audit trail.
//
// Finders return (nil, nil) when the row does not exist; callers translate
// that into domain not-found errors.
//
// InTx runs fn against a Ledger bound to one database transaction. Every
// multi-row mutation (payment + order + audit) goes through it, and status
// transitions re-read the payment inside the transaction before writing.
type Ledger interface {
	InTx(ctx context.Context, fn func(tx Ledger) error) error

	CreateOrder(ctx context.Context, order *domain.Order) error
	FindOrderByID(ctx context.Context, id uint64) (*domain.Order, error)
	UpdateOrderStatus(ctx context.Context, id uint64, status domain.OrderStatus) error
	UpdateOrderPayment(ctx context.Context, id uint64, paymentStatus domain.PaymentStatus, gatewayPaymentID string) error

	CreatePayment(ctx context.Context, payment *domain.Payment) error
	FindPaymentByID(ctx context.Context, id uint64) (*domain.Payment, error)
	// FindPaymentByIDForUpdate locks the row for the duration of the
	// surrounding transaction. Only meaningful inside InTx.
	FindPaymentByIDForUpdate(ctx context.Context, id uint64) (*domain.Payment, error)
	FindPaymentByOrderID(ctx context.Context, orderID uint64) (*domain.Payment, error)
	FindPaymentByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*domain.Payment, error)
	FindPaymentByGatewayPaymentID(ctx context.Context, gatewayPaymentID string) (*domain.Payment, error)
	UpdatePayment(ctx context.Context, payment *domain.Payment) error
	// FindPendingGatewayPayments returns online payments still pending that
	// already have a gateway order id and were created after the cutoff.
	FindPendingGatewayPayments(ctx context.Context, createdAfter time.Time, limit int) ([]domain.Payment, error)

	CreateRefund(ctx context.Context, refund *domain.Refund) error
	FindRefundByGatewayRefundID(ctx context.Context, gatewayRefundID string) (*domain.Refund, error)
	UpdateRefundStatus(ctx context.Context, id uint64, status domain.RefundStatus) error
	SumProcessedRefunds(ctx context.Context, paymentID uint64) (float64, error)

	CreateWebhookEvent(ctx context.Context, event *domain.WebhookEvent) error
	FindWebhookEventByEventID(ctx context.Context, eventID string) (*domain.WebhookEvent, error)
	MarkWebhookProcessed(ctx context.Context, id uint64, procErr string) error
	// RecordWebhookRetry increments the retry counter and stamps the attempt.
	RecordWebhookRetry(ctx context.Context, id uint64, procErr string) error
	FindRetryableWebhookEvents(ctx context.Context, maxRetries, limit int) ([]domain.WebhookEvent, error)

	AppendAuditLog(ctx context.Context, entry *domain.PaymentAuditLog) error
}
