package mysql

import (
	"context"
	"errors"
	"time"

	"jewellery-backend/internal/domain"
	"jewellery-backend/internal/repository"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ledger struct {
	db *gorm.DB
}

func NewLedger(db *gorm.DB) repository.Ledger {
	return &ledger{db: db}
}

func (l *ledger) InTx(ctx context.Context, fn func(tx repository.Ledger) error) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&ledger{db: tx})
	})
}

func (l *ledger) CreateOrder(ctx context.Context, order *domain.Order) error {
	return l.db.WithContext(ctx).Create(order).Error
}

func (l *ledger) FindOrderByID(ctx context.Context, id uint64) (*domain.Order, error) {
	var o domain.Order
	err := l.db.WithContext(ctx).Preload("Items").First(&o, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (l *ledger) UpdateOrderStatus(ctx context.Context, id uint64, status domain.OrderStatus) error {
	return l.db.WithContext(ctx).Model(&domain.Order{}).Where("id = ?", id).
		Update("status", status).Error
}

func (l *ledger) UpdateOrderPayment(ctx context.Context, id uint64, paymentStatus domain.PaymentStatus, gatewayPaymentID string) error {
	updates := map[string]any{"payment_status": paymentStatus}
	if gatewayPaymentID != "" {
		updates["gateway_payment_id"] = gatewayPaymentID
	}
	return l.db.WithContext(ctx).Model(&domain.Order{}).Where("id = ?", id).
		Updates(updates).Error
}

func (l *ledger) CreatePayment(ctx context.Context, payment *domain.Payment) error {
	return l.db.WithContext(ctx).Create(payment).Error
}

func (l *ledger) FindPaymentByID(ctx context.Context, id uint64) (*domain.Payment, error) {
	return l.findPayment(ctx, l.db, "id = ?", id)
}

func (l *ledger) FindPaymentByIDForUpdate(ctx context.Context, id uint64) (*domain.Payment, error) {
	locked := l.db.Clauses(clause.Locking{Strength: "UPDATE"})
	return l.findPayment(ctx, locked, "id = ?", id)
}

func (l *ledger) FindPaymentByOrderID(ctx context.Context, orderID uint64) (*domain.Payment, error) {
	return l.findPayment(ctx, l.db, "order_id = ?", orderID)
}

func (l *ledger) FindPaymentByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*domain.Payment, error) {
	return l.findPayment(ctx, l.db, "gateway_order_id = ?", gatewayOrderID)
}

func (l *ledger) FindPaymentByGatewayPaymentID(ctx context.Context, gatewayPaymentID string) (*domain.Payment, error) {
	return l.findPayment(ctx, l.db, "gateway_payment_id = ?", gatewayPaymentID)
}

func (l *ledger) findPayment(ctx context.Context, db *gorm.DB, query string, arg any) (*domain.Payment, error) {
	var p domain.Payment
	err := db.WithContext(ctx).Where(query, arg).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (l *ledger) UpdatePayment(ctx context.Context, payment *domain.Payment) error {
	return l.db.WithContext(ctx).Save(payment).Error
}

func (l *ledger) FindPendingGatewayPayments(ctx context.Context, createdAfter time.Time, limit int) ([]domain.Payment, error) {
	var out []domain.Payment
	err := l.db.WithContext(ctx).
		Where("status = ? AND gateway = ? AND gateway_order_id <> '' AND created_at > ?",
			domain.PaymentPending, domain.GatewayRazorpay, createdAfter).
		Order("created_at ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (l *ledger) CreateRefund(ctx context.Context, refund *domain.Refund) error {
	return l.db.WithContext(ctx).Create(refund).Error
}

func (l *ledger) FindRefundByGatewayRefundID(ctx context.Context, gatewayRefundID string) (*domain.Refund, error) {
	var r domain.Refund
	err := l.db.WithContext(ctx).Where("gateway_refund_id = ?", gatewayRefundID).First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (l *ledger) UpdateRefundStatus(ctx context.Context, id uint64, status domain.RefundStatus) error {
	return l.db.WithContext(ctx).Model(&domain.Refund{}).Where("id = ?", id).
		Update("status", status).Error
}

func (l *ledger) SumProcessedRefunds(ctx context.Context, paymentID uint64) (float64, error) {
	var total float64
	err := l.db.WithContext(ctx).Model(&domain.Refund{}).
		Where("payment_id = ? AND status = ?", paymentID, domain.RefundProcessed).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&total).Error
	return total, err
}

func (l *ledger) CreateWebhookEvent(ctx context.Context, event *domain.WebhookEvent) error {
	return l.db.WithContext(ctx).Create(event).Error
}

func (l *ledger) FindWebhookEventByEventID(ctx context.Context, eventID string) (*domain.WebhookEvent, error) {
	var ev domain.WebhookEvent
	err := l.db.WithContext(ctx).Where("event_id = ?", eventID).First(&ev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (l *ledger) MarkWebhookProcessed(ctx context.Context, id uint64, procErr string) error {
	now := time.Now()
	return l.db.WithContext(ctx).Model(&domain.WebhookEvent{}).Where("id = ?", id).
		Updates(map[string]any{
			"processed":    true,
			"processed_at": &now,
			"error":        procErr,
		}).Error
}

func (l *ledger) RecordWebhookRetry(ctx context.Context, id uint64, procErr string) error {
	now := time.Now()
	return l.db.WithContext(ctx).Model(&domain.WebhookEvent{}).Where("id = ?", id).
		Updates(map[string]any{
			"retry_count":   gorm.Expr("retry_count + 1"),
			"last_retry_at": &now,
			"error":         procErr,
		}).Error
}

func (l *ledger) FindRetryableWebhookEvents(ctx context.Context, maxRetries, limit int) ([]domain.WebhookEvent, error) {
	var out []domain.WebhookEvent
	err := l.db.WithContext(ctx).
		Where("processed = ? AND error <> '' AND retry_count < ?", false, maxRetries).
		Order("created_at ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (l *ledger) AppendAuditLog(ctx context.Context, entry *domain.PaymentAuditLog) error {
	return l.db.WithContext(ctx).Create(entry).Error
}
