// Package memory holds an in-memory Ledger used by unit tests in place of the
// MySQL implementation. InTx serializes on a single mutex, so the
// check-inside-transaction discipline of the services is exercised for real
// under concurrent callers.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"jewellery-backend/internal/domain"
	"jewellery-backend/internal/repository"
)

type state struct {
	mu       sync.Mutex
	nextID   uint64
	orders   map[uint64]*domain.Order
	payments map[uint64]*domain.Payment
	refunds  map[uint64]*domain.Refund
	webhooks map[uint64]*domain.WebhookEvent
	audits   []domain.PaymentAuditLog
}

type Ledger struct {
	st   *state
	inTx bool
}

var _ repository.Ledger = (*Ledger)(nil)

func NewLedger() *Ledger {
	return &Ledger{st: &state{
		orders:   make(map[uint64]*domain.Order),
		payments: make(map[uint64]*domain.Payment),
		refunds:  make(map[uint64]*domain.Refund),
		webhooks: make(map[uint64]*domain.WebhookEvent),
	}}
}

// lock acquires the store mutex unless already held by a surrounding InTx.
func (l *Ledger) lock() func() {
	if l.inTx {
		return func() {}
	}
	l.st.mu.Lock()
	return l.st.mu.Unlock
}

// InTx holds the store mutex for the whole callback. Mutations made before an
// error are not rolled back; services are expected to run their guards before
// writing, which is exactly what the tests assert.
func (l *Ledger) InTx(ctx context.Context, fn func(tx repository.Ledger) error) error {
	if l.inTx {
		return fn(l)
	}
	l.st.mu.Lock()
	defer l.st.mu.Unlock()
	return fn(&Ledger{st: l.st, inTx: true})
}

func (l *Ledger) nextID() uint64 {
	l.st.nextID++
	return l.st.nextID
}

func (l *Ledger) CreateOrder(ctx context.Context, order *domain.Order) error {
	defer l.lock()()
	if order.ID == 0 {
		order.ID = l.nextID()
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now()
	}
	for i := range order.Items {
		if order.Items[i].ID == 0 {
			order.Items[i].ID = l.nextID()
		}
		order.Items[i].OrderID = order.ID
	}
	cp := *order
	cp.Items = append([]domain.OrderItem(nil), order.Items...)
	l.st.orders[order.ID] = &cp
	return nil
}

func (l *Ledger) FindOrderByID(ctx context.Context, id uint64) (*domain.Order, error) {
	defer l.lock()()
	o, ok := l.st.orders[id]
	if !ok {
		return nil, nil
	}
	cp := *o
	cp.Items = append([]domain.OrderItem(nil), o.Items...)
	return &cp, nil
}

func (l *Ledger) UpdateOrderStatus(ctx context.Context, id uint64, status domain.OrderStatus) error {
	defer l.lock()()
	if o, ok := l.st.orders[id]; ok {
		o.Status = status
		o.UpdatedAt = time.Now()
	}
	return nil
}

func (l *Ledger) UpdateOrderPayment(ctx context.Context, id uint64, paymentStatus domain.PaymentStatus, gatewayPaymentID string) error {
	defer l.lock()()
	if o, ok := l.st.orders[id]; ok {
		o.PaymentStatus = paymentStatus
		if gatewayPaymentID != "" {
			gpid := gatewayPaymentID
			o.GatewayPaymentID = &gpid
		}
		o.UpdatedAt = time.Now()
	}
	return nil
}

func (l *Ledger) CreatePayment(ctx context.Context, payment *domain.Payment) error {
	defer l.lock()()
	if payment.ID == 0 {
		payment.ID = l.nextID()
	}
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = time.Now()
	}
	cp := *payment
	l.st.payments[payment.ID] = &cp
	return nil
}

func (l *Ledger) FindPaymentByID(ctx context.Context, id uint64) (*domain.Payment, error) {
	defer l.lock()()
	return clonePayment(l.st.payments[id]), nil
}

func (l *Ledger) FindPaymentByIDForUpdate(ctx context.Context, id uint64) (*domain.Payment, error) {
	return l.FindPaymentByID(ctx, id)
}

func (l *Ledger) FindPaymentByOrderID(ctx context.Context, orderID uint64) (*domain.Payment, error) {
	defer l.lock()()
	return l.findPayment(func(p *domain.Payment) bool { return p.OrderID == orderID }), nil
}

func (l *Ledger) FindPaymentByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*domain.Payment, error) {
	defer l.lock()()
	return l.findPayment(func(p *domain.Payment) bool {
		return gatewayOrderID != "" && p.GatewayOrderID == gatewayOrderID
	}), nil
}

func (l *Ledger) FindPaymentByGatewayPaymentID(ctx context.Context, gatewayPaymentID string) (*domain.Payment, error) {
	defer l.lock()()
	return l.findPayment(func(p *domain.Payment) bool {
		return gatewayPaymentID != "" && p.GatewayPaymentID == gatewayPaymentID
	}), nil
}

func (l *Ledger) findPayment(match func(*domain.Payment) bool) *domain.Payment {
	for _, p := range l.st.payments {
		if match(p) {
			return clonePayment(p)
		}
	}
	return nil
}

func (l *Ledger) UpdatePayment(ctx context.Context, payment *domain.Payment) error {
	defer l.lock()()
	cp := *payment
	cp.UpdatedAt = time.Now()
	l.st.payments[payment.ID] = &cp
	return nil
}

func (l *Ledger) FindPendingGatewayPayments(ctx context.Context, createdAfter time.Time, limit int) ([]domain.Payment, error) {
	defer l.lock()()
	var out []domain.Payment
	for _, p := range l.st.payments {
		if p.Status == domain.PaymentPending && p.Gateway == domain.GatewayRazorpay &&
			p.GatewayOrderID != "" && p.CreatedAt.After(createdAfter) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *Ledger) CreateRefund(ctx context.Context, refund *domain.Refund) error {
	defer l.lock()()
	if refund.ID == 0 {
		refund.ID = l.nextID()
	}
	if refund.CreatedAt.IsZero() {
		refund.CreatedAt = time.Now()
	}
	cp := *refund
	l.st.refunds[refund.ID] = &cp
	return nil
}

func (l *Ledger) FindRefundByGatewayRefundID(ctx context.Context, gatewayRefundID string) (*domain.Refund, error) {
	defer l.lock()()
	for _, r := range l.st.refunds {
		if r.GatewayRefundID == gatewayRefundID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (l *Ledger) UpdateRefundStatus(ctx context.Context, id uint64, status domain.RefundStatus) error {
	defer l.lock()()
	if r, ok := l.st.refunds[id]; ok {
		r.Status = status
		r.UpdatedAt = time.Now()
	}
	return nil
}

func (l *Ledger) SumProcessedRefunds(ctx context.Context, paymentID uint64) (float64, error) {
	defer l.lock()()
	var total float64
	for _, r := range l.st.refunds {
		if r.PaymentID == paymentID && r.Status == domain.RefundProcessed {
			total += r.Amount
		}
	}
	return total, nil
}

func (l *Ledger) CreateWebhookEvent(ctx context.Context, event *domain.WebhookEvent) error {
	defer l.lock()()
	if event.ID == 0 {
		event.ID = l.nextID()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	cp := *event
	l.st.webhooks[event.ID] = &cp
	return nil
}

func (l *Ledger) FindWebhookEventByEventID(ctx context.Context, eventID string) (*domain.WebhookEvent, error) {
	defer l.lock()()
	for _, ev := range l.st.webhooks {
		if ev.EventID == eventID {
			cp := *ev
			return &cp, nil
		}
	}
	return nil, nil
}

func (l *Ledger) MarkWebhookProcessed(ctx context.Context, id uint64, procErr string) error {
	defer l.lock()()
	if ev, ok := l.st.webhooks[id]; ok {
		now := time.Now()
		ev.Processed = true
		ev.ProcessedAt = &now
		ev.Error = procErr
	}
	return nil
}

func (l *Ledger) RecordWebhookRetry(ctx context.Context, id uint64, procErr string) error {
	defer l.lock()()
	if ev, ok := l.st.webhooks[id]; ok {
		now := time.Now()
		ev.RetryCount++
		ev.LastRetryAt = &now
		ev.Error = procErr
	}
	return nil
}

func (l *Ledger) FindRetryableWebhookEvents(ctx context.Context, maxRetries, limit int) ([]domain.WebhookEvent, error) {
	defer l.lock()()
	var out []domain.WebhookEvent
	for _, ev := range l.st.webhooks {
		if !ev.Processed && ev.Error != "" && ev.RetryCount < maxRetries {
			out = append(out, *ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *Ledger) AppendAuditLog(ctx context.Context, entry *domain.PaymentAuditLog) error {
	defer l.lock()()
	entry.ID = l.nextID()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	l.st.audits = append(l.st.audits, *entry)
	return nil
}

// AuditEntries returns a snapshot of the audit trail, optionally filtered by
// action. Test helper.
func (l *Ledger) AuditEntries(action string) []domain.PaymentAuditLog {
	defer l.lock()()
	var out []domain.PaymentAuditLog
	for _, e := range l.st.audits {
		if action == "" || e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

func clonePayment(p *domain.Payment) *domain.Payment {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}
