package domain

import "time"

// WebhookEvent is the dedup and dead-letter record for inbound gateway
// webhooks. A row exists for every event id seen; unprocessed rows with a
// recorded error are redelivered by the retry worker.
type WebhookEvent struct {
	ID          uint64     `json:"id" gorm:"primaryKey;autoIncrement"`
	EventID     string     `json:"eventId" gorm:"type:varchar(191);not null;uniqueIndex"`
	EventType   string     `json:"eventType" gorm:"type:varchar(100);not null;index"`
	PaymentID   *uint64    `json:"paymentId,omitempty" gorm:"index"`
	OrderID     *uint64    `json:"orderId,omitempty"`
	Payload     string     `json:"payload" gorm:"type:longtext;not null"`
	Signature   string     `json:"-" gorm:"type:varchar(255);not null"`
	Processed   bool       `json:"processed" gorm:"not null;default:false;index"`
	ProcessedAt *time.Time `json:"processedAt,omitempty"`
	Error       string     `json:"error" gorm:"type:text"`
	RetryCount  int        `json:"retryCount" gorm:"not null;default:0"`
	LastRetryAt *time.Time `json:"lastRetryAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt" gorm:"autoCreateTime;index"`
}

// Audit actions. Every state-changing operation on a payment writes exactly
// one row tagged with one of these.
const (
	AuditPaymentCreated        = "payment.created"
	AuditPaymentCaptured       = "payment.captured"
	AuditPaymentFailed         = "payment.failed"
	AuditPaymentAmountMismatch = "payment.amount_mismatch"
	AuditCODConfirmed          = "payment.cod_confirmed"
	AuditCODPaid               = "payment.cod_paid"
	AuditRefundProcessed       = "refund.processed"
	AuditRefundFailed          = "refund.failed"
	AuditReconciliationError   = "reconciliation.error"
)

// Actors recorded in PerformedBy for system-initiated mutations.
const (
	ActorSystem         = "system"
	ActorWebhook        = "webhook"
	ActorVerification   = "verification"
	ActorReconciliation = "reconciliation"
)

// PaymentAuditLog is append-only; rows are never updated or deleted.
type PaymentAuditLog struct {
	ID          uint64        `json:"id" gorm:"primaryKey;autoIncrement"`
	PaymentID   uint64        `json:"paymentId" gorm:"not null;index"`
	Action      string        `json:"action" gorm:"type:varchar(50);not null;index"`
	PerformedBy string        `json:"performedBy" gorm:"type:varchar(100);not null"`
	OldStatus   PaymentStatus `json:"oldStatus" gorm:"type:varchar(20)"`
	NewStatus   PaymentStatus `json:"newStatus" gorm:"type:varchar(20)"`
	Metadata    string        `json:"metadata" gorm:"type:longtext"`
	CreatedAt   time.Time     `json:"createdAt" gorm:"autoCreateTime;index"`
}
