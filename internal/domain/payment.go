package domain

import (
	"math"
	"time"
)

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

type PaymentGateway string

const (
	GatewayRazorpay PaymentGateway = "razorpay"
	GatewayCOD      PaymentGateway = "cod"
)

type RefundStatus string

const (
	RefundProcessed RefundStatus = "processed"
	RefundPending   RefundStatus = "pending"
	RefundFailed    RefundStatus = "failed"
)

// AmountTolerance absorbs float rounding noise when comparing rupee amounts.
// Gateway amounts arrive in paise and are divided by 100 before comparison.
const AmountTolerance = 0.01

// AmountsMatch compares two rupee amounts within AmountTolerance.
func AmountsMatch(a, b float64) bool {
	return math.Abs(a-b) <= AmountTolerance
}

type Payment struct {
	ID               uint64         `json:"id" gorm:"primaryKey;autoIncrement"`
	OrderID          uint64         `json:"orderId" gorm:"not null;uniqueIndex"`
	Gateway          PaymentGateway `json:"gateway" gorm:"type:varchar(20);not null"`
	GatewayOrderID   string         `json:"gatewayOrderId" gorm:"type:varchar(100);index"`
	GatewayPaymentID string         `json:"gatewayPaymentId" gorm:"type:varchar(100);index"`
	Amount           float64        `json:"amount" gorm:"not null"`
	Currency         string         `json:"currency" gorm:"type:varchar(10);not null;default:'INR'"`
	Status           PaymentStatus  `json:"status" gorm:"type:varchar(20);not null;default:'pending';index"`
	Method           string         `json:"method" gorm:"type:varchar(30)"`
	Bank             string         `json:"bank" gorm:"type:varchar(50)"`
	Wallet           string         `json:"wallet" gorm:"type:varchar(50)"`
	VPA              string         `json:"vpa" gorm:"type:varchar(100)"`
	RefundAmount     float64        `json:"refundAmount"`
	RefundStatus     string         `json:"refundStatus" gorm:"type:varchar(20)"`
	FailureReason    string         `json:"failureReason" gorm:"type:varchar(255)"`
	Metadata         string         `json:"metadata" gorm:"type:longtext"`
	CreatedAt        time.Time      `json:"createdAt" gorm:"autoCreateTime;index"`
	UpdatedAt        time.Time      `json:"updatedAt" gorm:"autoUpdateTime"`
}

// Refund is one (possibly partial) refund against a payment. The sum of
// processed refund amounts never exceeds the payment amount.
type Refund struct {
	ID              uint64       `json:"id" gorm:"primaryKey;autoIncrement"`
	PaymentID       uint64       `json:"paymentId" gorm:"not null;index"`
	GatewayRefundID string       `json:"gatewayRefundId" gorm:"type:varchar(100);uniqueIndex"`
	Amount          float64      `json:"amount" gorm:"not null"`
	Currency        string       `json:"currency" gorm:"type:varchar(10);not null;default:'INR'"`
	Status          RefundStatus `json:"status" gorm:"type:varchar(20);not null"`
	Reason          string       `json:"reason" gorm:"type:varchar(255)"`
	Notes           string       `json:"notes" gorm:"type:text"`
	CreatedAt       time.Time    `json:"createdAt" gorm:"autoCreateTime"`
	UpdatedAt       time.Time    `json:"updatedAt" gorm:"autoUpdateTime"`
}
