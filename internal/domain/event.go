package domain

import "time"

// NotificationEvent is the payload published for the notification service
// whenever an order or payment changes state.
type NotificationEvent struct {
	Type      string    `json:"type"`
	OrderID   uint64    `json:"orderId"`
	PaymentID uint64    `json:"paymentId,omitempty"`
	Amount    float64   `json:"amount,omitempty"`
	Status    string    `json:"status,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
