package razorpay

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// Remote order statuses.
const (
	OrderCreated   = "created"
	OrderAttempted = "attempted"
	OrderPaid      = "paid"
)

// Remote payment statuses.
const (
	PaymentAuthorized = "authorized"
	PaymentCaptured   = "captured"
	PaymentFailed     = "failed"
)

// GatewayOrder is the remote order as Razorpay reports it. Amounts are paise.
type GatewayOrder struct {
	ID         string `json:"id"`
	Amount     int64  `json:"amount"`
	AmountPaid int64  `json:"amount_paid"`
	Currency   string `json:"currency"`
	Receipt    string `json:"receipt"`
	Status     string `json:"status"`
}

type GatewayPayment struct {
	ID               string         `json:"id"`
	OrderID          string         `json:"order_id"`
	Amount           int64          `json:"amount"`
	Currency         string         `json:"currency"`
	Status           string         `json:"status"`
	Method           string         `json:"method"`
	Bank             string         `json:"bank"`
	Wallet           string         `json:"wallet"`
	VPA              string         `json:"vpa"`
	Email            string         `json:"email"`
	Contact          string         `json:"contact"`
	ErrorDescription string         `json:"error_description"`
	Notes            map[string]any `json:"notes"`
}

// Note returns a string note by key, tolerating Razorpay's loose note typing.
func (p GatewayPayment) Note(key string) string {
	if p.Notes == nil {
		return ""
	}
	if v, ok := p.Notes[key].(string); ok {
		return v
	}
	return ""
}

// Settled reports whether the remote payment actually holds funds.
func (p GatewayPayment) Settled() bool {
	return p.Status == PaymentCaptured || p.Status == PaymentAuthorized
}

type GatewayRefund struct {
	ID        string `json:"id"`
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Status    string `json:"status"`
}

// Gateway is the Razorpay surface consumed by the reconciliation engine.
type Gateway interface {
	CreateOrder(ctx context.Context, receipt string, amount float64, currency string) (*GatewayOrder, error)
	FetchOrder(ctx context.Context, gatewayOrderID string) (*GatewayOrder, error)
	FetchOrderPayments(ctx context.Context, gatewayOrderID string) ([]GatewayPayment, error)
	Refund(ctx context.Context, gatewayPaymentID string, amount float64, notes map[string]string) (*GatewayRefund, error)
	VerifyPaymentSignature(gatewayOrderID, gatewayPaymentID, signature string) bool
	VerifyWebhookSignature(body []byte, signature string) bool
}

type ErrorKind int

const (
	ErrKindUnavailable ErrorKind = iota
	ErrKindAuth
	ErrKindNotFound
	ErrKindRateLimited
	ErrKindBadRequest
)

// APIError is a typed gateway failure. The engine and the retry job use the
// kind to choose between backoff and giving up.
type APIError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("razorpay: %s (status %d)", e.Message, e.StatusCode)
}

// IsRetryable reports whether the failure is transient (network trouble, rate
// limiting, 5xx). Auth and not-found failures are permanent.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind == ErrKindUnavailable || apiErr.Kind == ErrKindRateLimited
	}
	// Plain transport errors have no status to classify; treat as transient.
	return err != nil
}

// Rupees converts a paise amount to the ledger's major unit.
func Rupees(paise int64) float64 {
	return float64(paise) / 100
}

// Paise converts a rupee amount to the gateway's minor unit.
func Paise(rupees float64) int64 {
	return int64(math.Round(rupees * 100))
}
