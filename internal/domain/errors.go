package domain

import (
	"errors"
	"fmt"
)

var (
	ErrOrderNotFound   = errors.New("order not found")
	ErrPaymentNotFound = errors.New("payment not found")
	ErrRefundNotFound  = errors.New("refund not found")
)

// ValidationError covers caller mistakes: bad input, illegal state transition,
// refunding an unpaid payment. Never retried.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// TransitionError is a ValidationError for an illegal order status change,
// naming both states.
func TransitionError(from, to OrderStatus) *ValidationError {
	return NewValidationError("invalid order transition from %s to %s", from, to)
}

// SignatureError marks a failed gateway signature check. Always fatal and
// security relevant; no ledger access happens after one.
type SignatureError struct {
	Context string
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("signature verification failed: %s", e.Context)
}

// AmountMismatchError is deliberately distinct from ValidationError: it means
// the gateway-reported amount disagrees with the ledger, which can indicate a
// tampered or forged webhook, and it is audited separately.
type AmountMismatchError struct {
	PaymentID uint64
	Expected  float64
	Reported  float64
}

func (e *AmountMismatchError) Error() string {
	return fmt.Sprintf("payment %d amount mismatch: expected %.2f, gateway reported %.2f",
		e.PaymentID, e.Expected, e.Reported)
}

// StateConflictError reports a capture attempt against an order that can no
// longer be confirmed (e.g. cancelled after payment was initiated).
type StateConflictError struct {
	OrderID uint64
	Status  OrderStatus
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("order %d in status %s cannot accept payment", e.OrderID, e.Status)
}

// IsFatal reports whether an error must not be retried by the webhook retry
// job. Everything else (gateway/network failures) is considered transient.
func IsFatal(err error) bool {
	var ve *ValidationError
	var se *SignatureError
	var ae *AmountMismatchError
	var ce *StateConflictError
	if errors.As(err, &ve) || errors.As(err, &se) || errors.As(err, &ae) || errors.As(err, &ce) {
		return true
	}
	return errors.Is(err, ErrOrderNotFound) || errors.Is(err, ErrPaymentNotFound) || errors.Is(err, ErrRefundNotFound)
}
