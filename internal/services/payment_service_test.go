package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"jewellery-backend/internal/domain"
	"jewellery-backend/internal/infra/razorpay"
	"jewellery-backend/internal/mocks"
	"jewellery-backend/internal/repository/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newPaymentFixture(t *testing.T) (*PaymentService, *memory.Ledger, *mocks.MockGateway) {
	t.Helper()
	ledger := memory.NewLedger()
	gw := new(mocks.MockGateway)
	svc := NewPaymentService(ledger, gw, nil, zap.NewNop())
	return svc, ledger, gw
}

func seedOrderWithPayment(t *testing.T, ledger *memory.Ledger, total float64, orderStatus domain.OrderStatus) (*domain.Order, *domain.Payment) {
	t.Helper()
	ctx := context.Background()
	order := &domain.Order{
		UserID:        1,
		AddressID:     1,
		Status:        orderStatus,
		PaymentStatus: domain.PaymentPending,
		PaymentMethod: "razorpay",
		Subtotal:      total,
		Total:         total,
	}
	require.NoError(t, ledger.CreateOrder(ctx, order))

	payment := &domain.Payment{
		OrderID:        order.ID,
		Gateway:        domain.GatewayRazorpay,
		GatewayOrderID: fmt.Sprintf("order_rzp%d", order.ID),
		Amount:         total,
		Currency:       "INR",
		Status:         domain.PaymentPending,
	}
	require.NoError(t, ledger.CreatePayment(ctx, payment))
	return order, payment
}

func capturedBody(t *testing.T, gatewayPaymentID, gatewayOrderID string, paise int64) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"event": "payment.captured",
		"payload": map[string]any{
			"payment": map[string]any{
				"entity": map[string]any{
					"id":       gatewayPaymentID,
					"order_id": gatewayOrderID,
					"amount":   paise,
					"currency": "INR",
					"status":   "captured",
					"method":   "upi",
					"vpa":      "buyer@upi",
				},
			},
		},
	})
	require.NoError(t, err)
	return body
}

func TestHandleWebhookCapturesPayment(t *testing.T) {
	svc, ledger, gw := newPaymentFixture(t)
	ctx := context.Background()
	order, payment := seedOrderWithPayment(t, ledger, 1000, domain.OrderPending)

	gw.On("VerifyWebhookSignature", mock.Anything, "sig").Return(true)

	body := capturedBody(t, "pay_A1", payment.GatewayOrderID, 100000)
	require.NoError(t, svc.HandleWebhook(ctx, body, "sig", "evt_1"))

	got, err := ledger.FindPaymentByID(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPaid, got.Status)
	assert.Equal(t, "pay_A1", got.GatewayPaymentID)
	assert.Equal(t, "upi", got.Method)
	assert.Equal(t, "buyer@upi", got.VPA)

	ord, err := ledger.FindOrderByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderConfirmed, ord.Status)
	assert.Equal(t, domain.PaymentPaid, ord.PaymentStatus)

	assert.Len(t, ledger.AuditEntries(domain.AuditPaymentCaptured), 1)

	ev, err := ledger.FindWebhookEventByEventID(ctx, "evt_1")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.True(t, ev.Processed)
	assert.Empty(t, ev.Error)
}

func TestHandleWebhookDuplicateEventID(t *testing.T) {
	svc, ledger, gw := newPaymentFixture(t)
	ctx := context.Background()
	_, payment := seedOrderWithPayment(t, ledger, 1000, domain.OrderPending)

	gw.On("VerifyWebhookSignature", mock.Anything, "sig").Return(true)

	body := capturedBody(t, "pay_A1", payment.GatewayOrderID, 100000)
	require.NoError(t, svc.HandleWebhook(ctx, body, "sig", "evt_dup"))
	require.NoError(t, svc.HandleWebhook(ctx, body, "sig", "evt_dup"))

	assert.Len(t, ledger.AuditEntries(domain.AuditPaymentCaptured), 1)
}

func TestHandleWebhookRejectsBadSignature(t *testing.T) {
	svc, ledger, gw := newPaymentFixture(t)
	ctx := context.Background()
	_, payment := seedOrderWithPayment(t, ledger, 1000, domain.OrderPending)

	gw.On("VerifyWebhookSignature", mock.Anything, "bad").Return(false)

	body := capturedBody(t, "pay_A1", payment.GatewayOrderID, 100000)
	err := svc.HandleWebhook(ctx, body, "bad", "evt_sig")

	var sigErr *domain.SignatureError
	require.ErrorAs(t, err, &sigErr)

	// Nothing touched the ledger: no event row, no state change.
	ev, err := ledger.FindWebhookEventByEventID(ctx, "evt_sig")
	require.NoError(t, err)
	assert.Nil(t, ev)

	got, err := ledger.FindPaymentByID(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPending, got.Status)
}

func TestHandleWebhookAmountMismatch(t *testing.T) {
	svc, ledger, gw := newPaymentFixture(t)
	ctx := context.Background()
	order, payment := seedOrderWithPayment(t, ledger, 1000, domain.OrderPending)

	gw.On("VerifyWebhookSignature", mock.Anything, "sig").Return(true)

	// Gateway reports 999.00 against an expected 1000.00.
	body := capturedBody(t, "pay_A1", payment.GatewayOrderID, 99900)
	err := svc.HandleWebhook(ctx, body, "sig", "evt_mismatch")

	var amtErr *domain.AmountMismatchError
	require.ErrorAs(t, err, &amtErr)
	assert.Equal(t, 1000.0, amtErr.Expected)
	assert.Equal(t, 999.0, amtErr.Reported)

	got, err := ledger.FindPaymentByID(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPending, got.Status)

	ord, err := ledger.FindOrderByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPending, ord.Status)

	assert.Len(t, ledger.AuditEntries(domain.AuditPaymentAmountMismatch), 1)
	assert.Empty(t, ledger.AuditEntries(domain.AuditPaymentCaptured))

	// Fatal: marked processed so the retry job never picks it up.
	ev, err := ledger.FindWebhookEventByEventID(ctx, "evt_mismatch")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.True(t, ev.Processed)
	assert.NotEmpty(t, ev.Error)
}

func TestHandleWebhookToleratesRoundingNoise(t *testing.T) {
	svc, ledger, gw := newPaymentFixture(t)
	ctx := context.Background()
	_, payment := seedOrderWithPayment(t, ledger, 999.995, domain.OrderPending)

	gw.On("VerifyWebhookSignature", mock.Anything, "sig").Return(true)

	// 100000 paise = 1000.00, within the 0.01 tolerance of 999.995.
	body := capturedBody(t, "pay_A1", payment.GatewayOrderID, 100000)
	require.NoError(t, svc.HandleWebhook(ctx, body, "sig", "evt_round"))

	got, err := ledger.FindPaymentByID(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPaid, got.Status)
}

func TestHandleWebhookCancelledOrderConflict(t *testing.T) {
	svc, ledger, gw := newPaymentFixture(t)
	ctx := context.Background()
	_, payment := seedOrderWithPayment(t, ledger, 1000, domain.OrderCancelled)

	gw.On("VerifyWebhookSignature", mock.Anything, "sig").Return(true)

	body := capturedBody(t, "pay_A1", payment.GatewayOrderID, 100000)
	err := svc.HandleWebhook(ctx, body, "sig", "evt_cancelled")

	var conflict *domain.StateConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, domain.OrderCancelled, conflict.Status)

	got, err := ledger.FindPaymentByID(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPending, got.Status)
	assert.Empty(t, ledger.AuditEntries(domain.AuditPaymentCaptured))
}

func TestHandleWebhookConcurrentCaptures(t *testing.T) {
	svc, ledger, gw := newPaymentFixture(t)
	ctx := context.Background()
	_, payment := seedOrderWithPayment(t, ledger, 1000, domain.OrderPending)

	gw.On("VerifyWebhookSignature", mock.Anything, "sig").Return(true)

	body := capturedBody(t, "pay_A1", payment.GatewayOrderID, 100000)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			// Distinct event ids defeat dedup, so both deliveries race into
			// the capture path and the in-transaction status check decides.
			err := svc.HandleWebhook(ctx, body, "sig", fmt.Sprintf("evt_race_%d", n))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := ledger.FindPaymentByID(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPaid, got.Status)
	assert.Len(t, ledger.AuditEntries(domain.AuditPaymentCaptured), 1)
}

func TestHandleWebhookPaymentFailed(t *testing.T) {
	svc, ledger, gw := newPaymentFixture(t)
	ctx := context.Background()
	order, payment := seedOrderWithPayment(t, ledger, 1000, domain.OrderPending)

	gw.On("VerifyWebhookSignature", mock.Anything, "sig").Return(true)

	body, err := json.Marshal(map[string]any{
		"event": "payment.failed",
		"payload": map[string]any{
			"payment": map[string]any{
				"entity": map[string]any{
					"id":                "pay_F1",
					"order_id":          payment.GatewayOrderID,
					"amount":            100000,
					"status":            "failed",
					"error_description": "card declined",
				},
			},
		},
	})
	require.NoError(t, err)
	require.NoError(t, svc.HandleWebhook(ctx, body, "sig", "evt_fail"))

	got, err := ledger.FindPaymentByID(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentFailed, got.Status)
	assert.Equal(t, "card declined", got.FailureReason)

	ord, err := ledger.FindOrderByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentFailed, ord.PaymentStatus)
	assert.Len(t, ledger.AuditEntries(domain.AuditPaymentFailed), 1)
}

func TestHandleWebhookStaleFailureAfterCapture(t *testing.T) {
	svc, ledger, gw := newPaymentFixture(t)
	ctx := context.Background()
	_, payment := seedOrderWithPayment(t, ledger, 1000, domain.OrderPending)

	gw.On("VerifyWebhookSignature", mock.Anything, "sig").Return(true)

	captured := capturedBody(t, "pay_A1", payment.GatewayOrderID, 100000)
	require.NoError(t, svc.HandleWebhook(ctx, captured, "sig", "evt_cap"))

	failed, err := json.Marshal(map[string]any{
		"event": "payment.failed",
		"payload": map[string]any{
			"payment": map[string]any{
				"entity": map[string]any{
					"id":       "pay_A1",
					"order_id": payment.GatewayOrderID,
					"status":   "failed",
				},
			},
		},
	})
	require.NoError(t, err)

	err = svc.HandleWebhook(ctx, failed, "sig", "evt_stale_fail")
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)

	got, err := ledger.FindPaymentByID(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPaid, got.Status)
}

func TestHandleWebhookUnknownEventType(t *testing.T) {
	svc, ledger, gw := newPaymentFixture(t)
	ctx := context.Background()

	gw.On("VerifyWebhookSignature", mock.Anything, "sig").Return(true)

	body := []byte(`{"event":"settlement.processed","payload":{}}`)
	require.NoError(t, svc.HandleWebhook(ctx, body, "sig", "evt_other"))

	ev, err := ledger.FindWebhookEventByEventID(ctx, "evt_other")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.True(t, ev.Processed)
	assert.Empty(t, ev.Error)
}

func TestHandleWebhookUnknownPaymentIsFatal(t *testing.T) {
	svc, ledger, gw := newPaymentFixture(t)
	ctx := context.Background()

	gw.On("VerifyWebhookSignature", mock.Anything, "sig").Return(true)

	body := capturedBody(t, "pay_ghost", "order_ghost", 100000)
	err := svc.HandleWebhook(ctx, body, "sig", "evt_ghost")
	require.ErrorIs(t, err, domain.ErrPaymentNotFound)

	ev, ferr := ledger.FindWebhookEventByEventID(ctx, "evt_ghost")
	require.NoError(t, ferr)
	require.NotNil(t, ev)
	assert.True(t, ev.Processed)
	assert.NotEmpty(t, ev.Error)
}

func TestHandleWebhookLocatesPaymentByNotes(t *testing.T) {
	svc, ledger, gw := newPaymentFixture(t)
	ctx := context.Background()
	_, payment := seedOrderWithPayment(t, ledger, 500, domain.OrderPending)

	gw.On("VerifyWebhookSignature", mock.Anything, "sig").Return(true)

	// Neither gateway id matches a local row; the storefront note does.
	body, err := json.Marshal(map[string]any{
		"event": "payment.captured",
		"payload": map[string]any{
			"payment": map[string]any{
				"entity": map[string]any{
					"id":       "pay_N1",
					"order_id": "order_elsewhere",
					"amount":   50000,
					"status":   "captured",
					"notes":    map[string]any{"order_id": fmt.Sprintf("%d", payment.OrderID)},
				},
			},
		},
	})
	require.NoError(t, err)
	require.NoError(t, svc.HandleWebhook(ctx, body, "sig", "evt_notes"))

	got, err := ledger.FindPaymentByID(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPaid, got.Status)
}

func TestCreatePaymentIdempotent(t *testing.T) {
	svc, ledger, gw := newPaymentFixture(t)
	ctx := context.Background()

	order := &domain.Order{
		UserID:        1,
		AddressID:     1,
		Status:        domain.OrderPending,
		PaymentStatus: domain.PaymentPending,
		PaymentMethod: "razorpay",
		Total:         1500,
	}
	require.NoError(t, ledger.CreateOrder(ctx, order))

	gw.On("CreateOrder", mock.Anything, mock.Anything, 1500.0, "INR").
		Return(&razorpay.GatewayOrder{ID: "order_rzpX", Amount: 150000, Currency: "INR", Status: razorpay.OrderCreated}, nil).Once()
	gw.On("FetchOrder", mock.Anything, "order_rzpX").
		Return(&razorpay.GatewayOrder{ID: "order_rzpX", Status: razorpay.OrderCreated}, nil)

	first, err := svc.CreatePayment(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, "order_rzpX", first.GatewayOrderID)

	second, err := svc.CreatePayment(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	gw.AssertNumberOfCalls(t, "CreateOrder", 1)
	assert.Len(t, ledger.AuditEntries(domain.AuditPaymentCreated), 1)
}

func TestCreatePaymentOrderNotFound(t *testing.T) {
	svc, _, _ := newPaymentFixture(t)
	_, err := svc.CreatePayment(context.Background(), 42)
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestVerifyPaymentCaptures(t *testing.T) {
	svc, ledger, gw := newPaymentFixture(t)
	ctx := context.Background()
	_, payment := seedOrderWithPayment(t, ledger, 1000, domain.OrderPending)

	gw.On("VerifyPaymentSignature", payment.GatewayOrderID, "pay_V1", "goodsig").Return(true)
	gw.On("FetchOrderPayments", mock.Anything, payment.GatewayOrderID).Return([]razorpay.GatewayPayment{
		{ID: "pay_V1", OrderID: payment.GatewayOrderID, Amount: 100000, Status: razorpay.PaymentCaptured, Method: "card"},
	}, nil)

	got, err := svc.VerifyPayment(ctx, payment.ID, "pay_V1", "goodsig")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPaid, got.Status)
	assert.Equal(t, "pay_V1", got.GatewayPaymentID)

	entries := ledger.AuditEntries(domain.AuditPaymentCaptured)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.ActorVerification, entries[0].PerformedBy)
}

func TestVerifyPaymentBadSignature(t *testing.T) {
	svc, ledger, gw := newPaymentFixture(t)
	ctx := context.Background()
	_, payment := seedOrderWithPayment(t, ledger, 1000, domain.OrderPending)

	gw.On("VerifyPaymentSignature", payment.GatewayOrderID, "pay_V1", "forged").Return(false)

	_, err := svc.VerifyPayment(ctx, payment.ID, "pay_V1", "forged")
	var sigErr *domain.SignatureError
	require.ErrorAs(t, err, &sigErr)

	got, err := ledger.FindPaymentByID(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPending, got.Status)
}

func TestVerifyPaymentUnsettledRemote(t *testing.T) {
	svc, ledger, gw := newPaymentFixture(t)
	ctx := context.Background()
	_, payment := seedOrderWithPayment(t, ledger, 1000, domain.OrderPending)

	gw.On("VerifyPaymentSignature", payment.GatewayOrderID, "pay_V1", "sig").Return(true)
	gw.On("FetchOrderPayments", mock.Anything, payment.GatewayOrderID).Return([]razorpay.GatewayPayment{
		{ID: "pay_V1", OrderID: payment.GatewayOrderID, Amount: 100000, Status: razorpay.PaymentFailed},
	}, nil)

	_, err := svc.VerifyPayment(ctx, payment.ID, "pay_V1", "sig")
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestHandleOrderPaidReplaysCapture(t *testing.T) {
	svc, ledger, gw := newPaymentFixture(t)
	ctx := context.Background()
	_, payment := seedOrderWithPayment(t, ledger, 1000, domain.OrderPending)

	gw.On("VerifyWebhookSignature", mock.Anything, "sig").Return(true)
	gw.On("FetchOrderPayments", mock.Anything, payment.GatewayOrderID).Return([]razorpay.GatewayPayment{
		{ID: "pay_O1", OrderID: payment.GatewayOrderID, Amount: 100000, Status: razorpay.PaymentCaptured},
	}, nil)

	body, err := json.Marshal(map[string]any{
		"event": "order.paid",
		"payload": map[string]any{
			"order": map[string]any{
				"entity": map[string]any{
					"id":     payment.GatewayOrderID,
					"amount": 100000,
					"status": "paid",
				},
			},
		},
	})
	require.NoError(t, err)
	require.NoError(t, svc.HandleWebhook(ctx, body, "sig", "evt_orderpaid"))

	got, err := ledger.FindPaymentByID(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPaid, got.Status)
}

func refundBody(t *testing.T, refundID, gatewayPaymentID string, paise int64) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"event": "refund.processed",
		"payload": map[string]any{
			"refund": map[string]any{
				"entity": map[string]any{
					"id":         refundID,
					"payment_id": gatewayPaymentID,
					"amount":     paise,
					"currency":   "INR",
					"status":     "processed",
				},
			},
		},
	})
	require.NoError(t, err)
	return body
}

func capturePayment(t *testing.T, svc *PaymentService, gw *mocks.MockGateway, payment *domain.Payment, gatewayPaymentID string) {
	t.Helper()
	gw.On("VerifyWebhookSignature", mock.Anything, "sig").Return(true)
	body := capturedBody(t, gatewayPaymentID, payment.GatewayOrderID, razorpay.Paise(payment.Amount))
	require.NoError(t, svc.HandleWebhook(context.Background(), body, "sig", "evt_seed_"+gatewayPaymentID))
}

func TestRefundWebhookAccumulation(t *testing.T) {
	svc, ledger, gw := newPaymentFixture(t)
	ctx := context.Background()
	order, payment := seedOrderWithPayment(t, ledger, 500, domain.OrderPending)
	capturePayment(t, svc, gw, payment, "pay_R1")

	// 300 of 500: partial.
	require.NoError(t, svc.HandleWebhook(ctx, refundBody(t, "rfnd_1", "pay_R1", 30000), "sig", "evt_r1"))

	got, err := ledger.FindPaymentByID(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPaid, got.Status)
	assert.Equal(t, 300.0, got.RefundAmount)
	assert.Equal(t, "partial", got.RefundStatus)

	// Remaining 200: cumulative total crosses the full amount.
	require.NoError(t, svc.HandleWebhook(ctx, refundBody(t, "rfnd_2", "pay_R1", 20000), "sig", "evt_r2"))

	got, err = ledger.FindPaymentByID(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentRefunded, got.Status)
	assert.Equal(t, 500.0, got.RefundAmount)
	assert.Equal(t, "full", got.RefundStatus)

	ord, err := ledger.FindOrderByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentRefunded, ord.PaymentStatus)
}

func TestRefundWebhookDuplicateGatewayRefund(t *testing.T) {
	svc, ledger, gw := newPaymentFixture(t)
	ctx := context.Background()
	_, payment := seedOrderWithPayment(t, ledger, 500, domain.OrderPending)
	capturePayment(t, svc, gw, payment, "pay_R1")

	// The same gateway refund delivered twice counts once.
	require.NoError(t, svc.HandleWebhook(ctx, refundBody(t, "rfnd_1", "pay_R1", 30000), "sig", "evt_r1"))
	require.NoError(t, svc.HandleWebhook(ctx, refundBody(t, "rfnd_1", "pay_R1", 30000), "sig", "evt_r1_redelivery"))

	got, err := ledger.FindPaymentByID(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, 300.0, got.RefundAmount)
	assert.Equal(t, domain.PaymentPaid, got.Status)
}

func TestProcessRefundPartialThenFull(t *testing.T) {
	svc, ledger, gw := newPaymentFixture(t)
	ctx := context.Background()
	_, payment := seedOrderWithPayment(t, ledger, 500, domain.OrderPending)
	capturePayment(t, svc, gw, payment, "pay_R1")

	gw.On("Refund", mock.Anything, "pay_R1", 300.0, mock.Anything).
		Return(&razorpay.GatewayRefund{ID: "rfnd_a", PaymentID: "pay_R1", Amount: 30000, Currency: "INR", Status: "processed"}, nil).Once()
	gw.On("Refund", mock.Anything, "pay_R1", 200.0, mock.Anything).
		Return(&razorpay.GatewayRefund{ID: "rfnd_b", PaymentID: "pay_R1", Amount: 20000, Currency: "INR", Status: "processed"}, nil).Once()

	amt := 300.0
	refund, err := svc.ProcessRefund(ctx, payment.ID, &amt, "damaged item", "admin_7")
	require.NoError(t, err)
	assert.Equal(t, domain.RefundProcessed, refund.Status)

	got, err := ledger.FindPaymentByID(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPaid, got.Status)
	assert.Equal(t, 300.0, got.RefundAmount)

	// Nil amount refunds the remainder.
	refund, err = svc.ProcessRefund(ctx, payment.ID, nil, "order cancelled", "admin_7")
	require.NoError(t, err)
	assert.Equal(t, 200.0, refund.Amount)

	got, err = ledger.FindPaymentByID(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentRefunded, got.Status)

	entries := ledger.AuditEntries(domain.AuditRefundProcessed)
	require.Len(t, entries, 2)
	assert.Equal(t, "admin_7", entries[0].PerformedBy)
}

func TestProcessRefundGuards(t *testing.T) {
	svc, ledger, gw := newPaymentFixture(t)
	ctx := context.Background()
	_, payment := seedOrderWithPayment(t, ledger, 500, domain.OrderPending)

	// Unpaid payments cannot be refunded.
	amt := 100.0
	_, err := svc.ProcessRefund(ctx, payment.ID, &amt, "", "admin_1")
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)

	capturePayment(t, svc, gw, payment, "pay_R1")

	over := 600.0
	_, err = svc.ProcessRefund(ctx, payment.ID, &over, "", "admin_1")
	require.ErrorAs(t, err, &ve)

	neg := -5.0
	_, err = svc.ProcessRefund(ctx, payment.ID, &neg, "", "admin_1")
	require.ErrorAs(t, err, &ve)

	gw.AssertNotCalled(t, "Refund", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessCODLifecycle(t *testing.T) {
	svc, ledger, _ := newPaymentFixture(t)
	ctx := context.Background()

	order := &domain.Order{
		UserID:        1,
		AddressID:     1,
		Status:        domain.OrderPending,
		PaymentStatus: domain.PaymentPending,
		PaymentMethod: "cod",
		Total:         750,
	}
	require.NoError(t, ledger.CreateOrder(ctx, order))

	payment, err := svc.ProcessCOD(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.GatewayCOD, payment.Gateway)
	assert.Equal(t, domain.PaymentPending, payment.Status)

	ord, err := ledger.FindOrderByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderConfirmed, ord.Status)

	// Re-confirming returns the same payment.
	again, err := svc.ProcessCOD(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.ID, again.ID)

	require.NoError(t, svc.MarkCODPaid(ctx, order.ID))
	got, err := ledger.FindPaymentByID(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPaid, got.Status)

	ord, err = ledger.FindOrderByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPaid, ord.PaymentStatus)

	// Collecting twice is a no-op with a single audit row.
	require.NoError(t, svc.MarkCODPaid(ctx, order.ID))
	assert.Len(t, ledger.AuditEntries(domain.AuditCODPaid), 1)
}

func TestProcessCODRejectsMixedGateway(t *testing.T) {
	svc, ledger, _ := newPaymentFixture(t)
	ctx := context.Background()
	order, _ := seedOrderWithPayment(t, ledger, 500, domain.OrderPending)

	_, err := svc.ProcessCOD(ctx, order.ID)
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestMarkCODPaidRejectsOnlinePayment(t *testing.T) {
	svc, ledger, _ := newPaymentFixture(t)
	ctx := context.Background()
	order, _ := seedOrderWithPayment(t, ledger, 500, domain.OrderPending)

	err := svc.MarkCODPaid(ctx, order.ID)
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestReconcilePaymentHealsPendingPayment(t *testing.T) {
	svc, ledger, gw := newPaymentFixture(t)
	ctx := context.Background()
	_, payment := seedOrderWithPayment(t, ledger, 1000, domain.OrderPending)

	gw.On("FetchOrder", mock.Anything, payment.GatewayOrderID).
		Return(&razorpay.GatewayOrder{ID: payment.GatewayOrderID, Amount: 100000, Status: razorpay.OrderPaid}, nil)
	gw.On("FetchOrderPayments", mock.Anything, payment.GatewayOrderID).Return([]razorpay.GatewayPayment{
		{ID: "pay_miss", OrderID: payment.GatewayOrderID, Amount: 100000, Status: razorpay.PaymentCaptured},
	}, nil)

	require.NoError(t, svc.ReconcilePayment(ctx, *payment))

	got, err := ledger.FindPaymentByID(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPaid, got.Status)

	entries := ledger.AuditEntries(domain.AuditPaymentCaptured)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.ActorReconciliation, entries[0].PerformedBy)
}

func TestReconcilePaymentRemoteStillUnpaid(t *testing.T) {
	svc, ledger, gw := newPaymentFixture(t)
	ctx := context.Background()
	_, payment := seedOrderWithPayment(t, ledger, 1000, domain.OrderPending)

	gw.On("FetchOrder", mock.Anything, payment.GatewayOrderID).
		Return(&razorpay.GatewayOrder{ID: payment.GatewayOrderID, Status: razorpay.OrderAttempted}, nil)

	require.NoError(t, svc.ReconcilePayment(ctx, *payment))

	got, err := ledger.FindPaymentByID(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPending, got.Status)
	gw.AssertNotCalled(t, "FetchOrderPayments", mock.Anything, mock.Anything)
}

func TestHandleWebhookTransientFailureRecordsRetry(t *testing.T) {
	svc, ledger, gw := newPaymentFixture(t)
	ctx := context.Background()
	_, payment := seedOrderWithPayment(t, ledger, 1000, domain.OrderPending)

	gw.On("VerifyWebhookSignature", mock.Anything, "sig").Return(true)
	gw.On("FetchOrderPayments", mock.Anything, payment.GatewayOrderID).
		Return(nil, &razorpay.APIError{Kind: razorpay.ErrKindUnavailable, StatusCode: 503, Message: "gateway down"})

	body, err := json.Marshal(map[string]any{
		"event": "order.paid",
		"payload": map[string]any{
			"order": map[string]any{
				"entity": map[string]any{"id": payment.GatewayOrderID, "status": "paid"},
			},
		},
	})
	require.NoError(t, err)

	err = svc.HandleWebhook(ctx, body, "sig", "evt_transient")
	require.Error(t, err)
	assert.False(t, domain.IsFatal(err))

	// Row stays unprocessed with the error recorded; the retry job owns it.
	ev, ferr := ledger.FindWebhookEventByEventID(ctx, "evt_transient")
	require.NoError(t, ferr)
	require.NotNil(t, ev)
	assert.False(t, ev.Processed)
	assert.NotEmpty(t, ev.Error)
	assert.Equal(t, 1, ev.RetryCount)

	events, err := ledger.FindRetryableWebhookEvents(ctx, 5, 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestHandleWebhookMalformedPayload(t *testing.T) {
	svc, _, gw := newPaymentFixture(t)
	gw.On("VerifyWebhookSignature", mock.Anything, "sig").Return(true)

	err := svc.HandleWebhook(context.Background(), []byte("{not json"), "sig", "evt_bad")
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestClassifyEvent(t *testing.T) {
	tests := []struct {
		eventType string
		want      eventKind
	}{
		{"payment.captured", eventPaymentSettled},
		{"payment.authorized", eventPaymentSettled},
		{"payment.failed", eventPaymentFailed},
		{"refund.processed", eventRefundProcessed},
		{"refund.created", eventRefundProcessed},
		{"refund.failed", eventRefundFailed},
		{"order.paid", eventOrderPaid},
		{"invoice.paid", eventUnknown},
		{"", eventUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyEvent(tt.eventType))
		})
	}
}

func TestRefundStatusFromGateway(t *testing.T) {
	assert.Equal(t, domain.RefundProcessed, refundStatusFromGateway("processed"))
	assert.Equal(t, domain.RefundFailed, refundStatusFromGateway("failed"))
	assert.Equal(t, domain.RefundPending, refundStatusFromGateway("pending"))
	assert.Equal(t, domain.RefundPending, refundStatusFromGateway("created"))
}

func TestIsFatalClassification(t *testing.T) {
	assert.True(t, domain.IsFatal(domain.NewValidationError("bad input")))
	assert.True(t, domain.IsFatal(&domain.SignatureError{Context: "webhook"}))
	assert.True(t, domain.IsFatal(&domain.AmountMismatchError{PaymentID: 1}))
	assert.True(t, domain.IsFatal(&domain.StateConflictError{OrderID: 1, Status: domain.OrderCancelled}))
	assert.True(t, domain.IsFatal(fmt.Errorf("wrapped: %w", domain.ErrPaymentNotFound)))
	assert.False(t, domain.IsFatal(errors.New("connection reset")))
	assert.False(t, domain.IsFatal(&razorpay.APIError{Kind: razorpay.ErrKindUnavailable}))
}
