package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"jewellery-backend/internal/domain"
	"jewellery-backend/internal/infra/rabbitmq"
	"jewellery-backend/internal/infra/razorpay"
	"jewellery-backend/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PaymentService reconciles the payment ledger against the gateway. Webhooks,
// the manual verification endpoint and the background sweep all funnel into
// applyCapture, the only code path that moves a payment to paid. Every
// status-changing write re-checks the payment status inside the transaction,
// so concurrent deliveries of the same fact collapse into one mutation.
type PaymentService struct {
	ledger    repository.Ledger
	gateway   razorpay.Gateway
	publisher rabbitmq.PublisherInterface
	logger    *zap.Logger
}

func NewPaymentService(ledger repository.Ledger, gateway razorpay.Gateway, publisher rabbitmq.PublisherInterface, logger *zap.Logger) *PaymentService {
	return &PaymentService{
		ledger:    ledger,
		gateway:   gateway,
		publisher: publisher,
		logger:    logger,
	}
}

// webhookEnvelope is the Razorpay webhook wire format.
type webhookEnvelope struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity razorpay.GatewayPayment `json:"entity"`
		} `json:"payment"`
		Refund struct {
			Entity razorpay.GatewayRefund `json:"entity"`
		} `json:"refund"`
		Order struct {
			Entity razorpay.GatewayOrder `json:"entity"`
		} `json:"order"`
	} `json:"payload"`
}

type eventKind int

const (
	eventUnknown eventKind = iota
	eventPaymentSettled
	eventPaymentFailed
	eventRefundProcessed
	eventRefundFailed
	eventOrderPaid
)

func classifyEvent(eventType string) eventKind {
	switch eventType {
	case "payment.captured", "payment.authorized":
		return eventPaymentSettled
	case "payment.failed":
		return eventPaymentFailed
	case "refund.processed", "refund.created":
		return eventRefundProcessed
	case "refund.failed":
		return eventRefundFailed
	case "order.paid":
		return eventOrderPaid
	default:
		return eventUnknown
	}
}

// CreatePayment starts the online checkout for an order. Calling it twice for
// the same order returns the existing payment instead of creating a second
// gateway order.
func (s *PaymentService) CreatePayment(ctx context.Context, orderID uint64) (*domain.Payment, error) {
	order, err := s.ledger.FindOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, domain.ErrOrderNotFound
	}

	existing, err := s.ledger.FindPaymentByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.GatewayOrderID != "" {
			if _, err := s.gateway.FetchOrder(ctx, existing.GatewayOrderID); err != nil {
				return nil, err
			}
			return existing, nil
		}
		// Local row exists but the remote order was never created (earlier
		// gateway failure); finish the job.
		return s.attachGatewayOrder(ctx, existing)
	}

	payment := &domain.Payment{
		OrderID:  orderID,
		Gateway:  domain.GatewayRazorpay,
		Amount:   order.Total,
		Currency: "INR",
		Status:   domain.PaymentPending,
	}
	if err := s.ledger.CreatePayment(ctx, payment); err != nil {
		return nil, err
	}
	s.audit(ctx, s.ledger, payment.ID, domain.AuditPaymentCreated, domain.ActorSystem,
		domain.PaymentPending, domain.PaymentPending, map[string]any{"order_id": orderID, "amount": payment.Amount})

	return s.attachGatewayOrder(ctx, payment)
}

func (s *PaymentService) attachGatewayOrder(ctx context.Context, payment *domain.Payment) (*domain.Payment, error) {
	receipt := fmt.Sprintf("rcpt_%d_%s", payment.OrderID, uuid.NewString()[:8])
	remote, err := s.gateway.CreateOrder(ctx, receipt, payment.Amount, payment.Currency)
	if err != nil {
		return nil, err
	}
	payment.GatewayOrderID = remote.ID
	if err := s.ledger.UpdatePayment(ctx, payment); err != nil {
		return nil, err
	}
	return payment, nil
}

// HandleWebhook is the live-delivery entry point. Signature verification
// happens over the raw bytes before anything touches the ledger; duplicate
// event ids are no-ops before any side effect.
func (s *PaymentService) HandleWebhook(ctx context.Context, body []byte, signature, eventID string) error {
	if !s.gateway.VerifyWebhookSignature(body, signature) {
		s.logger.Warn("webhook signature rejected", zap.String("event_id", eventID))
		return &domain.SignatureError{Context: "webhook delivery"}
	}

	if eventID != "" {
		seen, err := s.ledger.FindWebhookEventByEventID(ctx, eventID)
		if err != nil {
			return err
		}
		if seen != nil {
			s.logger.Info("duplicate webhook skipped", zap.String("event_id", eventID))
			return nil
		}
	}

	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return domain.NewValidationError("malformed webhook payload: %v", err)
	}

	event := &domain.WebhookEvent{
		EventID:   eventID,
		EventType: env.Event,
		Payload:   string(body),
		Signature: signature,
	}
	if event.EventID == "" {
		// No gateway id means no dedup is possible; keep the row anyway for
		// the audit trail and the retry job.
		event.EventID = "local_" + uuid.NewString()
	}
	if err := s.ledger.CreateWebhookEvent(ctx, event); err != nil {
		return err
	}

	if err := s.dispatch(ctx, &env); err != nil {
		s.logger.Error("webhook processing failed",
			zap.String("event_id", event.EventID),
			zap.String("event_type", env.Event),
			zap.Error(err),
		)
		if domain.IsFatal(err) {
			// Validation and lookup failures will not improve with retries.
			if markErr := s.ledger.MarkWebhookProcessed(ctx, event.ID, err.Error()); markErr != nil {
				return markErr
			}
		} else if recErr := s.ledger.RecordWebhookRetry(ctx, event.ID, err.Error()); recErr != nil {
			return recErr
		}
		return err
	}

	return s.ledger.MarkWebhookProcessed(ctx, event.ID, "")
}

// RedeliverWebhook re-runs processing for a stored event. Used by the retry
// worker; dedup is skipped because the row already exists.
func (s *PaymentService) RedeliverWebhook(ctx context.Context, event *domain.WebhookEvent) error {
	var env webhookEnvelope
	if err := json.Unmarshal([]byte(event.Payload), &env); err != nil {
		return domain.NewValidationError("malformed stored webhook payload: %v", err)
	}
	return s.dispatch(ctx, &env)
}

func (s *PaymentService) dispatch(ctx context.Context, env *webhookEnvelope) error {
	switch classifyEvent(env.Event) {
	case eventPaymentSettled:
		return s.handlePaymentSettled(ctx, env.Payload.Payment.Entity)
	case eventPaymentFailed:
		return s.handlePaymentFailed(ctx, env.Payload.Payment.Entity)
	case eventRefundProcessed:
		return s.handleRefundEvent(ctx, env.Payload.Refund.Entity, domain.RefundProcessed)
	case eventRefundFailed:
		return s.handleRefundEvent(ctx, env.Payload.Refund.Entity, domain.RefundFailed)
	case eventOrderPaid:
		return s.handleOrderPaid(ctx, env.Payload.Order.Entity)
	default:
		s.logger.Info("ignoring unhandled webhook event type", zap.String("event_type", env.Event))
		return nil
	}
}

// locatePayment resolves a gateway payment entity to the local ledger row:
// by gateway payment id, then gateway order id, then the order id the
// storefront stashes in the gateway notes.
func (s *PaymentService) locatePayment(ctx context.Context, gp razorpay.GatewayPayment) (*domain.Payment, error) {
	if gp.ID != "" {
		p, err := s.ledger.FindPaymentByGatewayPaymentID(ctx, gp.ID)
		if err != nil || p != nil {
			return p, err
		}
	}
	if gp.OrderID != "" {
		p, err := s.ledger.FindPaymentByGatewayOrderID(ctx, gp.OrderID)
		if err != nil || p != nil {
			return p, err
		}
	}
	if note := gp.Note("order_id"); note != "" {
		var orderID uint64
		if _, err := fmt.Sscanf(note, "%d", &orderID); err == nil {
			return s.ledger.FindPaymentByOrderID(ctx, orderID)
		}
	}
	return nil, nil
}

func (s *PaymentService) handlePaymentSettled(ctx context.Context, gp razorpay.GatewayPayment) error {
	payment, err := s.locatePayment(ctx, gp)
	if err != nil {
		return err
	}
	if payment == nil {
		return fmt.Errorf("gateway payment %s: %w", gp.ID, domain.ErrPaymentNotFound)
	}
	if payment.Status == domain.PaymentPaid {
		s.logger.Info("payment already paid, skipping duplicate capture",
			zap.Uint64("payment_id", payment.ID))
		return nil
	}
	return s.applyCapture(ctx, payment, gp, domain.ActorWebhook)
}

// applyCapture is the single path that moves a payment to paid. Amount and
// order-state gates run before the transaction; the payment status gate is
// re-checked inside it so racing deliveries settle to exactly one mutation.
func (s *PaymentService) applyCapture(ctx context.Context, payment *domain.Payment, gp razorpay.GatewayPayment, actor string) error {
	reported := razorpay.Rupees(gp.Amount)
	if !domain.AmountsMatch(payment.Amount, reported) {
		s.audit(ctx, s.ledger, payment.ID, domain.AuditPaymentAmountMismatch, actor,
			payment.Status, payment.Status, map[string]any{
				"expected":           payment.Amount,
				"reported":           reported,
				"gateway_payment_id": gp.ID,
			})
		s.logger.Warn("payment amount mismatch, capture rejected",
			zap.Uint64("payment_id", payment.ID),
			zap.Float64("expected", payment.Amount),
			zap.Float64("reported", reported),
		)
		return &domain.AmountMismatchError{PaymentID: payment.ID, Expected: payment.Amount, Reported: reported}
	}

	order, err := s.ledger.FindOrderByID(ctx, payment.OrderID)
	if err != nil {
		return err
	}
	if order == nil {
		return fmt.Errorf("payment %d: %w", payment.ID, domain.ErrOrderNotFound)
	}
	if order.Status != domain.OrderPending && order.Status != domain.OrderConfirmed {
		return &domain.StateConflictError{OrderID: order.ID, Status: order.Status}
	}

	var captured bool
	err = s.ledger.InTx(ctx, func(tx repository.Ledger) error {
		cur, err := tx.FindPaymentByIDForUpdate(ctx, payment.ID)
		if err != nil {
			return err
		}
		if cur == nil {
			return domain.ErrPaymentNotFound
		}
		if cur.Status == domain.PaymentPaid {
			// Another delivery won the race; nothing to do.
			return nil
		}
		if cur.Status != domain.PaymentPending {
			return domain.NewValidationError("payment %d is %s, cannot capture", cur.ID, cur.Status)
		}

		ord, err := tx.FindOrderByID(ctx, cur.OrderID)
		if err != nil {
			return err
		}
		if ord.Status != domain.OrderPending && ord.Status != domain.OrderConfirmed {
			return &domain.StateConflictError{OrderID: ord.ID, Status: ord.Status}
		}

		old := cur.Status
		cur.Status = domain.PaymentPaid
		cur.GatewayPaymentID = gp.ID
		if cur.GatewayOrderID == "" {
			cur.GatewayOrderID = gp.OrderID
		}
		cur.Method = gp.Method
		cur.Bank = gp.Bank
		cur.Wallet = gp.Wallet
		cur.VPA = gp.VPA
		if raw, err := json.Marshal(gp); err == nil {
			cur.Metadata = string(raw)
		}
		if err := tx.UpdatePayment(ctx, cur); err != nil {
			return err
		}

		if ord.Status == domain.OrderPending {
			if err := tx.UpdateOrderStatus(ctx, ord.ID, domain.OrderConfirmed); err != nil {
				return err
			}
		}
		if err := tx.UpdateOrderPayment(ctx, ord.ID, domain.PaymentPaid, gp.ID); err != nil {
			return err
		}

		s.audit(ctx, tx, cur.ID, domain.AuditPaymentCaptured, actor, old, domain.PaymentPaid, map[string]any{
			"gateway_payment_id": gp.ID,
			"gateway_order_id":   cur.GatewayOrderID,
			"amount":             reported,
			"method":             gp.Method,
		})
		captured = true
		return nil
	})
	if err != nil {
		return err
	}

	if captured {
		s.logger.Info("payment captured",
			zap.Uint64("payment_id", payment.ID),
			zap.Uint64("order_id", payment.OrderID),
			zap.String("actor", actor),
		)
		s.notify("payment.captured", domain.NotificationEvent{
			Type:      "payment.captured",
			OrderID:   payment.OrderID,
			PaymentID: payment.ID,
			Amount:    payment.Amount,
			Status:    string(domain.PaymentPaid),
			Timestamp: time.Now().UTC(),
		})
	}
	return nil
}

func (s *PaymentService) handlePaymentFailed(ctx context.Context, gp razorpay.GatewayPayment) error {
	payment, err := s.locatePayment(ctx, gp)
	if err != nil {
		return err
	}
	if payment == nil {
		return fmt.Errorf("gateway payment %s: %w", gp.ID, domain.ErrPaymentNotFound)
	}
	if payment.Status == domain.PaymentFailed {
		return nil
	}

	var failed bool
	err = s.ledger.InTx(ctx, func(tx repository.Ledger) error {
		cur, err := tx.FindPaymentByIDForUpdate(ctx, payment.ID)
		if err != nil {
			return err
		}
		if cur == nil {
			return domain.ErrPaymentNotFound
		}
		if cur.Status == domain.PaymentFailed {
			return nil
		}
		if cur.Status != domain.PaymentPending {
			// A stale failure event must not clobber a settled payment.
			return domain.NewValidationError("payment %d is %s, ignoring stale failure event", cur.ID, cur.Status)
		}

		old := cur.Status
		cur.Status = domain.PaymentFailed
		cur.FailureReason = gp.ErrorDescription
		if cur.GatewayPaymentID == "" {
			cur.GatewayPaymentID = gp.ID
		}
		if err := tx.UpdatePayment(ctx, cur); err != nil {
			return err
		}
		if err := tx.UpdateOrderPayment(ctx, cur.OrderID, domain.PaymentFailed, ""); err != nil {
			return err
		}
		s.audit(ctx, tx, cur.ID, domain.AuditPaymentFailed, domain.ActorWebhook, old, domain.PaymentFailed, map[string]any{
			"gateway_payment_id": gp.ID,
			"reason":             gp.ErrorDescription,
		})
		failed = true
		return nil
	})
	if err != nil {
		return err
	}

	if failed {
		s.notify("payment.failed", domain.NotificationEvent{
			Type:      "payment.failed",
			OrderID:   payment.OrderID,
			PaymentID: payment.ID,
			Status:    string(domain.PaymentFailed),
			Timestamp: time.Now().UTC(),
		})
	}
	return nil
}

func (s *PaymentService) handleRefundEvent(ctx context.Context, gr razorpay.GatewayRefund, status domain.RefundStatus) error {
	payment, err := s.ledger.FindPaymentByGatewayPaymentID(ctx, gr.PaymentID)
	if err != nil {
		return err
	}
	if payment == nil {
		return fmt.Errorf("gateway payment %s: %w", gr.PaymentID, domain.ErrPaymentNotFound)
	}

	return s.ledger.InTx(ctx, func(tx repository.Ledger) error {
		cur, err := tx.FindPaymentByIDForUpdate(ctx, payment.ID)
		if err != nil {
			return err
		}
		if cur == nil {
			return domain.ErrPaymentNotFound
		}

		existing, err := tx.FindRefundByGatewayRefundID(ctx, gr.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.Status == status {
				return nil
			}
			if err := tx.UpdateRefundStatus(ctx, existing.ID, status); err != nil {
				return err
			}
		} else {
			refund := &domain.Refund{
				PaymentID:       cur.ID,
				GatewayRefundID: gr.ID,
				Amount:          razorpay.Rupees(gr.Amount),
				Currency:        gr.Currency,
				Status:          status,
			}
			if err := tx.CreateRefund(ctx, refund); err != nil {
				return err
			}
		}

		if status != domain.RefundProcessed {
			s.audit(ctx, tx, cur.ID, domain.AuditRefundFailed, domain.ActorWebhook, cur.Status, cur.Status, map[string]any{
				"gateway_refund_id": gr.ID,
				"amount":            razorpay.Rupees(gr.Amount),
			})
			return nil
		}
		return s.settleRefunds(ctx, tx, cur, domain.ActorWebhook, gr.ID)
	})
}

// settleRefunds recomputes the cumulative refunded amount and flips the
// payment (and order) to refunded once it covers the full payment amount.
// Runs inside the caller's transaction with the payment row locked.
func (s *PaymentService) settleRefunds(ctx context.Context, tx repository.Ledger, payment *domain.Payment, actor, gatewayRefundID string) error {
	total, err := tx.SumProcessedRefunds(ctx, payment.ID)
	if err != nil {
		return err
	}

	old := payment.Status
	payment.RefundAmount = total
	if total >= payment.Amount-domain.AmountTolerance {
		payment.Status = domain.PaymentRefunded
		payment.RefundStatus = "full"
	} else if total > 0 {
		payment.RefundStatus = "partial"
	}
	if err := tx.UpdatePayment(ctx, payment); err != nil {
		return err
	}
	if payment.Status == domain.PaymentRefunded {
		if err := tx.UpdateOrderPayment(ctx, payment.OrderID, domain.PaymentRefunded, ""); err != nil {
			return err
		}
	}

	s.audit(ctx, tx, payment.ID, domain.AuditRefundProcessed, actor, old, payment.Status, map[string]any{
		"gateway_refund_id": gatewayRefundID,
		"refunded_total":    total,
		"payment_amount":    payment.Amount,
	})
	return nil
}

func (s *PaymentService) handleOrderPaid(ctx context.Context, gw razorpay.GatewayOrder) error {
	payment, err := s.ledger.FindPaymentByGatewayOrderID(ctx, gw.ID)
	if err != nil {
		return err
	}
	if payment == nil {
		return fmt.Errorf("gateway order %s: %w", gw.ID, domain.ErrPaymentNotFound)
	}
	if payment.Status == domain.PaymentPaid {
		return nil
	}

	// The aggregate event carries no payment entity; ask the gateway which
	// payment actually settled and replay the capture path.
	payments, err := s.gateway.FetchOrderPayments(ctx, gw.ID)
	if err != nil {
		return err
	}
	for _, gp := range payments {
		if gp.Settled() {
			return s.applyCapture(ctx, payment, gp, domain.ActorWebhook)
		}
	}
	return fmt.Errorf("gateway order %s reported paid but no settled payment found", gw.ID)
}

// VerifyPayment is the synchronous checkout-return path, used when the client
// lands back on the site before the webhook arrives. The signature binds the
// payment id to this payment's own gateway order id, so a signature for a
// different order cannot be replayed here.
func (s *PaymentService) VerifyPayment(ctx context.Context, paymentID uint64, gatewayPaymentID, signature string) (*domain.Payment, error) {
	payment, err := s.ledger.FindPaymentByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, domain.ErrPaymentNotFound
	}
	if payment.GatewayOrderID == "" {
		return nil, domain.NewValidationError("payment %d has no gateway order to verify against", paymentID)
	}

	if !s.gateway.VerifyPaymentSignature(payment.GatewayOrderID, gatewayPaymentID, signature) {
		s.logger.Warn("payment verification signature rejected",
			zap.Uint64("payment_id", paymentID),
			zap.String("gateway_payment_id", gatewayPaymentID),
		)
		return nil, &domain.SignatureError{Context: "payment verification"}
	}

	if payment.Status == domain.PaymentPaid {
		return payment, nil
	}

	payments, err := s.gateway.FetchOrderPayments(ctx, payment.GatewayOrderID)
	if err != nil {
		return nil, err
	}
	for _, gp := range payments {
		if gp.ID != gatewayPaymentID {
			continue
		}
		if !gp.Settled() {
			return nil, domain.NewValidationError("gateway payment %s is %s, not settled", gp.ID, gp.Status)
		}
		if err := s.applyCapture(ctx, payment, gp, domain.ActorVerification); err != nil {
			return nil, err
		}
		return s.ledger.FindPaymentByID(ctx, paymentID)
	}
	return nil, fmt.Errorf("gateway payment %s: %w", gatewayPaymentID, domain.ErrPaymentNotFound)
}

// ProcessCOD confirms a cash-on-delivery order. The payment stays pending
// until the delivery flow reports collection.
func (s *PaymentService) ProcessCOD(ctx context.Context, orderID uint64) (*domain.Payment, error) {
	order, err := s.ledger.FindOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, domain.ErrOrderNotFound
	}

	existing, err := s.ledger.FindPaymentByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.Gateway == domain.GatewayCOD {
			return existing, nil
		}
		return nil, domain.NewValidationError("order %d already has a %s payment", orderID, existing.Gateway)
	}

	if order.Status != domain.OrderConfirmed && !domain.CanTransition(order.Status, domain.OrderConfirmed) {
		return nil, domain.TransitionError(order.Status, domain.OrderConfirmed)
	}

	payment := &domain.Payment{
		OrderID:  orderID,
		Gateway:  domain.GatewayCOD,
		Amount:   order.Total,
		Currency: "INR",
		Status:   domain.PaymentPending,
		Method:   "cod",
	}
	err = s.ledger.InTx(ctx, func(tx repository.Ledger) error {
		if err := tx.CreatePayment(ctx, payment); err != nil {
			return err
		}
		if order.Status == domain.OrderPending {
			if err := tx.UpdateOrderStatus(ctx, orderID, domain.OrderConfirmed); err != nil {
				return err
			}
		}
		s.audit(ctx, tx, payment.ID, domain.AuditCODConfirmed, domain.ActorSystem,
			domain.PaymentPending, domain.PaymentPending, map[string]any{
				"order_id": orderID,
				"amount":   payment.Amount,
				"deferred": true,
			})
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notify("order.confirmed", domain.NotificationEvent{
		Type:      "order.confirmed",
		OrderID:   orderID,
		PaymentID: payment.ID,
		Amount:    payment.Amount,
		Status:    string(domain.OrderConfirmed),
		Timestamp: time.Now().UTC(),
	})
	return payment, nil
}

// MarkCODPaid records cash collection on delivery. Trusted internal callers
// only; never reachable from the webhook surface.
func (s *PaymentService) MarkCODPaid(ctx context.Context, orderID uint64) error {
	payment, err := s.ledger.FindPaymentByOrderID(ctx, orderID)
	if err != nil {
		return err
	}
	if payment == nil {
		return domain.ErrPaymentNotFound
	}
	if payment.Gateway != domain.GatewayCOD {
		return domain.NewValidationError("payment %d is not cash on delivery", payment.ID)
	}
	if payment.Status == domain.PaymentPaid {
		return nil
	}

	return s.ledger.InTx(ctx, func(tx repository.Ledger) error {
		cur, err := tx.FindPaymentByIDForUpdate(ctx, payment.ID)
		if err != nil {
			return err
		}
		if cur == nil {
			return domain.ErrPaymentNotFound
		}
		if cur.Status == domain.PaymentPaid {
			return nil
		}
		if cur.Status != domain.PaymentPending {
			return domain.NewValidationError("payment %d is %s, cannot collect", cur.ID, cur.Status)
		}

		old := cur.Status
		cur.Status = domain.PaymentPaid
		if err := tx.UpdatePayment(ctx, cur); err != nil {
			return err
		}
		if err := tx.UpdateOrderPayment(ctx, cur.OrderID, domain.PaymentPaid, ""); err != nil {
			return err
		}
		s.audit(ctx, tx, cur.ID, domain.AuditCODPaid, domain.ActorSystem, old, domain.PaymentPaid, map[string]any{
			"order_id": orderID,
		})
		return nil
	})
}

// ProcessRefund issues a (possibly partial) refund through the gateway and
// records it, attributing the acting admin.
func (s *PaymentService) ProcessRefund(ctx context.Context, paymentID uint64, amount *float64, reason, performedBy string) (*domain.Refund, error) {
	payment, err := s.ledger.FindPaymentByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, domain.ErrPaymentNotFound
	}
	if payment.Status != domain.PaymentPaid {
		return nil, domain.NewValidationError("payment %d is %s, only paid payments can be refunded", paymentID, payment.Status)
	}

	refundable := payment.Amount - payment.RefundAmount
	amt := refundable
	if amount != nil {
		amt = *amount
	}
	if amt <= 0 {
		return nil, domain.NewValidationError("refund amount must be positive")
	}
	if amt > refundable+domain.AmountTolerance {
		return nil, domain.NewValidationError("refund %.2f exceeds refundable %.2f for payment %d", amt, refundable, paymentID)
	}

	remote, err := s.gateway.Refund(ctx, payment.GatewayPaymentID, amt, map[string]string{
		"reason":   reason,
		"order_id": fmt.Sprintf("%d", payment.OrderID),
	})
	if err != nil {
		return nil, err
	}

	refund := &domain.Refund{
		PaymentID:       payment.ID,
		GatewayRefundID: remote.ID,
		Amount:          razorpay.Rupees(remote.Amount),
		Currency:        remote.Currency,
		Status:          refundStatusFromGateway(remote.Status),
		Reason:          reason,
	}
	err = s.ledger.InTx(ctx, func(tx repository.Ledger) error {
		cur, err := tx.FindPaymentByIDForUpdate(ctx, payment.ID)
		if err != nil {
			return err
		}
		if cur == nil {
			return domain.ErrPaymentNotFound
		}
		if err := tx.CreateRefund(ctx, refund); err != nil {
			return err
		}
		if refund.Status != domain.RefundProcessed {
			return nil
		}
		return s.settleRefunds(ctx, tx, cur, performedBy, refund.GatewayRefundID)
	})
	if err != nil {
		return nil, err
	}

	s.notify("refund.processed", domain.NotificationEvent{
		Type:      "refund.processed",
		OrderID:   payment.OrderID,
		PaymentID: payment.ID,
		Amount:    refund.Amount,
		Status:    string(refund.Status),
		Timestamp: time.Now().UTC(),
	})
	return refund, nil
}

func refundStatusFromGateway(status string) domain.RefundStatus {
	switch status {
	case "processed":
		return domain.RefundProcessed
	case "failed":
		return domain.RefundFailed
	default:
		return domain.RefundPending
	}
}

// ReconcilePayment checks one pending payment against the gateway's source of
// truth and replays the capture path if the remote order is actually paid.
// Used by the background sweep; all capture gates apply unchanged.
func (s *PaymentService) ReconcilePayment(ctx context.Context, payment domain.Payment) error {
	remote, err := s.gateway.FetchOrder(ctx, payment.GatewayOrderID)
	if err != nil {
		return err
	}
	if remote.Status != razorpay.OrderPaid {
		return nil
	}

	payments, err := s.gateway.FetchOrderPayments(ctx, payment.GatewayOrderID)
	if err != nil {
		return err
	}
	for _, gp := range payments {
		if gp.Settled() {
			return s.applyCapture(ctx, &payment, gp, domain.ActorReconciliation)
		}
	}
	return nil
}

// audit appends one trail entry; audit failures are logged, never fatal,
// except inside transactions where the ledger surfaces them.
func (s *PaymentService) audit(ctx context.Context, ledger repository.Ledger, paymentID uint64, action, actor string, oldStatus, newStatus domain.PaymentStatus, metadata map[string]any) {
	entry := &domain.PaymentAuditLog{
		PaymentID:   paymentID,
		Action:      action,
		PerformedBy: actor,
		OldStatus:   oldStatus,
		NewStatus:   newStatus,
	}
	if metadata != nil {
		if raw, err := json.Marshal(metadata); err == nil {
			entry.Metadata = string(raw)
		}
	}
	if err := ledger.AppendAuditLog(ctx, entry); err != nil {
		s.logger.Error("audit log append failed",
			zap.Uint64("payment_id", paymentID),
			zap.String("action", action),
			zap.Error(err),
		)
	}
}

// notify publishes fire-and-forget; a dead broker never blocks or rolls back
// a ledger write.
func (s *PaymentService) notify(routingKey string, event domain.NotificationEvent) {
	if s.publisher == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.publisher.Publish(ctx, routingKey, event); err != nil {
			s.logger.Warn("notification publish failed",
				zap.String("routing_key", routingKey),
				zap.Error(err),
			)
		}
	}()
}
