package services

import (
	"context"
	"time"

	"jewellery-backend/internal/domain"
	"jewellery-backend/internal/infra/rabbitmq"
	"jewellery-backend/internal/repository"

	"go.uber.org/zap"
)

// Shipping and tax rules applied once at order creation. Totals are snapshots;
// nothing recomputes them later.
const (
	FreeShippingThreshold = 1000.0
	FlatShippingRate      = 50.0
	TaxRate               = 0.18
)

type OrderService struct {
	ledger    repository.Ledger
	publisher rabbitmq.PublisherInterface
	logger    *zap.Logger
}

func NewOrderService(ledger repository.Ledger, publisher rabbitmq.PublisherInterface, logger *zap.Logger) *OrderService {
	return &OrderService{
		ledger:    ledger,
		publisher: publisher,
		logger:    logger,
	}
}

type OrderLine struct {
	ProductID uint64
	VariantID *uint64
	Quantity  int
	UnitPrice float64
}

// CreateOrder persists a new order with price snapshots and computed totals.
// Stock deduction and cart clearing happen upstream; this is the ledger entry.
func (s *OrderService) CreateOrder(ctx context.Context, userID, addressID uint64, paymentMethod string, lines []OrderLine) (*domain.Order, error) {
	if len(lines) == 0 {
		return nil, domain.NewValidationError("order must contain at least one item")
	}

	var subtotal float64
	items := make([]domain.OrderItem, 0, len(lines))
	for _, line := range lines {
		if line.Quantity <= 0 {
			return nil, domain.NewValidationError("item quantity must be positive for product %d", line.ProductID)
		}
		if line.UnitPrice < 0 {
			return nil, domain.NewValidationError("item price must not be negative for product %d", line.ProductID)
		}
		subtotal += line.UnitPrice * float64(line.Quantity)
		items = append(items, domain.OrderItem{
			ProductID: line.ProductID,
			VariantID: line.VariantID,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
		})
	}

	shipping := FlatShippingRate
	if subtotal >= FreeShippingThreshold {
		shipping = 0
	}
	tax := subtotal * TaxRate

	order := &domain.Order{
		UserID:        userID,
		AddressID:     addressID,
		Status:        domain.OrderPending,
		PaymentStatus: domain.PaymentPending,
		PaymentMethod: paymentMethod,
		Subtotal:      subtotal,
		Shipping:      shipping,
		Tax:           tax,
		Total:         subtotal + shipping + tax,
		Items:         items,
	}

	err := s.ledger.InTx(ctx, func(tx repository.Ledger) error {
		return tx.CreateOrder(ctx, order)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("order created",
		zap.Uint64("order_id", order.ID),
		zap.Uint64("user_id", userID),
		zap.Float64("total", order.Total),
	)
	s.publishEvent("order.created", domain.NotificationEvent{
		Type:      "order.created",
		OrderID:   order.ID,
		Amount:    order.Total,
		Status:    string(order.Status),
		Timestamp: time.Now().UTC(),
	})
	return order, nil
}

func (s *OrderService) GetOrder(ctx context.Context, id uint64) (*domain.Order, error) {
	order, err := s.ledger.FindOrderByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, domain.ErrOrderNotFound
	}
	return order, nil
}

// UpdateStatus moves an order through the state machine. Invalid transitions
// fail before any write.
func (s *OrderService) UpdateStatus(ctx context.Context, id uint64, target domain.OrderStatus) (*domain.Order, error) {
	order, err := s.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if !domain.CanTransition(order.Status, target) {
		return nil, domain.TransitionError(order.Status, target)
	}

	err = s.ledger.InTx(ctx, func(tx repository.Ledger) error {
		cur, err := tx.FindOrderByID(ctx, id)
		if err != nil {
			return err
		}
		if cur == nil {
			return domain.ErrOrderNotFound
		}
		// Re-check inside the transaction; a concurrent update may have won.
		if !domain.CanTransition(cur.Status, target) {
			return domain.TransitionError(cur.Status, target)
		}
		return tx.UpdateOrderStatus(ctx, id, target)
	})
	if err != nil {
		return nil, err
	}

	order.Status = target
	s.logger.Info("order status updated",
		zap.Uint64("order_id", id),
		zap.String("status", string(target)),
	)
	s.publishEvent("order.status_changed", domain.NotificationEvent{
		Type:      "order.status_changed",
		OrderID:   id,
		Status:    string(target),
		Timestamp: time.Now().UTC(),
	})
	return order, nil
}

// Cancel cancels an order if it has not shipped.
func (s *OrderService) Cancel(ctx context.Context, id uint64) (*domain.Order, error) {
	return s.UpdateStatus(ctx, id, domain.OrderCancelled)
}

func (s *OrderService) publishEvent(routingKey string, event domain.NotificationEvent) {
	if s.publisher == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.publisher.Publish(ctx, routingKey, event); err != nil {
			s.logger.Warn("event publish failed",
				zap.String("routing_key", routingKey),
				zap.Error(err),
			)
		}
	}()
}
