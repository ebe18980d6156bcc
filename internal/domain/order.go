package domain

import "time"

type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderConfirmed  OrderStatus = "confirmed"
	OrderProcessing OrderStatus = "processing"
	OrderShipped    OrderStatus = "shipped"
	OrderDelivered  OrderStatus = "delivered"
	OrderCancelled  OrderStatus = "cancelled"
	OrderReturned   OrderStatus = "returned"
)

// orderTransitions is the forward-only order lifecycle graph. Cancellation is
// only possible before shipment; once delivered, the only exit is a return.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPending:    {OrderConfirmed, OrderCancelled},
	OrderConfirmed:  {OrderProcessing, OrderCancelled},
	OrderProcessing: {OrderShipped, OrderCancelled},
	OrderShipped:    {OrderDelivered},
	OrderDelivered:  {OrderReturned},
	OrderCancelled:  {},
	OrderReturned:   {},
}

// CanTransition reports whether an order may move from one status to another.
func CanTransition(from, to OrderStatus) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Order struct {
	ID               uint64        `json:"id" gorm:"primaryKey;autoIncrement"`
	UserID           uint64        `json:"userId" gorm:"not null;index"`
	AddressID        uint64        `json:"addressId" gorm:"not null"`
	Status           OrderStatus   `json:"status" gorm:"type:varchar(20);not null;default:'pending';index"`
	PaymentStatus    PaymentStatus `json:"paymentStatus" gorm:"type:varchar(20);not null;default:'pending'"`
	PaymentMethod    string        `json:"paymentMethod" gorm:"type:varchar(20);not null"`
	GatewayPaymentID *string       `json:"paymentId,omitempty" gorm:"type:varchar(100)"`
	Subtotal         float64       `json:"subtotal" gorm:"not null"`
	Shipping         float64       `json:"shipping" gorm:"not null"`
	Tax              float64       `json:"tax" gorm:"not null"`
	Total            float64       `json:"total" gorm:"not null"`
	Items            []OrderItem   `json:"items" gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE"`
	CreatedAt        time.Time     `json:"createdAt" gorm:"autoCreateTime;index"`
	UpdatedAt        time.Time     `json:"updatedAt" gorm:"autoUpdateTime"`
}

// OrderItem is a line item with the unit price snapshotted at order creation.
// The snapshot is immutable; later catalog price changes never touch it.
type OrderItem struct {
	ID        uint64  `json:"id" gorm:"primaryKey;autoIncrement"`
	OrderID   uint64  `json:"orderId" gorm:"not null;index"`
	ProductID uint64  `json:"productId" gorm:"not null"`
	VariantID *uint64 `json:"variantId,omitempty"`
	Quantity  int     `json:"quantity" gorm:"not null"`
	UnitPrice float64 `json:"unitPrice" gorm:"not null"`
}
