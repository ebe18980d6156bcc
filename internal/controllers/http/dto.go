package http

type OrderItemRequest struct {
	ProductID uint64  `json:"productId" binding:"required"`
	VariantID *uint64 `json:"variantId"`
	Quantity  int     `json:"quantity" binding:"required,min=1"`
	UnitPrice float64 `json:"unitPrice" binding:"min=0"`
}

type CreateOrderRequest struct {
	UserID        uint64             `json:"userId" binding:"required"`
	AddressID     uint64             `json:"addressId" binding:"required"`
	PaymentMethod string             `json:"paymentMethod" binding:"required,oneof=razorpay cod"`
	Items         []OrderItemRequest `json:"items" binding:"required,min=1,dive"`
}

type UpdateOrderStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

type CheckoutRequest struct {
	OrderID uint64 `json:"orderId" binding:"required"`
}

type VerifyPaymentRequest struct {
	PaymentID         uint64 `json:"paymentId" binding:"required"`
	RazorpayPaymentID string `json:"razorpayPaymentId" binding:"required"`
	Signature         string `json:"signature" binding:"required"`
}

type RefundRequest struct {
	Amount *float64 `json:"amount"`
	Reason string   `json:"reason"`
}
