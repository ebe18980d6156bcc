package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"jewellery-backend/internal/domain"
	"jewellery-backend/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const orderCacheTTL = 30 * time.Second

type Handler struct {
	orders   *services.OrderService
	payments *services.PaymentService
	rdb      *redis.Client
	logger   *zap.Logger
}

func NewHandler(orders *services.OrderService, payments *services.PaymentService, rdb *redis.Client, logger *zap.Logger) *Handler {
	return &Handler{orders: orders, payments: payments, rdb: rdb, logger: logger}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.POST("/orders", h.CreateOrder)
	r.GET("/orders/:id", h.GetOrder)
	r.PATCH("/orders/:id/status", h.UpdateOrderStatus)
	r.POST("/orders/:id/cancel", h.CancelOrder)
	r.POST("/orders/:id/cod", h.ProcessCOD)
	r.POST("/orders/:id/cod/collected", h.MarkCODPaid)

	r.POST("/payments/checkout", h.Checkout)
	r.POST("/payments/verify", h.VerifyPayment)
	r.POST("/payments/:id/refund", h.Refund)

	r.POST("/webhooks/razorpay", h.RazorpayWebhook)
}

func (h *Handler) CreateOrder(c *gin.Context) {
	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	lines := make([]services.OrderLine, 0, len(req.Items))
	for _, item := range req.Items {
		lines = append(lines, services.OrderLine{
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}

	order, err := h.orders.CreateOrder(c.Request.Context(), req.UserID, req.AddressID, req.PaymentMethod, lines)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

func (h *Handler) GetOrder(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}

	cacheKey := "order:" + strconv.FormatUint(id, 10)
	if h.rdb != nil {
		if cached, err := h.rdb.Get(c.Request.Context(), cacheKey).Result(); err == nil {
			var order domain.Order
			if json.Unmarshal([]byte(cached), &order) == nil {
				c.JSON(http.StatusOK, order)
				return
			}
		}
	}

	order, err := h.orders.GetOrder(c.Request.Context(), id)
	if err != nil {
		h.renderError(c, err)
		return
	}

	if h.rdb != nil {
		if data, err := json.Marshal(order); err == nil {
			h.rdb.Set(c.Request.Context(), cacheKey, data, orderCacheTTL)
		}
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) UpdateOrderStatus(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}
	var req UpdateOrderStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	order, err := h.orders.UpdateStatus(c.Request.Context(), id, domain.OrderStatus(req.Status))
	if err != nil {
		h.renderError(c, err)
		return
	}
	h.invalidateOrder(id)
	c.JSON(http.StatusOK, order)
}

func (h *Handler) CancelOrder(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}
	order, err := h.orders.Cancel(c.Request.Context(), id)
	if err != nil {
		h.renderError(c, err)
		return
	}
	h.invalidateOrder(id)
	c.JSON(http.StatusOK, order)
}

func (h *Handler) ProcessCOD(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}
	payment, err := h.payments.ProcessCOD(c.Request.Context(), id)
	if err != nil {
		h.renderError(c, err)
		return
	}
	h.invalidateOrder(id)
	c.JSON(http.StatusOK, payment)
}

func (h *Handler) MarkCODPaid(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}
	if err := h.payments.MarkCODPaid(c.Request.Context(), id); err != nil {
		h.renderError(c, err)
		return
	}
	h.invalidateOrder(id)
	c.JSON(http.StatusOK, gin.H{"status": "collected"})
}

func (h *Handler) Checkout(c *gin.Context) {
	var req CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	payment, err := h.payments.CreatePayment(c.Request.Context(), req.OrderID)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"paymentId":      payment.ID,
		"gatewayOrderId": payment.GatewayOrderID,
		"amount":         payment.Amount,
		"currency":       payment.Currency,
	})
}

func (h *Handler) VerifyPayment(c *gin.Context) {
	var req VerifyPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	payment, err := h.payments.VerifyPayment(c.Request.Context(), req.PaymentID, req.RazorpayPaymentID, req.Signature)
	if err != nil {
		h.renderError(c, err)
		return
	}
	h.invalidateOrder(payment.OrderID)
	c.JSON(http.StatusOK, payment)
}

func (h *Handler) Refund(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}
	var req RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	performedBy := c.GetHeader("X-Admin-ID")
	if performedBy == "" {
		performedBy = domain.ActorSystem
	}

	refund, err := h.payments.ProcessRefund(c.Request.Context(), id, req.Amount, req.Reason, performedBy)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, refund)
}

// RazorpayWebhook verifies the signature over the body bytes exactly as
// received; binding/parsing the JSON first would invalidate the check.
func (h *Handler) RazorpayWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	signature := c.GetHeader("X-Razorpay-Signature")
	eventID := c.GetHeader("X-Razorpay-Event-Id")

	err = h.payments.HandleWebhook(c.Request.Context(), body, signature, eventID)
	if err != nil {
		var sigErr *domain.SignatureError
		if errors.As(err, &sigErr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
			return
		}
		// The event row is stored and the retry job owns transient failures;
		// answering non-2xx would only trigger a redundant gateway redelivery.
		h.logger.Warn("webhook handling failed", zap.String("event_id", eventID), zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"status": "received"})
}

func (h *Handler) pathID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func (h *Handler) invalidateOrder(id uint64) {
	if h.rdb == nil {
		return
	}
	h.rdb.Del(context.Background(), "order:"+strconv.FormatUint(id, 10))
}

func (h *Handler) renderError(c *gin.Context, err error) {
	var ve *domain.ValidationError
	var ae *domain.AmountMismatchError
	var ce *domain.StateConflictError
	var se *domain.SignatureError

	switch {
	case errors.Is(err, domain.ErrOrderNotFound), errors.Is(err, domain.ErrPaymentNotFound), errors.Is(err, domain.ErrRefundNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &ve), errors.As(err, &se):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.As(err, &ce):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &ae):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		h.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
