package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/ratelimit"
	"checkout-service/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// checkout turns the session cart into an order and a gateway session.
func (h *Handler) checkout(c *gin.Context) {
	var form CheckoutForm
	if err := c.ShouldBind(&form); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	form.normalize()
	if err := h.validate.Struct(form); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":  "Please correct the highlighted fields",
			"fields": fieldErrors(err),
		})
		return
	}

	ctx := c.Request.Context()
	cartID := sessionID(c)

	items, err := h.cart.Items(ctx, cartID)
	if err != nil {
		h.internalError(c, "Failed to load cart", err)
		return
	}

	result, err := h.orders.Checkout(ctx, service.CheckoutRequest{
		CartID:    cartID,
		Items:     items,
		Customer:  form.customer(),
		IPAddress: ratelimit.ClientIdentity(c.Request),
		UserAgent: c.Request.UserAgent(),
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrEmptyCart):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Your cart is empty"})
		case errors.Is(err, service.ErrCheckoutInProgress):
			c.JSON(http.StatusConflict, gin.H{"error": "A checkout for this cart is already in progress"})
		case errors.Is(err, service.ErrCheckoutUnavailable):
			h.logger.Error("Checkout failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Could not create your order. Please try again."})
		default:
			h.internalError(c, "Checkout failed", err)
		}
		return
	}

	if !result.OK() {
		c.JSON(http.StatusBadGateway, gin.H{
			"error": result.Failure,
			"order": result.Order,
		})
		return
	}

	h.rotateSession(c)
	c.JSON(http.StatusCreated, gin.H{
		"order":       result.Order,
		"process_url": result.ProcessURL,
	})
}

// paymentReturn is where the gateway sends the buyer back.
func (h *Handler) paymentReturn(c *gin.Context) {
	reference := c.Query("reference")
	if reference == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing order reference"})
		return
	}

	view, err := h.orders.HandleReturn(c.Request.Context(), reference)
	if err != nil {
		if errors.Is(err, service.ErrOrderNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
			return
		}
		h.internalError(c, "Failed to check payment status", err)
		return
	}
	c.JSON(http.StatusOK, orderResponse(view))
}

// paymentCancel marks the order cancelled. Unknown references are ignored.
func (h *Handler) paymentCancel(c *gin.Context) {
	reference := c.Query("reference")
	if reference == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing order reference"})
		return
	}

	view, err := h.orders.Cancel(c.Request.Context(), reference)
	if err != nil {
		if errors.Is(err, service.ErrOrderNotFound) {
			c.JSON(http.StatusOK, gin.H{"message": "Payment cancelled"})
			return
		}
		h.internalError(c, "Failed to cancel payment", err)
		return
	}

	resp := orderResponse(view)
	resp["message"] = "Payment cancelled"
	c.JSON(http.StatusOK, resp)
}

// NotificationForm is the gateway's push notification body.
type NotificationForm struct {
	RequestID int64  `json:"requestId" binding:"required"`
	Reference string `json:"reference"`
	Signature string `json:"signature" binding:"required"`
	Status    struct {
		Status  string `json:"status" binding:"required"`
		Reason  string `json:"reason"`
		Message string `json:"message"`
		Date    string `json:"date" binding:"required"`
	} `json:"status"`
}

// paymentNotify verifies a gateway push and queues it for the notification worker.
func (h *Handler) paymentNotify(c *gin.Context) {
	var form NotificationForm
	if err := c.ShouldBindJSON(&form); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid notification"})
		return
	}

	requestID := strconv.FormatInt(form.RequestID, 10)
	if !h.verifier.VerifyNotification(requestID, form.Status.Status, form.Status.Date, form.Signature) {
		h.logger.Warn("Rejected notification with bad signature",
			zap.Int64("request_id", form.RequestID),
			zap.String("client", ratelimit.ClientIdentity(c.Request)))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid signature"})
		return
	}

	event := &models.PaymentNotificationEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypePaymentNotification,
			Timestamp: time.Now(),
		},
		RequestID: form.RequestID,
		Reference: form.Reference,
		Status:    form.Status.Status,
		Message:   form.Status.Message,
		Date:      form.Status.Date,
	}

	if err := h.notifier.PublishPaymentNotification(c.Request.Context(), event); err != nil {
		h.internalError(c, "Failed to queue notification", err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

var statusLabels = map[string]string{
	models.OrderStatusPending:   "Pending",
	models.OrderStatusOK:        "Awaiting payment",
	models.OrderStatusApproved:  "Approved",
	models.OrderStatusRejected:  "Rejected",
	models.OrderStatusCancelled: "Cancelled",
	models.OrderStatusFailed:    "Failed",
}

func statusLabel(status string) string {
	if label, ok := statusLabels[status]; ok {
		return label
	}
	return status
}
