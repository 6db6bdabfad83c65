package service

import (
	"context"
	"errors"
	"fmt"

	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

// NotificationHandler applies gateway push notifications consumed from the broker
type NotificationHandler struct {
	orders *OrderService
	ledger EventLedger
	logger *zap.Logger
}

// NewNotificationHandler creates a new notification handler
func NewNotificationHandler(orders *OrderService, ledger EventLedger) *NotificationHandler {
	return &NotificationHandler{
		orders: orders,
		ledger: ledger,
		logger: util.GetLogger(),
	}
}

// HandlePaymentNotification reconciles the order once per event ID.
// Unknown orders and mismatched sessions are dropped; a gateway outage is returned so the event is retried.
func (h *NotificationHandler) HandlePaymentNotification(ctx context.Context, event *models.PaymentNotificationEvent) error {
	ctx, span := util.StartSpan(ctx, "NotificationHandler.HandlePaymentNotification")
	defer span.End()

	processed, err := h.ledger.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		return fmt.Errorf("failed to check event processed: %w", err)
	}
	if processed {
		util.NotificationsTotal.WithLabelValues("duplicate").Inc()
		h.logger.Info("Event already processed", zap.String("event_id", event.EventID))
		return nil
	}

	h.logger.Info("Handling payment notification",
		zap.Int64("request_id", event.RequestID),
		zap.String("reference", event.Reference),
		zap.String("status", event.Status))

	order, err := h.orders.HandleNotification(ctx, PaymentNotification{
		RequestID: event.RequestID,
		Reference: event.Reference,
		Status:    event.Status,
		Message:   event.Message,
	})
	switch {
	case errors.Is(err, ErrOrderNotFound), errors.Is(err, ErrNotificationOrder):
		util.NotificationsTotal.WithLabelValues("ignored").Inc()
		h.logger.Warn("Notification ignored", zap.String("event_id", event.EventID), zap.Error(err))
	case err != nil:
		util.NotificationsTotal.WithLabelValues("error").Inc()
		util.RecordError(span, err)
		return err
	default:
		util.NotificationsTotal.WithLabelValues("applied").Inc()
		h.logger.Info("Order reconciled from notification",
			zap.String("reference", order.Reference),
			zap.String("status", order.Status))
	}

	if err := h.ledger.MarkEventProcessed(ctx, event.EventID, event.EventType); err != nil {
		h.logger.Error("Failed to mark event processed", zap.Error(err))
	}
	return nil
}
