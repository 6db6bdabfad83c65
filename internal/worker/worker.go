package worker

import (
	"context"
	"time"

	"checkout-service/internal/broker"
	"checkout-service/internal/ratelimit"
	"checkout-service/internal/service"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

// NotificationWorker applies gateway push notifications read from Kafka
type NotificationWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewNotificationWorker creates a new notification worker
func NewNotificationWorker(consumer *broker.Consumer, handler *service.NotificationHandler) *NotificationWorker {
	eventHandler := broker.NewEventHandler()
	eventHandler.OnPaymentNotification(handler.HandlePaymentNotification)

	return &NotificationWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
		logger:       util.GetLogger(),
	}
}

// Start starts the worker
func (w *NotificationWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting notification worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *NotificationWorker) Stop() error {
	w.logger.Info("Stopping notification worker")
	return w.consumer.Close()
}

// MaintenanceWorker purges stale rate-limit windows off the request path
type MaintenanceWorker struct {
	limiter  ratelimit.Limiter
	interval time.Duration
	horizon  time.Duration
	logger   *zap.Logger
}

// NewMaintenanceWorker creates a new maintenance worker
func NewMaintenanceWorker(limiter ratelimit.Limiter, interval, horizon time.Duration) *MaintenanceWorker {
	return &MaintenanceWorker{
		limiter:  limiter,
		interval: interval,
		horizon:  horizon,
		logger:   util.GetLogger(),
	}
}

// Start runs a cleanup every interval until ctx is done
func (w *MaintenanceWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting maintenance worker",
		zap.Duration("interval", w.interval),
		zap.Duration("horizon", w.horizon))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Stopping maintenance worker")
			return ctx.Err()
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single cleanup pass and returns the number of purged windows
func (w *MaintenanceWorker) RunOnce(ctx context.Context) int {
	removed, err := w.limiter.Cleanup(ctx, w.horizon)
	if err != nil {
		w.logger.Error("Rate limit cleanup failed", zap.Error(err))
		return removed
	}
	if removed > 0 {
		w.logger.Info("Rate limit windows purged", zap.Int("removed", removed))
	}
	return removed
}
