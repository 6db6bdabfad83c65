package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"checkout-service/config"
	"checkout-service/internal/api"
	"checkout-service/internal/broker"
	"checkout-service/internal/gateway"
	"checkout-service/internal/ratelimit"
	"checkout-service/internal/redisclient"
	"checkout-service/internal/service"
	"checkout-service/internal/signer"
	"checkout-service/internal/store"
	"checkout-service/internal/util"
	"checkout-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const serviceName = "checkout-service"

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel, serviceName); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting checkout service")

	tp, err := util.InitTracer(serviceName, cfg.Observ.JaegerEndpoint, cfg.Observ.TraceSampleRatio)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("Error shutting down tracer", zap.Error(err))
		}
	}()

	db, err := store.NewStore(cfg.Database.URL, store.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	var limiter ratelimit.Limiter
	switch cfg.RateLimit.Backend {
	case "memory":
		limiter = ratelimit.NewMemoryLimiter(nil)
	default:
		limiter = ratelimit.NewRedisLimiter(redisClient, nil)
	}
	logger.Info("Rate limiter ready", zap.String("backend", cfg.RateLimit.Backend))

	auditLog, err := gateway.NewAuditLog(cfg.Audit.Dir)
	if err != nil {
		logger.Fatal("Failed to open gateway audit log", zap.Error(err))
	}
	defer auditLog.Close()

	sig := signer.New(cfg.Gateway.Login, cfg.Gateway.SecretKey)
	gatewayClient := gateway.NewClient(gateway.Config{
		BaseURL:    cfg.Gateway.BaseURL,
		Locale:     cfg.Gateway.Locale,
		Timeout:    cfg.Gateway.Timeout,
		Expiration: cfg.Gateway.Expiration,
		AppURL:     cfg.App.URL,
	}, sig, auditLog)

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
	defer producer.Close()
	logger.Info("Kafka producer initialized")

	eventPublisher := broker.NewEventPublisher(producer)

	catalogService := service.NewCatalogService(db)
	cartService := service.NewCartService(redisClient, db)
	orderService, err := service.NewOrderService(db, gatewayClient, redisClient, eventPublisher, service.OrderConfig{
		AppName:          cfg.App.Name,
		Currency:         cfg.App.Currency,
		ListRefreshLimit: cfg.App.ListRefreshLimit,
	}, service.WithLocker(redisClient))
	if err != nil {
		logger.Fatal("Failed to create order service", zap.Error(err))
	}
	notificationHandler := service.NewNotificationHandler(orderService, db)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	notificationConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder, cfg.Kafka.ConsumerGroup)
	notificationWorker := worker.NewNotificationWorker(notificationConsumer, notificationHandler)
	go func() {
		if err := notificationWorker.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Notification worker error", zap.Error(err))
		}
	}()

	maintenanceWorker := worker.NewMaintenanceWorker(limiter, cfg.RateLimit.CleanupInterval, cfg.RateLimit.CleanupHorizon)
	go func() {
		if err := maintenanceWorker.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Maintenance worker error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler, err := api.NewHandler(api.Deps{
		Catalog:  catalogService,
		Cart:     cartService,
		Orders:   orderService,
		Sessions: redisClient,
		Limiter:  limiter,
		Policies: api.Policies{
			CartAdd: ratelimit.Policy{
				Action:  cfg.RateLimit.CartAdd.Action,
				Limit:   cfg.RateLimit.CartAdd.Limit,
				Window:  cfg.RateLimit.CartAdd.Window,
				Message: "Too many requests. Please slow down.",
			},
			Checkout: ratelimit.Policy{
				Action:  cfg.RateLimit.Checkout.Action,
				Limit:   cfg.RateLimit.Checkout.Limit,
				Window:  cfg.RateLimit.Checkout.Window,
				Message: "Too many checkout attempts. Please wait a minute and try again.",
			},
			PaymentReturn: ratelimit.Policy{
				Action:  cfg.RateLimit.PaymentReturn.Action,
				Limit:   cfg.RateLimit.PaymentReturn.Limit,
				Window:  cfg.RateLimit.PaymentReturn.Window,
				Message: "Too many payment status requests. Please wait.",
			},
			OrderView: ratelimit.Policy{
				Action:  cfg.RateLimit.OrderView.Action,
				Limit:   cfg.RateLimit.OrderView.Limit,
				Window:  cfg.RateLimit.OrderView.Window,
				Message: "Too many order status requests. Please wait.",
			},
		},
		Notifier: eventPublisher,
		Verifier: sig,
		Readiness: map[string]api.ReadinessCheck{
			"database": db.Ping,
			"redis":    redisClient.Ping,
		},
		Secure:     cfg.Server.Secure,
		GatewayURL: cfg.Gateway.BaseURL,
	})
	if err != nil {
		logger.Fatal("Failed to create HTTP handler", zap.Error(err))
	}
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if err := notificationWorker.Stop(); err != nil {
		logger.Warn("Failed to stop notification worker", zap.Error(err))
	}

	logger.Info("Server exited")
}
