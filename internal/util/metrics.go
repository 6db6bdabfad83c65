package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders created",
	})

	OrdersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_failed_total",
		Help: "Total number of orders that failed during checkout",
	}, []string{"reason"})

	OrderStatusTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_status_transitions_total",
		Help: "Total number of persisted order status changes",
	}, []string{"status", "source"})

	ReconciliationsSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_reconciliations_skipped_total",
		Help: "Order views served from the store without a gateway query, by reason (terminal, no_session, list_cap)",
	}, []string{"reason"})

	GatewayRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_requests_total",
		Help: "Total number of payment gateway calls",
	}, []string{"operation", "status"})

	GatewayRequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_request_duration_seconds",
		Help:    "Latency of payment gateway calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	RateLimitDeniedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rate_limit_denied_total",
		Help: "Total number of requests denied by the rate limiter",
	}, []string{"action"})

	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_notifications_total",
		Help: "Gateway push notifications by outcome",
	}, []string{"outcome"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
