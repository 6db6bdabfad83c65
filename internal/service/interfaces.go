package service

import (
	"context"
	"time"

	"checkout-service/internal/gateway"
	"checkout-service/internal/models"
)

// OrderRepository persists orders and their items.
type OrderRepository interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrderByReference(ctx context.Context, reference string) (*models.Order, error)
	GetOrderByRequestID(ctx context.Context, requestID int64) (*models.Order, error)
	GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	GetItemsForOrders(ctx context.Context, orderIDs []int64) (map[int64][]models.OrderItem, error)
	ListOrders(ctx context.Context, limit int) ([]models.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID int64, status, message string) (string, error)
	RefreshOrderStatus(ctx context.Context, orderID int64, status, message string) (string, error)
	AttachGatewaySession(ctx context.Context, orderID, requestID int64, processURL string) error
}

// PaymentGateway is the hosted checkout provider.
type PaymentGateway interface {
	CreateSession(ctx context.Context, req gateway.SessionRequest) gateway.SessionResult
	QuerySession(ctx context.Context, requestID int64) gateway.SessionResult
	CancelSession(ctx context.Context, requestID int64) gateway.SessionResult
}

// CartStore holds productID -> quantity per cart.
type CartStore interface {
	CartAdd(ctx context.Context, cartID string, productID int64, quantity int) error
	CartRemove(ctx context.Context, cartID string, productID int64) error
	CartItems(ctx context.Context, cartID string) (map[int64]int, error)
	CartClear(ctx context.Context, cartID string) error
}

// Catalog reads products.
type Catalog interface {
	GetProducts(ctx context.Context) ([]models.Product, error)
	GetProductByID(ctx context.Context, id int64) (*models.Product, error)
	GetProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error)
}

// EventPublisher publishes order lifecycle events.
type EventPublisher interface {
	PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error
}

// Locker guards a key across API instances.
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
}

// EventLedger remembers consumed event IDs.
type EventLedger interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}
