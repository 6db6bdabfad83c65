package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product represents a product in the catalog
type Product struct {
	ID          int64           `db:"id" json:"id"`
	Name        string          `db:"name" json:"name"`
	Description string          `db:"description" json:"description"`
	Price       decimal.Decimal `db:"price" json:"price"`
	Image       string          `db:"image" json:"image"`
	Stock       int             `db:"stock" json:"stock"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
}

// Order represents a purchase attempt
type Order struct {
	ID               int64           `db:"id" json:"id"`
	Reference        string          `db:"reference" json:"reference"`
	RequestID        *int64          `db:"request_id" json:"request_id,omitempty"`
	ProcessURL       *string         `db:"process_url" json:"process_url,omitempty"`
	Status           string          `db:"status" json:"status"`
	StatusMessage    *string         `db:"status_message" json:"status_message,omitempty"`
	Total            decimal.Decimal `db:"total" json:"total"`
	Currency         string          `db:"currency" json:"currency"`
	CustomerName     string          `db:"customer_name" json:"customer_name"`
	CustomerEmail    string          `db:"customer_email" json:"customer_email"`
	CustomerPhone    *string         `db:"customer_phone" json:"customer_phone,omitempty"`
	CustomerDocument *string         `db:"customer_document" json:"customer_document,omitempty"`
	IPAddress        string          `db:"ip_address" json:"-"`
	UserAgent        string          `db:"user_agent" json:"-"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updated_at"`

	Items []OrderItem `db:"-" json:"items,omitempty"`
}

// HasSession reports whether a gateway session was attached to the order.
func (o *Order) HasSession() bool {
	return o.RequestID != nil && *o.RequestID != 0
}

// Payable reports whether the order may be shown with a pay affordance.
func (o *Order) Payable() bool {
	return o.HasSession() && o.ProcessURL != nil && len(o.Items) > 0 && !IsTerminalStatus(o.Status)
}

// OrderItem is a line within an order. Name and price are snapshots taken at purchase time.
type OrderItem struct {
	ID          int64           `db:"id" json:"id"`
	OrderID     int64           `db:"order_id" json:"order_id"`
	ProductID   int64           `db:"product_id" json:"product_id"`
	ProductName string          `db:"product_name" json:"product_name"`
	Quantity    int             `db:"quantity" json:"quantity"`
	Price       decimal.Decimal `db:"price" json:"price"`
}

// Subtotal returns price * quantity.
func (i OrderItem) Subtotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Order statuses
const (
	OrderStatusPending   = "PENDING"
	OrderStatusOK        = "OK"
	OrderStatusApproved  = "APPROVED"
	OrderStatusRejected  = "REJECTED"
	OrderStatusCancelled = "CANCELLED"
	OrderStatusFailed    = "FAILED"
)

// IsTerminalStatus reports whether no further automatic reconciliation is expected.
func IsTerminalStatus(status string) bool {
	switch status {
	case OrderStatusApproved, OrderStatusRejected, OrderStatusCancelled, OrderStatusFailed:
		return true
	}
	return false
}

// IsRefreshable reports whether a stored status may still change at the gateway
// and is worth re-querying when the order is viewed.
func IsRefreshable(status string) bool {
	return status == OrderStatusPending || status == OrderStatusOK
}

// ProcessedEvent for idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}
