package models

import "time"

// Event types
const (
	EventTypeOrderStatusChanged  = "ORDER_STATUS_CHANGED"
	EventTypePaymentNotification = "PAYMENT_NOTIFICATION"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderStatusChangedEvent published whenever a stored order status changes
type OrderStatusChangedEvent struct {
	BaseEvent
	OrderID        int64  `json:"order_id"`
	Reference      string `json:"reference"`
	PreviousStatus string `json:"previous_status"`
	Status         string `json:"status"`
	Message        string `json:"message,omitempty"`
}

// PaymentNotificationEvent carries a verified gateway push notification
type PaymentNotificationEvent struct {
	BaseEvent
	RequestID int64  `json:"request_id"`
	Reference string `json:"reference"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	Date      string `json:"date"`
}
