package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"checkout-service/internal/models"

	"github.com/jmoiron/sqlx"
)

const insertItemQuery = `
	INSERT INTO order_items (order_id, product_id, product_name, quantity, price)
	VALUES ($1, $2, $3, $4, $5)
	RETURNING id`

// CreateOrder inserts the order and its items in one transaction.
// Either both are stored or neither is.
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	if order.Status == "" {
		order.Status = models.OrderStatusPending
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO orders (reference, status, total, currency, customer_name, customer_email,
			customer_phone, customer_document, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at`

	err = tx.GetContext(ctx, order, query,
		order.Reference, order.Status, order.Total, order.Currency, order.CustomerName, order.CustomerEmail,
		order.CustomerPhone, order.CustomerDocument, order.IPAddress, order.UserAgent)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateReference, order.Reference)
		}
		return fmt.Errorf("failed to insert order: %w", err)
	}

	if err := insertItems(ctx, tx, order.ID, order.Items); err != nil {
		return err
	}

	return tx.Commit()
}

// AddItems appends items to an existing order, all or nothing.
func (s *Store) AddItems(ctx context.Context, orderID int64, items []models.OrderItem) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertItems(ctx, tx, orderID, items); err != nil {
		return err
	}
	return tx.Commit()
}

func insertItems(ctx context.Context, tx *sqlx.Tx, orderID int64, items []models.OrderItem) error {
	for i := range items {
		item := &items[i]
		item.OrderID = orderID
		err := tx.GetContext(ctx, &item.ID, insertItemQuery,
			orderID, item.ProductID, item.ProductName, item.Quantity, item.Price)
		if err != nil {
			return fmt.Errorf("failed to insert order item %d: %w", item.ProductID, err)
		}
	}
	return nil
}

// GetOrderByID retrieves an order by ID, or nil if there is none
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByReference retrieves an order by its public reference, or nil if there is none
func (s *Store) GetOrderByReference(ctx context.Context, reference string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE reference = $1", reference)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByRequestID retrieves the order bound to a gateway session, or nil if there is none
func (s *Store) GetOrderByRequestID(ctx context.Context, requestID int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE request_id = $1", requestID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// ListOrders returns the most recent orders first
func (s *Store) ListOrders(ctx context.Context, limit int) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders,
		"SELECT * FROM orders ORDER BY created_at DESC, id DESC LIMIT $1", limit)
	return orders, err
}

// GetOrderItems retrieves the items of an order in insertion order
func (s *Store) GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := s.db.SelectContext(ctx, &items,
		"SELECT * FROM order_items WHERE order_id = $1 ORDER BY id", orderID)
	return items, err
}

// GetItemsForOrders retrieves the items of several orders keyed by order ID
func (s *Store) GetItemsForOrders(ctx context.Context, orderIDs []int64) (map[int64][]models.OrderItem, error) {
	grouped := make(map[int64][]models.OrderItem, len(orderIDs))
	if len(orderIDs) == 0 {
		return grouped, nil
	}

	query, args, err := sqlx.In("SELECT * FROM order_items WHERE order_id IN (?) ORDER BY id", orderIDs)
	if err != nil {
		return nil, err
	}

	var items []models.OrderItem
	if err := s.db.SelectContext(ctx, &items, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	for _, item := range items {
		grouped[item.OrderID] = append(grouped[item.OrderID], item)
	}
	return grouped, nil
}

// UpdateOrderStatus overwrites the status and message of an order under a row lock
// and returns the status it replaced.
func (s *Store) UpdateOrderStatus(ctx context.Context, orderID int64, status, message string) (string, error) {
	return s.updateStatus(ctx, orderID, status, message, false)
}

// RefreshOrderStatus is UpdateOrderStatus for background refreshes: an order whose
// stored status is already terminal is left untouched and ErrOrderSettled is returned
// along with that status.
func (s *Store) RefreshOrderStatus(ctx context.Context, orderID int64, status, message string) (string, error) {
	return s.updateStatus(ctx, orderID, status, message, true)
}

func (s *Store) updateStatus(ctx context.Context, orderID int64, status, message string, keepSettled bool) (string, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var previous string
	err = tx.GetContext(ctx, &previous, "SELECT status FROM orders WHERE id = $1 FOR UPDATE", orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %d", ErrOrderNotFound, orderID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to lock order: %w", err)
	}
	if keepSettled && models.IsTerminalStatus(previous) {
		return previous, fmt.Errorf("%w: %s", ErrOrderSettled, previous)
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE orders SET status = $1, status_message = NULLIF($2, ''), updated_at = NOW() WHERE id = $3",
		status, message, orderID)
	if err != nil {
		return "", fmt.Errorf("failed to update order status: %w", err)
	}

	return previous, tx.Commit()
}

// AttachGatewaySession records the gateway session of an order. A session can be attached only once.
func (s *Store) AttachGatewaySession(ctx context.Context, orderID, requestID int64, processURL string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE orders SET request_id = $1, process_url = $2, updated_at = NOW() WHERE id = $3 AND request_id IS NULL",
		requestID, processURL, orderID)
	if err != nil {
		return fmt.Errorf("failed to attach gateway session: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var exists bool
	if err := s.db.GetContext(ctx, &exists, "SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)", orderID); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %d", ErrOrderNotFound, orderID)
	}
	return fmt.Errorf("%w: order %d", ErrSessionAlreadyAttached, orderID)
}

// IsEventProcessed checks if an event has been processed
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	return exists, err
}

// MarkEventProcessed marks an event as processed
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	return err
}
