package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"checkout-service/internal/gateway"
	"checkout-service/internal/models"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrEmptyCart           = errors.New("cart is empty")
	ErrOrderNotFound       = errors.New("order not found")
	ErrCheckoutUnavailable = errors.New("order could not be created, please try again")
	ErrCheckoutInProgress  = errors.New("checkout already in progress for this cart")
	ErrGatewayUnavailable  = errors.New("payment gateway unavailable")
	ErrNotificationOrder   = errors.New("notification does not match the order session")
)

const (
	CancelledByUserMessage = "Payment cancelled by user"
	sessionFailedMessage   = "Failed to create payment session"
	statusUnknownNotice    = "We could not confirm the payment status right now. Please check again later."

	maxReferenceAttempts = 3
	checkoutLockTTL      = time.Minute
	sourceView           = "view"
	defaultListLimit     = 100
	defaultListRefreshes = 10

	skipTerminal  = "terminal"
	skipNoSession = "no_session"
	skipListCap   = "list_cap"
)

// OrderConfig holds checkout settings
type OrderConfig struct {
	AppName   string
	Currency  string
	ListLimit int
	// ListRefreshLimit caps gateway queries made by one ListOrders call.
	ListRefreshLimit int
}

// OrderService drives orders through their payment lifecycle
type OrderService struct {
	orders       OrderRepository
	gateway      PaymentGateway
	carts        CartStore
	events       EventPublisher
	locker       Locker
	newReference ReferenceGenerator
	cfg          OrderConfig
	logger       *zap.Logger
}

// Option customizes an OrderService
type Option func(*OrderService)

// WithLocker serializes checkouts of the same cart.
func WithLocker(locker Locker) Option {
	return func(s *OrderService) { s.locker = locker }
}

// WithReferenceGenerator replaces the default reference generator.
func WithReferenceGenerator(gen ReferenceGenerator) Option {
	return func(s *OrderService) { s.newReference = gen }
}

// NewOrderService creates a new order service
func NewOrderService(
	orders OrderRepository,
	gateway PaymentGateway,
	carts CartStore,
	events EventPublisher,
	cfg OrderConfig,
	opts ...Option,
) (*OrderService, error) {
	if cfg.ListLimit <= 0 {
		cfg.ListLimit = defaultListLimit
	}
	if cfg.ListRefreshLimit <= 0 {
		cfg.ListRefreshLimit = defaultListRefreshes
	}

	s := &OrderService{
		orders:  orders,
		gateway: gateway,
		carts:   carts,
		events:  events,
		cfg:     cfg,
		logger:  util.GetLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.newReference == nil {
		gen, err := NewReferenceGenerator(nil)
		if err != nil {
			return nil, err
		}
		s.newReference = gen
	}
	return s, nil
}

// Customer is the buyer as entered on the checkout form, already validated.
type Customer struct {
	FirstName string
	LastName  string
	Email     string
	Phone     string
	Document  string
}

// FullName joins first and last name.
func (c Customer) FullName() string {
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

// CheckoutRequest carries everything checkout needs from the calling request.
type CheckoutRequest struct {
	CartID    string
	Items     []LineItem
	Customer  Customer
	IPAddress string
	UserAgent string
}

// CheckoutResult is the outcome of a checkout. Failure is set when the gateway
// did not open a session; the order then exists in FAILED state.
type CheckoutResult struct {
	Order      *models.Order `json:"order"`
	ProcessURL string        `json:"process_url,omitempty"`
	Failure    string        `json:"failure,omitempty"`
}

// OK reports whether the buyer can be redirected to the gateway.
func (r *CheckoutResult) OK() bool {
	return r.Failure == "" && r.ProcessURL != ""
}

// OrderView is an order as shown to the buyer. Notice explains why the shown
// status could not be refreshed from the gateway.
type OrderView struct {
	Order  *models.Order `json:"order"`
	Notice string        `json:"notice,omitempty"`
}

// Checkout persists a PENDING order with its items and opens a gateway session.
// The cart is cleared only when the session was created.
func (s *OrderService) Checkout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.Checkout")
	defer span.End()

	if len(req.Items) == 0 {
		util.OrdersFailedTotal.WithLabelValues("empty_cart").Inc()
		return nil, ErrEmptyCart
	}

	if s.locker != nil && req.CartID != "" {
		lockKey := "checkout:" + req.CartID
		acquired, err := s.locker.AcquireLock(ctx, lockKey, checkoutLockTTL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
		}
		if !acquired {
			return nil, ErrCheckoutInProgress
		}
		defer func() {
			if err := s.locker.ReleaseLock(context.Background(), lockKey); err != nil {
				s.logger.Warn("Failed to release checkout lock", zap.String("cart_id", req.CartID), zap.Error(err))
			}
		}()
	}

	order := s.newOrder(req)
	if err := s.createOrder(ctx, order); err != nil {
		util.OrdersFailedTotal.WithLabelValues("db_error").Inc()
		util.RecordError(span, err)
		s.logger.Error("Failed to create order", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
	}

	util.OrdersCreatedTotal.Inc()
	s.logger.Info("Order created",
		zap.Int64("order_id", order.ID),
		zap.String("reference", order.Reference),
		zap.String("total", order.Total.StringFixed(2)))

	result := s.gateway.CreateSession(ctx, s.sessionRequest(order, req))
	if !result.OK() {
		message := result.Message
		if message == "" {
			message = sessionFailedMessage
		}
		reason := "gateway_rejected"
		if result.Unreachable() {
			reason = "gateway_unreachable"
		}
		util.OrdersFailedTotal.WithLabelValues(reason).Inc()

		s.logger.Warn("Gateway session not created",
			zap.String("reference", order.Reference),
			zap.String("status", result.Status),
			zap.String("reason", result.Reason))

		if err := s.applyStatus(ctx, order, models.OrderStatusFailed, message, "checkout"); err != nil {
			s.logger.Error("Failed to mark order as failed", zap.String("reference", order.Reference), zap.Error(err))
		}
		return &CheckoutResult{Order: order, Failure: "Payment error: " + message}, nil
	}

	if err := s.orders.AttachGatewaySession(ctx, order.ID, result.RequestID, result.ProcessURL); err != nil {
		util.OrdersFailedTotal.WithLabelValues("db_error").Inc()
		util.RecordError(span, err)
		s.logger.Error("Failed to attach gateway session",
			zap.String("reference", order.Reference),
			zap.Int64("request_id", result.RequestID),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
	}
	requestID, processURL := result.RequestID, result.ProcessURL
	order.RequestID = &requestID
	order.ProcessURL = &processURL

	if err := s.applyStatus(ctx, order, models.OrderStatusOK, result.Message, "checkout"); err != nil {
		s.logger.Error("Failed to record session status", zap.String("reference", order.Reference), zap.Error(err))
	}

	if req.CartID != "" {
		if err := s.carts.CartClear(ctx, req.CartID); err != nil {
			s.logger.Warn("Failed to clear cart", zap.String("cart_id", req.CartID), zap.Error(err))
		}
	}

	return &CheckoutResult{Order: order, ProcessURL: processURL}, nil
}

func (s *OrderService) newOrder(req CheckoutRequest) *models.Order {
	items := make([]models.OrderItem, len(req.Items))
	for i, li := range req.Items {
		items[i] = models.OrderItem{
			ProductID:   li.ProductID,
			ProductName: li.Name,
			Quantity:    li.Quantity,
			Price:       li.UnitPrice,
		}
	}

	return &models.Order{
		Status:           models.OrderStatusPending,
		Total:            Total(req.Items),
		Currency:         s.cfg.Currency,
		CustomerName:     req.Customer.FullName(),
		CustomerEmail:    req.Customer.Email,
		CustomerPhone:    optional(req.Customer.Phone),
		CustomerDocument: optional(req.Customer.Document),
		IPAddress:        req.IPAddress,
		UserAgent:        req.UserAgent,
		Items:            items,
	}
}

// createOrder stores the order under a fresh reference, retrying on collisions.
func (s *OrderService) createOrder(ctx context.Context, order *models.Order) error {
	var err error
	for attempt := 1; attempt <= maxReferenceAttempts; attempt++ {
		order.Reference = s.newReference()
		err = s.orders.CreateOrder(ctx, order)
		if !errors.Is(err, store.ErrDuplicateReference) {
			return err
		}
		s.logger.Warn("Order reference collision", zap.String("reference", order.Reference), zap.Int("attempt", attempt))
	}
	return err
}

func (s *OrderService) sessionRequest(order *models.Order, req CheckoutRequest) gateway.SessionRequest {
	items := make([]gateway.Item, len(order.Items))
	for i, item := range order.Items {
		items[i] = gateway.Item{
			SKU:      strconv.FormatInt(item.ProductID, 10),
			Name:     item.ProductName,
			Category: "physical",
			Qty:      item.Quantity,
			Price:    item.Price,
			Tax:      decimal.Zero,
		}
	}

	return gateway.SessionRequest{
		Reference:   order.Reference,
		Description: fmt.Sprintf("Order %s - %s Purchase", order.Reference, s.cfg.AppName),
		Currency:    order.Currency,
		Total:       order.Total,
		Items:       items,
		Buyer: gateway.Buyer{
			Name:     req.Customer.FirstName,
			Surname:  req.Customer.LastName,
			Email:    req.Customer.Email,
			Mobile:   req.Customer.Phone,
			Document: req.Customer.Document,
		},
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
	}
}

// HandleReturn reconciles an order when the buyer comes back from the gateway.
// The gateway's answer always overwrites the stored status.
func (s *OrderService) HandleReturn(ctx context.Context, reference string) (*OrderView, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.HandleReturn")
	defer span.End()

	order, err := s.orders.GetOrderByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}

	view := &OrderView{Order: order}
	if order.HasSession() {
		result := s.gateway.QuerySession(ctx, *order.RequestID)
		if result.Unreachable() {
			view.Notice = statusUnknownNotice
		} else if err := s.applyStatus(ctx, order, result.Status, result.Message, "return"); err != nil {
			return nil, err
		}
	}

	if err := s.loadItems(ctx, order); err != nil {
		return nil, err
	}
	return view, nil
}

// GetOrder returns an order, refreshing its status from the gateway while it is still open.
func (s *OrderService) GetOrder(ctx context.Context, id int64) (*OrderView, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.GetOrder")
	defer span.End()

	order, err := s.orders.GetOrderByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}

	view := s.refresh(ctx, order)
	if err := s.loadItems(ctx, order); err != nil {
		return nil, err
	}
	return view, nil
}

// ListOrders returns recent orders newest first. The newest open orders are
// refreshed from the gateway, at most ListRefreshLimit per call; older ones are
// served as stored.
func (s *OrderService) ListOrders(ctx context.Context) ([]OrderView, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ListOrders")
	defer span.End()

	orders, err := s.orders.ListOrders(ctx, s.cfg.ListLimit)
	if err != nil {
		return nil, err
	}

	ids := make([]int64, len(orders))
	for i := range orders {
		ids[i] = orders[i].ID
	}
	items, err := s.orders.GetItemsForOrders(ctx, ids)
	if err != nil {
		return nil, err
	}

	views := make([]OrderView, len(orders))
	refreshes := 0
	for i := range orders {
		order := &orders[i]
		order.Items = items[order.ID]
		if needsRefresh(order) {
			if refreshes >= s.cfg.ListRefreshLimit {
				util.ReconciliationsSkippedTotal.WithLabelValues(skipListCap).Inc()
				views[i] = OrderView{Order: order}
				continue
			}
			refreshes++
		}
		views[i] = *s.refresh(ctx, order)
	}
	return views, nil
}

// refresh re-queries the gateway for PENDING and OK orders and stores the
// status only when it changed. Other statuses are served as stored.
func (s *OrderService) refresh(ctx context.Context, order *models.Order) *OrderView {
	view := &OrderView{Order: order}
	switch {
	case !order.HasSession():
		util.ReconciliationsSkippedTotal.WithLabelValues(skipNoSession).Inc()
		return view
	case !models.IsRefreshable(order.Status):
		util.ReconciliationsSkippedTotal.WithLabelValues(skipTerminal).Inc()
		return view
	}

	result := s.gateway.QuerySession(ctx, *order.RequestID)
	if result.Unreachable() {
		view.Notice = statusUnknownNotice
		return view
	}
	if result.Status == order.Status {
		return view
	}

	if err := s.applyStatus(ctx, order, result.Status, result.Message, sourceView); err != nil {
		s.logger.Error("Failed to store refreshed status", zap.String("reference", order.Reference), zap.Error(err))
		view.Notice = statusUnknownNotice
	}
	return view
}

// Cancel marks the order CANCELLED. Cancelling twice leaves the same state.
// An open gateway session is cancelled as well, best effort.
func (s *OrderService) Cancel(ctx context.Context, reference string) (*OrderView, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.Cancel")
	defer span.End()

	order, err := s.orders.GetOrderByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}

	if order.HasSession() && !models.IsTerminalStatus(order.Status) {
		if result := s.gateway.CancelSession(ctx, *order.RequestID); !result.OK() {
			s.logger.Warn("Gateway session cancel failed",
				zap.String("reference", order.Reference),
				zap.String("status", result.Status),
				zap.String("message", result.Message))
		}
	}

	if err := s.applyStatus(ctx, order, models.OrderStatusCancelled, CancelledByUserMessage, "cancel"); err != nil {
		return nil, err
	}
	if err := s.loadItems(ctx, order); err != nil {
		return nil, err
	}
	return &OrderView{Order: order}, nil
}

// PaymentNotification is a verified push from the gateway.
type PaymentNotification struct {
	RequestID int64
	Reference string
	Status    string
	Message   string
}

// HandleNotification reconciles the order named by a gateway push the same way
// the return flow does. The pushed status is only a hint; the gateway is queried.
func (s *OrderService) HandleNotification(ctx context.Context, n PaymentNotification) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.HandleNotification")
	defer span.End()

	var (
		order *models.Order
		err   error
	)
	if n.Reference != "" {
		order, err = s.orders.GetOrderByReference(ctx, n.Reference)
	} else {
		order, err = s.orders.GetOrderByRequestID(ctx, n.RequestID)
	}
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}
	if !order.HasSession() || *order.RequestID != n.RequestID {
		return nil, fmt.Errorf("%w: %s", ErrNotificationOrder, order.Reference)
	}

	result := s.gateway.QuerySession(ctx, n.RequestID)
	if result.Unreachable() {
		return nil, fmt.Errorf("%w: %s", ErrGatewayUnavailable, result.Reason)
	}
	if err := s.applyStatus(ctx, order, result.Status, result.Message, "notification"); err != nil {
		return nil, err
	}
	return order, nil
}

// applyStatus persists status and message, updates order in place and
// publishes ORDER_STATUS_CHANGED when the status differs from the stored one.
// Refreshes from the view flow never replace a terminal status written meanwhile.
func (s *OrderService) applyStatus(ctx context.Context, order *models.Order, status, message, source string) error {
	update := s.orders.UpdateOrderStatus
	if source == sourceView {
		update = s.orders.RefreshOrderStatus
	}

	previous, err := update(ctx, order.ID, status, message)
	if errors.Is(err, store.ErrOrderSettled) {
		s.logger.Info("Order settled concurrently, refresh discarded",
			zap.String("reference", order.Reference),
			zap.String("stored", previous),
			zap.String("received", status))
		order.Status = previous
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}

	order.Status = status
	order.StatusMessage = optional(message)

	if previous == status {
		return nil
	}

	util.OrderStatusTransitionsTotal.WithLabelValues(status, source).Inc()
	s.logger.Info("Order status changed",
		zap.String("reference", order.Reference),
		zap.String("from", previous),
		zap.String("to", status),
		zap.String("source", source))

	if s.events == nil {
		return nil
	}
	event := &models.OrderStatusChangedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeOrderStatusChanged,
			Timestamp: time.Now(),
		},
		OrderID:        order.ID,
		Reference:      order.Reference,
		PreviousStatus: previous,
		Status:         status,
		Message:        message,
	}
	if err := s.events.PublishOrderStatusChanged(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderStatusChanged event", zap.Error(err))
	}
	return nil
}

func needsRefresh(order *models.Order) bool {
	return order.HasSession() && models.IsRefreshable(order.Status)
}

func (s *OrderService) loadItems(ctx context.Context, order *models.Order) error {
	items, err := s.orders.GetOrderItems(ctx, order.ID)
	if err != nil {
		return fmt.Errorf("failed to load order items: %w", err)
	}
	order.Items = items
	return nil
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
