package service

import (
	"context"
	"regexp"
	"testing"
	"time"

	"checkout-service/internal/gateway"
	"checkout-service/internal/models"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	repo    *fakeRepo
	gateway *fakeGateway
	carts   *fakeCarts
	events  *fakePublisher
	svc     *OrderService
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		repo:    newFakeRepo(),
		gateway: &fakeGateway{},
		carts:   newFakeCarts(),
		events:  &fakePublisher{},
	}
	svc, err := NewOrderService(f.repo, f.gateway, f.carts, f.events,
		OrderConfig{AppName: "MockStore", Currency: "USD"}, opts...)
	require.NoError(t, err)
	f.svc = svc
	return f
}

func sampleItems() []LineItem {
	return []LineItem{
		{ProductID: 1, Name: "Headphones", Quantity: 2, UnitPrice: decimal.RequireFromString("10.00")},
		{ProductID: 2, Name: "Cable", Quantity: 1, UnitPrice: decimal.RequireFromString("5.50")},
	}
}

func sampleCheckout(cartID string) CheckoutRequest {
	return CheckoutRequest{
		CartID: cartID,
		Items:  sampleItems(),
		Customer: Customer{
			FirstName: "Ana",
			LastName:  "Gómez",
			Email:     "ana@example.com",
			Phone:     "+57 300 1234567",
		},
		IPAddress: "203.0.113.9",
		UserAgent: "test-agent",
	}
}

func sessionOK(requestID int64) gateway.SessionResult {
	return gateway.SessionResult{
		Status:     gateway.StatusOK,
		Message:    "La petición se ha procesado correctamente",
		RequestID:  requestID,
		ProcessURL: "https://gw.example/session/4242",
	}
}

func pendingOrderWithSession(f *fixture, status string) *models.Order {
	requestID := int64(4242)
	processURL := "https://gw.example/session/4242"
	return f.repo.put(&models.Order{
		Reference:  "ORD-20240310-0000AAAA",
		Status:     status,
		RequestID:  &requestID,
		ProcessURL: &processURL,
		Total:      decimal.RequireFromString("25.50"),
		Currency:   "USD",
	})
}

func TestCheckout(t *testing.T) {
	t.Run("opens session, records it and clears the cart", func(t *testing.T) {
		f := newFixture(t)
		f.gateway.create = sessionOK(4242)
		require.NoError(t, f.carts.CartAdd(context.Background(), "cart-1", 1, 2))

		result, err := f.svc.Checkout(context.Background(), sampleCheckout("cart-1"))
		require.NoError(t, err)

		assert.True(t, result.OK())
		assert.Equal(t, "https://gw.example/session/4242", result.ProcessURL)
		assert.Equal(t, models.OrderStatusOK, result.Order.Status)

		stored := f.repo.stored(result.Order.ID)
		require.NotNil(t, stored)
		assert.Equal(t, models.OrderStatusOK, stored.Status)
		assert.Equal(t, int64(4242), *stored.RequestID)
		assert.Equal(t, "Ana Gómez", stored.CustomerName)
		assert.Equal(t, "25.50", stored.Total.StringFixed(2))

		assert.Equal(t, 1, f.carts.clearCalls)
		items, _ := f.carts.CartItems(context.Background(), "cart-1")
		assert.Empty(t, items)

		req := f.gateway.lastRequest
		assert.Equal(t, stored.Reference, req.Reference)
		assert.Equal(t, "Order "+stored.Reference+" - MockStore Purchase", req.Description)
		assert.Equal(t, "25.50", req.Total.StringFixed(2))
		assert.Equal(t, "Ana", req.Buyer.Name)
		assert.Equal(t, "Gómez", req.Buyer.Surname)
		require.Len(t, req.Items, 2)
		assert.Equal(t, "1", req.Items[0].SKU)
		assert.Equal(t, "physical", req.Items[0].Category)

		require.Len(t, f.events.events, 1)
		assert.Equal(t, models.OrderStatusPending, f.events.events[0].PreviousStatus)
		assert.Equal(t, models.OrderStatusOK, f.events.events[0].Status)
	})

	t.Run("unreachable gateway fails the order and keeps the cart", func(t *testing.T) {
		f := newFixture(t)
		f.gateway.create = gateway.SessionResult{
			Status:  gateway.StatusError,
			Reason:  gateway.ReasonConnectionError,
			Message: "Unable to reach the payment gateway",
		}
		require.NoError(t, f.carts.CartAdd(context.Background(), "cart-1", 1, 1))

		result, err := f.svc.Checkout(context.Background(), sampleCheckout("cart-1"))
		require.NoError(t, err)

		assert.False(t, result.OK())
		assert.Equal(t, "Payment error: Unable to reach the payment gateway", result.Failure)

		stored := f.repo.stored(result.Order.ID)
		assert.Equal(t, models.OrderStatusFailed, stored.Status)
		assert.False(t, stored.HasSession())

		assert.Zero(t, f.carts.clearCalls)
		items, _ := f.carts.CartItems(context.Background(), "cart-1")
		assert.Equal(t, map[int64]int{1: 1}, items)
	})

	t.Run("business failure keeps gateway message verbatim", func(t *testing.T) {
		f := newFixture(t)
		f.gateway.create = gateway.SessionResult{Status: gateway.StatusFailed, Reason: "401", Message: "Autenticación fallida 102"}

		result, err := f.svc.Checkout(context.Background(), sampleCheckout("cart-1"))
		require.NoError(t, err)

		stored := f.repo.stored(result.Order.ID)
		assert.Equal(t, models.OrderStatusFailed, stored.Status)
		require.NotNil(t, stored.StatusMessage)
		assert.Equal(t, "Autenticación fallida 102", *stored.StatusMessage)
	})

	t.Run("empty cart", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.svc.Checkout(context.Background(), CheckoutRequest{CartID: "cart-1"})
		assert.ErrorIs(t, err, ErrEmptyCart)
		assert.Zero(t, f.gateway.createCalls)
	})

	t.Run("persistence failure aborts before the gateway", func(t *testing.T) {
		f := newFixture(t)
		f.repo.createErrs = []error{errDatabaseDown}

		_, err := f.svc.Checkout(context.Background(), sampleCheckout("cart-1"))
		assert.ErrorIs(t, err, ErrCheckoutUnavailable)
		assert.Zero(t, f.gateway.createCalls)
	})

	t.Run("concurrent checkout of the same cart is rejected", func(t *testing.T) {
		locker := &fakeLocker{held: map[string]bool{"checkout:cart-1": true}}
		f := newFixture(t, WithLocker(locker))

		_, err := f.svc.Checkout(context.Background(), sampleCheckout("cart-1"))
		assert.ErrorIs(t, err, ErrCheckoutInProgress)
		assert.Zero(t, f.gateway.createCalls)
	})

	t.Run("lock is released after checkout", func(t *testing.T) {
		locker := &fakeLocker{held: map[string]bool{}}
		f := newFixture(t, WithLocker(locker))
		f.gateway.create = sessionOK(1)

		_, err := f.svc.Checkout(context.Background(), sampleCheckout("cart-1"))
		require.NoError(t, err)
		assert.Empty(t, locker.held)
	})
}

func TestCheckoutRetriesReferenceCollision(t *testing.T) {
	f := newFixture(t, WithReferenceGenerator(sequenceReferences("ORD-20240310-AAAAAAAA", "ORD-20240310-BBBBBBBB")))
	f.gateway.create = sessionOK(1)
	f.repo.put(&models.Order{Reference: "ORD-20240310-AAAAAAAA", Status: models.OrderStatusPending})

	result, err := f.svc.Checkout(context.Background(), sampleCheckout("cart-1"))
	require.NoError(t, err)
	assert.Equal(t, "ORD-20240310-BBBBBBBB", result.Order.Reference)
}

func TestCheckoutGivesUpAfterRepeatedCollisions(t *testing.T) {
	f := newFixture(t, WithReferenceGenerator(sequenceReferences("ORD-20240310-AAAAAAAA")))
	f.repo.put(&models.Order{Reference: "ORD-20240310-AAAAAAAA", Status: models.OrderStatusPending})

	_, err := f.svc.Checkout(context.Background(), sampleCheckout("cart-1"))
	assert.ErrorIs(t, err, ErrCheckoutUnavailable)
	assert.ErrorContains(t, err, store.ErrDuplicateReference.Error())
	assert.Zero(t, f.gateway.createCalls)
}

func TestOrderTotalIgnoresLaterPriceChanges(t *testing.T) {
	f := newFixture(t)
	f.gateway.create = sessionOK(7)
	catalog := &fakeCatalog{products: map[int64]*models.Product{
		1: {ID: 1, Name: "Headphones", Price: decimal.RequireFromString("10.00")},
		2: {ID: 2, Name: "Cable", Price: decimal.RequireFromString("5.50")},
	}}
	cart := NewCartService(f.carts, catalog)
	ctx := context.Background()

	_, err := cart.AddItem(ctx, "cart-1", 1, 2)
	require.NoError(t, err)
	_, err = cart.AddItem(ctx, "cart-1", 2, 1)
	require.NoError(t, err)

	items, err := cart.Items(ctx, "cart-1")
	require.NoError(t, err)
	req := sampleCheckout("cart-1")
	req.Items = items

	result, err := f.svc.Checkout(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "25.50", result.Order.Total.StringFixed(2))

	catalog.products[1].Price = decimal.RequireFromString("99.00")
	f.gateway.query = gateway.SessionResult{Status: models.OrderStatusApproved}

	view, err := f.svc.GetOrder(ctx, result.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, "25.50", view.Order.Total.StringFixed(2))
	require.Len(t, view.Order.Items, 2)
	assert.Equal(t, "10.00", view.Order.Items[0].Price.StringFixed(2))
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	f.gateway.cancel = gateway.SessionResult{Status: gateway.StatusOK}
	order := pendingOrderWithSession(f, models.OrderStatusOK)

	first, err := f.svc.Cancel(context.Background(), order.Reference)
	require.NoError(t, err)
	second, err := f.svc.Cancel(context.Background(), order.Reference)
	require.NoError(t, err)

	for _, view := range []*OrderView{first, second} {
		assert.Equal(t, models.OrderStatusCancelled, view.Order.Status)
		require.NotNil(t, view.Order.StatusMessage)
		assert.Equal(t, CancelledByUserMessage, *view.Order.StatusMessage)
	}
	assert.Equal(t, 1, f.gateway.cancelCalls, "terminal order must not be cancelled at the gateway again")
	assert.Len(t, f.events.events, 1)

	_, err = f.svc.Cancel(context.Background(), "ORD-UNKNOWN")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestTerminalOrdersAreNotRequeried(t *testing.T) {
	for _, status := range []string{
		models.OrderStatusApproved,
		models.OrderStatusRejected,
		models.OrderStatusCancelled,
		models.OrderStatusFailed,
	} {
		t.Run(status, func(t *testing.T) {
			f := newFixture(t)
			f.gateway.query = gateway.SessionResult{Status: models.OrderStatusPending}
			order := pendingOrderWithSession(f, status)
			skipped := util.ReconciliationsSkippedTotal.WithLabelValues(skipTerminal)
			before := testutil.ToFloat64(skipped)

			view, err := f.svc.GetOrder(context.Background(), order.ID)
			require.NoError(t, err)
			assert.Equal(t, status, view.Order.Status)

			_, err = f.svc.ListOrders(context.Background())
			require.NoError(t, err)

			assert.Zero(t, f.gateway.queries())
			assert.Equal(t, before+2, testutil.ToFloat64(skipped))
		})
	}
}

func TestReconciliation(t *testing.T) {
	f := newFixture(t)
	order := pendingOrderWithSession(f, models.OrderStatusPending)
	ctx := context.Background()

	f.gateway.query = gateway.SessionResult{Status: models.OrderStatusApproved, Message: "Approved transaction"}
	view, err := f.svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusApproved, view.Order.Status)
	assert.Equal(t, "Approved transaction", *view.Order.StatusMessage)
	assert.Equal(t, models.OrderStatusApproved, f.repo.stored(order.ID).Status)

	// The view flow leaves terminal orders alone.
	f.gateway.query = gateway.SessionResult{Status: models.OrderStatusPending, Message: "Pending"}
	view, err = f.svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusApproved, view.Order.Status)
	assert.Equal(t, 1, f.gateway.queries())

	// The return flow always applies the gateway's latest answer.
	view, err = f.svc.HandleReturn(ctx, order.Reference)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, view.Order.Status)
	assert.Equal(t, models.OrderStatusPending, f.repo.stored(order.ID).Status)
	assert.Equal(t, 2, f.gateway.queries())
}

func TestViewSkipsWriteWhenStatusUnchanged(t *testing.T) {
	f := newFixture(t)
	order := pendingOrderWithSession(f, models.OrderStatusPending)
	f.gateway.query = gateway.SessionResult{Status: models.OrderStatusPending}

	_, err := f.svc.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, f.gateway.queries())
	assert.Zero(t, f.repo.updateCalls)
}

func TestGatewayOutageDuringReconciliationIsANotice(t *testing.T) {
	f := newFixture(t)
	order := pendingOrderWithSession(f, models.OrderStatusPending)
	f.gateway.query = gateway.SessionResult{Status: gateway.StatusError, Reason: gateway.ReasonParseError}

	view, err := f.svc.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, view.Notice)
	assert.Equal(t, models.OrderStatusPending, view.Order.Status)

	view, err = f.svc.HandleReturn(context.Background(), order.Reference)
	require.NoError(t, err)
	assert.NotEmpty(t, view.Notice)
	assert.Zero(t, f.repo.updateCalls)
}

func TestHandleReturnWithoutSession(t *testing.T) {
	f := newFixture(t)
	order := f.repo.put(&models.Order{Reference: "ORD-20240310-CCCCCCCC", Status: models.OrderStatusFailed})

	view, err := f.svc.HandleReturn(context.Background(), order.Reference)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFailed, view.Order.Status)
	assert.Zero(t, f.gateway.queries())

	_, err = f.svc.HandleReturn(context.Background(), "ORD-MISSING")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestOrdersWithoutSessionAreNotRequeried(t *testing.T) {
	f := newFixture(t)
	order := f.repo.put(&models.Order{Reference: "ORD-20240310-EEEEEEEE", Status: models.OrderStatusPending})
	skipped := util.ReconciliationsSkippedTotal.WithLabelValues(skipNoSession)
	before := testutil.ToFloat64(skipped)

	_, err := f.svc.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)

	assert.Zero(t, f.gateway.queries())
	assert.Equal(t, before+1, testutil.ToFloat64(skipped))
}

func TestViewRefreshDoesNotReopenConcurrentlySettledOrder(t *testing.T) {
	f := newFixture(t)
	order := pendingOrderWithSession(f, models.OrderStatusPending)
	ctx := context.Background()

	// The gateway answers with a stale OK while a return callback settles the order.
	f.gateway.query = gateway.SessionResult{Status: models.OrderStatusOK, Message: "Pending payment"}
	f.repo.beforeRefresh = func() {
		_, err := f.repo.UpdateOrderStatus(ctx, order.ID, models.OrderStatusApproved, "Approved transaction")
		require.NoError(t, err)
	}

	view, err := f.svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusApproved, view.Order.Status)
	assert.Equal(t, models.OrderStatusApproved, f.repo.stored(order.ID).Status)
	assert.Empty(t, f.events.events, "a discarded refresh publishes nothing")
}

func TestListOrdersCapsGatewayRefreshes(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 25; i++ {
		pendingOrderWithSession(f, models.OrderStatusPending)
	}
	f.gateway.query = gateway.SessionResult{Status: gateway.StatusError, Reason: gateway.ReasonConnectionError}
	capped := util.ReconciliationsSkippedTotal.WithLabelValues(skipListCap)
	before := testutil.ToFloat64(capped)

	views, err := f.svc.ListOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, views, 25)

	assert.Equal(t, defaultListRefreshes, f.gateway.queries())
	assert.Equal(t, before+15, testutil.ToFloat64(capped))

	noticed := 0
	for _, v := range views {
		if v.Notice != "" {
			noticed++
		}
	}
	assert.Equal(t, defaultListRefreshes, noticed)
}

func TestListRefreshLimitIsConfigurable(t *testing.T) {
	f := newFixture(t)
	svc, err := NewOrderService(f.repo, f.gateway, f.carts, f.events,
		OrderConfig{AppName: "MockStore", Currency: "USD", ListRefreshLimit: 3})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		pendingOrderWithSession(f, models.OrderStatusOK)
	}
	f.gateway.query = gateway.SessionResult{Status: models.OrderStatusOK}

	_, err = svc.ListOrders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, f.gateway.queries())
}

func TestListOrdersRefreshesOpenOrders(t *testing.T) {
	f := newFixture(t)
	open := pendingOrderWithSession(f, models.OrderStatusOK)
	f.repo.put(&models.Order{Reference: "ORD-20240310-DDDDDDDD", Status: models.OrderStatusApproved})
	f.gateway.query = gateway.SessionResult{Status: models.OrderStatusRejected, Message: "Rejected"}

	views, err := f.svc.ListOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, views, 2)

	assert.Equal(t, 1, f.gateway.queries())
	assert.Equal(t, models.OrderStatusRejected, f.repo.stored(open.ID).Status)
}

func TestHandleNotification(t *testing.T) {
	t.Run("queries the gateway and applies its status", func(t *testing.T) {
		f := newFixture(t)
		order := pendingOrderWithSession(f, models.OrderStatusOK)
		f.gateway.query = gateway.SessionResult{Status: models.OrderStatusApproved, Message: "Approved"}

		updated, err := f.svc.HandleNotification(context.Background(), PaymentNotification{
			RequestID: 4242, Reference: order.Reference, Status: models.OrderStatusRejected,
		})
		require.NoError(t, err)
		assert.Equal(t, models.OrderStatusApproved, updated.Status)
	})

	t.Run("session mismatch", func(t *testing.T) {
		f := newFixture(t)
		order := pendingOrderWithSession(f, models.OrderStatusOK)

		_, err := f.svc.HandleNotification(context.Background(), PaymentNotification{RequestID: 1, Reference: order.Reference})
		assert.ErrorIs(t, err, ErrNotificationOrder)
		assert.Zero(t, f.gateway.queries())
	})

	t.Run("gateway outage is retryable", func(t *testing.T) {
		f := newFixture(t)
		pendingOrderWithSession(f, models.OrderStatusOK)
		f.gateway.query = gateway.SessionResult{Status: gateway.StatusError, Reason: gateway.ReasonConnectionError}

		_, err := f.svc.HandleNotification(context.Background(), PaymentNotification{RequestID: 4242})
		assert.ErrorIs(t, err, ErrGatewayUnavailable)
	})
}

func TestReferenceGenerator(t *testing.T) {
	day := time.Date(2024, 3, 10, 23, 59, 0, 0, time.UTC)
	gen, err := NewReferenceGenerator(func() time.Time { return day })
	require.NoError(t, err)

	pattern := regexp.MustCompile(`^ORD-20240310-[0-9A-F]{8}$`)
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		ref := gen()
		assert.Regexp(t, pattern, ref)
		seen[ref] = true
	}
	assert.Greater(t, len(seen), 190)
}
