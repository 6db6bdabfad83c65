package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"checkout-service/internal/gateway"
	"checkout-service/internal/models"
	"checkout-service/internal/store"
)

type fakeRepo struct {
	mu          sync.Mutex
	nextID      int64
	orders      map[int64]*models.Order
	items       map[int64][]models.OrderItem
	createErrs  []error
	updateCalls int

	// beforeRefresh runs once at the start of the next RefreshOrderStatus.
	beforeRefresh func()
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		orders: make(map[int64]*models.Order),
		items:  make(map[int64][]models.OrderItem),
	}
}

func copyOrder(o *models.Order) *models.Order {
	c := *o
	c.Items = nil
	return &c
}

func (r *fakeRepo) CreateOrder(_ context.Context, order *models.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.createErrs) > 0 {
		err := r.createErrs[0]
		r.createErrs = r.createErrs[1:]
		if err != nil {
			return err
		}
	}
	for _, o := range r.orders {
		if o.Reference == order.Reference {
			return store.ErrDuplicateReference
		}
	}

	r.nextID++
	order.ID = r.nextID
	order.CreatedAt = time.Now()
	order.UpdatedAt = order.CreatedAt
	for i := range order.Items {
		order.Items[i].ID = int64(i + 1)
		order.Items[i].OrderID = order.ID
	}
	r.orders[order.ID] = copyOrder(order)
	r.items[order.ID] = append([]models.OrderItem(nil), order.Items...)
	return nil
}

func (r *fakeRepo) put(order *models.Order) *models.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	order.ID = r.nextID
	r.orders[order.ID] = copyOrder(order)
	return order
}

func (r *fakeRepo) stored(id int64) *models.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o, ok := r.orders[id]; ok {
		return copyOrder(o)
	}
	return nil
}

func (r *fakeRepo) GetOrderByID(_ context.Context, id int64) (*models.Order, error) {
	return r.stored(id), nil
}

func (r *fakeRepo) GetOrderByReference(_ context.Context, reference string) (*models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.orders {
		if o.Reference == reference {
			return copyOrder(o), nil
		}
	}
	return nil, nil
}

func (r *fakeRepo) GetOrderByRequestID(_ context.Context, requestID int64) (*models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.orders {
		if o.RequestID != nil && *o.RequestID == requestID {
			return copyOrder(o), nil
		}
	}
	return nil, nil
}

func (r *fakeRepo) GetOrderItems(_ context.Context, orderID int64) ([]models.OrderItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.OrderItem(nil), r.items[orderID]...), nil
}

func (r *fakeRepo) GetItemsForOrders(_ context.Context, ids []int64) (map[int64][]models.OrderItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	grouped := make(map[int64][]models.OrderItem)
	for _, id := range ids {
		grouped[id] = append([]models.OrderItem(nil), r.items[id]...)
	}
	return grouped, nil
}

func (r *fakeRepo) ListOrders(_ context.Context, limit int) ([]models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	orders := make([]models.Order, 0, len(r.orders))
	for _, o := range r.orders {
		orders = append(orders, *copyOrder(o))
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID > orders[j].ID })
	if len(orders) > limit {
		orders = orders[:limit]
	}
	return orders, nil
}

func (r *fakeRepo) UpdateOrderStatus(_ context.Context, orderID int64, status, message string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateCalls++
	o, ok := r.orders[orderID]
	if !ok {
		return "", store.ErrOrderNotFound
	}
	previous := o.Status
	o.Status = status
	o.StatusMessage = optional(message)
	return previous, nil
}

func (r *fakeRepo) RefreshOrderStatus(ctx context.Context, orderID int64, status, message string) (string, error) {
	r.mu.Lock()
	hook := r.beforeRefresh
	r.beforeRefresh = nil
	r.mu.Unlock()
	if hook != nil {
		hook()
	}

	r.mu.Lock()
	if o, ok := r.orders[orderID]; ok && models.IsTerminalStatus(o.Status) {
		settled := o.Status
		r.mu.Unlock()
		return settled, store.ErrOrderSettled
	}
	r.mu.Unlock()
	return r.UpdateOrderStatus(ctx, orderID, status, message)
}

func (r *fakeRepo) AttachGatewaySession(_ context.Context, orderID, requestID int64, processURL string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok {
		return store.ErrOrderNotFound
	}
	if o.RequestID != nil {
		return store.ErrSessionAlreadyAttached
	}
	o.RequestID = &requestID
	o.ProcessURL = &processURL
	return nil
}

type fakeGateway struct {
	mu          sync.Mutex
	create      gateway.SessionResult
	query       gateway.SessionResult
	cancel      gateway.SessionResult
	lastRequest gateway.SessionRequest
	createCalls int
	queryCalls  int
	cancelCalls int
}

func (g *fakeGateway) CreateSession(_ context.Context, req gateway.SessionRequest) gateway.SessionResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.createCalls++
	g.lastRequest = req
	return g.create
}

func (g *fakeGateway) QuerySession(_ context.Context, _ int64) gateway.SessionResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queryCalls++
	return g.query
}

func (g *fakeGateway) CancelSession(_ context.Context, _ int64) gateway.SessionResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelCalls++
	return g.cancel
}

func (g *fakeGateway) queries() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.queryCalls
}

type fakeCarts struct {
	mu         sync.Mutex
	carts      map[string]map[int64]int
	clearCalls int
}

func newFakeCarts() *fakeCarts {
	return &fakeCarts{carts: make(map[string]map[int64]int)}
}

func (c *fakeCarts) CartAdd(_ context.Context, cartID string, productID int64, quantity int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.carts[cartID] == nil {
		c.carts[cartID] = make(map[int64]int)
	}
	c.carts[cartID][productID] += quantity
	return nil
}

func (c *fakeCarts) CartRemove(_ context.Context, cartID string, productID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.carts[cartID], productID)
	return nil
}

func (c *fakeCarts) CartItems(_ context.Context, cartID string) (map[int64]int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int64]int)
	for k, v := range c.carts[cartID] {
		out[k] = v
	}
	return out, nil
}

func (c *fakeCarts) CartClear(_ context.Context, cartID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearCalls++
	delete(c.carts, cartID)
	return nil
}

type fakeCatalog struct {
	products map[int64]*models.Product
}

func (c *fakeCatalog) GetProducts(_ context.Context) ([]models.Product, error) {
	var out []models.Product
	for _, p := range c.products {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *fakeCatalog) GetProductByID(_ context.Context, id int64) (*models.Product, error) {
	p, ok := c.products[id]
	if !ok {
		return nil, store.ErrProductNotFound
	}
	cp := *p
	return &cp, nil
}

func (c *fakeCatalog) GetProductsByIDs(_ context.Context, ids []int64) ([]models.Product, error) {
	var out []models.Product
	for _, id := range ids {
		if p, ok := c.products[id]; ok {
			out = append(out, *p)
		}
	}
	return out, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []*models.OrderStatusChangedEvent
}

func (p *fakePublisher) PublishOrderStatusChanged(_ context.Context, event *models.OrderStatusChangedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

type fakeLocker struct {
	held map[string]bool
	err  error
}

func (l *fakeLocker) AcquireLock(_ context.Context, key string, _ time.Duration) (bool, error) {
	if l.err != nil {
		return false, l.err
	}
	if l.held[key] {
		return false, nil
	}
	l.held[key] = true
	return true, nil
}

func (l *fakeLocker) ReleaseLock(_ context.Context, key string) error {
	delete(l.held, key)
	return nil
}

type fakeLedger struct {
	processed map[string]string
	err       error
}

func (l *fakeLedger) IsEventProcessed(_ context.Context, eventID string) (bool, error) {
	if l.err != nil {
		return false, l.err
	}
	_, ok := l.processed[eventID]
	return ok, nil
}

func (l *fakeLedger) MarkEventProcessed(_ context.Context, eventID, eventType string) error {
	l.processed[eventID] = eventType
	return nil
}

var errDatabaseDown = errors.New("database down")

func sequenceReferences(refs ...string) ReferenceGenerator {
	i := 0
	return func() string {
		ref := refs[i%len(refs)]
		i++
		return ref
	}
}
