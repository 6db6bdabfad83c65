package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/ratelimit"
	"checkout-service/internal/service"
	"checkout-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/jaevor/go-nanoid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// OrderFlow is the order lifecycle as seen by HTTP handlers.
type OrderFlow interface {
	Checkout(ctx context.Context, req service.CheckoutRequest) (*service.CheckoutResult, error)
	HandleReturn(ctx context.Context, reference string) (*service.OrderView, error)
	GetOrder(ctx context.Context, id int64) (*service.OrderView, error)
	ListOrders(ctx context.Context) ([]service.OrderView, error)
	Cancel(ctx context.Context, reference string) (*service.OrderView, error)
}

// Cart is the session cart.
type Cart interface {
	AddItem(ctx context.Context, cartID string, productID int64, quantity int) (*models.Product, error)
	RemoveItem(ctx context.Context, cartID string, productID int64) error
	Items(ctx context.Context, cartID string) ([]service.LineItem, error)
}

// Catalog lists products.
type Catalog interface {
	ListProducts(ctx context.Context) ([]models.Product, error)
	GetProduct(ctx context.Context, id int64) (*models.Product, error)
}

// NotificationPublisher hands verified gateway notifications to the worker.
type NotificationPublisher interface {
	PublishPaymentNotification(ctx context.Context, event *models.PaymentNotificationEvent) error
}

// NotificationVerifier checks gateway notification signatures.
type NotificationVerifier interface {
	VerifyNotification(requestID, status, date, signature string) bool
}

// ReadinessCheck reports whether a dependency is usable.
type ReadinessCheck func(ctx context.Context) error

// Policies are the rate limits applied to abuse-prone routes.
type Policies struct {
	CartAdd       ratelimit.Policy
	Checkout      ratelimit.Policy
	PaymentReturn ratelimit.Policy
	OrderView     ratelimit.Policy
}

// Deps wires a Handler.
type Deps struct {
	Catalog   Catalog
	Cart      Cart
	Orders    OrderFlow
	Sessions  SessionStore
	Limiter   ratelimit.Limiter
	Policies  Policies
	Notifier  NotificationPublisher
	Verifier  NotificationVerifier
	Readiness map[string]ReadinessCheck
	// Secure marks the service as served over HTTPS: cookies are Secure and HSTS is sent.
	Secure bool
	// GatewayURL is the payment gateway origin allowed by the Content-Security-Policy.
	GatewayURL string
}

// Handler contains HTTP handlers
type Handler struct {
	catalog   Catalog
	cart      Cart
	orders    OrderFlow
	sessions  SessionStore
	limiter   ratelimit.Limiter
	policies  Policies
	notifier  NotificationPublisher
	verifier  NotificationVerifier
	readiness map[string]ReadinessCheck
	secure    bool
	csp       string
	newToken  func() string
	validate  *validator.Validate
	logger    *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(deps Deps) (*Handler, error) {
	newToken, err := nanoid.Standard(32)
	if err != nil {
		return nil, err
	}
	validate, err := newValidator()
	if err != nil {
		return nil, err
	}

	return &Handler{
		catalog:   deps.Catalog,
		cart:      deps.Cart,
		orders:    deps.Orders,
		sessions:  deps.Sessions,
		limiter:   deps.Limiter,
		policies:  deps.Policies,
		notifier:  deps.Notifier,
		verifier:  deps.Verifier,
		readiness: deps.Readiness,
		secure:    deps.Secure,
		csp:       contentSecurityPolicy(deps.GatewayURL),
		newToken:  newToken,
		validate:  validate,
		logger:    util.GetLogger(),
	}, nil
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(securityHeaders(h.csp, h.secure))
	router.Use(prometheusMiddleware())
	router.Use(requestLogger(h.logger))

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	session := h.sessionMiddleware()
	csrf := h.csrfMiddleware()

	v1 := router.Group("/api/v1", session)
	{
		v1.GET("/csrf", h.csrfToken)

		v1.GET("/products", h.listProducts)
		v1.GET("/products/:id", h.getProduct)

		v1.GET("/cart", h.getCart)
		v1.POST("/cart/items", ratelimit.Middleware(h.limiter, h.policies.CartAdd), csrf, h.addCartItem)
		v1.DELETE("/cart/items/:id", csrf, h.removeCartItem)

		v1.POST("/checkout", ratelimit.Middleware(h.limiter, h.policies.Checkout), csrf, h.checkout)

		orderView := ratelimit.Middleware(h.limiter, h.policies.OrderView)
		v1.GET("/orders", orderView, h.listOrders)
		v1.GET("/orders/:id", orderView, h.getOrder)
	}

	payment := router.Group("/payment")
	{
		payment.GET("/return", ratelimit.Middleware(h.limiter, h.policies.PaymentReturn), h.paymentReturn)
		payment.GET("/cancel", h.paymentCancel)
		payment.POST("/notify", h.paymentNotify)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports ready only when every dependency answers
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, check := range h.readiness {
		if err := check(ctx); err != nil {
			h.logger.Warn("Readiness check failed", zap.String("dependency", name), zap.Error(err))
			failed[name] = "unavailable"
		}
	}

	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":       "not_ready",
			"dependencies": failed,
			"time":         time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

func (h *Handler) listProducts(c *gin.Context) {
	products, err := h.catalog.ListProducts(c.Request.Context())
	if err != nil {
		h.internalError(c, "Failed to load products", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"products": products})
}

func (h *Handler) getProduct(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid product ID"})
		return
	}

	product, err := h.catalog.GetProduct(c.Request.Context(), id)
	if err != nil {
		if isNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Product not found"})
			return
		}
		h.internalError(c, "Failed to load product", err)
		return
	}
	c.JSON(http.StatusOK, product)
}

// listOrders handles the order history
func (h *Handler) listOrders(c *gin.Context) {
	views, err := h.orders.ListOrders(c.Request.Context())
	if err != nil {
		h.internalError(c, "Failed to load orders", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": views})
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	orderID, ok := pathID(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid order ID",
		})
		return
	}

	view, err := h.orders.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		if errors.Is(err, service.ErrOrderNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
			return
		}
		h.internalError(c, "Failed to load order", err)
		return
	}

	c.JSON(http.StatusOK, orderResponse(view))
}

func (h *Handler) internalError(c *gin.Context, message string, err error) {
	h.logger.Error(message, zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": message})
}

func orderResponse(view *service.OrderView) gin.H {
	resp := gin.H{
		"order":        view.Order,
		"status_label": statusLabel(view.Order.Status),
		"payable":      view.Order.Payable(),
	}
	if view.Notice != "" {
		resp["notice"] = view.Notice
	}
	return resp
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
