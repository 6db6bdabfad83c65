package service

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// MaxQuantityPerProduct caps the quantity of a single product in one cart.
const MaxQuantityPerProduct = 99

var (
	ErrInvalidQuantity = errors.New("quantity must be between 1 and 99")
	ErrQuantityLimit   = errors.New("maximum quantity per product is 99")
)

// LineItem is a cart entry priced from the catalog.
type LineItem struct {
	ProductID int64           `json:"product_id"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// Subtotal returns unit price * quantity.
func (l LineItem) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Total sums the subtotals of items.
func Total(items []LineItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.Subtotal())
	}
	return total
}

// CartService manages session carts
type CartService struct {
	carts   CartStore
	catalog Catalog
	logger  *zap.Logger
}

// NewCartService creates a new cart service
func NewCartService(carts CartStore, catalog Catalog) *CartService {
	return &CartService{
		carts:   carts,
		catalog: catalog,
		logger:  util.GetLogger(),
	}
}

// AddItem adds quantity of a product to the cart and returns the product.
func (s *CartService) AddItem(ctx context.Context, cartID string, productID int64, quantity int) (*models.Product, error) {
	if quantity < 1 || quantity > MaxQuantityPerProduct {
		return nil, ErrInvalidQuantity
	}

	product, err := s.catalog.GetProductByID(ctx, productID)
	if err != nil {
		return nil, err
	}

	current, err := s.carts.CartItems(ctx, cartID)
	if err != nil {
		return nil, fmt.Errorf("failed to read cart: %w", err)
	}
	if current[productID]+quantity > MaxQuantityPerProduct {
		return nil, ErrQuantityLimit
	}

	if err := s.carts.CartAdd(ctx, cartID, productID, quantity); err != nil {
		return nil, fmt.Errorf("failed to update cart: %w", err)
	}

	s.logger.Debug("Cart item added",
		zap.String("cart_id", cartID),
		zap.Int64("product_id", productID),
		zap.Int("quantity", quantity))
	return product, nil
}

// RemoveItem drops a product from the cart
func (s *CartService) RemoveItem(ctx context.Context, cartID string, productID int64) error {
	return s.carts.CartRemove(ctx, cartID, productID)
}

// Items resolves the cart to priced line items ordered by product ID.
// Products no longer in the catalog are skipped.
func (s *CartService) Items(ctx context.Context, cartID string) ([]LineItem, error) {
	quantities, err := s.carts.CartItems(ctx, cartID)
	if err != nil {
		return nil, fmt.Errorf("failed to read cart: %w", err)
	}
	if len(quantities) == 0 {
		return nil, nil
	}

	ids := make([]int64, 0, len(quantities))
	for id := range quantities {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	products, err := s.catalog.GetProductsByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load products: %w", err)
	}

	byID := make(map[int64]*models.Product, len(products))
	for i := range products {
		byID[products[i].ID] = &products[i]
	}

	items := make([]LineItem, 0, len(ids))
	for _, id := range ids {
		product, ok := byID[id]
		if !ok {
			continue
		}
		items = append(items, LineItem{
			ProductID: id,
			Name:      product.Name,
			Quantity:  quantities[id],
			UnitPrice: product.Price,
		})
	}
	return items, nil
}

// Clear empties the cart
func (s *CartService) Clear(ctx context.Context, cartID string) error {
	return s.carts.CartClear(ctx, cartID)
}
