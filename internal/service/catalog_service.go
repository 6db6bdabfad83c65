package service

import (
	"context"

	"checkout-service/internal/models"
)

// CatalogService exposes the product catalog
type CatalogService struct {
	catalog Catalog
}

// NewCatalogService creates a new catalog service
func NewCatalogService(catalog Catalog) *CatalogService {
	return &CatalogService{catalog: catalog}
}

// ListProducts returns every product
func (s *CatalogService) ListProducts(ctx context.Context) ([]models.Product, error) {
	return s.catalog.GetProducts(ctx)
}

// GetProduct returns one product
func (s *CatalogService) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	return s.catalog.GetProductByID(ctx, id)
}
