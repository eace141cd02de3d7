package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	domain "github.com/webrichesse/orders-api/internal/domain"
	"github.com/webrichesse/orders-api/internal/repositories"
)

// Catalog is a fixed product snapshot for tests and local development.
type Catalog struct {
	mu       sync.RWMutex
	products map[string]domain.Product
}

var _ repositories.CatalogReader = (*Catalog)(nil)

// NewCatalog seeds the catalog with products.
func NewCatalog(products ...domain.Product) *Catalog {
	c := &Catalog{products: make(map[string]domain.Product, len(products))}
	for _, p := range products {
		c.products[p.ID] = p
	}
	return c
}

// Put adds or replaces a product.
func (c *Catalog) Put(product domain.Product) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products[product.ID] = product
}

func (c *Catalog) GetPrice(_ context.Context, productID string) (domain.Product, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	product, ok := c.products[strings.TrimSpace(productID)]
	if !ok {
		return domain.Product{}, notFound("catalog.get", "product "+productID+" not found")
	}
	return product, nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
