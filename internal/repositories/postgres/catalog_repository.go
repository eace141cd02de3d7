package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	domain "github.com/webrichesse/orders-api/internal/domain"
	"github.com/webrichesse/orders-api/internal/repositories"
)

// CatalogRepository reads product snapshots from the products table.
type CatalogRepository struct {
	pool *pgxpool.Pool
}

var _ repositories.CatalogReader = (*CatalogRepository)(nil)

func NewCatalogRepository(pool *pgxpool.Pool) (*CatalogRepository, error) {
	if pool == nil {
		return nil, errors.New("catalog repository requires postgres pool")
	}
	return &CatalogRepository{pool: pool}, nil
}

func (r *CatalogRepository) GetPrice(ctx context.Context, productID string) (domain.Product, error) {
	productID = strings.TrimSpace(productID)
	var (
		product domain.Product
		price   string
	)
	err := r.pool.QueryRow(ctx, `SELECT id, store_id, title, price::text FROM products WHERE id = $1`, productID).
		Scan(&product.ID, &product.StoreID, &product.Title, &price)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Product{}, notFoundError("products.get", "product "+productID+" not found")
	}
	if err != nil {
		return domain.Product{}, wrapError("products.get", err)
	}
	if product.Price, err = decimal.NewFromString(price); err != nil {
		return domain.Product{}, fmt.Errorf("decode product %s price: %w", productID, err)
	}
	return product, nil
}

// PutProduct upserts a product row. Used by seeding tools and tests.
func (r *CatalogRepository) PutProduct(ctx context.Context, product domain.Product) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO products (id, store_id, title, price, updated_at)
		VALUES ($1, $2, $3, $4::text::numeric, NOW())
		ON CONFLICT (id) DO UPDATE SET store_id = EXCLUDED.store_id, title = EXCLUDED.title,
			price = EXCLUDED.price, updated_at = NOW()`,
		product.ID, product.StoreID, product.Title, product.Price.String())
	return wrapError("products.put", err)
}
