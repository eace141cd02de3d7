package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	domain "github.com/webrichesse/orders-api/internal/domain"
	pfirestore "github.com/webrichesse/orders-api/internal/platform/firestore"
	"github.com/webrichesse/orders-api/internal/repositories"
)

const productsCollection = "products"

// CatalogRepository reads product snapshots from the products collection.
type CatalogRepository struct {
	base *pfirestore.BaseRepository[productDocument]
}

var _ repositories.CatalogReader = (*CatalogRepository)(nil)

func NewCatalogRepository(provider *pfirestore.Provider) (*CatalogRepository, error) {
	if provider == nil {
		return nil, errors.New("catalog repository requires firestore provider")
	}
	return &CatalogRepository{base: pfirestore.NewBaseRepository[productDocument](provider, productsCollection)}, nil
}

func (r *CatalogRepository) GetPrice(ctx context.Context, productID string) (domain.Product, error) {
	productID = strings.TrimSpace(productID)
	doc, err := r.base.Get(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}
	price, err := parsePrice(doc.Price)
	if err != nil {
		return domain.Product{}, fmt.Errorf("decode product %s price: %w", productID, err)
	}
	return domain.Product{
		ID:      productID,
		StoreID: doc.StoreID,
		Title:   doc.Title,
		Price:   price,
	}, nil
}

// PutProduct writes a product document. Used by seeding tools and tests.
func (r *CatalogRepository) PutProduct(ctx context.Context, product domain.Product) error {
	ref, err := r.base.DocumentRef(ctx, product.ID)
	if err != nil {
		return err
	}
	_, err = ref.Set(ctx, productDocument{
		StoreID: product.StoreID,
		Title:   product.Title,
		Price:   product.Price.String(),
	})
	return pfirestore.WrapError("products.put", err)
}

type productDocument struct {
	StoreID string `firestore:"storeId"`
	Title   string `firestore:"title"`
	// Price is written as a decimal string. Numeric values from older imports are accepted.
	Price any `firestore:"price"`
}

func parsePrice(value any) (decimal.Decimal, error) {
	switch v := value.(type) {
	case string:
		return decimal.NewFromString(strings.TrimSpace(v))
	case int64:
		return decimal.NewFromInt(v), nil
	case float64:
		return decimal.NewFromFloat(v), nil
	case nil:
		return decimal.Decimal{}, errors.New("price is missing")
	default:
		return decimal.Decimal{}, fmt.Errorf("unsupported price type %T", value)
	}
}
