package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	domain "github.com/webrichesse/orders-api/internal/domain"
	"github.com/webrichesse/orders-api/internal/platform/config"
	"github.com/webrichesse/orders-api/internal/repositories"
)

const (
	defaultTTL = 5 * time.Minute
	keyPrefix  = "catalog:product:"
)

// Client is the subset of the go-redis API the cache needs.
type Client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Logger receives cache failures. Lookups never fail because of the cache.
type Logger func(ctx context.Context, event string, fields map[string]any)

// CatalogCache is a read-through cache in front of a CatalogReader.
type CatalogCache struct {
	source repositories.CatalogReader
	client Client
	ttl    time.Duration
	logger Logger
}

var _ repositories.CatalogReader = (*CatalogCache)(nil)

// Option customises the cache.
type Option func(*CatalogCache)

// WithTTL overrides how long a product snapshot stays cached.
func WithTTL(ttl time.Duration) Option {
	return func(c *CatalogCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithLogger sets the failure logger.
func WithLogger(logger Logger) Option {
	return func(c *CatalogCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient dials Redis using the cache configuration.
func NewClient(cfg config.CacheConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

func NewCatalogCache(source repositories.CatalogReader, client Client, opts ...Option) (*CatalogCache, error) {
	if source == nil {
		return nil, errors.New("catalog cache requires a source catalog")
	}
	if client == nil {
		return nil, errors.New("catalog cache requires a redis client")
	}
	c := &CatalogCache{
		source: source,
		client: client,
		ttl:    defaultTTL,
		logger: func(context.Context, string, map[string]any) {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

func (c *CatalogCache) GetPrice(ctx context.Context, productID string) (domain.Product, error) {
	productID = strings.TrimSpace(productID)
	key := keyPrefix + productID

	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		product, decodeErr := decodeProduct(raw)
		if decodeErr == nil {
			return product, nil
		}
		c.logger(ctx, "catalog.cache.decode_failed", map[string]any{"productId": productID, "error": decodeErr.Error()})
	case errors.Is(err, redis.Nil):
	default:
		c.logger(ctx, "catalog.cache.get_failed", map[string]any{"productId": productID, "error": err.Error()})
	}

	product, err := c.source.GetPrice(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}

	payload, err := encodeProduct(product)
	if err == nil {
		err = c.client.Set(ctx, key, payload, c.ttl).Err()
	}
	if err != nil {
		c.logger(ctx, "catalog.cache.set_failed", map[string]any{"productId": productID, "error": err.Error()})
	}
	return product, nil
}

// Invalidate drops a cached product so the next lookup reads the source.
func (c *CatalogCache) Invalidate(ctx context.Context, productID string) error {
	return c.client.Del(ctx, keyPrefix+strings.TrimSpace(productID)).Err()
}

type cachedProduct struct {
	ID      string `json:"id"`
	StoreID string `json:"storeId"`
	Title   string `json:"title"`
	Price   string `json:"price"`
}

func encodeProduct(product domain.Product) ([]byte, error) {
	return json.Marshal(cachedProduct{
		ID:      product.ID,
		StoreID: product.StoreID,
		Title:   product.Title,
		Price:   product.Price.String(),
	})
}

func decodeProduct(raw []byte) (domain.Product, error) {
	var cached cachedProduct
	if err := json.Unmarshal(raw, &cached); err != nil {
		return domain.Product{}, err
	}
	price, err := decimal.NewFromString(cached.Price)
	if err != nil {
		return domain.Product{}, err
	}
	return domain.Product{ID: cached.ID, StoreID: cached.StoreID, Title: cached.Title, Price: price}, nil
}
