package di

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/webrichesse/orders-api/internal/platform/config"
	pfirestore "github.com/webrichesse/orders-api/internal/platform/firestore"
	"github.com/webrichesse/orders-api/internal/platform/idempotency"
	"github.com/webrichesse/orders-api/internal/repositories"
	firestorerepo "github.com/webrichesse/orders-api/internal/repositories/firestore"
	"github.com/webrichesse/orders-api/internal/repositories/memory"
	"github.com/webrichesse/orders-api/internal/repositories/postgres"
	"github.com/webrichesse/orders-api/internal/repositories/rediscache"
)

// Registry groups the repositories and stores selected for the configured backend.
type Registry struct {
	Backend  string
	Orders   repositories.OrderRepository
	Catalog  repositories.CatalogReader
	Health   repositories.HealthRepository
	Ledger   idempotency.Store
	Requests idempotency.Store

	checks  []repositories.DependencyCheck
	closers []func(context.Context) error
}

// Close releases clients in reverse acquisition order and joins their errors.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

func (r *Registry) addCloser(fn func(context.Context) error) {
	r.closers = append(r.closers, fn)
}

func (r *Registry) addCheck(name string, fn func(context.Context) error) {
	r.checks = append(r.checks, repositories.DependencyCheck{Name: name, Check: fn})
}

// NewMemoryRegistry builds a registry over in-process repositories, used by the memory backend and tests.
func NewMemoryRegistry(orders *memory.OrderRepository, catalog *memory.Catalog) (*Registry, error) {
	if orders == nil {
		orders = memory.NewOrderRepository()
	}
	if catalog == nil {
		catalog = memory.NewCatalog()
	}
	reg := &Registry{
		Backend:  config.StoreMemory,
		Orders:   orders,
		Catalog:  catalog,
		Ledger:   idempotency.NewMemoryStore(),
		Requests: idempotency.NewMemoryStore(),
	}
	reg.addCheck("orders", func(context.Context) error { return nil })
	if err := reg.finish(); err != nil {
		return nil, err
	}
	return reg, nil
}

// BuildRegistry dials the backend selected by cfg.Store.Backend and layers the optional Redis
// catalog cache on top. On failure every client opened so far is closed.
func BuildRegistry(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	backend := strings.ToLower(strings.TrimSpace(cfg.Store.Backend))
	if backend == config.StoreMemory {
		reg, err := NewMemoryRegistry(nil, nil)
		if err != nil {
			return nil, err
		}
		logger.Warn("order store is in-memory; data is lost on restart")
		return withCatalogCache(ctx, reg, cfg.Cache, logger)
	}

	reg := &Registry{Backend: backend}
	var err error
	switch backend {
	case config.StoreFirestore:
		err = buildFirestore(ctx, reg, cfg)
	case config.StorePostgres:
		err = buildPostgres(ctx, reg, cfg, logger)
	default:
		err = fmt.Errorf("unsupported order store %q", cfg.Store.Backend)
	}
	if err == nil {
		_, err = withCatalogCache(ctx, reg, cfg.Cache, logger)
	}
	if err != nil {
		_ = reg.Close(context.Background())
		return nil, err
	}
	return reg, nil
}

func buildFirestore(ctx context.Context, reg *Registry, cfg config.Config) error {
	provider := pfirestore.NewProvider(cfg.Firestore)
	if _, err := provider.Client(ctx); err != nil {
		return fmt.Errorf("firestore: %w", err)
	}
	reg.addCloser(provider.Close)

	orders, err := firestorerepo.NewOrderRepository(provider)
	if err != nil {
		return err
	}
	catalog, err := firestorerepo.NewCatalogRepository(provider)
	if err != nil {
		return err
	}
	reg.Orders = orders
	reg.Catalog = catalog
	reg.Ledger = idempotency.NewFirestoreStore(provider, idempotency.EventCollection)
	reg.Requests = idempotency.NewFirestoreStore(provider, idempotency.RequestCollection)
	reg.addCheck("firestore", provider.Ping)
	return nil
}

func buildPostgres(ctx context.Context, reg *Registry, cfg config.Config, logger *zap.Logger) error {
	pool, err := postgres.Open(ctx, cfg.Postgres)
	if err != nil {
		return err
	}
	reg.addCloser(func(context.Context) error {
		pool.Close()
		return nil
	})

	if cfg.Postgres.Migrate {
		if err := postgres.Migrate(ctx, pool); err != nil {
			return err
		}
		logger.Info("postgres migrations applied")
	}

	orders, err := postgres.NewOrderRepository(pool)
	if err != nil {
		return err
	}
	catalog, err := postgres.NewCatalogRepository(pool)
	if err != nil {
		return err
	}
	reg.Orders = orders
	reg.Catalog = catalog
	// Postgres deployments keep idempotency records in process; a restart forgets them
	// and the guarded order updates still prevent double application.
	reg.Ledger = idempotency.NewMemoryStore()
	reg.Requests = idempotency.NewMemoryStore()
	reg.addCheck("postgres", pool.Ping)
	return nil
}

func withCatalogCache(ctx context.Context, reg *Registry, cfg config.CacheConfig, logger *zap.Logger) (*Registry, error) {
	if strings.TrimSpace(cfg.RedisAddr) != "" {
		client := rediscache.NewClient(cfg)
		reg.addCloser(func(context.Context) error { return client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable at startup; catalog reads fall through", zap.Error(err))
		}

		cacheLogger := logger.Named("catalog_cache")
		cached, err := rediscache.NewCatalogCache(reg.Catalog, client,
			rediscache.WithTTL(cfg.CatalogTTL),
			rediscache.WithLogger(LoggerHook(cacheLogger)),
		)
		if err != nil {
			return nil, err
		}
		reg.Catalog = cached
		reg.addCheck("redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
	}
	if err := reg.finish(); err != nil {
		return nil, err
	}
	return reg, nil
}

func (r *Registry) finish() error {
	if len(r.checks) == 0 {
		return nil
	}
	health, err := repositories.NewDependencyHealthRepository(r.checks)
	if err != nil {
		return err
	}
	r.Health = health
	return nil
}
