package di

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/webrichesse/orders-api/internal/payments"
	"github.com/webrichesse/orders-api/internal/platform/config"
	"github.com/webrichesse/orders-api/internal/platform/requestctx"
	"github.com/webrichesse/orders-api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Orders   services.OrderService
	Webhooks services.WebhookReconciler
	System   services.SystemService
}

// Dependencies carries collaborators that live outside the repository registry.
type Dependencies struct {
	Gateway payments.Gateway
	// Events is optional; nil disables order event publication.
	Events services.OrderEventPublisher
	Meter  metric.Meter
	Logger *zap.Logger
	Clock  func() time.Time
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories *Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies. Production wiring supplies a registry from
// BuildRegistry, while tests can pass one assembled from in-memory repositories.
func NewContainer(cfg config.Config, reg *Registry, deps Dependencies) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("payment gateway is required")
	}

	svc, err := buildServices(cfg, reg, deps)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases resources such as repository clients, background workers, or caches.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(cfg config.Config, reg *Registry, deps Dependencies) (Services, error) {
	var svc Services

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	orders, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:   reg.Orders,
		Catalog:  reg.Catalog,
		Gateway:  deps.Gateway,
		Events:   deps.Events,
		Currency: cfg.Stripe.Currency,
		Clock:    deps.Clock,
		Logger:   LoggerHook(logger.Named("orders")),
	})
	if err != nil {
		return svc, fmt.Errorf("order service: %w", err)
	}
	svc.Orders = orders

	webhooks, err := services.NewWebhookReconciler(services.WebhookReconcilerDeps{
		Gateway:   deps.Gateway,
		Orders:    reg.Orders,
		Service:   orders,
		Ledger:    reg.Ledger,
		LedgerTTL: cfg.Idempotency.EventLedgerTTL,
		Meter:     deps.Meter,
		Clock:     deps.Clock,
		Logger:    LoggerHook(logger.Named("webhooks")),
	})
	if err != nil {
		return svc, fmt.Errorf("webhook reconciler: %w", err)
	}
	svc.Webhooks = webhooks

	if reg.Health != nil {
		system, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: reg.Health,
			Clock:            deps.Clock,
		})
		if err != nil {
			return svc, fmt.Errorf("system service: %w", err)
		}
		svc.System = system
	}

	return svc, nil
}

// LoggerHook adapts a zap logger to the structured logging hook accepted by services.
// The request-scoped logger is preferred so entries carry trace and route fields.
func LoggerHook(base *zap.Logger) func(context.Context, string, map[string]any) {
	if base == nil {
		base = zap.NewNop()
	}
	return func(ctx context.Context, event string, fields map[string]any) {
		logger := requestctx.LoggerOr(ctx, base)
		keys := make([]string, 0, len(fields))
		for key := range fields {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		zapFields := make([]zap.Field, 0, len(keys))
		level := zap.InfoLevel
		for _, key := range keys {
			value := fields[key]
			if key == "error" {
				level = zap.WarnLevel
				if err, ok := value.(error); ok {
					zapFields = append(zapFields, zap.Error(err))
					continue
				}
			}
			zapFields = append(zapFields, zap.Any(key, value))
		}
		if ce := logger.Check(level, event); ce != nil {
			ce.Write(zapFields...)
		}
	}
}
