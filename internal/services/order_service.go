package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/webrichesse/orders-api/internal/domain"
	"github.com/webrichesse/orders-api/internal/payments"
	"github.com/webrichesse/orders-api/internal/platform/pagination"
	"github.com/webrichesse/orders-api/internal/platform/textutil"
	"github.com/webrichesse/orders-api/internal/repositories"
)

const (
	orderEventCreated         = "order.created"
	orderEventSessionCreated  = "order.payment_session_created"
	orderEventPaid            = "order.paid"
	orderEventCompleted       = "order.completed"
	orderEventCancelled       = "order.cancelled"
	orderEventPaymentFailed   = "order.payment_failed"
	orderEventPaymentObserved = "order.payment_status_changed"

	orderIDPrefix       = "ord_"
	defaultCurrency     = "USD"
	maxItemsPerOrder    = 100
	maxItemQuantity     = 10000
	maxTitleRunes       = 200
	maxMetadataRunes    = 500
	maxMetadataEntries  = 32
	totalMismatchCents  = "0.01"
	defaultSessionLabel = "Order item"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderProductNotFound indicates an item references a product the catalog cannot resolve.
	ErrOrderProductNotFound = errors.New("order: product not found")
	// ErrOrderPriceMismatch indicates a claimed unit price differs from the catalog price.
	ErrOrderPriceMismatch = errors.New("order: price mismatch")
	// ErrOrderTotalMismatch indicates the claimed total deviates from the computed total.
	ErrOrderTotalMismatch = errors.New("order: total mismatch")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderAlreadyPaid indicates checkout was requested for an order past pending.
	ErrOrderAlreadyPaid = errors.New("order: already paid")
	// ErrOrderInvalidState indicates the order's state does not allow the operation.
	ErrOrderInvalidState = errors.New("order: invalid state")
	// ErrOrderInvalidTransition indicates a status change that contradicts the lifecycle.
	ErrOrderInvalidTransition = errors.New("order: invalid status transition")
	// ErrOrderConflict indicates duplicates or a payment reference bound elsewhere.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderRepositoryUnavailable indicates the order store or catalog could not be reached.
	ErrOrderRepositoryUnavailable = errors.New("order: repository unavailable")
	// ErrOrderPaymentGateway wraps gateway failures. No order state was changed.
	ErrOrderPaymentGateway = errors.New("order: payment gateway error")
)

var tracer = otel.Tracer("github.com/webrichesse/orders-api/internal/services")

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders      repositories.OrderRepository
	Catalog     repositories.CatalogReader
	Gateway     payments.Gateway
	Events      OrderEventPublisher
	Currency    string
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders   repositories.OrderRepository
	catalog  repositories.CatalogReader
	gateway  payments.Gateway
	events   OrderEventPublisher
	currency string
	clock    func() time.Time
	newID    func() string
	logger   func(context.Context, string, map[string]any)
}

var _ OrderService = (*orderService)(nil)

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Catalog == nil {
		return nil, errors.New("order service: catalog reader is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("order service: payment gateway is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	currency := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = defaultCurrency
	}

	return &orderService{
		orders:   deps.Orders,
		catalog:  deps.Catalog,
		gateway:  deps.Gateway,
		events:   deps.Events,
		currency: currency,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *orderService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (order Order, err error) {
	ctx, span := tracer.Start(ctx, "orders.CreateOrder")
	defer func() { endSpan(span, err) }()

	customerID := strings.TrimSpace(cmd.CustomerID)
	storeID := strings.TrimSpace(cmd.StoreID)
	if customerID == "" {
		return Order{}, fmt.Errorf("%w: customer id is required", ErrOrderInvalidInput)
	}
	if storeID == "" {
		return Order{}, fmt.Errorf("%w: store id is required", ErrOrderInvalidInput)
	}
	if len(cmd.Items) == 0 {
		return Order{}, fmt.Errorf("%w: at least one item is required", ErrOrderInvalidInput)
	}
	if len(cmd.Items) > maxItemsPerOrder {
		return Order{}, fmt.Errorf("%w: at most %d items are allowed", ErrOrderInvalidInput, maxItemsPerOrder)
	}
	if cmd.ClaimedTotal.IsNegative() {
		return Order{}, fmt.Errorf("%w: total must not be negative", ErrOrderInvalidInput)
	}

	currency := strings.ToUpper(strings.TrimSpace(cmd.Currency))
	if currency == "" {
		currency = s.currency
	}
	if currency != s.currency {
		return Order{}, fmt.Errorf("%w: currency %s is not accepted", ErrOrderInvalidInput, currency)
	}

	items := make([]OrderItem, 0, len(cmd.Items))
	total := decimal.Zero
	for i, requested := range cmd.Items {
		productID := strings.TrimSpace(requested.ProductID)
		if productID == "" {
			return Order{}, fmt.Errorf("%w: items[%d].product_id is required", ErrOrderInvalidInput, i)
		}
		if requested.Quantity < 1 || requested.Quantity > maxItemQuantity {
			return Order{}, fmt.Errorf("%w: items[%d].quantity must be between 1 and %d", ErrOrderInvalidInput, i, maxItemQuantity)
		}
		if requested.UnitPrice.IsNegative() {
			return Order{}, fmt.Errorf("%w: items[%d].price must not be negative", ErrOrderInvalidInput, i)
		}

		product, err := s.catalog.GetPrice(ctx, productID)
		if err != nil {
			return Order{}, s.mapCatalogError(productID, err)
		}
		if owner := strings.TrimSpace(product.StoreID); owner != "" && owner != storeID {
			return Order{}, fmt.Errorf("%w: product %s does not belong to store %s", ErrOrderProductNotFound, productID, storeID)
		}
		if !requested.UnitPrice.Equal(product.Price) {
			return Order{}, fmt.Errorf("%w: product %s costs %s, got %s", ErrOrderPriceMismatch, productID, product.Price.StringFixed(2), requested.UnitPrice.StringFixed(2))
		}

		item := OrderItem{
			ProductID:    productID,
			ProductTitle: textutil.PlainText(product.Title, maxTitleRunes),
			UnitPrice:    product.Price,
			Quantity:     requested.Quantity,
		}
		total = total.Add(item.LineTotal())
		items = append(items, item)
	}

	if total.Sub(cmd.ClaimedTotal).Abs().GreaterThan(decimal.RequireFromString(totalMismatchCents)) {
		return Order{}, fmt.Errorf("%w: computed %s, claimed %s", ErrOrderTotalMismatch, total.StringFixed(2), cmd.ClaimedTotal.StringFixed(2))
	}

	metadata, err := sanitizeMetadata(cmd.Metadata)
	if err != nil {
		return Order{}, err
	}

	now := s.now()
	order = Order{
		ID:         s.nextOrderID(),
		StoreID:    storeID,
		CustomerID: customerID,
		Items:      items,
		Total:      total,
		Currency:   currency,
		Status:     domain.OrderStatusPending,
		Metadata:   metadata,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	span.SetAttributes(attribute.String("order.id", order.ID))

	if err := s.orders.Insert(ctx, order); err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	s.logger(ctx, "order.created", map[string]any{
		"orderId": order.ID,
		"storeId": order.StoreID,
		"total":   order.Total.StringFixed(2),
		"items":   len(order.Items),
	})
	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventCreated,
		OrderID:       order.ID,
		StoreID:       order.StoreID,
		CustomerID:    order.CustomerID,
		CurrentStatus: string(order.Status),
		ActorID:       customerID,
		OccurredAt:    now,
		Metadata:      map[string]any{"total": order.Total.StringFixed(2), "currency": order.Currency},
	})

	return order, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) ListCustomerOrders(ctx context.Context, customerID string, filter OrderListFilter) (OrderPage, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return OrderPage{}, fmt.Errorf("%w: customer id is required", ErrOrderInvalidInput)
	}
	filter, err := normalizeListFilter(filter)
	if err != nil {
		return OrderPage{}, err
	}
	page, err := s.orders.ListByCustomer(ctx, customerID, filter)
	if err != nil {
		return OrderPage{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *orderService) ListStoreOrders(ctx context.Context, storeID string, filter OrderListFilter) (OrderPage, error) {
	storeID = strings.TrimSpace(storeID)
	if storeID == "" {
		return OrderPage{}, fmt.Errorf("%w: store id is required", ErrOrderInvalidInput)
	}
	filter, err := normalizeListFilter(filter)
	if err != nil {
		return OrderPage{}, err
	}
	page, err := s.orders.ListByStore(ctx, storeID, filter)
	if err != nil {
		return OrderPage{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func normalizeListFilter(filter OrderListFilter) (OrderListFilter, error) {
	if filter.Page < 0 {
		return filter, fmt.Errorf("%w: page must be at least 1", ErrOrderInvalidInput)
	}
	if filter.Limit < 0 || filter.Limit > pagination.MaxLimit {
		return filter, fmt.Errorf("%w: limit must be between 1 and %d", ErrOrderInvalidInput, pagination.MaxLimit)
	}
	params := pagination.Params{Page: filter.Page, Limit: filter.Limit}.Normalize()
	filter.Page = params.Page
	filter.Limit = params.Limit
	if filter.Status != nil && !filter.Status.Valid() {
		return filter, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, *filter.Status)
	}
	return filter, nil
}

func sanitizeMetadata(values map[string]any) (map[string]any, error) {
	if len(values) == 0 {
		return nil, nil
	}
	if len(values) > maxMetadataEntries {
		return nil, fmt.Errorf("%w: at most %d metadata entries are allowed", ErrOrderInvalidInput, maxMetadataEntries)
	}
	out := make(map[string]any, len(values))
	for key, value := range values {
		key = textutil.PlainText(key, 64)
		if key == "" {
			continue
		}
		switch v := value.(type) {
		case string:
			out[key] = textutil.PlainText(v, maxMetadataRunes)
		case bool, float64, int, int64, nil:
			out[key] = v
		default:
			return nil, fmt.Errorf("%w: metadata %q must be a string, number or boolean", ErrOrderInvalidInput, key)
		}
	}
	return out, nil
}

func (s *orderService) mapCatalogError(productID string, err error) error {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %s", ErrOrderProductNotFound, productID)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: catalog: %v", ErrOrderRepositoryUnavailable, err)
		}
	}
	return fmt.Errorf("order: catalog lookup %s: %w", productID, err)
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrOrderRepositoryUnavailable, err)
		}
	}

	return err
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) nextOrderID() string {
	return orderIDPrefix + s.newID()
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": event.CurrentStatus,
		})
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
