package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/webrichesse/orders-api/internal/domain"
	"github.com/webrichesse/orders-api/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Order          = domain.Order
	OrderItem      = domain.OrderItem
	OrderStatus    = domain.OrderStatus
	OrderPage      = domain.OrderPage
	PaymentSession = domain.PaymentSession
	PaymentView    = domain.PaymentView
	HealthReport   = domain.HealthReport
)

// OrderService owns the order lifecycle: creation, checkout, transitions and reconciliation polls.
type OrderService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	GetOrder(ctx context.Context, orderID string) (Order, error)
	ListCustomerOrders(ctx context.Context, customerID string, filter OrderListFilter) (OrderPage, error)
	ListStoreOrders(ctx context.Context, storeID string, filter OrderListFilter) (OrderPage, error)
	UpdateOrderStatus(ctx context.Context, cmd UpdateOrderStatusCommand) (Order, error)
	CreatePaymentSession(ctx context.Context, cmd CreatePaymentSessionCommand) (PaymentSession, error)
	CheckPaymentStatus(ctx context.Context, orderID string) (PaymentView, error)
	ApplyGatewaySuccess(ctx context.Context, cmd GatewaySuccessCommand) (Order, error)
	ApplyGatewayFailure(ctx context.Context, cmd GatewayFailureCommand) (Order, error)
}

// WebhookReconciler turns gateway webhook deliveries into order transitions.
type WebhookReconciler interface {
	HandleGatewayEvent(ctx context.Context, payload []byte, signatureHeader string) (ReconcileResult, error)
}

// SystemService aggregates utility endpoints such as readiness reports.
type SystemService interface {
	HealthReport(ctx context.Context) (HealthReport, error)
}

// OrderListFilter is the repository listing filter.
type OrderListFilter = repositories.OrderListFilter

// CreateOrderCommand carries the caller's basket. UnitPrice and ClaimedTotal are
// what the client believes; both are checked against the catalog.
type CreateOrderCommand struct {
	CustomerID   string
	StoreID      string
	Items        []CreateOrderItem
	ClaimedTotal decimal.Decimal
	Currency     string
	Metadata     map[string]any
}

// CreateOrderItem is one requested line.
type CreateOrderItem struct {
	ProductID string
	Quantity  int
	UnitPrice decimal.Decimal
}

// UpdateOrderStatusCommand is a manual status change by a store operator.
type UpdateOrderStatusCommand struct {
	OrderID string
	Status  OrderStatus
	ActorID string
}

// CreatePaymentSessionCommand requests hosted checkout for an order.
type CreatePaymentSessionCommand struct {
	OrderID    string
	SuccessURL string
	CancelURL  string
	ActorID    string
}

// GatewaySuccessCommand marks an order paid after the gateway confirmed payment.
type GatewaySuccessCommand struct {
	OrderID string
	// Reference is the settled payment reference. It is bound to the order when not yet present.
	Reference string
	EventID   string
}

// GatewayFailureCommand records a failed payment attempt.
type GatewayFailureCommand struct {
	OrderID        string
	Reference      string
	FailureMessage string
	EventID        string
}

// ReconcileOutcome is the acknowledged result of one webhook delivery.
type ReconcileOutcome string

const (
	ReconcileProcessed          ReconcileOutcome = "processed"
	ReconcileIgnored            ReconcileOutcome = "ignored"
	ReconcileDuplicate          ReconcileOutcome = "duplicate"
	ReconcileMissingCorrelation ReconcileOutcome = "missing_correlation"
	ReconcileOrderNotFound      ReconcileOutcome = "order_not_found"
)

// ReconcileResult describes how a webhook delivery was handled.
type ReconcileResult struct {
	EventID   string
	EventType string
	Outcome   ReconcileOutcome
	OrderID   string
}

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	Type           string
	OrderID        string
	StoreID        string
	CustomerID     string
	PreviousStatus string
	CurrentStatus  string
	PaymentStatus  string
	ActorID        string
	OccurredAt     time.Time
	Metadata       map[string]any
}
