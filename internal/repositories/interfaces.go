package repositories

import (
	"context"
	"time"

	domain "github.com/webrichesse/orders-api/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// OrderRepository persists orders and applies guarded status mutations.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	// FindByPaymentReference matches any reference in the order's history.
	FindByPaymentReference(ctx context.Context, reference string) (domain.Order, error)
	ListByCustomer(ctx context.Context, customerID string, filter OrderListFilter) (domain.OrderPage, error)
	ListByStore(ctx context.Context, storeID string, filter OrderListFilter) (domain.OrderPage, error)
	// ConditionalUpdate applies mutation atomically when precondition holds against the stored order.
	// A failed precondition returns Applied=false and a nil error.
	ConditionalUpdate(ctx context.Context, orderID string, mutation OrderMutation, precondition OrderPrecondition) (UpdateResult, error)
}

// CatalogReader resolves the authoritative product snapshot used at order creation.
type CatalogReader interface {
	GetPrice(ctx context.Context, productID string) (domain.Product, error)
}

// HealthRepository reports dependency health for readiness probes.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.HealthReport, error)
}

// OrderListFilter narrows customer and store listings.
type OrderListFilter struct {
	Page   int
	Limit  int
	Status *domain.OrderStatus
}

// OrderPrecondition guards a conditional update. Empty fields are not checked.
type OrderPrecondition struct {
	StatusIn         []domain.OrderStatus
	PaymentReference string
}

// Allows reports whether order satisfies the precondition.
func (p OrderPrecondition) Allows(order domain.Order) bool {
	if len(p.StatusIn) > 0 {
		matched := false
		for _, status := range p.StatusIn {
			if order.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if p.PaymentReference != "" && !order.HasPaymentReference(p.PaymentReference) {
		return false
	}
	return true
}

// OrderMutation lists the fields a conditional update writes. Nil fields are left untouched.
// SetPaidAt, SetCompletedAt and SetCancelledAt are written only when the stored value is null.
type OrderMutation struct {
	Status                 *domain.OrderStatus
	PaymentStatus          *string
	AppendPaymentReference string
	SetPaidAt              *time.Time
	SetCompletedAt         *time.Time
	SetCancelledAt         *time.Time
	UpdatedAt              time.Time
}

// Apply returns a copy of order with the mutation applied using set-once timestamp semantics.
func (m OrderMutation) Apply(order domain.Order) domain.Order {
	if m.Status != nil {
		order.Status = *m.Status
	}
	if m.PaymentStatus != nil {
		order.PaymentStatus = *m.PaymentStatus
	}
	if ref := m.AppendPaymentReference; ref != "" {
		order.PaymentReference = ref
		if !order.HasPaymentReference(ref) {
			refs := make([]string, 0, len(order.PaymentReferences)+1)
			refs = append(refs, order.PaymentReferences...)
			order.PaymentReferences = append(refs, ref)
		}
	}
	if m.SetPaidAt != nil && order.PaidAt == nil {
		order.PaidAt = timePtr(*m.SetPaidAt)
	}
	if m.SetCompletedAt != nil && order.CompletedAt == nil {
		order.CompletedAt = timePtr(*m.SetCompletedAt)
	}
	if m.SetCancelledAt != nil && order.CancelledAt == nil {
		order.CancelledAt = timePtr(*m.SetCancelledAt)
	}
	if !m.UpdatedAt.IsZero() {
		order.UpdatedAt = m.UpdatedAt
	}
	return order
}

// UpdateResult carries the stored order before and after a conditional update.
type UpdateResult struct {
	Before  domain.Order
	After   domain.Order
	Applied bool
}

func timePtr(t time.Time) *time.Time {
	return &t
}
