package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	domain "github.com/webrichesse/orders-api/internal/domain"
	"github.com/webrichesse/orders-api/internal/platform/pagination"
	"github.com/webrichesse/orders-api/internal/repositories"
)

// OrderRepository keeps orders in process memory. Every mutation holds a single
// lock so conditional updates are atomic with respect to each other.
type OrderRepository struct {
	mu     sync.RWMutex
	orders map[string]domain.Order
	refs   map[string]string
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository returns an empty repository.
func NewOrderRepository() *OrderRepository {
	return &OrderRepository{
		orders: make(map[string]domain.Order),
		refs:   make(map[string]string),
	}
}

func (r *OrderRepository) Insert(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.orders[order.ID]; exists {
		return conflict("orders.insert", "order "+order.ID+" already exists")
	}
	for _, ref := range order.PaymentReferences {
		if owner, taken := r.refs[ref]; taken {
			return conflict("orders.insert", "payment reference "+ref+" bound to "+owner)
		}
	}
	order = cloneOrder(order)
	r.orders[order.ID] = order
	for _, ref := range order.PaymentReferences {
		r.refs[ref] = order.ID
	}
	return nil
}

func (r *OrderRepository) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	order, ok := r.orders[strings.TrimSpace(orderID)]
	if !ok {
		return domain.Order{}, notFound("orders.get", "order "+orderID+" not found")
	}
	return cloneOrder(order), nil
}

func (r *OrderRepository) FindByPaymentReference(_ context.Context, reference string) (domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	orderID, ok := r.refs[strings.TrimSpace(reference)]
	if !ok {
		return domain.Order{}, notFound("orders.by_reference", "no order for reference "+reference)
	}
	return cloneOrder(r.orders[orderID]), nil
}

func (r *OrderRepository) ListByCustomer(_ context.Context, customerID string, filter repositories.OrderListFilter) (domain.OrderPage, error) {
	return r.list(func(o domain.Order) bool { return o.CustomerID == customerID }, filter), nil
}

func (r *OrderRepository) ListByStore(_ context.Context, storeID string, filter repositories.OrderListFilter) (domain.OrderPage, error) {
	return r.list(func(o domain.Order) bool { return o.StoreID == storeID }, filter), nil
}

func (r *OrderRepository) ConditionalUpdate(_ context.Context, orderID string, mutation repositories.OrderMutation, precondition repositories.OrderPrecondition) (repositories.UpdateResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.orders[orderID]
	if !ok {
		return repositories.UpdateResult{}, notFound("orders.update", "order "+orderID+" not found")
	}
	if !precondition.Allows(current) {
		return repositories.UpdateResult{Before: cloneOrder(current), After: cloneOrder(current)}, nil
	}
	if ref := mutation.AppendPaymentReference; ref != "" {
		if owner, taken := r.refs[ref]; taken && owner != orderID {
			return repositories.UpdateResult{}, conflict("orders.update", "payment reference "+ref+" bound to "+owner)
		}
	}

	updated := mutation.Apply(cloneOrder(current))
	r.orders[orderID] = updated
	if ref := mutation.AppendPaymentReference; ref != "" {
		r.refs[ref] = orderID
	}
	return repositories.UpdateResult{Before: cloneOrder(current), After: cloneOrder(updated), Applied: true}, nil
}

func (r *OrderRepository) list(match func(domain.Order) bool, filter repositories.OrderListFilter) domain.OrderPage {
	params := pagination.Params{Page: filter.Page, Limit: filter.Limit}.Normalize()

	r.mu.RLock()
	matched := make([]domain.Order, 0)
	for _, order := range r.orders {
		if !match(order) {
			continue
		}
		if filter.Status != nil && order.Status != *filter.Status {
			continue
		}
		matched = append(matched, order)
	}
	r.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	page := domain.OrderPage{
		Items: []domain.Order{},
		Total: len(matched),
		Page:  params.Page,
		Limit: params.Limit,
		Pages: pagination.Pages(len(matched), params.Limit),
	}
	start := params.Offset()
	if start >= len(matched) {
		return page
	}
	end := start + params.Limit
	if end > len(matched) {
		end = len(matched)
	}
	for _, order := range matched[start:end] {
		page.Items = append(page.Items, cloneOrder(order))
	}
	return page
}

func cloneOrder(order domain.Order) domain.Order {
	order.Items = append([]domain.OrderItem(nil), order.Items...)
	order.PaymentReferences = append([]string(nil), order.PaymentReferences...)
	if order.Metadata != nil {
		meta := make(map[string]any, len(order.Metadata))
		for k, v := range order.Metadata {
			meta[k] = v
		}
		order.Metadata = meta
	}
	order.PaidAt = cloneTime(order.PaidAt)
	order.CompletedAt = cloneTime(order.CompletedAt)
	order.CancelledAt = cloneTime(order.CancelledAt)
	return order
}
