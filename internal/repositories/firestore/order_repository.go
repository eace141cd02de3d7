package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/webrichesse/orders-api/internal/domain"
	pfirestore "github.com/webrichesse/orders-api/internal/platform/firestore"
	"github.com/webrichesse/orders-api/internal/platform/pagination"
	"github.com/webrichesse/orders-api/internal/repositories"
)

const (
	ordersCollection            = "orders"
	paymentReferencesCollection = "paymentReferences"
)

// OrderRepository stores orders in Firestore. Payment references are mirrored
// into a keyed collection so a reference can be claimed by one order only.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.BaseRepository[orderDocument]
	refs     *pfirestore.BaseRepository[paymentReferenceDocument]
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		provider: provider,
		orders:   pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection),
		refs:     pfirestore.NewBaseRepository[paymentReferenceDocument](provider, paymentReferencesCollection),
	}, nil
}

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if strings.TrimSpace(order.ID) == "" {
		return errors.New("order insert: order id is required")
	}
	doc := newOrderDocument(order)
	return r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		orderRef, err := r.orders.DocumentRef(ctx, order.ID)
		if err != nil {
			return err
		}
		refDocs := make([]*firestore.DocumentRef, 0, len(order.PaymentReferences))
		for _, ref := range order.PaymentReferences {
			refDoc, err := r.refs.DocumentRef(ctx, ref)
			if err != nil {
				return err
			}
			refDocs = append(refDocs, refDoc)
		}
		if err := tx.Create(orderRef, doc); err != nil {
			return err
		}
		for _, refDoc := range refDocs {
			if err := tx.Create(refDoc, paymentReferenceDocument{OrderID: order.ID, CreatedAt: order.CreatedAt.UTC()}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	doc, err := r.orders.Get(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.Order{}, err
	}
	return doc.toDomain(strings.TrimSpace(orderID))
}

func (r *OrderRepository) FindByPaymentReference(ctx context.Context, reference string) (domain.Order, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return domain.Order{}, pfirestore.NotFoundError("orders.by_reference", "payment reference is empty")
	}

	found, err := r.queryWithIDs(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("paymentReferences", "array-contains", reference).Limit(1)
	})
	if err != nil {
		return domain.Order{}, err
	}
	if len(found) == 0 {
		return domain.Order{}, pfirestore.NotFoundError("orders.by_reference", "no order for reference "+reference)
	}
	return found[0].doc.toDomain(found[0].id)
}

func (r *OrderRepository) ListByCustomer(ctx context.Context, customerID string, filter repositories.OrderListFilter) (domain.OrderPage, error) {
	return r.list(ctx, "customerId", customerID, filter)
}

func (r *OrderRepository) ListByStore(ctx context.Context, storeID string, filter repositories.OrderListFilter) (domain.OrderPage, error) {
	return r.list(ctx, "storeId", storeID, filter)
}

// ConditionalUpdate reads the order and writes the mutation inside one
// transaction. Firestore rejects the commit if the document changed after the
// read, so the precondition and the write are atomic.
func (r *OrderRepository) ConditionalUpdate(ctx context.Context, orderID string, mutation repositories.OrderMutation, precondition repositories.OrderPrecondition) (repositories.UpdateResult, error) {
	orderID = strings.TrimSpace(orderID)
	var result repositories.UpdateResult

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		result = repositories.UpdateResult{}

		orderRef, err := r.orders.DocumentRef(ctx, orderID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(orderRef)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return pfirestore.NotFoundError("orders.update", "order "+orderID+" not found")
			}
			return err
		}
		doc, err := r.orders.Decode(snap)
		if err != nil {
			return err
		}
		current, err := doc.toDomain(orderID)
		if err != nil {
			return err
		}
		if !precondition.Allows(current) {
			result = repositories.UpdateResult{Before: current, After: current}
			return nil
		}

		var claim *firestore.DocumentRef
		if ref := mutation.AppendPaymentReference; ref != "" && !current.HasPaymentReference(ref) {
			refDoc, err := r.refs.DocumentRef(ctx, ref)
			if err != nil {
				return err
			}
			refSnap, err := tx.Get(refDoc)
			switch {
			case err == nil:
				owner, decodeErr := r.refs.Decode(refSnap)
				if decodeErr != nil {
					return decodeErr
				}
				if owner.OrderID != orderID {
					return pfirestore.ConflictError("orders.update", "payment reference "+ref+" bound to "+owner.OrderID)
				}
			case status.Code(err) == codes.NotFound:
				claim = refDoc
			default:
				return err
			}
		}

		updated := mutation.Apply(current)
		if err := tx.Set(orderRef, newOrderDocument(updated)); err != nil {
			return err
		}
		if claim != nil {
			if err := tx.Create(claim, paymentReferenceDocument{OrderID: orderID, CreatedAt: updated.UpdatedAt.UTC()}); err != nil {
				return err
			}
		}
		result = repositories.UpdateResult{Before: current, After: updated, Applied: true}
		return nil
	})
	if err != nil {
		return repositories.UpdateResult{}, err
	}
	return result, nil
}

func (r *OrderRepository) list(ctx context.Context, field, value string, filter repositories.OrderListFilter) (domain.OrderPage, error) {
	params := pagination.Params{Page: filter.Page, Limit: filter.Limit}.Normalize()
	scoped := func(q firestore.Query) firestore.Query {
		q = q.Where(field, "==", strings.TrimSpace(value))
		if filter.Status != nil {
			q = q.Where("status", "==", string(*filter.Status))
		}
		return q
	}

	total, err := r.orders.Count(ctx, scoped)
	if err != nil {
		return domain.OrderPage{}, err
	}

	page := domain.OrderPage{
		Items: []domain.Order{},
		Total: total,
		Page:  params.Page,
		Limit: params.Limit,
		Pages: pagination.Pages(total, params.Limit),
	}
	if params.Offset() >= total {
		return page, nil
	}

	found, err := r.queryWithIDs(ctx, func(q firestore.Query) firestore.Query {
		return scoped(q).OrderBy("createdAt", firestore.Desc).Offset(params.Offset()).Limit(params.Limit)
	})
	if err != nil {
		return domain.OrderPage{}, err
	}
	for _, item := range found {
		order, err := item.doc.toDomain(item.id)
		if err != nil {
			return domain.OrderPage{}, err
		}
		page.Items = append(page.Items, order)
	}
	return page, nil
}

type identifiedOrder struct {
	id  string
	doc orderDocument
}

func (r *OrderRepository) queryWithIDs(ctx context.Context, build pfirestore.QueryBuilder) ([]identifiedOrder, error) {
	var out []identifiedOrder
	err := r.orders.Each(ctx, build, func(snap *firestore.DocumentSnapshot, doc orderDocument) error {
		out = append(out, identifiedOrder{id: snap.Ref.ID, doc: doc})
		return nil
	})
	return out, err
}

type orderItemDocument struct {
	ProductID    string `firestore:"productId"`
	ProductTitle string `firestore:"productTitle"`
	UnitPrice    string `firestore:"unitPrice"`
	Quantity     int    `firestore:"quantity"`
}

type orderDocument struct {
	StoreID           string              `firestore:"storeId"`
	CustomerID        string              `firestore:"customerId"`
	Items             []orderItemDocument `firestore:"items"`
	Total             string              `firestore:"total"`
	Currency          string              `firestore:"currency"`
	Status            string              `firestore:"status"`
	PaymentReference  string              `firestore:"paymentReference,omitempty"`
	PaymentReferences []string            `firestore:"paymentReferences"`
	PaymentStatus     string              `firestore:"paymentStatus,omitempty"`
	Metadata          map[string]any      `firestore:"metadata,omitempty"`
	CreatedAt         time.Time           `firestore:"createdAt"`
	UpdatedAt         time.Time           `firestore:"updatedAt"`
	PaidAt            *time.Time          `firestore:"paidAt"`
	CompletedAt       *time.Time          `firestore:"completedAt"`
	CancelledAt       *time.Time          `firestore:"cancelledAt"`
}

type paymentReferenceDocument struct {
	OrderID   string    `firestore:"orderId"`
	CreatedAt time.Time `firestore:"createdAt"`
}

func newOrderDocument(order domain.Order) orderDocument {
	items := make([]orderItemDocument, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemDocument{
			ProductID:    item.ProductID,
			ProductTitle: item.ProductTitle,
			UnitPrice:    item.UnitPrice.String(),
			Quantity:     item.Quantity,
		})
	}
	refs := append([]string{}, order.PaymentReferences...)
	return orderDocument{
		StoreID:           order.StoreID,
		CustomerID:        order.CustomerID,
		Items:             items,
		Total:             order.Total.String(),
		Currency:          order.Currency,
		Status:            string(order.Status),
		PaymentReference:  order.PaymentReference,
		PaymentReferences: refs,
		PaymentStatus:     order.PaymentStatus,
		Metadata:          order.Metadata,
		CreatedAt:         order.CreatedAt.UTC(),
		UpdatedAt:         order.UpdatedAt.UTC(),
		PaidAt:            utcPtr(order.PaidAt),
		CompletedAt:       utcPtr(order.CompletedAt),
		CancelledAt:       utcPtr(order.CancelledAt),
	}
}

func (d orderDocument) toDomain(id string) (domain.Order, error) {
	total, err := decimal.NewFromString(defaultDecimal(d.Total))
	if err != nil {
		return domain.Order{}, fmt.Errorf("decode order %s total: %w", id, err)
	}
	items := make([]domain.OrderItem, 0, len(d.Items))
	for i, item := range d.Items {
		price, err := decimal.NewFromString(defaultDecimal(item.UnitPrice))
		if err != nil {
			return domain.Order{}, fmt.Errorf("decode order %s item %d price: %w", id, i, err)
		}
		items = append(items, domain.OrderItem{
			ProductID:    item.ProductID,
			ProductTitle: item.ProductTitle,
			UnitPrice:    price,
			Quantity:     item.Quantity,
		})
	}
	return domain.Order{
		ID:                id,
		StoreID:           d.StoreID,
		CustomerID:        d.CustomerID,
		Items:             items,
		Total:             total,
		Currency:          d.Currency,
		Status:            domain.OrderStatus(d.Status),
		PaymentReference:  d.PaymentReference,
		PaymentReferences: append([]string(nil), d.PaymentReferences...),
		PaymentStatus:     d.PaymentStatus,
		Metadata:          d.Metadata,
		CreatedAt:         d.CreatedAt.UTC(),
		UpdatedAt:         d.UpdatedAt.UTC(),
		PaidAt:            utcPtr(d.PaidAt),
		CompletedAt:       utcPtr(d.CompletedAt),
		CancelledAt:       utcPtr(d.CancelledAt),
	}, nil
}

func defaultDecimal(value string) string {
	if strings.TrimSpace(value) == "" {
		return "0"
	}
	return value
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
