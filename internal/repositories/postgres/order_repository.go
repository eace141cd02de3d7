package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	domain "github.com/webrichesse/orders-api/internal/domain"
	"github.com/webrichesse/orders-api/internal/platform/pagination"
	"github.com/webrichesse/orders-api/internal/repositories"
)

const orderColumns = `id, store_id, customer_id, items, total::text, currency, status,
	payment_reference, payment_references, payment_status, metadata,
	created_at, updated_at, paid_at, completed_at, cancelled_at`

// OrderRepository persists orders in PostgreSQL. Payment references live in a
// keyed table so each reference belongs to at most one order.
type OrderRepository struct {
	pool *pgxpool.Pool
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

func NewOrderRepository(pool *pgxpool.Pool) (*OrderRepository, error) {
	if pool == nil {
		return nil, errors.New("order repository requires postgres pool")
	}
	return &OrderRepository{pool: pool}, nil
}

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	items, err := encodeItems(order.Items)
	if err != nil {
		return err
	}
	metadata, err := encodeMetadata(order.Metadata)
	if err != nil {
		return err
	}
	refs := order.PaymentReferences
	if refs == nil {
		refs = []string{}
	}

	err = pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO orders (`+insertColumns+`)
			VALUES ($1, $2, $3, $4, $5::text::numeric, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
			order.ID, order.StoreID, order.CustomerID, items, order.Total.String(), order.Currency, string(order.Status),
			order.PaymentReference, refs, order.PaymentStatus, metadata,
			order.CreatedAt.UTC(), order.UpdatedAt.UTC(), order.PaidAt, order.CompletedAt, order.CancelledAt,
		); err != nil {
			return err
		}
		for _, ref := range refs {
			if _, err := tx.Exec(ctx, `INSERT INTO order_payment_references (reference, order_id, created_at) VALUES ($1, $2, $3)`,
				ref, order.ID, order.CreatedAt.UTC()); err != nil {
				return err
			}
		}
		return nil
	})
	return wrapError("orders.insert", err)
}

const insertColumns = `id, store_id, customer_id, items, total, currency, status,
	payment_reference, payment_references, payment_status, metadata,
	created_at, updated_at, paid_at, completed_at, cancelled_at`

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, strings.TrimSpace(orderID))
	order, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, notFoundError("orders.get", "order "+orderID+" not found")
	}
	return order, wrapError("orders.get", err)
}

func (r *OrderRepository) FindByPaymentReference(ctx context.Context, reference string) (domain.Order, error) {
	reference = strings.TrimSpace(reference)
	row := r.pool.QueryRow(ctx, `SELECT `+prefixed("o.", orderColumns)+`
		FROM orders o
		JOIN order_payment_references r ON r.order_id = o.id
		WHERE r.reference = $1`, reference)
	order, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, notFoundError("orders.by_reference", "no order for reference "+reference)
	}
	return order, wrapError("orders.by_reference", err)
}

func (r *OrderRepository) ListByCustomer(ctx context.Context, customerID string, filter repositories.OrderListFilter) (domain.OrderPage, error) {
	return r.list(ctx, "customer_id", customerID, filter)
}

func (r *OrderRepository) ListByStore(ctx context.Context, storeID string, filter repositories.OrderListFilter) (domain.OrderPage, error) {
	return r.list(ctx, "store_id", storeID, filter)
}

const conditionalUpdateSQL = `UPDATE orders SET
	status = COALESCE($2::text, status),
	payment_status = COALESCE($3::text, payment_status),
	payment_reference = CASE WHEN $4::text = '' THEN payment_reference ELSE $4::text END,
	payment_references = CASE
		WHEN $4::text = '' OR $4::text = ANY(payment_references) THEN payment_references
		ELSE array_append(payment_references, $4::text)
	END,
	paid_at = COALESCE(paid_at, $5::timestamptz),
	completed_at = COALESCE(completed_at, $6::timestamptz),
	cancelled_at = COALESCE(cancelled_at, $7::timestamptz),
	updated_at = COALESCE($8::timestamptz, updated_at)
WHERE id = $1
	AND (cardinality($9::text[]) = 0 OR status = ANY($9::text[]))
	AND ($10::text = '' OR $10::text = ANY(payment_references))
RETURNING ` + orderColumns

// ConditionalUpdate locks the row, then applies the mutation with a single
// guarded UPDATE. A newly appended reference is claimed in the same transaction.
func (r *OrderRepository) ConditionalUpdate(ctx context.Context, orderID string, mutation repositories.OrderMutation, precondition repositories.OrderPrecondition) (repositories.UpdateResult, error) {
	orderID = strings.TrimSpace(orderID)
	var result repositories.UpdateResult

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		before, err := scanOrder(tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, orderID))
		if errors.Is(err, pgx.ErrNoRows) {
			return notFoundError("orders.update", "order "+orderID+" not found")
		}
		if err != nil {
			return err
		}

		after, err := scanOrder(tx.QueryRow(ctx, conditionalUpdateSQL, mutationArgs(orderID, mutation, precondition)...))
		if errors.Is(err, pgx.ErrNoRows) {
			result = repositories.UpdateResult{Before: before, After: before}
			return nil
		}
		if err != nil {
			return err
		}

		if ref := mutation.AppendPaymentReference; ref != "" && !before.HasPaymentReference(ref) {
			tag, err := tx.Exec(ctx, `INSERT INTO order_payment_references (reference, order_id, created_at)
				VALUES ($1, $2, $3) ON CONFLICT (reference) DO NOTHING`, ref, orderID, after.UpdatedAt)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				var owner string
				if err := tx.QueryRow(ctx, `SELECT order_id FROM order_payment_references WHERE reference = $1`, ref).Scan(&owner); err != nil {
					return err
				}
				if owner != orderID {
					return conflictError("orders.update", "payment reference "+ref+" bound to "+owner)
				}
			}
		}

		result = repositories.UpdateResult{Before: before, After: after, Applied: true}
		return nil
	})
	if err != nil {
		return repositories.UpdateResult{}, wrapError("orders.update", err)
	}
	return result, nil
}

func mutationArgs(orderID string, m repositories.OrderMutation, p repositories.OrderPrecondition) []any {
	var status *string
	if m.Status != nil {
		s := string(*m.Status)
		status = &s
	}
	var updatedAt *time.Time
	if !m.UpdatedAt.IsZero() {
		t := m.UpdatedAt.UTC()
		updatedAt = &t
	}
	statusIn := make([]string, 0, len(p.StatusIn))
	for _, s := range p.StatusIn {
		statusIn = append(statusIn, string(s))
	}
	return []any{
		orderID,
		status,
		m.PaymentStatus,
		m.AppendPaymentReference,
		m.SetPaidAt,
		m.SetCompletedAt,
		m.SetCancelledAt,
		updatedAt,
		statusIn,
		p.PaymentReference,
	}
}

func (r *OrderRepository) list(ctx context.Context, column, value string, filter repositories.OrderListFilter) (domain.OrderPage, error) {
	params := pagination.Params{Page: filter.Page, Limit: filter.Limit}.Normalize()
	var status *string
	if filter.Status != nil {
		s := string(*filter.Status)
		status = &s
	}
	where := fmt.Sprintf(`%s = $1 AND ($2::text IS NULL OR status = $2::text)`, column)

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM orders WHERE `+where, strings.TrimSpace(value), status).Scan(&total); err != nil {
		return domain.OrderPage{}, wrapError("orders.count", err)
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

	rows, err := r.pool.Query(ctx, `SELECT `+orderColumns+` FROM orders WHERE `+where+`
		ORDER BY created_at DESC, id DESC LIMIT $3 OFFSET $4`,
		strings.TrimSpace(value), status, params.Limit, params.Offset())
	if err != nil {
		return domain.OrderPage{}, wrapError("orders.list", err)
	}
	defer rows.Close()

	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return domain.OrderPage{}, wrapError("orders.list", err)
		}
		page.Items = append(page.Items, order)
	}
	if err := rows.Err(); err != nil {
		return domain.OrderPage{}, wrapError("orders.list", err)
	}
	return page, nil
}

type itemRow struct {
	ProductID    string `json:"productId"`
	ProductTitle string `json:"productTitle"`
	UnitPrice    string `json:"unitPrice"`
	Quantity     int    `json:"quantity"`
}

func encodeItems(items []domain.OrderItem) ([]byte, error) {
	rows := make([]itemRow, 0, len(items))
	for _, item := range items {
		rows = append(rows, itemRow{
			ProductID:    item.ProductID,
			ProductTitle: item.ProductTitle,
			UnitPrice:    item.UnitPrice.String(),
			Quantity:     item.Quantity,
		})
	}
	payload, err := json.Marshal(rows)
	if err != nil {
		return nil, fmt.Errorf("encode order items: %w", err)
	}
	return payload, nil
}

func decodeItems(payload []byte) ([]domain.OrderItem, error) {
	var rows []itemRow
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &rows); err != nil {
			return nil, fmt.Errorf("decode order items: %w", err)
		}
	}
	items := make([]domain.OrderItem, 0, len(rows))
	for _, row := range rows {
		price, err := decimal.NewFromString(row.UnitPrice)
		if err != nil {
			return nil, fmt.Errorf("decode item %s price: %w", row.ProductID, err)
		}
		items = append(items, domain.OrderItem{
			ProductID:    row.ProductID,
			ProductTitle: row.ProductTitle,
			UnitPrice:    price,
			Quantity:     row.Quantity,
		})
	}
	return items, nil
}

func encodeMetadata(metadata map[string]any) ([]byte, error) {
	if len(metadata) == 0 {
		return nil, nil
	}
	payload, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("encode order metadata: %w", err)
	}
	return payload, nil
}

func scanOrder(row pgx.Row) (domain.Order, error) {
	var (
		order       domain.Order
		items       []byte
		total       string
		status      string
		metadata    []byte
		paidAt      *time.Time
		completedAt *time.Time
		cancelledAt *time.Time
	)
	if err := row.Scan(
		&order.ID, &order.StoreID, &order.CustomerID, &items, &total, &order.Currency, &status,
		&order.PaymentReference, &order.PaymentReferences, &order.PaymentStatus, &metadata,
		&order.CreatedAt, &order.UpdatedAt, &paidAt, &completedAt, &cancelledAt,
	); err != nil {
		return domain.Order{}, err
	}

	var err error
	if order.Items, err = decodeItems(items); err != nil {
		return domain.Order{}, err
	}
	if order.Total, err = decimal.NewFromString(total); err != nil {
		return domain.Order{}, fmt.Errorf("decode order %s total: %w", order.ID, err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &order.Metadata); err != nil {
			return domain.Order{}, fmt.Errorf("decode order %s metadata: %w", order.ID, err)
		}
	}
	order.Status = domain.OrderStatus(status)
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	order.PaidAt = utcPtr(paidAt)
	order.CompletedAt = utcPtr(completedAt)
	order.CancelledAt = utcPtr(cancelledAt)
	return order, nil
}

func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, part := range parts {
		parts[i] = prefix + strings.TrimSpace(part)
	}
	return strings.Join(parts, ", ")
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
