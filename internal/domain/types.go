package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPending is the initial state; payment has not been confirmed.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusPaid indicates the gateway or an operator confirmed payment.
	OrderStatusPaid OrderStatus = "paid"
	// OrderStatusCompleted indicates the purchase was delivered. Terminal.
	OrderStatusCompleted OrderStatus = "completed"
	// OrderStatusCancelled indicates the order was abandoned or revoked. Terminal.
	OrderStatusCancelled OrderStatus = "cancelled"
)

// OrderStatuses lists every accepted status in lifecycle order.
var OrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusPaid,
	OrderStatusCompleted,
	OrderStatusCancelled,
}

// IsTerminal reports whether no further transition is expected from the status.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled
}

// Valid reports whether the status is one of the known lifecycle states.
func (s OrderStatus) Valid() bool {
	for _, candidate := range OrderStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// ParseOrderStatus normalises and validates a caller supplied status string.
func ParseOrderStatus(value string) (OrderStatus, bool) {
	status := OrderStatus(strings.ToLower(strings.TrimSpace(value)))
	if !status.Valid() {
		return "", false
	}
	return status, true
}

// Payment status strings mirror the gateway vocabulary. Unknown values are stored verbatim.
const (
	PaymentStatusAwaiting              = "awaiting"
	PaymentStatusSucceeded             = "succeeded"
	PaymentStatusFailed                = "failed"
	PaymentStatusProcessing            = "processing"
	PaymentStatusRequiresPaymentMethod = "requires_payment_method"
	PaymentStatusRequiresAction        = "requires_action"
	PaymentStatusCanceled              = "canceled"
)

// Order is a customer's purchase with price-snapshotted line items.
type Order struct {
	ID         string
	StoreID    string
	CustomerID string
	Items      []OrderItem
	Total      decimal.Decimal
	Currency   string
	Status     OrderStatus

	// PaymentReference is the gateway reference of the current payment attempt.
	PaymentReference string
	// PaymentReferences is the append-only history of every reference bound to the order.
	PaymentReferences []string
	PaymentStatus     string

	Metadata map[string]any

	CreatedAt   time.Time
	UpdatedAt   time.Time
	PaidAt      *time.Time
	CompletedAt *time.Time
	CancelledAt *time.Time
}

// HasPaymentReference reports whether ref was ever bound to the order.
func (o Order) HasPaymentReference(ref string) bool {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return false
	}
	for _, existing := range o.PaymentReferences {
		if existing == ref {
			return true
		}
	}
	return false
}

// OrderItem is a line item snapshotted from the catalog at creation time.
type OrderItem struct {
	ProductID    string
	ProductTitle string
	UnitPrice    decimal.Decimal
	Quantity     int
}

// LineTotal returns unit price multiplied by quantity.
func (i OrderItem) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Product is the catalog snapshot used to validate order contents.
type Product struct {
	ID      string
	StoreID string
	Title   string
	Price   decimal.Decimal
}

// OrderPage is an offset-paginated list of orders sorted by creation time, newest first.
type OrderPage struct {
	Items []Order
	Total int
	Page  int
	Limit int
	Pages int
}

// PaymentSession is returned to callers after a hosted checkout session is created.
type PaymentSession struct {
	OrderID          string
	SessionID        string
	RedirectURL      string
	PaymentReference string
}

// PaymentView is the refreshed payment state reported by a status poll.
type PaymentView struct {
	OrderID       string
	Status        OrderStatus
	PaymentStatus string
	// GatewayError is populated when the live lookup failed and the view is the last known state.
	GatewayError string
}
