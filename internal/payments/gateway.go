package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// Correlation metadata keys written on every hosted session and its payment intent.
const (
	MetadataOrderID = "order_id"
	MetadataStoreID = "store_id"
)

var (
	// ErrInvalidEvent marks a webhook payload that failed signature or structural checks.
	ErrInvalidEvent = errors.New("payments: invalid gateway event")
	// ErrInvalidAmount is returned when an amount cannot be expressed in minor units.
	ErrInvalidAmount = errors.New("payments: invalid amount")
)

// Gateway is the payment gateway client used by the order engine and the webhook reconciler.
type Gateway interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error)
	// GetPaymentIntentStatus returns the gateway's live status for a payment reference.
	GetPaymentIntentStatus(ctx context.Context, reference string) (string, error)
	// ParseEvent verifies and decodes a webhook delivery into an Event variant.
	ParseEvent(payload []byte, signatureHeader string) (Event, error)
}

// LineItem is one hosted checkout line with its price in minor units.
type LineItem struct {
	Name       string
	Quantity   int64
	UnitAmount int64
	Currency   string
}

// CheckoutSessionRequest describes a hosted checkout for one order.
type CheckoutSessionRequest struct {
	OrderID        string
	StoreID        string
	CustomerID     string
	Currency       string
	LineItems      []LineItem
	SuccessURL     string
	CancelURL      string
	IdempotencyKey string
}

// CheckoutSession is the gateway's answer to a session request.
// PaymentReference is the payment intent ID, or the session ID when the
// gateway defers intent creation until the customer submits payment.
type CheckoutSession struct {
	SessionID        string
	RedirectURL      string
	PaymentReference string
	ExpiresAt        time.Time
}

// MinorUnits converts amount to the integral minor unit of currencyCode
// (cents for USD, yen for JPY) using the ISO 4217 standard scale.
func MinorUnits(amount decimal.Decimal, currencyCode string) (int64, error) {
	unit, err := currency.ParseISO(strings.TrimSpace(currencyCode))
	if err != nil {
		return 0, fmt.Errorf("%w: unknown currency %q", ErrInvalidAmount, currencyCode)
	}
	if amount.IsNegative() {
		return 0, fmt.Errorf("%w: negative amount %s", ErrInvalidAmount, amount)
	}
	scale, _ := currency.Standard.Rounding(unit)
	return amount.Shift(int32(scale)).Round(0).IntPart(), nil
}
