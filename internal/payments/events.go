package payments

// Event is the closed set of gateway webhook events the reconciler understands.
type Event interface {
	// ID is the gateway's unique event identifier.
	ID() string
	// Type is the gateway's event type string.
	Type() string
	isEvent()
}

// Gateway event types recognised by ParseEvent.
const (
	EventTypeCheckoutCompleted = "checkout.session.completed"
	EventTypePaymentFailed     = "payment_intent.payment_failed"
)

// CheckoutCompleted reports a finished hosted checkout. OrderID comes from the
// session's correlation metadata and may be empty.
type CheckoutCompleted struct {
	EventID   string
	OrderID   string
	IntentID  string
	SessionID string
}

func (e CheckoutCompleted) ID() string   { return e.EventID }
func (e CheckoutCompleted) Type() string { return EventTypeCheckoutCompleted }
func (CheckoutCompleted) isEvent()       {}

// Reference returns the payment reference the event settles: the intent when
// present, otherwise the session.
func (e CheckoutCompleted) Reference() string {
	if e.IntentID != "" {
		return e.IntentID
	}
	return e.SessionID
}

// PaymentFailed reports a failed payment attempt. OrderID is read from the
// intent metadata when the gateway carried it over.
type PaymentFailed struct {
	EventID        string
	IntentID       string
	OrderID        string
	FailureMessage string
}

func (e PaymentFailed) ID() string   { return e.EventID }
func (e PaymentFailed) Type() string { return EventTypePaymentFailed }
func (PaymentFailed) isEvent()       {}

// UnknownEvent is any other event type. It is acknowledged and ignored.
type UnknownEvent struct {
	EventID   string
	EventType string
}

func (e UnknownEvent) ID() string   { return e.EventID }
func (e UnknownEvent) Type() string { return e.EventType }
func (UnknownEvent) isEvent()       {}
