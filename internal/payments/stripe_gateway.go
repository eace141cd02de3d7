package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"
)

// StripeLogger defines the logging contract for gateway operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripeSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

type stripePaymentIntentAPI interface {
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// StripeClients overrides the API clients, mainly for tests.
type StripeClients struct {
	Sessions stripeSessionAPI
	Intents  stripePaymentIntentAPI
}

// StripeGatewayConfig configures the StripeGateway.
type StripeGatewayConfig struct {
	APIKey        string
	WebhookSecret string
	// WebhookTolerance bounds the age of a signed delivery. Zero uses the Stripe default.
	WebhookTolerance time.Duration
	Backends         *stripe.Backends
	Clients          *StripeClients
	Logger           StripeLogger
	Clock            func() time.Time
}

// StripeGateway implements Gateway with Stripe Checkout.
type StripeGateway struct {
	sessions  stripeSessionAPI
	intents   stripePaymentIntentAPI
	secret    string
	tolerance time.Duration
	logger    StripeLogger
	clock     func() time.Time
}

const (
	checkoutSessionPrefix = "cs_"
	defaultSessionExpiry  = 24 * time.Hour
	statusRequiresPayment = string(stripe.PaymentIntentStatusRequiresPaymentMethod)
	statusSucceeded       = string(stripe.PaymentIntentStatusSucceeded)
	statusCanceled        = string(stripe.PaymentIntentStatusCanceled)
)

// NewStripeGateway constructs a StripeGateway.
func NewStripeGateway(cfg StripeGatewayConfig) (*StripeGateway, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}

	var clients StripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = StripeClients{
			Sessions: sc.CheckoutSessions,
			Intents:  sc.PaymentIntents,
		}
	}
	if clients.Sessions == nil || clients.Intents == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	tolerance := cfg.WebhookTolerance
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeGateway{
		sessions:  clients.Sessions,
		intents:   clients.Intents,
		secret:    strings.TrimSpace(cfg.WebhookSecret),
		tolerance: tolerance,
		logger:    logger,
		clock: func() time.Time {
			return clock().UTC()
		},
	}, nil
}

// VerifiesSignatures reports whether webhook payloads are checked against a signing secret.
func (g *StripeGateway) VerifiesSignatures() bool {
	return g != nil && g.secret != ""
}

// CreateCheckoutSession creates a hosted Checkout session in payment mode. The
// order ID is attached to both the session and its payment intent so every
// webhook can be correlated.
func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error) {
	if g == nil {
		return CheckoutSession{}, errors.New("stripe: gateway is nil")
	}
	if strings.TrimSpace(req.OrderID) == "" {
		return CheckoutSession{}, errors.New("stripe: order id is required")
	}
	if len(req.LineItems) == 0 {
		return CheckoutSession{}, errors.New("stripe: at least one line item is required")
	}

	metadata := map[string]string{MetadataOrderID: req.OrderID}
	if req.StoreID != "" {
		metadata[MetadataStoreID] = req.StoreID
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.OrderID),
		Metadata:          copyMetadata(metadata),
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: copyMetadata(metadata),
		},
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}

	lines := make([]*stripe.CheckoutSessionLineItemParams, 0, len(req.LineItems))
	for _, item := range req.LineItems {
		quantity := item.Quantity
		if quantity < 1 {
			quantity = 1
		}
		lines = append(lines, &stripe.CheckoutSessionLineItemParams{
			Quantity: stripe.Int64(quantity),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(defaultString(item.Currency, req.Currency))),
				UnitAmount: stripe.Int64(item.UnitAmount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(defaultString(item.Name, "Item")),
				},
			},
		})
	}
	params.LineItems = lines

	session, err := g.sessions.New(params)
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("stripe: create checkout session: %w", err)
	}

	reference := session.ID
	if session.PaymentIntent != nil && session.PaymentIntent.ID != "" {
		reference = session.PaymentIntent.ID
	}

	expiresAt := g.clock().Add(defaultSessionExpiry)
	if session.ExpiresAt != 0 {
		expiresAt = time.Unix(session.ExpiresAt, 0).UTC()
	}

	g.logger(ctx, "payments.stripe.session.created", map[string]any{
		"orderId":   req.OrderID,
		"sessionId": session.ID,
		"reference": reference,
	})

	return CheckoutSession{
		SessionID:        session.ID,
		RedirectURL:      session.URL,
		PaymentReference: reference,
		ExpiresAt:        expiresAt,
	}, nil
}

// GetPaymentIntentStatus returns the live status for a payment reference. A
// session reference is resolved through its payment intent when one exists.
func (g *StripeGateway) GetPaymentIntentStatus(ctx context.Context, reference string) (string, error) {
	if g == nil {
		return "", errors.New("stripe: gateway is nil")
	}
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return "", errors.New("stripe: payment reference is required")
	}

	if strings.HasPrefix(reference, checkoutSessionPrefix) {
		params := &stripe.CheckoutSessionParams{}
		params.Context = ctx
		params.AddExpand("payment_intent")
		session, err := g.sessions.Get(reference, params)
		if err != nil {
			return "", fmt.Errorf("stripe: get checkout session: %w", err)
		}
		return sessionStatus(session), nil
	}

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	intent, err := g.intents.Get(reference, params)
	if err != nil {
		return "", fmt.Errorf("stripe: get payment intent: %w", err)
	}
	return string(intent.Status), nil
}

func sessionStatus(session *stripe.CheckoutSession) string {
	if session.PaymentIntent != nil && session.PaymentIntent.Status != "" {
		return string(session.PaymentIntent.Status)
	}
	switch {
	case session.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
		session.PaymentStatus == stripe.CheckoutSessionPaymentStatusNoPaymentRequired:
		return statusSucceeded
	case session.Status == stripe.CheckoutSessionStatusExpired:
		return statusCanceled
	default:
		return statusRequiresPayment
	}
}

// ParseEvent verifies the Stripe-Signature header and decodes the event. With no
// signing secret configured the payload is decoded without verification.
func (g *StripeGateway) ParseEvent(payload []byte, signatureHeader string) (Event, error) {
	if g == nil {
		return nil, errors.New("stripe: gateway is nil")
	}

	var (
		event stripe.Event
		err   error
	)
	if g.secret != "" {
		event, err = webhook.ConstructEventWithOptions(payload, signatureHeader, g.secret, webhook.ConstructEventOptions{
			Tolerance:                g.tolerance,
			IgnoreAPIVersionMismatch: true,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
	} else if err = json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	if strings.TrimSpace(event.ID) == "" || strings.TrimSpace(string(event.Type)) == "" {
		return nil, fmt.Errorf("%w: event id and type are required", ErrInvalidEvent)
	}

	switch string(event.Type) {
	case EventTypeCheckoutCompleted:
		var session stripe.CheckoutSession
		if err := decodeEventObject(event, &session); err != nil {
			return nil, err
		}
		completed := CheckoutCompleted{
			EventID:   event.ID,
			SessionID: session.ID,
			OrderID:   strings.TrimSpace(session.Metadata[MetadataOrderID]),
		}
		if completed.OrderID == "" {
			completed.OrderID = strings.TrimSpace(session.ClientReferenceID)
		}
		if session.PaymentIntent != nil {
			completed.IntentID = session.PaymentIntent.ID
		}
		return completed, nil
	case EventTypePaymentFailed:
		var intent stripe.PaymentIntent
		if err := decodeEventObject(event, &intent); err != nil {
			return nil, err
		}
		failed := PaymentFailed{
			EventID:  event.ID,
			IntentID: intent.ID,
			OrderID:  strings.TrimSpace(intent.Metadata[MetadataOrderID]),
		}
		if intent.LastPaymentError != nil {
			failed.FailureMessage = intent.LastPaymentError.Msg
		}
		return failed, nil
	default:
		return UnknownEvent{EventID: event.ID, EventType: string(event.Type)}, nil
	}
}

func decodeEventObject(event stripe.Event, dst any) error {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return fmt.Errorf("%w: event %s has no data object", ErrInvalidEvent, event.ID)
	}
	if err := json.Unmarshal(event.Data.Raw, dst); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrInvalidEvent, event.Type, err)
	}
	return nil
}

func copyMetadata(src map[string]string) map[string]string {
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func defaultString(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
