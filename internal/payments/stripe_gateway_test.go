package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v78"
)

type stubSessionAPI struct {
	newParams *stripe.CheckoutSessionParams
	newResp   *stripe.CheckoutSession
	getID     string
	getResp   *stripe.CheckoutSession
	err       error
}

func (s *stubSessionAPI) New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	s.newParams = params
	if s.err != nil {
		return nil, s.err
	}
	return s.newResp, nil
}

func (s *stubSessionAPI) Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	s.getID = id
	if s.err != nil {
		return nil, s.err
	}
	return s.getResp, nil
}

type stubIntentAPI struct {
	getID string
	resp  *stripe.PaymentIntent
	err   error
}

func (s *stubIntentAPI) Get(id string, _ *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	s.getID = id
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

func newTestGateway(t *testing.T, sessions *stubSessionAPI, intents *stubIntentAPI, secret string) *StripeGateway {
	t.Helper()
	if sessions == nil {
		sessions = &stubSessionAPI{}
	}
	if intents == nil {
		intents = &stubIntentAPI{}
	}
	gw, err := NewStripeGateway(StripeGatewayConfig{
		WebhookSecret: secret,
		Clients:       &StripeClients{Sessions: sessions, Intents: intents},
		Clock: func() time.Time {
			return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		},
	})
	if err != nil {
		t.Fatalf("NewStripeGateway: %v", err)
	}
	return gw
}

func TestStripeGatewayCreateCheckoutSession(t *testing.T) {
	sessions := &stubSessionAPI{newResp: &stripe.CheckoutSession{
		ID:            "cs_test_1",
		URL:           "https://checkout.stripe.com/c/pay/cs_test_1",
		PaymentIntent: &stripe.PaymentIntent{ID: "pi_123"},
		ExpiresAt:     time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC).Unix(),
	}}
	gw := newTestGateway(t, sessions, nil, "")

	session, err := gw.CreateCheckoutSession(context.Background(), CheckoutSessionRequest{
		OrderID:        "ord_1",
		StoreID:        "store_1",
		Currency:       "USD",
		SuccessURL:     "https://shop.example/success",
		CancelURL:      "https://shop.example/cancel",
		IdempotencyKey: "checkout-ord_1-0",
		LineItems: []LineItem{
			{Name: "E-book", Quantity: 2, UnitAmount: 1250},
		},
	})
	if err != nil {
		t.Fatalf("CreateCheckoutSession: %v", err)
	}
	if session.PaymentReference != "pi_123" || session.SessionID != "cs_test_1" {
		t.Fatalf("unexpected session %+v", session)
	}
	if !session.ExpiresAt.Equal(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected expiry %s", session.ExpiresAt)
	}

	params := sessions.newParams
	if params == nil {
		t.Fatal("expected session params to be captured")
	}
	if got := params.Metadata[MetadataOrderID]; got != "ord_1" {
		t.Fatalf("expected session metadata order id, got %q", got)
	}
	if got := params.PaymentIntentData.Metadata[MetadataOrderID]; got != "ord_1" {
		t.Fatalf("expected intent metadata order id, got %q", got)
	}
	if params.IdempotencyKey == nil || *params.IdempotencyKey != "checkout-ord_1-0" {
		t.Fatalf("expected idempotency key to be set")
	}
	if len(params.LineItems) != 1 || *params.LineItems[0].PriceData.UnitAmount != 1250 || *params.LineItems[0].PriceData.Currency != "usd" {
		t.Fatalf("unexpected line items %+v", params.LineItems)
	}
}

func TestStripeGatewayFallsBackToSessionReference(t *testing.T) {
	sessions := &stubSessionAPI{newResp: &stripe.CheckoutSession{ID: "cs_test_2", URL: "https://checkout"}}
	gw := newTestGateway(t, sessions, nil, "")

	session, err := gw.CreateCheckoutSession(context.Background(), CheckoutSessionRequest{
		OrderID:   "ord_2",
		Currency:  "USD",
		LineItems: []LineItem{{Name: "Course", Quantity: 1, UnitAmount: 500}},
	})
	if err != nil {
		t.Fatalf("CreateCheckoutSession: %v", err)
	}
	if session.PaymentReference != "cs_test_2" {
		t.Fatalf("expected session id as reference, got %s", session.PaymentReference)
	}
	if !session.ExpiresAt.Equal(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected default expiry, got %s", session.ExpiresAt)
	}
}

func TestStripeGatewayCreateCheckoutSessionError(t *testing.T) {
	apiErr := errors.New("stripe down")
	gw := newTestGateway(t, &stubSessionAPI{err: apiErr}, nil, "")
	_, err := gw.CreateCheckoutSession(context.Background(), CheckoutSessionRequest{
		OrderID:   "ord_3",
		LineItems: []LineItem{{Name: "x", Quantity: 1, UnitAmount: 100}},
	})
	if !errors.Is(err, apiErr) {
		t.Fatalf("expected wrapped api error, got %v", err)
	}
}

func TestStripeGatewayPaymentStatus(t *testing.T) {
	intents := &stubIntentAPI{resp: &stripe.PaymentIntent{ID: "pi_9", Status: stripe.PaymentIntentStatusProcessing}}
	sessions := &stubSessionAPI{getResp: &stripe.CheckoutSession{
		ID:            "cs_live_9",
		PaymentStatus: stripe.CheckoutSessionPaymentStatusUnpaid,
		Status:        stripe.CheckoutSessionStatusExpired,
	}}
	gw := newTestGateway(t, sessions, intents, "")

	status, err := gw.GetPaymentIntentStatus(context.Background(), "pi_9")
	if err != nil || status != "processing" {
		t.Fatalf("expected processing, got %q (%v)", status, err)
	}

	status, err = gw.GetPaymentIntentStatus(context.Background(), "cs_live_9")
	if err != nil || status != "canceled" {
		t.Fatalf("expected canceled for expired session, got %q (%v)", status, err)
	}
	if sessions.getID != "cs_live_9" {
		t.Fatalf("expected session lookup, got %q", sessions.getID)
	}

	sessions.getResp = &stripe.CheckoutSession{
		ID:            "cs_live_9",
		PaymentIntent: &stripe.PaymentIntent{ID: "pi_10", Status: stripe.PaymentIntentStatusSucceeded},
	}
	status, err = gw.GetPaymentIntentStatus(context.Background(), "cs_live_9")
	if err != nil || status != "succeeded" {
		t.Fatalf("expected expanded intent status, got %q (%v)", status, err)
	}
}

func TestStripeGatewayParseEventVerifiesSignature(t *testing.T) {
	const secret = "whsec_test"
	gw := newTestGateway(t, nil, nil, secret)

	payload := []byte(`{"id":"evt_1","object":"event","type":"checkout.session.completed","data":{"object":{"id":"cs_1","object":"checkout.session","client_reference_id":"ord_fallback","metadata":{"order_id":"ord_1"},"payment_intent":"pi_1"}}}`)

	event, err := gw.ParseEvent(payload, signHeader(secret, payload, time.Now()))
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	completed, ok := event.(CheckoutCompleted)
	if !ok {
		t.Fatalf("expected CheckoutCompleted, got %T", event)
	}
	if completed.EventID != "evt_1" || completed.OrderID != "ord_1" || completed.IntentID != "pi_1" || completed.SessionID != "cs_1" {
		t.Fatalf("unexpected event %+v", completed)
	}
	if completed.Reference() != "pi_1" {
		t.Fatalf("expected intent reference, got %s", completed.Reference())
	}

	if _, err := gw.ParseEvent(payload, signHeader("whsec_other", payload, time.Now())); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected invalid event for wrong secret, got %v", err)
	}
	if _, err := gw.ParseEvent(payload, ""); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected invalid event for missing header, got %v", err)
	}
	if _, err := gw.ParseEvent(payload, signHeader(secret, payload, time.Now().Add(-time.Hour))); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected invalid event for stale signature, got %v", err)
	}
}

func TestStripeGatewayParseEventVariants(t *testing.T) {
	gw := newTestGateway(t, nil, nil, "")
	if gw.VerifiesSignatures() {
		t.Fatal("expected unverified gateway without secret")
	}

	failed, err := gw.ParseEvent([]byte(`{"id":"evt_2","type":"payment_intent.payment_failed","data":{"object":{"id":"pi_2","object":"payment_intent","metadata":{"order_id":"ord_2"},"last_payment_error":{"message":"card declined"}}}}`), "")
	if err != nil {
		t.Fatalf("ParseEvent failed: %v", err)
	}
	pf, ok := failed.(PaymentFailed)
	if !ok || pf.IntentID != "pi_2" || pf.OrderID != "ord_2" || pf.FailureMessage != "card declined" {
		t.Fatalf("unexpected payment failed event %#v", failed)
	}

	fallback, err := gw.ParseEvent([]byte(`{"id":"evt_3","type":"checkout.session.completed","data":{"object":{"id":"cs_3","client_reference_id":"ord_3"}}}`), "")
	if err != nil {
		t.Fatalf("ParseEvent completed: %v", err)
	}
	if cc := fallback.(CheckoutCompleted); cc.OrderID != "ord_3" || cc.Reference() != "cs_3" {
		t.Fatalf("expected client reference fallback, got %+v", cc)
	}

	unknown, err := gw.ParseEvent([]byte(`{"id":"evt_4","type":"charge.refunded","data":{"object":{}}}`), "")
	if err != nil {
		t.Fatalf("ParseEvent unknown: %v", err)
	}
	if u, ok := unknown.(UnknownEvent); !ok || u.Type() != "charge.refunded" || u.ID() != "evt_4" {
		t.Fatalf("unexpected unknown event %#v", unknown)
	}

	for _, payload := range []string{`not json`, `{"type":"checkout.session.completed"}`, `{"id":"evt_5","type":"checkout.session.completed"}`} {
		if _, err := gw.ParseEvent([]byte(payload), ""); !errors.Is(err, ErrInvalidEvent) {
			t.Fatalf("expected invalid event for %s, got %v", payload, err)
		}
	}
}

func TestMinorUnits(t *testing.T) {
	cases := []struct {
		amount   string
		currency string
		want     int64
	}{
		{"12.50", "USD", 1250},
		{"0.01", "usd", 1},
		{"1500", "JPY", 1500},
		{"3.005", "EUR", 301},
	}
	for _, tc := range cases {
		got, err := MinorUnits(decimal.RequireFromString(tc.amount), tc.currency)
		if err != nil {
			t.Fatalf("MinorUnits(%s, %s): %v", tc.amount, tc.currency, err)
		}
		if got != tc.want {
			t.Fatalf("MinorUnits(%s, %s) = %d, want %d", tc.amount, tc.currency, got, tc.want)
		}
	}
	if _, err := MinorUnits(decimal.NewFromInt(1), "XXXX"); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected invalid amount for unknown currency, got %v", err)
	}
	if _, err := MinorUnits(decimal.NewFromInt(-1), "USD"); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected invalid amount for negative value, got %v", err)
	}
}

func signHeader(secret string, payload []byte, at time.Time) string {
	ts := at.Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%d.%s", ts, payload)))
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}
