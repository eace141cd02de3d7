package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/webrichesse/orders-api/internal/services"
)

type stubReconciler struct {
	result    services.ReconcileResult
	err       error
	payload   []byte
	signature string
}

func (s *stubReconciler) HandleGatewayEvent(_ context.Context, payload []byte, signature string) (services.ReconcileResult, error) {
	s.payload = payload
	s.signature = signature
	return s.result, s.err
}

func serveWebhook(t *testing.T, reconciler services.WebhookReconciler, limit int64, body string) *httptest.ResponseRecorder {
	t.Helper()
	router := chi.NewRouter()
	NewWebhookHandlers(reconciler, limit).Routes(router)
	req := httptest.NewRequest(http.MethodPost, "/stripe", bytes.NewBufferString(body))
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestStripeWebhookAcknowledgesOutcome(t *testing.T) {
	reconciler := &stubReconciler{result: services.ReconcileResult{EventID: "evt_1", Outcome: services.ReconcileDuplicate}}
	rr := serveWebhook(t, reconciler, 0, `{"id":"evt_1"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body webhookResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "duplicate" {
		t.Fatalf("expected duplicate, got %q", body.Status)
	}
	if string(reconciler.payload) != `{"id":"evt_1"}` || reconciler.signature != "t=1,v1=abc" {
		t.Fatalf("payload or signature not forwarded: %q %q", reconciler.payload, reconciler.signature)
	}
}

func TestStripeWebhookErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: bad signature", services.ErrWebhookInvalidPayload), http.StatusBadRequest},
		{services.ErrWebhookInProgress, http.StatusConflict},
		{fmt.Errorf("%w: ledger down", services.ErrWebhookUnavailable), http.StatusServiceUnavailable},
		{services.ErrOrderRepositoryUnavailable, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rr := serveWebhook(t, &stubReconciler{err: tc.err}, 0, `{}`)
		if rr.Code != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, rr.Code)
		}
	}
}

func TestStripeWebhookBodyLimit(t *testing.T) {
	reconciler := &stubReconciler{}
	rr := serveWebhook(t, reconciler, 16, strings.Repeat("x", 17))
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rr.Code)
	}
	if reconciler.payload != nil {
		t.Fatal("oversized payload must not reach the reconciler")
	}
}
