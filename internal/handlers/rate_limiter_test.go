package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestWindowLimiterResetsAfterWindow(t *testing.T) {
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	limiter := newWindowLimiter(2, time.Minute, func() time.Time { return now })

	if !limiter.Allow("1.2.3.4") || !limiter.Allow("1.2.3.4") {
		t.Fatal("expected first two requests allowed")
	}
	if limiter.Allow("1.2.3.4") {
		t.Fatal("expected third request rejected")
	}
	if !limiter.Allow("5.6.7.8") {
		t.Fatal("limits are per key")
	}

	now = now.Add(time.Minute + time.Second)
	if !limiter.Allow("1.2.3.4") {
		t.Fatal("expected window reset")
	}
}

func TestRateLimitMiddlewareRejectsWith429(t *testing.T) {
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	mw := rateLimitMiddleware(newWindowLimiter(1, 30*time.Second, func() time.Time { return now }), 30*time.Second)
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", nil)
	req.RemoteAddr = "10.0.0.1:4242"

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests || rr.Header().Get("Retry-After") != "30" {
		t.Fatalf("expected 429 with Retry-After 30, got %d %q", rr.Code, rr.Header().Get("Retry-After"))
	}

	if newWindowLimiter(0, time.Minute, nil) != nil {
		t.Fatal("non-positive limit disables limiter")
	}
}
