package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	domain "github.com/webrichesse/orders-api/internal/domain"
	"github.com/webrichesse/orders-api/internal/services"
)

func TestHealthzReportsBuildInfo(t *testing.T) {
	start := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	h := NewHealthHandlers(
		WithHealthBuildInfo(BuildInfo{Version: "1.2.0", CommitSHA: "abc123", Environment: "prod", StartedAt: start}),
		WithHealthClock(func() time.Time { return start.Add(90 * time.Second) }),
	)

	rr := httptest.NewRecorder()
	h.Healthz(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != domain.HealthStatusOK || body["version"] != "1.2.0" || body["uptime"] != "1m30s" {
		t.Fatalf("unexpected payload %v", body)
	}
}

func TestReadyzMapsReportStatus(t *testing.T) {
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	cases := []struct {
		name   string
		system *stubSystemService
		want   int
	}{
		{"ok", &stubSystemService{report: services.HealthReport{Status: domain.HealthStatusOK, GeneratedAt: now}}, http.StatusOK},
		{"degraded", &stubSystemService{report: services.HealthReport{Status: domain.HealthStatusDegraded, GeneratedAt: now}}, http.StatusOK},
		{"error", &stubSystemService{report: services.HealthReport{
			Status:      domain.HealthStatusError,
			GeneratedAt: now,
			Checks:      map[string]domain.HealthCheck{"stripe": {Status: domain.HealthStatusError, Detail: "timeout", Latency: 2 * time.Second}},
		}}, http.StatusServiceUnavailable},
		{"failure", &stubSystemService{err: errors.New("boom")}, http.StatusServiceUnavailable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewHealthHandlers(WithHealthSystemService(tc.system))
			rr := httptest.NewRecorder()
			h.Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			if rr.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rr.Code)
			}
		})
	}
}
