package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/pescadash/internal/metrics"
	"github.com/hitoshi/pescadash/internal/middleware"
)

type stubHealthChecker struct {
	err error
}

func (s *stubHealthChecker) PingContext(context.Context) error {
	return s.err
}

func newMinimalRouter(t *testing.T, deps *RouterDeps) http.Handler {
	t.Helper()
	limiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	t.Cleanup(limiter.Stop)
	deps.RateLimiter = limiter
	deps.SessionFinder = &mockSessionFinderForRouter{}
	deps.AuthService = &mockAuthService{}
	deps.MetricsService = &mockMetricsService{}
	return NewRouter(deps)
}

func TestRouter_Health(t *testing.T) {
	tests := []struct {
		name       string
		checker    HealthChecker
		wantStatus int
	}{
		{"DBなし", nil, http.StatusOK},
		{"DB正常", &stubHealthChecker{}, http.StatusOK},
		{"DB異常", &stubHealthChecker{err: errors.New("connection refused")}, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newMinimalRouter(t, &RouterDeps{HealthChecker: tt.checker})

			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestRouter_MetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	router := newMinimalRouter(t, &RouterDeps{Metrics: collector, Gatherer: reg})

	// 1回リクエストしてからスクレイプする
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	body, _ := io.ReadAll(w.Body)
	if !strings.Contains(string(body), `pescadash_http_requests_total{method="GET",route="/health",status_code="200"} 1`) {
		t.Errorf("/health のリクエストが記録されていない:\n%s", body)
	}
}

func TestRouter_MetricsEndpointDisabledWithoutGatherer(t *testing.T) {
	router := newMinimalRouter(t, &RouterDeps{})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestRouter_PreflightIsAnswered(t *testing.T) {
	router := newMinimalRouter(t, &RouterDeps{CORSAllowedOrigins: []string{"http://localhost:5173"}})

	req := httptest.NewRequest(http.MethodOptions, "/api/permit-count", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
}
