package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/pescadash/internal/model"
)

// serveAndDecode はhandlerを1回実行し、出力されたアクセスログを返す。
func serveAndDecode(t *testing.T, mw func(http.Handler) http.Handler, h http.HandlerFunc, req *http.Request) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	NewLoggingMiddleware(logger)(mw(h)).ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON log: %v\nraw: %s", err, buf.String())
	}
	return entry
}

func passthrough(next http.Handler) http.Handler { return next }

func TestLoggingMiddleware_LogsRequestFields(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/chart-data?start_date=01/01/2026&end_date=31/01/2026", nil)
	entry := serveAndDecode(t, passthrough, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"date":"2026-01-01","count":3}]`))
	}, req)

	if entry["msg"] != "http_request" {
		t.Errorf("msg = %v, want http_request", entry["msg"])
	}
	if entry["method"] != "GET" {
		t.Errorf("method = %v, want GET", entry["method"])
	}
	if entry["path"] != "/api/chart-data" {
		t.Errorf("path = %v, want /api/chart-data", entry["path"])
	}
	if entry["status"] != float64(200) {
		t.Errorf("status = %v, want 200", entry["status"])
	}
	if entry["bytes"] != float64(len(`[{"date":"2026-01-01","count":3}]`)) {
		t.Errorf("bytes = %v", entry["bytes"])
	}
	if entry["query"] != "start_date=01/01/2026&end_date=31/01/2026" {
		t.Errorf("query = %v", entry["query"])
	}
	if d, ok := entry["duration_ms"].(float64); !ok || d < 0 {
		t.Errorf("duration_ms = %v, should be >= 0", entry["duration_ms"])
	}
}

func TestLoggingMiddleware_UserIDFromInnerSessionMiddleware(t *testing.T) {
	repo := &mockSessionRepository{
		findByIDFn: func(ctx context.Context, id string) (*model.Session, error) {
			return &model.Session{ID: id, UserID: "user-123", ExpiresAt: time.Now().Add(time.Hour)}, nil
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/permit-count", nil)
	req.Header.Set("Authorization", "Bearer tok")
	entry := serveAndDecode(t, NewSessionMiddleware(repo), func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}, req)

	if entry["user_id"] != "user-123" {
		t.Errorf("user_id = %v, want user-123", entry["user_id"])
	}
}

func TestLoggingMiddleware_NoUserID_OmitsField(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/permit-count", nil)
	entry := serveAndDecode(t, passthrough, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}, req)

	if _, ok := entry["user_id"]; ok {
		t.Errorf("未認証リクエストにuser_idを含めないこと: %v", entry["user_id"])
	}
}

func TestLoggingMiddleware_StatusAndLevel(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		statusCode int
		wantLevel  string
	}{
		{"200はINFO", "/api/permit-count", http.StatusOK, "INFO"},
		{"400はWARN", "/api/chart-data", http.StatusBadRequest, "WARN"},
		{"404はWARN", "/api/nope", http.StatusNotFound, "WARN"},
		{"500はERROR", "/api/total-recaudacion", http.StatusInternalServerError, "ERROR"},
		{"healthはDEBUG", "/health", http.StatusOK, "DEBUG"},
		{"失敗したhealthはERROR", "/health", http.StatusServiceUnavailable, "ERROR"},
		{"metricsはDEBUG", "/metrics", http.StatusOK, "DEBUG"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			entry := serveAndDecode(t, passthrough, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
			}, req)

			if status := int(entry["status"].(float64)); status != tt.statusCode {
				t.Errorf("status = %d, want %d", status, tt.statusCode)
			}
			if entry["level"] != tt.wantLevel {
				t.Errorf("level = %v, want %s", entry["level"], tt.wantLevel)
			}
		})
	}
}

func TestLoggingMiddleware_NoWriteDefaultsTo200(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/latest-records", nil)
	entry := serveAndDecode(t, passthrough, func(w http.ResponseWriter, r *http.Request) {}, req)

	if entry["status"] != float64(200) {
		t.Errorf("status = %v, want 200", entry["status"])
	}
	if _, ok := entry["query"]; ok {
		t.Error("クエリなしのリクエストにqueryを含めないこと")
	}
}

func TestLoggingMiddleware_IncludesRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := chimw.RequestID(NewLoggingMiddleware(logger)(okHandler()))

	req := httptest.NewRequest(http.MethodGet, "/api/chart-data", nil)
	req.Header.Set(chimw.RequestIDHeader, "req-42")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON log: %v", err)
	}
	if entry["request_id"] != "req-42" {
		t.Errorf("request_id = %v, want req-42", entry["request_id"])
	}
}
