package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hitoshi/pescadash/internal/middleware"
)

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// handleServiceError はサービス層のエラーを統一エラーフォーマットで返す。
func handleServiceError(w http.ResponseWriter, err error) {
	middleware.WriteError(w, err)
}
