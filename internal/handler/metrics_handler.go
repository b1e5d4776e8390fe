package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hitoshi/pescadash/internal/middleware"
	"github.com/hitoshi/pescadash/internal/model"
)

// MetricsServiceInterface はダッシュボード指標APIが必要とするサービスインターフェース。
type MetricsServiceInterface interface {
	PermitCount(ctx context.Context, r model.DateRange) (*model.PermitCount, error)
	ChartData(ctx context.Context, r model.DateRange) ([]model.DailyCount, error)
	TotalRevenue(ctx context.Context, r model.DateRange) (*model.RevenueTotal, error)
	RevenuePerDay(ctx context.Context, r model.DateRange) ([]model.DailyRevenue, error)
	CategoryCounts(ctx context.Context, r model.DateRange) ([]model.NamedCount, error)
	RegionCounts(ctx context.Context, r model.DateRange) ([]model.NamedCount, error)
	LatestRecords(ctx context.Context) ([]model.OrderedFields, error)
}

// MetricsHandler は /api 配下の指標エンドポイントを提供する。
type MetricsHandler struct {
	service MetricsServiceInterface
}

// NewMetricsHandler はMetricsHandlerを生成する。
func NewMetricsHandler(service MetricsServiceInterface) *MetricsHandler {
	return &MetricsHandler{service: service}
}

// rangedHandler は期間指定付き指標を返すハンドラーを組み立てる。
// start_date/end_date はdd/mm/yyyy形式で、どちらも省略可能。
func rangedHandler[T any](name string, fn func(ctx context.Context, r model.DateRange) (T, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		dr, err := model.ParseDateRange(q.Get("start_date"), q.Get("end_date"))
		if err != nil {
			middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidDateError(err.Error()))
			return
		}

		result, err := fn(r.Context(), dr)
		if err != nil {
			slog.Error("failed to compute metric",
				slog.String("metric", name),
				slog.String("range", dr.String()),
				slog.String("error", err.Error()),
			)
			middleware.WriteInternalServerError(w)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// PermitCount は期間内の許可証数を返す。
// GET /api/permit-count
func (h *MetricsHandler) PermitCount(w http.ResponseWriter, r *http.Request) {
	rangedHandler("permit-count", h.service.PermitCount)(w, r)
}

// ChartData は日別の許可証数を返す。
// GET /api/chart-data
func (h *MetricsHandler) ChartData(w http.ResponseWriter, r *http.Request) {
	rangedHandler("chart-data", h.service.ChartData)(w, r)
}

// TotalRevenue は期間内の純収入合計を返す。
// GET /api/total-recaudacion
func (h *MetricsHandler) TotalRevenue(w http.ResponseWriter, r *http.Request) {
	rangedHandler("total-recaudacion", h.service.TotalRevenue)(w, r)
}

// RevenuePerDay は日別の純収入を返す。
// GET /api/recaudacion-por-dia
func (h *MetricsHandler) RevenuePerDay(w http.ResponseWriter, r *http.Request) {
	rangedHandler("recaudacion-por-dia", h.service.RevenuePerDay)(w, r)
}

// CategoryCounts は商品カテゴリ別の件数を返す。
// GET /api/categoria-pesca
func (h *MetricsHandler) CategoryCounts(w http.ResponseWriter, r *http.Request) {
	rangedHandler("categoria-pesca", h.service.CategoryCounts)(w, r)
}

// RegionCounts は地域別の件数を返す。
// GET /api/regiones-count
func (h *MetricsHandler) RegionCounts(w http.ResponseWriter, r *http.Request) {
	rangedHandler("regiones-count", h.service.RegionCounts)(w, r)
}

// LatestRecords は直近に取り込まれた行を返す。期間指定は受け付けない。
// GET /api/latest-records
func (h *MetricsHandler) LatestRecords(w http.ResponseWriter, r *http.Request) {
	records, err := h.service.LatestRecords(r.Context())
	if err != nil {
		slog.Error("failed to load latest records", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}
	writeJSON(w, http.StatusOK, records)
}
