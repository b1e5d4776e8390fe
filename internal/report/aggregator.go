package report

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/pescadash/internal/model"
)

// DefaultTimeout は指標1件の取得に許す最大時間。
const DefaultTimeout = 10 * time.Second

// MetricsAPI はレポートに必要な指標の取得手段。
type MetricsAPI interface {
	PermitsPerDay(ctx context.Context, r model.DateRange) ([]model.DailyCount, error)
	RevenuePerDay(ctx context.Context, r model.DateRange) ([]model.DailyRevenue, error)
	CategoryCounts(ctx context.Context, r model.DateRange) ([]model.NamedCount, error)
	RegionCounts(ctx context.Context, r model.DateRange) ([]model.NamedCount, error)
	TotalPermits(ctx context.Context, r model.DateRange) (int, error)
	TotalRevenue(ctx context.Context, r model.DateRange) (float64, error)
}

// Aggregator は要求された指標を並列に1回ずつ取得し、レポートにまとめる。
// いずれか1件でも失敗した場合は部分的な結果を捨てて失敗を返す。
type Aggregator struct {
	api     MetricsAPI
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// NewAggregator はAggregatorを生成する。timeoutが0以下の場合はDefaultTimeoutを使用する。
func NewAggregator(api MetricsAPI, timeout time.Duration, logger *slog.Logger) *Aggregator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{api: api, timeout: timeout, logger: logger, now: time.Now}
}

// Build はレポートを生成する。失敗時は*AggregateErrorを返す。
func (a *Aggregator) Build(ctx context.Context, req Request) (*Report, error) {
	start := time.Now()
	rng := req.Range()

	var (
		mu sync.Mutex
		s  Series
	)

	eg, egCtx := errgroup.WithContext(ctx)
	for _, m := range req.Metrics() {
		eg.Go(func() error {
			fctx, cancel := context.WithTimeout(egCtx, a.timeout)
			defer cancel()
			if err := a.fetch(fctx, m, rng, &mu, &s); err != nil {
				return &AggregateError{Metric: m, Err: err}
			}
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		a.logger.Warn("report build failed",
			slog.String("range", rng.String()),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	rep, err := newReport(req, s, a.now())
	if err != nil {
		return nil, err
	}

	if cc := rep.CrossCheck(); !cc.OK() {
		a.logger.Warn("report cross-check mismatch",
			slog.String("range", rng.String()),
			slog.Float64("permits_derived", cc.Permits.Derived),
			slog.Float64("permits_fetched", cc.Permits.Fetched),
			slog.Float64("revenue_derived", cc.Revenue.Derived),
			slog.Float64("revenue_fetched", cc.Revenue.Fetched),
		)
	}

	a.logger.Info("report built",
		slog.String("range", rng.String()),
		slog.Int("metrics", len(req.Metrics())),
		slog.String("digest", rep.Digest()),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return rep, nil
}

// fetch は指標1件を取得してsの該当スロットに書き込む。
func (a *Aggregator) fetch(ctx context.Context, m model.MetricKind, rng model.DateRange, mu *sync.Mutex, s *Series) error {
	switch m {
	case model.MetricPermitsPerDay:
		v, err := a.api.PermitsPerDay(ctx, rng)
		if err != nil {
			return err
		}
		if v == nil {
			v = []model.DailyCount{}
		}
		mu.Lock()
		s.PermitsPerDay = v
		mu.Unlock()
	case model.MetricRevenuePerDay:
		v, err := a.api.RevenuePerDay(ctx, rng)
		if err != nil {
			return err
		}
		if v == nil {
			v = []model.DailyRevenue{}
		}
		mu.Lock()
		s.RevenuePerDay = v
		mu.Unlock()
	case model.MetricCategoryCounts:
		v, err := a.api.CategoryCounts(ctx, rng)
		if err != nil {
			return err
		}
		if v == nil {
			v = []model.NamedCount{}
		}
		mu.Lock()
		s.CategoryCounts = v
		mu.Unlock()
	case model.MetricRegionCounts:
		v, err := a.api.RegionCounts(ctx, rng)
		if err != nil {
			return err
		}
		if v == nil {
			v = []model.NamedCount{}
		}
		mu.Lock()
		s.RegionCounts = v
		mu.Unlock()
	case model.MetricTotalPermits:
		v, err := a.api.TotalPermits(ctx, rng)
		if err != nil {
			return err
		}
		mu.Lock()
		s.TotalPermits = &v
		mu.Unlock()
	case model.MetricTotalRevenue:
		v, err := a.api.TotalRevenue(ctx, rng)
		if err != nil {
			return err
		}
		mu.Lock()
		s.TotalRevenue = &v
		mu.Unlock()
	}
	return nil
}
