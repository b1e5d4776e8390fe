package dashboard

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/hitoshi/pescadash/internal/apiclient"
	"github.com/hitoshi/pescadash/internal/model"
	"github.com/hitoshi/pescadash/internal/polling"
)

// API はウィジェットが使うメトリクスAPI。
type API interface {
	PermitCount(ctx context.Context, r model.DateRange) (model.PermitCount, error)
	PermitsPerDay(ctx context.Context, r model.DateRange) ([]model.DailyCount, error)
	RevenueTotal(ctx context.Context, r model.DateRange) (model.RevenueTotal, error)
	RevenuePerDay(ctx context.Context, r model.DateRange) ([]model.DailyRevenue, error)
	CategoryCounts(ctx context.Context, r model.DateRange) ([]model.NamedCount, error)
	RegionCounts(ctx context.Context, r model.DateRange) ([]model.NamedCount, error)
	LatestRecords(ctx context.Context) (*model.Table, error)
}

// Update はウィジェットの状態遷移。StatusがFailedの場合MessageにウィジェットのFailureTextが入る。
type Update struct {
	View    string
	Widget  Widget
	Status  polling.Status
	Value   any
	Err     error
	Message string
	Seq     uint64
}

// Board は画面単位でウィジェットの購読を管理する。
type Board struct {
	layout  *Layout
	api     API
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// NewBoard はBoardを生成する。
func NewBoard(layout *Layout, api API, timeout time.Duration, logger *slog.Logger) *Board {
	if logger == nil {
		logger = slog.Default()
	}
	return &Board{layout: layout, api: api, timeout: timeout, logger: logger, now: time.Now}
}

// Layout は画面構成を返す。
func (b *Board) Layout() *Layout {
	return b.layout
}

// Mount は画面のウィジェットを購読して有効にし、解除関数を返す。
// 同じ画面内で同一キーのウィジェットは1つの購読を共有する。
func (b *Board) Mount(ctx context.Context, view *View, onUpdate func(Update)) (unmount func(), err error) {
	group := polling.NewGroup(b.timeout, b.logger)
	for _, w := range view.Widgets {
		if err := b.subscribe(group, view.Path, w, onUpdate); err != nil {
			group.Close()
			return nil, err
		}
	}
	group.ActivateAll(ctx)
	b.logger.Info("view mounted",
		slog.String("view", view.Path),
		slog.Int("subscriptions", group.Len()),
	)
	return group.Close, nil
}

// rangeFor は取得時点の対象期間を返す。シーズン範囲のウィジェットは開始日から当日まで。
func (b *Board) rangeFor(w Widget) model.DateRange {
	if !w.SeasonRange {
		return model.DateRange{}
	}
	r, err := model.NewDateRange(b.layout.SeasonStartDate(), b.now())
	if err != nil {
		// シーズン開始前は開始日のみ指定する
		return model.DateRange{Start: b.layout.SeasonStartDate()}
	}
	return r
}

func (b *Board) keyFor(w Widget) polling.Key {
	params := url.Values{}
	if w.SeasonRange {
		params.Set("start_date", b.layout.SeasonStart)
	}
	return polling.NewKey(w.Endpoint, params, w.Interval)
}

func (b *Board) subscribe(g *polling.Group, view string, w Widget, onUpdate func(Update)) error {
	key := b.keyFor(w)
	switch w.Endpoint {
	case apiclient.EndpointPermitCount:
		return watch(g, key, view, w, onUpdate, func(ctx context.Context) (int, error) {
			v, err := b.api.PermitCount(ctx, b.rangeFor(w))
			return v.Count, err
		})
	case apiclient.EndpointChartData:
		return watch(g, key, view, w, onUpdate, func(ctx context.Context) ([]model.DailyCount, error) {
			return b.api.PermitsPerDay(ctx, b.rangeFor(w))
		})
	case apiclient.EndpointTotalRecaudacion:
		return watch(g, key, view, w, onUpdate, func(ctx context.Context) (float64, error) {
			v, err := b.api.RevenueTotal(ctx, b.rangeFor(w))
			return v.Total, err
		})
	case apiclient.EndpointRecaudacionPorDia:
		return watch(g, key, view, w, onUpdate, func(ctx context.Context) ([]model.DailyRevenue, error) {
			return b.api.RevenuePerDay(ctx, b.rangeFor(w))
		})
	case apiclient.EndpointCategoriaPesca:
		return watch(g, key, view, w, onUpdate, func(ctx context.Context) ([]model.NamedCount, error) {
			return b.api.CategoryCounts(ctx, b.rangeFor(w))
		})
	case apiclient.EndpointRegionesCount:
		return watch(g, key, view, w, onUpdate, func(ctx context.Context) ([]model.NamedCount, error) {
			return b.api.RegionCounts(ctx, b.rangeFor(w))
		})
	case apiclient.EndpointLatestRecords:
		return watch(g, key, view, w, onUpdate, func(ctx context.Context) (*model.Table, error) {
			return b.api.LatestRecords(ctx)
		})
	default:
		return fmt.Errorf("widget %q: unsupported endpoint %q", w.ID, w.Endpoint)
	}
}

func watch[T any](g *polling.Group, key polling.Key, view string, w Widget, onUpdate func(Update), fetch polling.Fetcher[T]) error {
	src, err := polling.Subscribe(g, key, fetch)
	if err != nil {
		return err
	}
	if onUpdate == nil {
		return nil
	}
	src.OnChange(func(s polling.Snapshot[T]) {
		u := Update{View: view, Widget: w, Status: s.Status, Err: s.Err, Seq: s.Seq}
		if s.HasValue {
			u.Value = s.Value
		}
		if s.Status == polling.StatusFailed {
			u.Message = w.FailureText
		}
		onUpdate(u)
	})
	return nil
}
