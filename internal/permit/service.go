package permit

import (
	"context"
	"fmt"

	"github.com/hitoshi/pescadash/internal/model"
	"github.com/hitoshi/pescadash/internal/repository"
)

// DefaultRegions は集計対象の地域。これ以外の表記は数えない。
var DefaultRegions = []string{
	"Confluencia",
	"Comarca",
	"Lagos del Sur",
	"Pehuén",
	"Alto Neuquén",
	"Limay",
	"Vaca Muerta",
}

const (
	// DefaultStartRow は今シーズンの許可証が始まるシート上の行番号。
	DefaultStartRow = 11136
	// DefaultLatestLimit は最新登録一覧の件数。
	DefaultLatestLimit = 10
)

// ServiceConfig は集計サービスの設定。
type ServiceConfig struct {
	StartRow    int
	Regions     []string
	LatestLimit int
}

// Service はダッシュボード向けの許可証集計を提供する。
type Service struct {
	repo   repository.PermitRepository
	config ServiceConfig
}

// NewService はServiceを生成する。ゼロ値の設定項目にはデフォルト値を使う。
func NewService(repo repository.PermitRepository, config ServiceConfig) *Service {
	if config.StartRow <= 0 {
		config.StartRow = DefaultStartRow
	}
	if len(config.Regions) == 0 {
		config.Regions = DefaultRegions
	}
	if config.LatestLimit <= 0 {
		config.LatestLimit = DefaultLatestLimit
	}
	return &Service{repo: repo, config: config}
}

func (s *Service) query(r model.DateRange) repository.PermitQuery {
	return repository.PermitQuery{Range: r, MinRow: s.config.StartRow}
}

// PermitCount は期間内の許可証数を返す。
func (s *Service) PermitCount(ctx context.Context, r model.DateRange) (*model.PermitCount, error) {
	n, err := s.repo.CountPermits(ctx, s.query(r))
	if err != nil {
		return nil, fmt.Errorf("failed to count permits: %w", err)
	}
	return &model.PermitCount{Count: n}, nil
}

// ChartData は日別の許可証数を返す。
func (s *Service) ChartData(ctx context.Context, r model.DateRange) ([]model.DailyCount, error) {
	rows, err := s.repo.CountPerDay(ctx, s.query(r))
	if err != nil {
		return nil, fmt.Errorf("failed to count permits per day: %w", err)
	}
	return rows, nil
}

// TotalRevenue は期間内の純収入合計を返す。
func (s *Service) TotalRevenue(ctx context.Context, r model.DateRange) (*model.RevenueTotal, error) {
	total, err := s.repo.SumRevenue(ctx, s.query(r))
	if err != nil {
		return nil, fmt.Errorf("failed to sum revenue: %w", err)
	}
	return &model.RevenueTotal{Total: total}, nil
}

// RevenuePerDay は日別の純収入合計を返す。
func (s *Service) RevenuePerDay(ctx context.Context, r model.DateRange) ([]model.DailyRevenue, error) {
	rows, err := s.repo.SumRevenuePerDay(ctx, s.query(r))
	if err != nil {
		return nil, fmt.Errorf("failed to sum revenue per day: %w", err)
	}
	return rows, nil
}

// CategoryCounts は商品（許可証の種類）ごとの件数を件数降順で返す。
func (s *Service) CategoryCounts(ctx context.Context, r model.DateRange) ([]model.NamedCount, error) {
	rows, err := s.repo.CountByProduct(ctx, s.query(r))
	if err != nil {
		return nil, fmt.Errorf("failed to count by product: %w", err)
	}
	return rows, nil
}

// RegionCounts は地域ごとの件数を返す。1件の許可証が複数地域を含む場合はそれぞれに数える。
func (s *Service) RegionCounts(ctx context.Context, r model.DateRange) ([]model.NamedCount, error) {
	rows, err := s.repo.CountByRegion(ctx, s.query(r), s.config.Regions)
	if err != nil {
		return nil, fmt.Errorf("failed to count by region: %w", err)
	}
	return rows, nil
}

// LatestRecords はシート末尾の登録を行番号昇順で返す。期間の指定は受け付けない。
func (s *Service) LatestRecords(ctx context.Context) ([]model.OrderedFields, error) {
	records, err := s.repo.Latest(ctx, s.config.LatestLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch latest records: %w", err)
	}
	out := make([]model.OrderedFields, 0, len(records))
	for _, rec := range records {
		fields := rec.Display
		if fields == nil {
			fields = model.OrderedFields{}
		}
		out = append(out, fields)
	}
	return out, nil
}
