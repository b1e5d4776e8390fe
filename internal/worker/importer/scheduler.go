// Package importer は許可証スプレッドシートのバックグラウンド取り込み処理を提供する。
// スケジューラ、取り込み処理、リトライ/バックオフ戦略を含む。
package importer

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/pescadash/internal/model"
	"github.com/hitoshi/pescadash/internal/repository"
)

// ImportRunner は取り込み処理の実行インターフェース。
type ImportRunner interface {
	// Import は指定の取り込み元を取得し、結果に応じて取得状態を更新する。
	Import(ctx context.Context, src *model.ImportSource) error
}

// Scheduler は取り込みのスケジューリングと並列制御を行う。
// ティッカーごとに取得予定時刻を過ぎた取り込み元を取得し、最大並列数を制限して実行する。
type Scheduler struct {
	sources        repository.ImportSourceRepository
	runner         ImportRunner
	logger         *slog.Logger
	maxConcurrency int
	now            func() time.Time
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合はデフォルト値2を使用する。
func NewScheduler(
	sources repository.ImportSourceRepository,
	runner ImportRunner,
	logger *slog.Logger,
	maxConcurrency int,
) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = 2
	}
	return &Scheduler{
		sources:        sources,
		runner:         runner,
		logger:         logger,
		maxConcurrency: maxConcurrency,
		now:            time.Now,
	}
}

// Start はinterval間隔のティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("取り込みスケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", s.maxConcurrency),
	)

	// 起動直後に1回実行
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("取り込みサイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("取り込みスケジューラを停止しました")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("取り込みサイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は取得対象の取り込み元を1回取得し、並列で取り込みを実行する。
// 個別の取り込み失敗はログに残し、他の取り込み元の処理は継続する。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := time.Now()

	sources, err := s.sources.ListDue(ctx, s.now())
	if err != nil {
		return err
	}

	if len(sources) == 0 {
		s.logger.Debug("取得対象の取り込み元はありません")
		return nil
	}

	s.logger.Info("取り込みサイクルを開始します",
		slog.Int("source_count", len(sources)),
	)

	var g errgroup.Group
	g.SetLimit(s.maxConcurrency)

	for _, src := range sources {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := s.runner.Import(ctx, src); err != nil {
				s.logger.Error("シートの取り込みに失敗しました",
					slog.String("source_id", src.ID),
					slog.String("error", err.Error()),
				)
			}
			return nil
		})
	}

	_ = g.Wait()

	s.logger.Info("取り込みサイクルが完了しました",
		slog.Int("source_count", len(sources)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return nil
}
