// Package cleanup は期限切れの認証データを削除する定期ジョブを提供する。
// 有効期限を過ぎたoauth_statesとsessionsを削除する。
// セッションに紐付いたoauth_statesはCASCADE削除で自動的に処理される。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// target は削除対象のテーブルと条件。
type target struct {
	name  string
	query string
}

// 有効期限から猶予期間を過ぎた行を削除する。oauth_statesを先に消す。
var targets = []target{
	{name: "oauth_states", query: `DELETE FROM oauth_states WHERE expires_at < now() - $1::interval`},
	{name: "sessions", query: `DELETE FROM sessions WHERE expires_at < now() - $1::interval`},
}

// CleanupJob は期限切れセッションとOAuth stateの削除ジョブ。
// 冪等で、何度実行しても同じ結果になる。
type CleanupJob struct {
	db     Executor
	logger *slog.Logger
	Grace  time.Duration // 有効期限を過ぎてから削除するまでの猶予（デフォルト: 0）
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(db Executor, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		db:     db,
		logger: logger,
	}
}

// Run は期限切れのoauth_statesとsessionsを順に削除する。
// 途中で失敗した場合は以降のテーブルを処理せずエラーを返す。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	interval := fmt.Sprintf("%d seconds", int64(j.Grace/time.Second))

	deleted := make(map[string]int64, len(targets))
	for _, t := range targets {
		result, err := j.db.ExecContext(ctx, t.query, interval)
		if err != nil {
			j.logger.Error("クリーンアップジョブの実行に失敗しました",
				slog.String("table", t.name),
				slog.String("error", err.Error()),
			)
			return fmt.Errorf("%s のクリーンアップに失敗: %w", t.name, err)
		}

		n, err := result.RowsAffected()
		if err != nil {
			j.logger.Error("削除件数の取得に失敗しました",
				slog.String("table", t.name),
				slog.String("error", err.Error()),
			)
			return fmt.Errorf("削除件数の取得に失敗: %w", err)
		}
		deleted[t.name] = n
	}

	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("deleted_oauth_states", deleted["oauth_states"]),
		slog.Int64("deleted_sessions", deleted["sessions"]),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// Start はintervalごとにRunを実行する。ctxがキャンセルされるまでブロックする。
// 起動直後にも1回実行する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	j.logger.Info("クリーンアップジョブを開始します",
		slog.Duration("interval", interval),
	)

	_ = j.Run(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("クリーンアップジョブを停止しました")
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
