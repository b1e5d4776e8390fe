package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/pescadash/internal/model"
)

const importSourceColumns = `id, sheet_url, etag, last_modified, fetch_status, consecutive_errors,
		        error_message, next_fetch_at, last_imported_at, row_count, created_at, updated_at`

// PostgresImportSourceRepo はPostgreSQLを使用した取り込み元リポジトリ。
type PostgresImportSourceRepo struct {
	db *sql.DB
}

// NewPostgresImportSourceRepo はPostgresImportSourceRepoを生成する。
func NewPostgresImportSourceRepo(db *sql.DB) *PostgresImportSourceRepo {
	return &PostgresImportSourceRepo{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanImportSource(row rowScanner) (*model.ImportSource, error) {
	src := &model.ImportSource{}
	var lastImported sql.NullTime
	if err := row.Scan(
		&src.ID, &src.SheetURL, &src.ETag, &src.LastModified, &src.FetchStatus, &src.ConsecutiveErrors,
		&src.ErrorMessage, &src.NextFetchAt, &lastImported, &src.RowCount, &src.CreatedAt, &src.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if lastImported.Valid {
		t := lastImported.Time
		src.LastImportedAt = &t
	}
	return src, nil
}

// Ensure はsheet_urlに対応する取り込み元を取得し、存在しなければ作成する。
// 既存の取り込み元はfetch_statusを含めて変更しない。
func (r *PostgresImportSourceRepo) Ensure(ctx context.Context, sheetURL string) (*model.ImportSource, error) {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO import_sources (sheet_url) VALUES ($1)
		 ON CONFLICT (sheet_url) DO NOTHING`,
		sheetURL,
	)
	if err != nil {
		return nil, fmt.Errorf("取り込み元の登録に失敗しました: %w", err)
	}

	src, err := scanImportSource(r.db.QueryRowContext(ctx,
		`SELECT `+importSourceColumns+` FROM import_sources WHERE sheet_url = $1`,
		sheetURL,
	))
	if err != nil {
		return nil, fmt.Errorf("取り込み元の取得に失敗しました: %w", err)
	}
	return src, nil
}

// ListDue は取得予定時刻を過ぎたactiveな取り込み元を返す。
func (r *PostgresImportSourceRepo) ListDue(ctx context.Context, now time.Time) ([]*model.ImportSource, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+importSourceColumns+`
		 FROM import_sources
		 WHERE next_fetch_at <= $1
		   AND fetch_status = 'active'
		 ORDER BY next_fetch_at ASC`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("取得対象の取り込み元の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var sources []*model.ImportSource
	for rows.Next() {
		src, err := scanImportSource(rows)
		if err != nil {
			return nil, fmt.Errorf("取り込み元の読み取りに失敗しました: %w", err)
		}
		sources = append(sources, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("取り込み元の反復処理に失敗しました: %w", err)
	}
	return sources, nil
}

// UpdateFetchState は取得状態を更新する。
func (r *PostgresImportSourceRepo) UpdateFetchState(ctx context.Context, src *model.ImportSource) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE import_sources
		 SET etag = $2, last_modified = $3, fetch_status = $4, consecutive_errors = $5,
		     error_message = $6, next_fetch_at = $7, last_imported_at = $8, row_count = $9,
		     updated_at = now()
		 WHERE id = $1`,
		src.ID, src.ETag, src.LastModified, src.FetchStatus, src.ConsecutiveErrors,
		src.ErrorMessage, src.NextFetchAt, nullTimePtr(src.LastImportedAt), src.RowCount,
	)
	if err != nil {
		return fmt.Errorf("取り込み元の取得状態の更新に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ ImportSourceRepository = (*PostgresImportSourceRepo)(nil)
