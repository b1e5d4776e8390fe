package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/pescadash/internal/model"
)

// permitDay は日別集計のキー。作成日時はUTCで保存している。
const permitDay = `to_char(created_at AT TIME ZONE 'UTC', 'YYYY-MM-DD')`

// PostgresPermitRepo はPostgreSQLを使用した許可証リポジトリ。
type PostgresPermitRepo struct {
	db *sql.DB
}

// NewPostgresPermitRepo はPostgresPermitRepoを生成する。
func NewPostgresPermitRepo(db *sql.DB) *PostgresPermitRepo {
	return &PostgresPermitRepo{db: db}
}

// permitFilter は集計共通のWHERE句と引数（$1〜$3）を返す。
// 終了日は翌日0時未満として日全体を含める。
func permitFilter(q PermitQuery) (string, []any) {
	where := `row_number >= $1
		   AND created_at IS NOT NULL
		   AND ($2::timestamptz IS NULL OR created_at >= $2)
		   AND ($3::timestamptz IS NULL OR created_at < $3)`
	args := []any{q.MinRow, nullTime(q.Range.Start), nullTime(q.Range.EndExclusive())}
	return where, args
}

// UpsertBatch は行番号をキーに許可証を一括UPSERTする。
func (r *PostgresPermitRepo) UpsertBatch(ctx context.Context, tx *sql.Tx, records []*model.PermitRecord) error {
	if len(records) == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO permits (row_number, created_at, product_name, net_revenue, regions, display, imported_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (row_number) DO UPDATE
		 SET created_at = EXCLUDED.created_at,
		     product_name = EXCLUDED.product_name,
		     net_revenue = EXCLUDED.net_revenue,
		     regions = EXCLUDED.regions,
		     display = EXCLUDED.display,
		     imported_at = EXCLUDED.imported_at`,
	)
	if err != nil {
		return fmt.Errorf("許可証UPSERT文の準備に失敗しました: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		// JSONBはキー順を保持しないため、列順を保った配列で保存する。
		display, err := json.Marshal([]model.Field(rec.Display))
		if err != nil {
			return fmt.Errorf("行%dの表示列のエンコードに失敗しました: %w", rec.RowNumber, err)
		}
		if _, err := stmt.ExecContext(ctx,
			rec.RowNumber, nullTimePtr(rec.CreatedAt), rec.ProductName, nullFloatPtr(rec.NetRevenue),
			rec.Regions, string(display), rec.ImportedAt,
		); err != nil {
			return fmt.Errorf("行%dのUPSERTに失敗しました: %w", rec.RowNumber, err)
		}
	}
	return nil
}

// DeleteAfterRow は指定行番号より後の行を削除する。
func (r *PostgresPermitRepo) DeleteAfterRow(ctx context.Context, tx *sql.Tx, lastRow int) (int64, error) {
	result, err := tx.ExecContext(ctx, `DELETE FROM permits WHERE row_number > $1`, lastRow)
	if err != nil {
		return 0, fmt.Errorf("余剰行の削除に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// CountPermits は条件に合う許可証数を返す。
func (r *PostgresPermitRepo) CountPermits(ctx context.Context, q PermitQuery) (int, error) {
	where, args := permitFilter(q)
	var count int
	if err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM permits WHERE `+where,
		args...,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("許可証数の集計に失敗しました: %w", err)
	}
	return count, nil
}

// CountPerDay は日別の許可証数を日付昇順で返す。
func (r *PostgresPermitRepo) CountPerDay(ctx context.Context, q PermitQuery) ([]model.DailyCount, error) {
	where, args := permitFilter(q)
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+permitDay+` AS day, count(*)
		 FROM permits WHERE `+where+`
		 GROUP BY day ORDER BY day`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("日別許可証数の集計に失敗しました: %w", err)
	}
	defer rows.Close()

	result := []model.DailyCount{}
	for rows.Next() {
		var d model.DailyCount
		if err := rows.Scan(&d.Date, &d.Count); err != nil {
			return nil, fmt.Errorf("日別許可証数の読み取りに失敗しました: %w", err)
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// SumRevenue は純収入の合計を返す。
func (r *PostgresPermitRepo) SumRevenue(ctx context.Context, q PermitQuery) (float64, error) {
	where, args := permitFilter(q)
	var total float64
	if err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(net_revenue), 0)::float8 FROM permits WHERE `+where,
		args...,
	).Scan(&total); err != nil {
		return 0, fmt.Errorf("収入合計の集計に失敗しました: %w", err)
	}
	return total, nil
}

// SumRevenuePerDay は日別の純収入合計を日付昇順で返す。数値でない値は0として扱う。
func (r *PostgresPermitRepo) SumRevenuePerDay(ctx context.Context, q PermitQuery) ([]model.DailyRevenue, error) {
	where, args := permitFilter(q)
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+permitDay+` AS day, SUM(COALESCE(net_revenue, 0))::float8
		 FROM permits WHERE `+where+`
		 GROUP BY day ORDER BY day`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("日別収入の集計に失敗しました: %w", err)
	}
	defer rows.Close()

	result := []model.DailyRevenue{}
	for rows.Next() {
		var d model.DailyRevenue
		if err := rows.Scan(&d.Date, &d.Recaudacion); err != nil {
			return nil, fmt.Errorf("日別収入の読み取りに失敗しました: %w", err)
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// CountByProduct は商品名ごとの件数を件数降順で返す。空の商品名は数えない。
func (r *PostgresPermitRepo) CountByProduct(ctx context.Context, q PermitQuery) ([]model.NamedCount, error) {
	where, args := permitFilter(q)
	rows, err := r.db.QueryContext(ctx,
		`SELECT product_name, count(*) AS n
		 FROM permits WHERE `+where+` AND product_name <> ''
		 GROUP BY product_name ORDER BY n DESC, product_name`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("商品別件数の集計に失敗しました: %w", err)
	}
	defer rows.Close()
	return scanNamedCounts(rows)
}

// CountByRegion はRegion/es列をカンマで分割し、regionsに含まれる地域のみ数える。
func (r *PostgresPermitRepo) CountByRegion(ctx context.Context, q PermitQuery, regions []string) ([]model.NamedCount, error) {
	where, args := permitFilter(q)
	args = append(args, pq.Array(regions))
	rows, err := r.db.QueryContext(ctx,
		`SELECT region, count(*) AS n
		 FROM (
		     SELECT btrim(unnest(string_to_array(regions, ','))) AS region
		     FROM permits WHERE `+where+`
		 ) t
		 WHERE region = ANY($4)
		 GROUP BY region ORDER BY n DESC, region`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("地域別件数の集計に失敗しました: %w", err)
	}
	defer rows.Close()
	return scanNamedCounts(rows)
}

func scanNamedCounts(rows *sql.Rows) ([]model.NamedCount, error) {
	result := []model.NamedCount{}
	for rows.Next() {
		var c model.NamedCount
		if err := rows.Scan(&c.Name, &c.Count); err != nil {
			return nil, fmt.Errorf("件数の読み取りに失敗しました: %w", err)
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// Latest は行番号の大きい順にlimit件を取得し、行番号昇順で返す。
func (r *PostgresPermitRepo) Latest(ctx context.Context, limit int) ([]*model.PermitRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT row_number, created_at, product_name, net_revenue, regions, display, imported_at
		 FROM (
		     SELECT * FROM permits ORDER BY row_number DESC LIMIT $1
		 ) t
		 ORDER BY row_number ASC`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("最新の許可証の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var records []*model.PermitRecord
	for rows.Next() {
		rec := &model.PermitRecord{}
		var createdAt sql.NullTime
		var revenue sql.NullFloat64
		var display []byte
		if err := rows.Scan(&rec.RowNumber, &createdAt, &rec.ProductName, &revenue, &rec.Regions, &display, &rec.ImportedAt); err != nil {
			return nil, fmt.Errorf("許可証の読み取りに失敗しました: %w", err)
		}
		if createdAt.Valid {
			t := createdAt.Time
			rec.CreatedAt = &t
		}
		if revenue.Valid {
			v := revenue.Float64
			rec.NetRevenue = &v
		}
		var fields []model.Field
		if err := json.Unmarshal(display, &fields); err != nil {
			return nil, fmt.Errorf("行%dの表示列のデコードに失敗しました: %w", rec.RowNumber, err)
		}
		rec.Display = fields
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("許可証の反復処理に失敗しました: %w", err)
	}
	return records, nil
}

// compile-time interface check
var _ PermitRepository = (*PostgresPermitRepo)(nil)
