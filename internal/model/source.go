package model

import "time"

// ImportSource は許可証データの取り込み元（公開スプレッドシートのCSVエクスポート）を表す。
// 条件付きGETとバックオフのための取得状態を保持する。
type ImportSource struct {
	ID                string
	SheetURL          string
	ETag              string
	LastModified      string
	FetchStatus       FetchStatus
	ConsecutiveErrors int
	ErrorMessage      string
	NextFetchAt       time.Time
	LastImportedAt    *time.Time
	RowCount          int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// FetchStatus は取り込み元の取得状態を表す。
type FetchStatus string

const (
	// FetchStatusActive は取得を継続している状態。
	FetchStatusActive FetchStatus = "active"
	// FetchStatusStopped は404/401/403などにより取得を停止した状態。
	FetchStatusStopped FetchStatus = "stopped"
)

// Due は指定時刻の時点で取得対象かどうかを返す。
func (s *ImportSource) Due(now time.Time) bool {
	return s.FetchStatus == FetchStatusActive && !s.NextFetchAt.After(now)
}
