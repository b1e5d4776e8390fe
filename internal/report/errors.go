package report

import (
	"errors"
	"fmt"

	"github.com/hitoshi/pescadash/internal/model"
)

// ErrSuperseded は新しい要求によって置き換えられたことを示す。
var ErrSuperseded = errors.New("report: superseded by a newer request")

// AggregateError はいずれかの指標の取得に失敗したためレポート全体が失敗したことを表す。
// 部分的な結果は返さない。
type AggregateError struct {
	Metric model.MetricKind
	Err    error
}

// Error はerrorインターフェースを実装する。
func (e *AggregateError) Error() string {
	return fmt.Sprintf("report: metric %s failed: %v", e.Metric, e.Err)
}

// Unwrap は元のエラーを返す。
func (e *AggregateError) Unwrap() error {
	return e.Err
}
