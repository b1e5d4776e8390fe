package importer

import (
	"fmt"
	"time"

	"github.com/hitoshi/pescadash/internal/model"
)

// FetchResult はHTTPステータスコードに基づく取得結果の分類。
type FetchResult int

const (
	// FetchResultOK は取得成功（200）。
	FetchResultOK FetchResult = iota
	// FetchResultNotModified はシート未変更（304）。
	FetchResultNotModified
	// FetchResultStop は取得停止が必要なステータス（404/410/401/403）。
	// シートの公開設定が外れた場合などが該当する。
	FetchResultStop
	// FetchResultBackoff はバックオフが必要なステータス（429/5xx）。
	FetchResultBackoff
	// FetchResultUnknown は未知のステータスコード。
	FetchResultUnknown
)

const (
	// initialBackoff は指数バックオフの初回遅延。
	initialBackoff = 2 * time.Minute
	// maxBackoff は指数バックオフの最大遅延。
	maxBackoff = 1 * time.Hour
	// parseFailureThreshold はパース失敗による取得停止の閾値。
	parseFailureThreshold = 10
)

// ClassifyHTTPStatus はHTTPステータスコードを取得結果に分類する。
func ClassifyHTTPStatus(statusCode int) FetchResult {
	switch {
	case statusCode == 200:
		return FetchResultOK
	case statusCode == 304:
		return FetchResultNotModified
	case statusCode == 404 || statusCode == 410:
		return FetchResultStop
	case statusCode == 401 || statusCode == 403:
		return FetchResultStop
	case statusCode == 429:
		return FetchResultBackoff
	case statusCode >= 500:
		return FetchResultBackoff
	default:
		return FetchResultUnknown
	}
}

// CalculateBackoff は連続エラー回数に基づいて指数バックオフ遅延を計算する。
// 初回2分、2倍ずつ増加、最大1時間。
func CalculateBackoff(consecutiveErrors int) time.Duration {
	delay := initialBackoff
	for i := 0; i < consecutiveErrors; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// ApplyStop は取り込み元の取得を停止する。
func ApplyStop(src *model.ImportSource, reason string, now time.Time) {
	src.FetchStatus = model.FetchStatusStopped
	src.ErrorMessage = reason
	src.UpdatedAt = now
}

// ApplyBackoff は連続エラー回数をインクリメントし、指数バックオフでnext_fetch_atを設定する。
func ApplyBackoff(src *model.ImportSource, reason string, now time.Time) {
	src.ConsecutiveErrors++
	src.ErrorMessage = reason
	src.NextFetchAt = now.Add(CalculateBackoff(src.ConsecutiveErrors - 1))
	src.UpdatedAt = now
}

// ApplySuccess は取得成功時に連続エラー回数とエラーメッセージをリセットし、
// interval後を次回取得時刻にする。
func ApplySuccess(src *model.ImportSource, interval time.Duration, now time.Time) {
	src.ConsecutiveErrors = 0
	src.ErrorMessage = ""
	src.NextFetchAt = now.Add(interval)
	src.UpdatedAt = now
}

// ApplyParseFailure はパース失敗時に連続エラー回数をインクリメントする。
// 閾値未満はinterval後に再試行し、閾値に達した場合は取得を停止する。
func ApplyParseFailure(src *model.ImportSource, reason string, interval time.Duration, now time.Time) {
	src.ConsecutiveErrors++
	src.ErrorMessage = fmt.Sprintf("パース失敗 (%d回連続): %s", src.ConsecutiveErrors, reason)
	src.NextFetchAt = now.Add(interval)
	src.UpdatedAt = now

	if src.ConsecutiveErrors >= parseFailureThreshold {
		src.FetchStatus = model.FetchStatusStopped
		src.ErrorMessage = fmt.Sprintf("パース失敗が%d回連続したため取得を停止しました: %s", src.ConsecutiveErrors, reason)
	}
}

// Reactivate は停止中の取り込み元を即時取得対象に戻す。
func Reactivate(src *model.ImportSource, now time.Time) {
	src.FetchStatus = model.FetchStatusActive
	src.ConsecutiveErrors = 0
	src.ErrorMessage = ""
	src.NextFetchAt = now
	src.UpdatedAt = now
}
