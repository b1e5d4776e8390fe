package importer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/pescadash/internal/metrics"
	"github.com/hitoshi/pescadash/internal/model"
	"github.com/hitoshi/pescadash/internal/permit"
	"github.com/hitoshi/pescadash/internal/repository"
	"github.com/hitoshi/pescadash/internal/security"
)

// SheetStore は解析済みシートの永続化インターフェース。
type SheetStore interface {
	Replace(ctx context.Context, sheet *permit.Sheet) (*permit.ReplaceResult, error)
}

// SSRFValidator はSSRF検証のインターフェース。
type SSRFValidator interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client
}

// errBodyTooLarge はレスポンスが上限サイズを超えた場合のエラー。
// 切り詰めたCSVを取り込むと末尾行が削除されるため、取り込み自体を失敗させる。
var errBodyTooLarge = errors.New("response body exceeds size limit")

// Config はImporterの設定。
type Config struct {
	Interval    time.Duration // 正常時の取得間隔
	Timeout     time.Duration
	MaxBodySize int64
}

// Importer は公開スプレッドシートのCSVエクスポートを取得し、許可証データを置き換える。
// ETag/Last-Modifiedによる条件付きGET、SSRF検証、バックオフを行う。
type Importer struct {
	sources   repository.ImportSourceRepository
	store     SheetStore
	ssrfGuard SSRFValidator
	sanitizer security.CellSanitizer
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	config    Config
	now       func() time.Time
}

// NewImporter はImporterを生成する。collectorはnilでもよい。
func NewImporter(
	sources repository.ImportSourceRepository,
	store SheetStore,
	ssrfGuard SSRFValidator,
	sanitizer security.CellSanitizer,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	config Config,
) *Importer {
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = 50 << 20
	}
	if collector == nil {
		collector = nopCollector{}
	}
	return &Importer{
		sources:   sources,
		store:     store,
		ssrfGuard: ssrfGuard,
		sanitizer: sanitizer,
		metrics:   collector,
		logger:    logger,
		config:    config,
		now:       time.Now,
	}
}

// Prepare はsheetURLの取り込み元を登録する。
// 停止中の取り込み元は設定を見直して起動し直したものとみなし、再開する。
func (im *Importer) Prepare(ctx context.Context, sheetURL string) (*model.ImportSource, error) {
	src, err := im.sources.Ensure(ctx, sheetURL)
	if err != nil {
		return nil, err
	}
	if src.FetchStatus == model.FetchStatusStopped {
		im.logger.Warn("停止中の取り込み元を再開します",
			slog.String("source_id", src.ID),
			slog.String("previous_error", src.ErrorMessage),
		)
		Reactivate(src, im.now())
		if err := im.sources.UpdateFetchState(ctx, src); err != nil {
			return nil, err
		}
	}
	return src, nil
}

// Import は取り込み元を1回取得し、結果に応じて取得状態を更新する。
// ImportRunnerインターフェースを実装する。
func (im *Importer) Import(ctx context.Context, src *model.ImportSource) error {
	start := time.Now()
	defer func() {
		im.metrics.RecordImportLatency(time.Since(start))
		im.metrics.RecordSourceState(src.ID, metrics.SourceState{
			Stopped:           src.FetchStatus == model.FetchStatusStopped,
			ConsecutiveErrors: src.ConsecutiveErrors,
			RowCount:          src.RowCount,
		})
	}()

	if err := im.ssrfGuard.ValidateURL(src.SheetURL); err != nil {
		im.logger.Error("SSRF検証に失敗しました",
			slog.String("source_id", src.ID),
			slog.String("error", err.Error()),
		)
		im.metrics.RecordImportFailure(src.ID, "ssrf")
		ApplyStop(src, fmt.Sprintf("SSRF検証失敗: %s", err.Error()), im.now())
		im.saveState(ctx, src)
		return fmt.Errorf("SSRF検証に失敗: %w", err)
	}

	client := im.ssrfGuard.NewSafeClient(im.config.Timeout, im.config.MaxBodySize+1)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.SheetURL, nil)
	if err != nil {
		return fmt.Errorf("リクエスト作成に失敗: %w", err)
	}
	req.Header.Set("User-Agent", "pescadash-importer/1.0")
	req.Header.Set("Accept", "text/csv, */*")
	if src.ETag != "" {
		req.Header.Set("If-None-Match", src.ETag)
	}
	if src.LastModified != "" {
		req.Header.Set("If-Modified-Since", src.LastModified)
	}

	resp, err := client.Do(req)
	if err != nil {
		im.logger.Error("HTTPリクエストに失敗しました",
			slog.String("source_id", src.ID),
			slog.String("error", err.Error()),
		)
		im.metrics.RecordImportFailure(src.ID, "request")
		ApplyBackoff(src, fmt.Sprintf("HTTPリクエスト失敗: %s", err.Error()), im.now())
		im.saveState(ctx, src)
		return fmt.Errorf("HTTPリクエスト失敗: %w", err)
	}
	defer resp.Body.Close()

	im.metrics.RecordHTTPStatus(resp.StatusCode)

	switch ClassifyHTTPStatus(resp.StatusCode) {
	case FetchResultNotModified:
		im.logger.Info("シートは未変更です（304）",
			slog.String("source_id", src.ID),
			slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
		)
		im.metrics.RecordNotModified(src.ID)
		ApplySuccess(src, im.config.Interval, im.now())
		return im.sources.UpdateFetchState(ctx, src)

	case FetchResultStop:
		reason := fmt.Sprintf("HTTPステータス %d により取得を停止しました", resp.StatusCode)
		im.logger.Warn("シートの取得を停止します",
			slog.String("source_id", src.ID),
			slog.Int("http_status", resp.StatusCode),
		)
		im.metrics.RecordImportFailure(src.ID, "stopped")
		ApplyStop(src, reason, im.now())
		return im.sources.UpdateFetchState(ctx, src)

	case FetchResultBackoff:
		im.logger.Warn("シートの取得にバックオフを適用します",
			slog.String("source_id", src.ID),
			slog.Int("http_status", resp.StatusCode),
			slog.Int("consecutive_errors", src.ConsecutiveErrors+1),
		)
		im.metrics.RecordImportFailure(src.ID, "http_status")
		ApplyBackoff(src, fmt.Sprintf("HTTPステータス %d によりバックオフを適用しました", resp.StatusCode), im.now())
		return im.sources.UpdateFetchState(ctx, src)

	case FetchResultOK:
	default:
		im.logger.Warn("予期しないHTTPステータスコード",
			slog.String("source_id", src.ID),
			slog.Int("http_status", resp.StatusCode),
		)
		im.metrics.RecordImportFailure(src.ID, "http_status")
		ApplyBackoff(src, fmt.Sprintf("予期しないHTTPステータス: %d", resp.StatusCode), im.now())
		return im.sources.UpdateFetchState(ctx, src)
	}

	body, err := readLimited(resp.Body, im.config.MaxBodySize)
	if err != nil {
		im.logger.Error("レスポンスボディの読み取りに失敗しました",
			slog.String("source_id", src.ID),
			slog.String("error", err.Error()),
		)
		im.metrics.RecordImportFailure(src.ID, "body")
		ApplyBackoff(src, fmt.Sprintf("レスポンス読み取り失敗: %s", err.Error()), im.now())
		return im.sources.UpdateFetchState(ctx, src)
	}

	importedAt := im.now()
	sheet, err := permit.ParseSheet(bytes.NewReader(body), im.sanitizer, importedAt)
	if err == nil && len(sheet.Records) == 0 {
		err = errors.New("シートにデータ行がありません")
	}
	if err != nil {
		im.logger.Error("シートのパースに失敗しました",
			slog.String("source_id", src.ID),
			slog.String("error", err.Error()),
		)
		im.metrics.RecordParseFailure(src.ID)
		ApplyParseFailure(src, err.Error(), im.config.Interval, im.now())
		im.saveState(ctx, src)
		return nil // パース失敗は取得エラーとしない（カウントして継続）
	}

	result, err := im.store.Replace(ctx, sheet)
	if err != nil {
		im.logger.Error("許可証の保存に失敗しました",
			slog.String("source_id", src.ID),
			slog.String("error", err.Error()),
		)
		im.metrics.RecordImportFailure(src.ID, "store")
		ApplyBackoff(src, fmt.Sprintf("保存失敗: %s", err.Error()), im.now())
		im.saveState(ctx, src)
		return fmt.Errorf("許可証の保存に失敗: %w", err)
	}

	// 保存に成功してから検証子を更新する
	if etag := resp.Header.Get("ETag"); etag != "" {
		src.ETag = etag
	}
	if lastMod := resp.Header.Get("Last-Modified"); lastMod != "" {
		src.LastModified = lastMod
	}
	src.LastImportedAt = &importedAt
	src.RowCount = len(sheet.Records)
	ApplySuccess(src, im.config.Interval, im.now())

	if err := im.sources.UpdateFetchState(ctx, src); err != nil {
		im.logger.Error("取り込み元の状態更新に失敗しました",
			slog.String("source_id", src.ID),
			slog.String("error", err.Error()),
		)
		return err
	}

	im.metrics.RecordImportSuccess(src.ID)
	im.metrics.RecordRowsImported(result.Upserted, result.Deleted)
	im.logger.Info("シートの取り込みが完了しました",
		slog.String("source_id", src.ID),
		slog.Int("http_status", resp.StatusCode),
		slog.Int("rows", len(sheet.Records)),
		slog.Int("last_row", sheet.LastRow),
		slog.Int64("rows_deleted", result.Deleted),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// saveState は取得状態を保存する。失敗はログに残すのみ。
func (im *Importer) saveState(ctx context.Context, src *model.ImportSource) {
	if err := im.sources.UpdateFetchState(ctx, src); err != nil {
		im.logger.Error("取り込み元の状態更新に失敗しました",
			slog.String("source_id", src.ID),
			slog.String("error", err.Error()),
		)
	}
}

// readLimited は最大maxバイトを読み込む。maxを超える場合はerrBodyTooLargeを返す。
func readLimited(r io.Reader, max int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > max {
		return nil, errBodyTooLarge
	}
	return body, nil
}

// nopCollector はメトリクスを記録しないMetricsCollector。
type nopCollector struct{}

func (nopCollector) RecordImportSuccess(string) {}
func (nopCollector) RecordImportFailure(string, string) {}
func (nopCollector) RecordNotModified(string) {}
func (nopCollector) RecordParseFailure(string) {}
func (nopCollector) RecordHTTPStatus(int) {}
func (nopCollector) RecordImportLatency(time.Duration) {}
func (nopCollector) RecordRowsImported(int, int64) {}
func (nopCollector) RecordSourceState(string, metrics.SourceState) {}
