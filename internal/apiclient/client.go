// Package apiclient はダッシュボードのメトリクスAPIのクライアントを提供する。
package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/pescadash/internal/model"
	"github.com/hitoshi/pescadash/internal/polling"
)

// メトリクスAPIのエンドポイント
const (
	EndpointPermitCount       = "/api/permit-count"
	EndpointChartData         = "/api/chart-data"
	EndpointTotalRecaudacion  = "/api/total-recaudacion"
	EndpointRecaudacionPorDia = "/api/recaudacion-por-dia"
	EndpointCategoriaPesca    = "/api/categoria-pesca"
	EndpointRegionesCount     = "/api/regiones-count"
	EndpointLatestRecords     = "/api/latest-records"
)

const (
	defaultTimeout  = 10 * time.Second
	maxResponseSize = 5 * 1024 * 1024
	userAgent       = "pescadash/1.0"
)

// TokenSource はAPI呼び出しに添付するセッショントークンを返す。
type TokenSource interface {
	Token() string
}

// Client はメトリクスAPIのクライアント。
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	tokens     TokenSource
	logger     *slog.Logger
}

// NewClient はClientを生成する。httpClientがnilの場合はタイムアウト10秒のクライアントを使用する。
func NewClient(baseURL string, httpClient *http.Client, tokens TokenSource, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid api base url: scheme must be http or https")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{baseURL: u, httpClient: httpClient, tokens: tokens, logger: logger}, nil
}

// PermitCount は期間内の許可証数を取得する。
func (c *Client) PermitCount(ctx context.Context, r model.DateRange) (model.PermitCount, error) {
	return getJSON[model.PermitCount](ctx, c, EndpointPermitCount, r.Query())
}

// TotalPermits は期間内の許可証数を取得する。
func (c *Client) TotalPermits(ctx context.Context, r model.DateRange) (int, error) {
	v, err := c.PermitCount(ctx, r)
	return v.Count, err
}

// PermitsPerDay は日別の許可証数を取得する。
func (c *Client) PermitsPerDay(ctx context.Context, r model.DateRange) ([]model.DailyCount, error) {
	return getJSON[[]model.DailyCount](ctx, c, EndpointChartData, r.Query())
}

// RevenueTotal は期間内の収入合計を取得する。
func (c *Client) RevenueTotal(ctx context.Context, r model.DateRange) (model.RevenueTotal, error) {
	return getJSON[model.RevenueTotal](ctx, c, EndpointTotalRecaudacion, r.Query())
}

// TotalRevenue は期間内の収入合計を取得する。
func (c *Client) TotalRevenue(ctx context.Context, r model.DateRange) (float64, error) {
	v, err := c.RevenueTotal(ctx, r)
	return v.Total, err
}

// RevenuePerDay は日別の収入を取得する。
func (c *Client) RevenuePerDay(ctx context.Context, r model.DateRange) ([]model.DailyRevenue, error) {
	return getJSON[[]model.DailyRevenue](ctx, c, EndpointRecaudacionPorDia, r.Query())
}

// CategoryCounts は商品（釣り区分）ごとの件数を取得する。
func (c *Client) CategoryCounts(ctx context.Context, r model.DateRange) ([]model.NamedCount, error) {
	return getJSON[[]model.NamedCount](ctx, c, EndpointCategoriaPesca, r.Query())
}

// RegionCounts は地域ごとの件数を取得する。
func (c *Client) RegionCounts(ctx context.Context, r model.DateRange) ([]model.NamedCount, error) {
	return getJSON[[]model.NamedCount](ctx, c, EndpointRegionesCount, r.Query())
}

// LatestRecords は最新の登録を列順つきの表として取得する。
func (c *Client) LatestRecords(ctx context.Context) (*model.Table, error) {
	resp, err := c.do(ctx, EndpointLatestRecords, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	table, err := model.DecodeTable(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &NetworkError{Endpoint: EndpointLatestRecords, Kind: KindDecode, Err: err}
	}
	return table, nil
}

func getJSON[T any](ctx context.Context, c *Client, endpoint string, params url.Values) (T, error) {
	var out T
	resp, err := c.do(ctx, endpoint, params)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&out); err != nil {
		return out, &NetworkError{Endpoint: endpoint, Kind: KindDecode, Err: err}
	}
	return out, nil
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// do はGETリクエストを実行する。2xx以外はNetworkErrorとして返し、ボディを閉じる。
func (c *Client) do(ctx context.Context, endpoint string, params url.Values) (*http.Response, error) {
	u := *c.baseURL
	u.Path = u.Path + endpoint
	if len(params) > 0 {
		u.RawQuery = params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &NetworkError{Endpoint: endpoint, Kind: KindTransport, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if c.tokens != nil {
		if tok := c.tokens.Token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		kind := KindTransport
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			kind = KindTimeout
		}
		c.logger.Debug("api request failed", requestAttrs(ctx, endpoint,
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()),
		)...)
		return nil, &NetworkError{Endpoint: endpoint, Kind: kind, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		nerr := &NetworkError{Endpoint: endpoint, Kind: KindStatus, StatusCode: resp.StatusCode}
		var body errorBody
		if json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&body) == nil {
			nerr.Code = body.Code
			nerr.Message = body.Message
		}
		c.logger.Debug("api request rejected", requestAttrs(ctx, endpoint,
			slog.Int("status", resp.StatusCode),
			slog.String("code", nerr.Code),
		)...)
		return nil, nerr
	}
	return resp, nil
}

// requestAttrs はログ属性を組み立てる。ポーリング経由の呼び出しでは取得のシーケンス番号を付ける。
func requestAttrs(ctx context.Context, endpoint string, attrs ...any) []any {
	out := append([]any{slog.String("endpoint", endpoint)}, attrs...)
	if seq, ok := polling.AttemptFromContext(ctx); ok {
		out = append(out, slog.Uint64("attempt", seq))
	}
	return out
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
