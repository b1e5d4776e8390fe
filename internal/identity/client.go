// Package identity は認証サーバー（/auth/*）のHTTPクライアントを提供する。
// セッショントークンはTokenStoreに保存し、変化をSubscribeの購読者に通知する。
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/hitoshi/pescadash/internal/model"
)

const (
	defaultTimeout      = 10 * time.Second
	defaultPollInterval = 2 * time.Second
	defaultOAuthWait    = 5 * time.Minute
	maxResponseSize     = 64 * 1024
)

// TokenStore はセッショントークンの永続化先。
type TokenStore interface {
	Token() string
	SaveToken(token string) error
	ClearToken() error
}

// ProviderError は認証サーバーが返したエラー。メッセージは利用者にそのまま表示できる。
type ProviderError struct {
	StatusCode int
	Code       string
	Message    string
}

// Error はerrorインターフェースを実装する。
func (e *ProviderError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("identity provider returned HTTP %d", e.StatusCode)
}

// Client は認証サーバーのクライアント。authgate.IdentityPortを実装する。
type Client struct {
	baseURL      *url.URL
	httpClient   *http.Client
	tokens       TokenStore
	logger       *slog.Logger
	pollInterval time.Duration
	oauthWait    time.Duration

	mu     sync.Mutex
	nextID int
	subs   map[int]func(*model.Session)
}

// NewClient はClientを生成する。Cookieはpublic suffixリストを考慮したjarで保持する。
func NewClient(baseURL string, tokens TokenStore, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid identity base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid identity base url: scheme must be http or https")
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:      u,
		httpClient:   &http.Client{Timeout: defaultTimeout, Jar: jar},
		tokens:       tokens,
		logger:       logger,
		pollInterval: defaultPollInterval,
		oauthWait:    defaultOAuthWait,
		subs:         make(map[int]func(*model.Session)),
	}, nil
}

// Token は保存済みのセッショントークンを返す。
func (c *Client) Token() string {
	return c.tokens.Token()
}

// Subscribe はセッション変化の通知を登録する。
func (c *Client) Subscribe(fn func(*model.Session)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

func (c *Client) emit(s *model.Session) {
	c.mu.Lock()
	subs := make([]func(*model.Session), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()
	for _, fn := range subs {
		fn(s)
	}
}

// GetCurrentSession は保存済みトークンのセッションを問い合わせる。
// トークンがない場合やサーバーが無効と判定した場合はnilを返し、トークンを消去する。
func (c *Client) GetCurrentSession(ctx context.Context) (*model.Session, error) {
	if c.tokens.Token() == "" {
		return nil, nil
	}

	var s model.Session
	status, err := c.call(ctx, http.MethodGet, "/auth/session", nil, &s)
	if status == http.StatusUnauthorized {
		if clearErr := c.tokens.ClearToken(); clearErr != nil {
			c.logger.Warn("failed to clear token", slog.String("error", clearErr.Error()))
		}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SignInWithPassword はメールアドレスとパスワードでサインインする。
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*model.Session, error) {
	var s model.Session
	if _, err := c.call(ctx, http.MethodPost, "/auth/signin", credentials{Email: email, Password: password}, &s); err != nil {
		return nil, err
	}
	if err := c.establish(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

// SignUp は新規登録する。サーバーが202を返した場合は確認待ちとしてnilを返す。
func (c *Client) SignUp(ctx context.Context, email, password string) (*model.Session, error) {
	var s model.Session
	status, err := c.call(ctx, http.MethodPost, "/auth/signup", credentials{Email: email, Password: password}, &s)
	if err != nil {
		return nil, err
	}
	if status == http.StatusAccepted {
		return nil, nil
	}
	if err := c.establish(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

type oauthStart struct {
	LoginURL string `json:"login_url"`
	State    string `json:"state"`
}

// SignInWithOAuth は外部プロバイダーでのログインを開始し、ブラウザで開くURLを返す。
// 完了はバックグラウンドでポーリングし、セッションが得られたら購読者に通知する。
func (c *Client) SignInWithOAuth(ctx context.Context, provider string) (string, error) {
	var start oauthStart
	path := "/auth/oauth/" + url.PathEscape(provider) + "/start"
	if _, err := c.call(ctx, http.MethodPost, path, nil, &start); err != nil {
		return "", err
	}
	if start.LoginURL == "" || start.State == "" {
		return "", fmt.Errorf("identity provider returned an incomplete oauth start response")
	}

	pollCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.oauthWait)
	go func() {
		defer cancel()
		c.pollOAuth(pollCtx, start.State)
	}()
	return start.LoginURL, nil
}

func (c *Client) pollOAuth(ctx context.Context, state string) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	path := "/auth/oauth/poll?state=" + url.QueryEscape(state)
	for {
		select {
		case <-ctx.Done():
			c.logger.Warn("oauth sign-in timed out")
			return
		case <-ticker.C:
		}

		var s model.Session
		status, err := c.call(ctx, http.MethodGet, path, nil, &s)
		switch {
		case err == nil && status == http.StatusOK:
			if err := c.establish(&s); err != nil {
				c.logger.Error("failed to store oauth session", slog.String("error", err.Error()))
			}
			return
		case status == http.StatusAccepted:
			// 未完了
		case status == http.StatusNotFound || status == http.StatusGone:
			c.logger.Warn("oauth sign-in expired or was rejected")
			return
		case err != nil:
			c.logger.Debug("oauth poll failed", slog.String("error", err.Error()))
		}
	}
}

// SignOut はサインアウトする。サーバー呼び出しの成否にかかわらずトークンを消去して通知する。
func (c *Client) SignOut(ctx context.Context) error {
	var callErr error
	if c.tokens.Token() != "" {
		_, callErr = c.call(ctx, http.MethodPost, "/auth/logout", nil, nil)
	}
	if err := c.tokens.ClearToken(); err != nil {
		c.logger.Warn("failed to clear token", slog.String("error", err.Error()))
	}
	c.emit(nil)
	return callErr
}

func (c *Client) establish(s *model.Session) error {
	if s.ID == "" {
		return fmt.Errorf("identity provider returned a session without token")
	}
	if err := c.tokens.SaveToken(s.ID); err != nil {
		return fmt.Errorf("failed to store session token: %w", err)
	}
	c.emit(s)
	return nil
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// call はリクエストを実行し、2xxの場合はoutにデコードする。
// 2xx以外は*ProviderErrorを返す。ステータスコードは取得できた場合に常に返す。
func (c *Client) call(ctx context.Context, method, path string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.tokens.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	reader := io.LimitReader(resp.Body, maxResponseSize)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		perr := &ProviderError{StatusCode: resp.StatusCode}
		var eb errorBody
		if json.NewDecoder(reader).Decode(&eb) == nil {
			perr.Code = eb.Code
			perr.Message = eb.Message
		}
		return resp.StatusCode, perr
	}

	if out != nil && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusAccepted {
		if err := json.NewDecoder(reader).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode identity response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
