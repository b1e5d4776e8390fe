package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/pescadash/internal/model"
)

const (
	googleAuthEndpoint     = "https://accounts.google.com/o/oauth2/v2/auth"
	googleTokenEndpoint    = "https://oauth2.googleapis.com/token"
	googleUserInfoEndpoint = "https://openidconnect.googleapis.com/v1/userinfo"

	googleRequestTimeout = 10 * time.Second
	// Googleのレスポンスはどれも数KB程度
	googleMaxResponseSize = 64 << 10
)

// ErrAccountNotAllowed は確認済みメールがない、または許可ドメイン外のGoogleアカウントを表す。
var ErrAccountNotAllowed = errors.New("google account not allowed")

// GoogleAPIError はGoogleのエンドポイントが返したエラー。
type GoogleAPIError struct {
	Endpoint    string
	Status      int
	Code        string
	Description string
}

func (e *GoogleAPIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("google %s: status %d", e.Endpoint, e.Status)
	}
	return fmt.Sprintf("google %s: status %d: %s: %s", e.Endpoint, e.Status, e.Code, e.Description)
}

// GoogleOAuthConfig はGoogleサインインの設定。
// エンドポイントが空の場合は本番のURLを使う。
type GoogleOAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	HostedDomain string

	AuthURL     string
	TokenURL    string
	UserInfoURL string
}

// GoogleOAuthProvider はOpenID Connectの認可コードフローでGoogleアカウントを確認する。
type GoogleOAuthProvider struct {
	cfg    GoogleOAuthConfig
	client *http.Client
}

// NewGoogleOAuthProvider はGoogleOAuthProviderを生成する。
func NewGoogleOAuthProvider(cfg GoogleOAuthConfig) *GoogleOAuthProvider {
	cfg.AuthURL = withDefault(cfg.AuthURL, googleAuthEndpoint)
	cfg.TokenURL = withDefault(cfg.TokenURL, googleTokenEndpoint)
	cfg.UserInfoURL = withDefault(cfg.UserInfoURL, googleUserInfoEndpoint)
	cfg.HostedDomain = strings.ToLower(cfg.HostedDomain)
	return &GoogleOAuthProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: googleRequestTimeout},
	}
}

func withDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// GetLoginURL は同意画面のURLを返す。
// HostedDomainが設定されていればhdパラメータでアカウント選択を絞り込む。
// hdはヒントに過ぎないため、ExchangeCodeでも確認する。
func (p *GoogleOAuthProvider) GetLoginURL(state string) string {
	q := url.Values{}
	q.Set("client_id", p.cfg.ClientID)
	q.Set("redirect_uri", p.cfg.RedirectURL)
	q.Set("response_type", "code")
	q.Set("scope", "openid email profile")
	q.Set("state", state)
	q.Set("prompt", "select_account")
	if p.cfg.HostedDomain != "" {
		q.Set("hd", p.cfg.HostedDomain)
	}
	return p.cfg.AuthURL + "?" + q.Encode()
}

type googleToken struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

type googleClaims struct {
	Sub           string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	HostedDomain  string `json:"hd"`
}

// ExchangeCode は認可コードを交換し、サインインしたアカウントを返す。
// メールで既存ユーザーと紐付けるため、未確認のメールは拒否する。
func (p *GoogleOAuthProvider) ExchangeCode(ctx context.Context, code string) (*OAuthUserInfo, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {p.cfg.RedirectURL},
		"client_id":     {p.cfg.ClientID},
		"client_secret": {p.cfg.ClientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var token googleToken
	if err := p.doJSON(req, "token", &token); err != nil {
		return nil, err
	}
	if token.AccessToken == "" {
		return nil, errors.New("google token: response has no access_token")
	}

	req, err = http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.UserInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)

	var claims googleClaims
	if err := p.doJSON(req, "userinfo", &claims); err != nil {
		return nil, err
	}
	if claims.Sub == "" {
		return nil, errors.New("google userinfo: response has no sub")
	}
	if err := p.checkAccount(&claims); err != nil {
		return nil, err
	}

	return &OAuthUserInfo{
		ProviderUserID: claims.Sub,
		Email:          strings.ToLower(claims.Email),
		Name:           claims.Name,
		Provider:       model.ProviderGoogle,
	}, nil
}

func (p *GoogleOAuthProvider) checkAccount(c *googleClaims) error {
	if c.Email == "" || !c.EmailVerified {
		return fmt.Errorf("%w: email is not verified", ErrAccountNotAllowed)
	}
	if p.cfg.HostedDomain != "" && !strings.EqualFold(c.HostedDomain, p.cfg.HostedDomain) {
		return fmt.Errorf("%w: hosted domain %q", ErrAccountNotAllowed, c.HostedDomain)
	}
	return nil
}

// doJSON はreqを送り、200ならボディをoutにデコードする。
// それ以外はOAuthのエラーレスポンス（error, error_description）をGoogleAPIErrorにする。
func (p *GoogleOAuthProvider) doJSON(req *http.Request, endpoint string, out any) error {
	req.Header.Set("Accept", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("google %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, googleMaxResponseSize))
	if err != nil {
		return fmt.Errorf("google %s: failed to read response: %w", endpoint, err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &GoogleAPIError{Endpoint: endpoint, Status: resp.StatusCode}
		var e struct {
			Error            string `json:"error"`
			ErrorDescription string `json:"error_description"`
		}
		if json.Unmarshal(body, &e) == nil {
			apiErr.Code, apiErr.Description = e.Error, e.ErrorDescription
		}
		return apiErr
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("google %s: failed to decode response: %w", endpoint, err)
	}
	return nil
}

var _ OAuthProvider = (*GoogleOAuthProvider)(nil)
