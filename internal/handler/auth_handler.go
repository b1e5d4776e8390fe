// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/pescadash/internal/auth"
	"github.com/hitoshi/pescadash/internal/middleware"
	"github.com/hitoshi/pescadash/internal/model"
)

const oauthStateCookie = "oauth_state"

// maxCredentialsBody はサインイン・登録リクエスト本文の上限。
const maxCredentialsBody = 4 << 10

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	SignUp(ctx context.Context, email, password string) (*model.Session, error)
	SignIn(ctx context.Context, email, password string) (*model.Session, error)
	StartOAuth(ctx context.Context, provider string) (loginURL, state string, err error)
	HandleCallback(ctx context.Context, state, code string) (*model.Session, error)
	PollOAuth(ctx context.Context, state string) (*model.Session, error)
	Logout(ctx context.Context, sessionID string) error
	CurrentSession(ctx context.Context, sessionID string) (*model.Session, error)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	BaseURL           string
	CookieDomain      string
	CookieSecure      bool
	SessionMaxAge     int // セッションCookieの有効期間（秒）
	PasswordMinLength int
}

// AuthHandler は認証関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	config  AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service: service,
		config:  config,
	}
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type oauthStartResponse struct {
	LoginURL string `json:"login_url"`
	State    string `json:"state"`
}

// SignUp はメールアドレスとパスワードでユーザーを登録する。
// POST /auth/signup
func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCredentials(w, r)
	if !ok {
		return
	}
	session, err := h.service.SignUp(r.Context(), req.Email, req.Password)
	if err != nil {
		h.handleAuthError(w, err)
		return
	}
	h.setSessionCookie(w, session.ID)
	writeJSON(w, http.StatusCreated, session)
}

// SignIn はメールアドレスとパスワードでサインインする。
// POST /auth/signin
func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCredentials(w, r)
	if !ok {
		return
	}
	session, err := h.service.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		h.handleAuthError(w, err)
		return
	}
	h.setSessionCookie(w, session.ID)
	writeJSON(w, http.StatusOK, session)
}

// StartOAuth は外部IdPでのサインインを開始し、認証URLとポーリング用stateを返す。
// POST /auth/oauth/{provider}/start
func (h *AuthHandler) StartOAuth(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	loginURL, state, err := h.service.StartOAuth(r.Context(), provider)
	if err != nil {
		if errors.Is(err, auth.ErrUnsupportedProvider) {
			handleServiceError(w, model.NewUnsupportedProviderError(provider))
			return
		}
		h.handleAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, oauthStartResponse{LoginURL: loginURL, State: state})
}

// Login はブラウザ向けにGoogle OAuthフローを開始する。
// GET /auth/google/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	loginURL, state, err := h.service.StartOAuth(r.Context(), model.ProviderGoogle)
	if err != nil {
		slog.Error("failed to start oauth", slog.String("error", err.Error()))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	// stateをCookieに保存（コールバックでブラウザ起点のフローか判定する）
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   600, // 10分
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, loginURL, http.StatusTemporaryRedirect)
}

// Callback はOAuthコールバックを処理する。
// GET /auth/google/callback?code=xxx&state=yyy
//
// ブラウザから開始したフローではセッションCookieを設定してフロントエンドに戻す。
// CLIから開始したフローでは完了ページを表示し、CLIは /auth/oauth/poll でセッションを受け取る。
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" {
		http.Error(w, "invalid state parameter", http.StatusBadRequest)
		return
	}
	if code == "" {
		http.Error(w, "missing authorization code", http.StatusBadRequest)
		return
	}

	session, err := h.service.HandleCallback(r.Context(), state, code)
	if err != nil {
		if errors.Is(err, auth.ErrStateNotFound) {
			slog.Warn("oauth state not found", slog.String("error", err.Error()))
			http.Error(w, "invalid state parameter", http.StatusBadRequest)
			return
		}
		if errors.Is(err, auth.ErrAccountNotAllowed) {
			slog.Warn("oauth account rejected", slog.String("error", err.Error()))
			http.Error(w, "account not allowed", http.StatusForbidden)
			return
		}
		slog.Error("oauth callback failed", slog.String("error", err.Error()))
		http.Error(w, "authentication failed", http.StatusBadGateway)
		return
	}

	stateCookie, cookieErr := r.Cookie(oauthStateCookie)
	if cookieErr == nil && stateCookie.Value == state {
		h.clearCookie(w, oauthStateCookie, "")
		h.setSessionCookie(w, session.ID)
		http.Redirect(w, r, h.config.BaseURL, http.StatusTemporaryRedirect)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, oauthCompletedPage)
}

const oauthCompletedPage = `<!DOCTYPE html>
<html lang="es"><head><meta charset="utf-8"><title>pescadash</title></head>
<body><p>Autenticación completada. Puede cerrar esta ventana y volver a la terminal.</p></body></html>
`

// PollOAuth はCLIクライアント向けにOAuthサインインの完了を確認する。
// GET /auth/oauth/poll?state=yyy
// 未完了は202、完了時は200でセッション、stateが存在しない場合は404を返す。
func (h *AuthHandler) PollOAuth(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	if state == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("state es obligatorio"))
		return
	}
	session, err := h.service.PollOAuth(r.Context(), state)
	if err != nil {
		h.handleAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// Logout はセッションを破棄する。BearerトークンとCookieのどちらでも受け付ける。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if token := middleware.SessionToken(r); token != "" {
		if err := h.service.Logout(r.Context(), token); err != nil {
			slog.Error("failed to logout", slog.String("error", err.Error()))
			// ログアウト失敗してもCookieはクリアする
		}
	}

	h.clearCookie(w, middleware.SessionCookieName, h.config.CookieDomain)
	w.WriteHeader(http.StatusNoContent)
}

// Session は現在のセッションを返す。
// GET /auth/session
func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	session, err := h.service.CurrentSession(r.Context(), middleware.SessionToken(r))
	if err != nil {
		if !errors.Is(err, auth.ErrSessionNotFound) {
			slog.Error("failed to get current session", slog.String("error", err.Error()))
		}
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// handleAuthError は認証サービスのエラーをAPIErrorに変換して書き込む。
func (h *AuthHandler) handleAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		handleServiceError(w, model.NewInvalidCredentialsError())
	case errors.Is(err, auth.ErrEmailTaken):
		handleServiceError(w, model.NewEmailTakenError())
	case errors.Is(err, auth.ErrWeakPassword):
		minLength := h.config.PasswordMinLength
		if minLength <= 0 {
			minLength = 8
		}
		handleServiceError(w, model.NewWeakPasswordError(minLength))
	case errors.Is(err, auth.ErrInvalidEmail):
		handleServiceError(w, model.NewInvalidEmailError())
	case errors.Is(err, auth.ErrOAuthPending):
		handleServiceError(w, model.NewOAuthPendingError())
	case errors.Is(err, auth.ErrStateNotFound):
		handleServiceError(w, model.NewOAuthStateNotFoundError())
	case errors.Is(err, auth.ErrSessionNotFound):
		handleServiceError(w, model.NewUnauthorizedError())
	default:
		handleServiceError(w, err)
	}
}

func (h *AuthHandler) setSessionCookie(w http.ResponseWriter, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    sessionID,
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   h.config.SessionMaxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandler) clearCookie(w http.ResponseWriter, name, domain string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Domain:   domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func decodeCredentials(w http.ResponseWriter, r *http.Request) (*credentialsRequest, bool) {
	var req credentialsRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCredentialsBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("JSON inválido"))
		return nil, false
	}
	return &req, true
}
