// Package auth はパスワード認証、OAuth認証フロー、セッション管理を提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/pescadash/internal/model"
	"github.com/hitoshi/pescadash/internal/repository"
)

// OAuthUserInfo はOAuthプロバイダーから取得したユーザー情報を表す。
type OAuthUserInfo struct {
	ProviderUserID string
	Email          string
	Name           string
	Provider       string
}

// OAuthProvider はOAuth認証プロバイダーのインターフェース。
type OAuthProvider interface {
	// GetLoginURL はOAuth認証URLを生成する。
	GetLoginURL(state string) string
	// ExchangeCode は認可コードをトークンに交換し、ユーザー情報を取得する。
	ExchangeCode(ctx context.Context, code string) (*OAuthUserInfo, error)
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge     int           // セッション有効期間（秒）
	PasswordMinLength int           // パスワードの最小文字数
	OAuthStateTTL     time.Duration // OAuth stateの有効期間
	BcryptCost        int           // 0の場合はbcrypt.DefaultCost
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	providers   map[string]OAuthProvider
	userRepo    repository.UserRepository
	identRepo   repository.IdentityRepository
	sessionRepo repository.SessionRepository
	stateRepo   repository.OAuthStateRepository
	config      ServiceConfig
	now         func() time.Time
}

// NewService はServiceを生成する。
// providersのキーはプロバイダー名（"google"など）。
func NewService(
	providers map[string]OAuthProvider,
	userRepo repository.UserRepository,
	identRepo repository.IdentityRepository,
	sessionRepo repository.SessionRepository,
	stateRepo repository.OAuthStateRepository,
	config ServiceConfig,
) *Service {
	if config.PasswordMinLength <= 0 {
		config.PasswordMinLength = 8
	}
	if config.OAuthStateTTL <= 0 {
		config.OAuthStateTTL = 10 * time.Minute
	}
	if config.BcryptCost == 0 {
		config.BcryptCost = bcrypt.DefaultCost
	}
	return &Service{
		providers:   providers,
		userRepo:    userRepo,
		identRepo:   identRepo,
		sessionRepo: sessionRepo,
		stateRepo:   stateRepo,
		config:      config,
		now:         time.Now,
	}
}

// SignUp はメールアドレスとパスワードでユーザーを登録し、セッションを発行する。
func (s *Service) SignUp(ctx context.Context, email, password string) (*model.Session, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if len([]rune(password)) < s.config.PasswordMinLength {
		return nil, ErrWeakPassword
	}

	existing, err := s.identRepo.FindByProviderAndProviderUserID(ctx, model.ProviderPassword, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}
	if existing != nil {
		return nil, ErrEmailTaken
	}
	// Googleで登録済みのメールアドレスにはパスワードを追加しない
	user, err := s.userRepo.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user != nil {
		return nil, ErrEmailTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.config.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	now := s.now()
	newUser := &model.User{
		ID:        uuid.New().String(),
		Email:     email,
		CreatedAt: now,
		UpdatedAt: now,
	}
	newIdentity := &model.Identity{
		ID:             uuid.New().String(),
		UserID:         newUser.ID,
		Provider:       model.ProviderPassword,
		ProviderUserID: email,
		SecretHash:     string(hash),
		CreatedAt:      now,
	}
	if err := s.userRepo.CreateWithIdentity(ctx, newUser, newIdentity); err != nil {
		return nil, fmt.Errorf("failed to create user and identity: %w", err)
	}

	slog.Info("new user signed up",
		slog.String("user_id", newUser.ID),
		slog.String("provider", model.ProviderPassword),
	)

	return s.createSession(ctx, newUser.ID, email)
}

// SignIn はメールアドレスとパスワードを検証し、セッションを発行する。
// メールアドレスとパスワードのどちらが誤っているかは区別しない。
func (s *Service) SignIn(ctx context.Context, email, password string) (*model.Session, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	identity, err := s.identRepo.FindByProviderAndProviderUserID(ctx, model.ProviderPassword, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}
	if identity == nil || identity.SecretHash == "" {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(identity.SecretHash), []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to compare password: %w", err)
	}

	slog.Info("user signed in",
		slog.String("user_id", identity.UserID),
		slog.String("provider", model.ProviderPassword),
	)

	return s.createSession(ctx, identity.UserID, email)
}

// StartOAuth は外部IdPでのサインインを開始し、認証URLとポーリング用のstateを返す。
func (s *Service) StartOAuth(ctx context.Context, provider string) (loginURL, state string, err error) {
	p, ok := s.providers[provider]
	if !ok {
		return "", "", ErrUnsupportedProvider
	}

	state, err = generateToken(16)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate oauth state: %w", err)
	}

	now := s.now()
	if err := s.stateRepo.Create(ctx, &model.OAuthState{
		State:     state,
		Provider:  provider,
		ExpiresAt: now.Add(s.config.OAuthStateTTL),
		CreatedAt: now,
	}); err != nil {
		return "", "", fmt.Errorf("failed to save oauth state: %w", err)
	}

	return p.GetLoginURL(state), state, nil
}

// HandleCallback はOAuthコールバックを処理し、セッションを発行する。
// 未登録ユーザーの場合はusersレコードとidentitiesレコードを同時に自動作成する。
// 発行したセッションはstateに紐付け、PollOAuthで受け取れるようにする。
func (s *Service) HandleCallback(ctx context.Context, state, code string) (*model.Session, error) {
	// 1. stateの検証
	st, err := s.stateRepo.FindByState(ctx, state)
	if err != nil {
		return nil, fmt.Errorf("failed to find oauth state: %w", err)
	}
	if st == nil || st.Completed() {
		return nil, ErrStateNotFound
	}
	p, ok := s.providers[st.Provider]
	if !ok {
		return nil, ErrUnsupportedProvider
	}

	// 2. 認可コードをトークンに交換し、ユーザー情報を取得
	userInfo, err := p.ExchangeCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange oauth code: %w", err)
	}

	// 3. identitiesテーブルで既存ユーザーを検索
	userID, err := s.findOrCreateOAuthUser(ctx, userInfo)
	if err != nil {
		return nil, err
	}

	// 4. セッションを発行
	session, err := s.createSession(ctx, userID, userInfo.Email)
	if err != nil {
		return nil, err
	}

	// 5. stateに紐付け
	completed, err := s.stateRepo.Complete(ctx, state, session.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to complete oauth state: %w", err)
	}
	if !completed {
		// 同じstateで並行してコールバックされた
		_ = s.sessionRepo.DeleteByID(ctx, session.ID)
		return nil, ErrStateNotFound
	}

	return session, nil
}

func (s *Service) findOrCreateOAuthUser(ctx context.Context, info *OAuthUserInfo) (string, error) {
	identity, err := s.identRepo.FindByProviderAndProviderUserID(ctx, info.Provider, info.ProviderUserID)
	if err != nil {
		return "", fmt.Errorf("failed to find identity: %w", err)
	}
	if identity != nil {
		slog.Info("existing user logged in",
			slog.String("user_id", identity.UserID),
			slog.String("provider", info.Provider),
		)
		return identity.UserID, nil
	}

	now := s.now()
	newIdentity := &model.Identity{
		ID:             uuid.New().String(),
		Provider:       info.Provider,
		ProviderUserID: info.ProviderUserID,
		CreatedAt:      now,
	}

	// 同じメールアドレスの既存ユーザーにはidentityを追加する
	user, err := s.userRepo.FindByEmail(ctx, info.Email)
	if err != nil {
		return "", fmt.Errorf("failed to find user: %w", err)
	}
	if user != nil {
		newIdentity.UserID = user.ID
		if err := s.identRepo.Create(ctx, newIdentity); err != nil {
			return "", fmt.Errorf("failed to link identity: %w", err)
		}
		slog.Info("identity linked to existing user",
			slog.String("user_id", user.ID),
			slog.String("provider", info.Provider),
		)
		return user.ID, nil
	}

	newUser := &model.User{
		ID:        uuid.New().String(),
		Email:     info.Email,
		Name:      info.Name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	newIdentity.UserID = newUser.ID
	if err := s.userRepo.CreateWithIdentity(ctx, newUser, newIdentity); err != nil {
		return "", fmt.Errorf("failed to create user and identity: %w", err)
	}

	slog.Info("new user created",
		slog.String("user_id", newUser.ID),
		slog.String("provider", info.Provider),
	)
	return newUser.ID, nil
}

// PollOAuth はstateに紐付いたセッションを返す。
// コールバック未完了の場合はErrOAuthPending、stateが存在しない場合はErrStateNotFoundを返す。
// セッションを受け取ったstateは削除され、2回目以降はErrStateNotFoundになる。
func (s *Service) PollOAuth(ctx context.Context, state string) (*model.Session, error) {
	st, err := s.stateRepo.FindByState(ctx, state)
	if err != nil {
		return nil, fmt.Errorf("failed to find oauth state: %w", err)
	}
	if st == nil {
		return nil, ErrStateNotFound
	}
	if !st.Completed() {
		return nil, ErrOAuthPending
	}

	session, err := s.sessionRepo.FindByID(ctx, st.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if err := s.stateRepo.Delete(ctx, state); err != nil {
		return nil, fmt.Errorf("failed to delete oauth state: %w", err)
	}
	if session == nil {
		return nil, ErrStateNotFound
	}
	return session, nil
}

// Logout はセッションを破棄する。
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}

	if err := s.sessionRepo.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	slog.Info("user logged out")
	return nil
}

// CurrentSession は有効なセッションを返す。期限切れや存在しない場合はErrSessionNotFound。
func (s *Service) CurrentSession(ctx context.Context, sessionID string) (*model.Session, error) {
	if sessionID == "" {
		return nil, ErrSessionNotFound
	}

	session, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// createSession はセッションを作成し永続化する。
func (s *Service) createSession(ctx context.Context, userID, email string) (*model.Session, error) {
	sessionID, err := generateToken(32)
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := s.now()
	session := &model.Session{
		ID:        sessionID,
		UserID:    userID,
		Email:     email,
		ExpiresAt: now.Add(time.Duration(s.config.SessionMaxAge) * time.Second),
		CreatedAt: now,
	}

	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return session, nil
}

// normalizeEmail はメールアドレスを検証し、小文字化して返す。
func normalizeEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", ErrInvalidEmail
	}
	return strings.ToLower(addr.Address), nil
}

// generateToken は暗号的に安全なランダム値を16進文字列で返す。
func generateToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
