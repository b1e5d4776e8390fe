package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/pescadash/internal/model"
	"github.com/hitoshi/pescadash/internal/repository"
)

// --- モック定義 ---

type mockUserRepo struct {
	findByIDFn           func(ctx context.Context, id string) (*model.User, error)
	findByEmailFn        func(ctx context.Context, email string) (*model.User, error)
	createWithIdentityFn func(ctx context.Context, user *model.User, identity *model.Identity) error
}

func (m *mockUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	if m.findByEmailFn != nil {
		return m.findByEmailFn(ctx, email)
	}
	return nil, nil
}

func (m *mockUserRepo) CreateWithIdentity(ctx context.Context, user *model.User, identity *model.Identity) error {
	if m.createWithIdentityFn != nil {
		return m.createWithIdentityFn(ctx, user, identity)
	}
	return nil
}

type mockIdentityRepo struct {
	findByProviderFn func(ctx context.Context, provider, providerUserID string) (*model.Identity, error)
	createFn         func(ctx context.Context, identity *model.Identity) error
}

func (m *mockIdentityRepo) FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error) {
	if m.findByProviderFn != nil {
		return m.findByProviderFn(ctx, provider, providerUserID)
	}
	return nil, nil
}

func (m *mockIdentityRepo) Create(ctx context.Context, identity *model.Identity) error {
	if m.createFn != nil {
		return m.createFn(ctx, identity)
	}
	return nil
}

type mockSessionRepo struct {
	createFn         func(ctx context.Context, session *model.Session) error
	findByIDFn       func(ctx context.Context, id string) (*model.Session, error)
	deleteByIDFn     func(ctx context.Context, id string) error
	deleteByUserIDFn func(ctx context.Context, userID string) error
}

func (m *mockSessionRepo) Create(ctx context.Context, session *model.Session) error {
	if m.createFn != nil {
		return m.createFn(ctx, session)
	}
	return nil
}

func (m *mockSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockSessionRepo) DeleteByID(ctx context.Context, id string) error {
	if m.deleteByIDFn != nil {
		return m.deleteByIDFn(ctx, id)
	}
	return nil
}

func (m *mockSessionRepo) DeleteByUserID(ctx context.Context, userID string) error {
	if m.deleteByUserIDFn != nil {
		return m.deleteByUserIDFn(ctx, userID)
	}
	return nil
}

// memStateRepo はOAuth stateをメモリに保持するテスト用リポジトリ。
type memStateRepo struct {
	states map[string]*model.OAuthState
}

func newMemStateRepo() *memStateRepo {
	return &memStateRepo{states: map[string]*model.OAuthState{}}
}

func (m *memStateRepo) Create(_ context.Context, state *model.OAuthState) error {
	cp := *state
	m.states[state.State] = &cp
	return nil
}

func (m *memStateRepo) FindByState(_ context.Context, state string) (*model.OAuthState, error) {
	s, ok := m.states[state]
	if !ok || !s.ExpiresAt.After(time.Now()) {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *memStateRepo) Complete(_ context.Context, state, sessionID string) (bool, error) {
	s, ok := m.states[state]
	if !ok || s.Completed() {
		return false, nil
	}
	s.SessionID = sessionID
	return true, nil
}

func (m *memStateRepo) Delete(_ context.Context, state string) error {
	delete(m.states, state)
	return nil
}

type mockOAuthProvider struct {
	getLoginURLFn  func(state string) string
	exchangeCodeFn func(ctx context.Context, code string) (*OAuthUserInfo, error)
}

func (m *mockOAuthProvider) GetLoginURL(state string) string {
	if m.getLoginURLFn != nil {
		return m.getLoginURLFn(state)
	}
	return "https://idp.example.com/auth?state=" + state
}

func (m *mockOAuthProvider) ExchangeCode(ctx context.Context, code string) (*OAuthUserInfo, error) {
	if m.exchangeCodeFn != nil {
		return m.exchangeCodeFn(ctx, code)
	}
	return nil, nil
}

// --- compile-time interface checks ---
var _ repository.UserRepository = (*mockUserRepo)(nil)
var _ repository.IdentityRepository = (*mockIdentityRepo)(nil)
var _ repository.SessionRepository = (*mockSessionRepo)(nil)
var _ repository.OAuthStateRepository = (*memStateRepo)(nil)
var _ OAuthProvider = (*mockOAuthProvider)(nil)

var testConfig = ServiceConfig{SessionMaxAge: 86400, PasswordMinLength: 8, BcryptCost: bcrypt.MinCost}

// --- パスワード認証 ---

func TestSignUp_CreatesUserWithHashedPasswordAndSession(t *testing.T) {
	var createdUser *model.User
	var createdIdentity *model.Identity
	var createdSession *model.Session

	userRepo := &mockUserRepo{
		createWithIdentityFn: func(_ context.Context, user *model.User, identity *model.Identity) error {
			createdUser, createdIdentity = user, identity
			return nil
		},
	}
	sessionRepo := &mockSessionRepo{
		createFn: func(_ context.Context, s *model.Session) error {
			createdSession = s
			return nil
		},
	}
	svc := NewService(nil, userRepo, &mockIdentityRepo{}, sessionRepo, nil, testConfig)

	session, err := svc.SignUp(context.Background(), "Pescador@Example.com", "truchas123")
	if err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}

	if createdUser == nil || createdUser.Email != "pescador@example.com" {
		t.Fatalf("ユーザーが小文字化されたメールアドレスで作成されていない: %+v", createdUser)
	}
	if createdIdentity.Provider != model.ProviderPassword || createdIdentity.ProviderUserID != "pescador@example.com" {
		t.Errorf("identity = %+v", createdIdentity)
	}
	if strings.Contains(createdIdentity.SecretHash, "truchas123") {
		t.Error("パスワードが平文で保存されている")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(createdIdentity.SecretHash), []byte("truchas123")); err != nil {
		t.Errorf("保存されたハッシュがパスワードと一致しない: %v", err)
	}
	if createdSession == nil || session.ID != createdSession.ID {
		t.Fatal("セッションが作成されていない")
	}
	if len(session.ID) != 64 {
		t.Errorf("セッションIDの長さ = %d, want 64", len(session.ID))
	}
	if session.Email != "pescador@example.com" {
		t.Errorf("session email = %q", session.Email)
	}
	if !session.ExpiresAt.After(time.Now().Add(23 * time.Hour)) {
		t.Errorf("有効期限が短すぎる: %v", session.ExpiresAt)
	}
}

func TestSignUp_ValidationErrors(t *testing.T) {
	taken := &mockIdentityRepo{
		findByProviderFn: func(_ context.Context, _, id string) (*model.Identity, error) {
			if id == "usado@example.com" {
				return &model.Identity{UserID: "u1"}, nil
			}
			return nil, nil
		},
	}
	users := &mockUserRepo{
		findByEmailFn: func(_ context.Context, email string) (*model.User, error) {
			if email == "google@example.com" {
				return &model.User{ID: "u2"}, nil
			}
			return nil, nil
		},
	}
	svc := NewService(nil, users, taken, &mockSessionRepo{}, nil, testConfig)

	tests := []struct {
		name     string
		email    string
		password string
		want     error
	}{
		{"メールアドレス不正", "no-es-un-correo", "truchas123", ErrInvalidEmail},
		{"パスワードが短い", "nuevo@example.com", "corta", ErrWeakPassword},
		{"登録済み", "usado@example.com", "truchas123", ErrEmailTaken},
		{"Googleで登録済み", "google@example.com", "truchas123", ErrEmailTaken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.SignUp(context.Background(), tt.email, tt.password)
			if !errors.Is(err, tt.want) {
				t.Errorf("SignUp() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSignIn(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("truchas123"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	identities := &mockIdentityRepo{
		findByProviderFn: func(_ context.Context, provider, id string) (*model.Identity, error) {
			if provider == model.ProviderPassword && id == "pescador@example.com" {
				return &model.Identity{UserID: "user-1", SecretHash: string(hash)}, nil
			}
			return nil, nil
		},
	}
	svc := NewService(nil, &mockUserRepo{}, identities, &mockSessionRepo{}, nil, testConfig)

	t.Run("正しいパスワード", func(t *testing.T) {
		s, err := svc.SignIn(context.Background(), "PESCADOR@example.com", "truchas123")
		if err != nil {
			t.Fatalf("SignIn() error = %v", err)
		}
		if s.UserID != "user-1" {
			t.Errorf("UserID = %q, want user-1", s.UserID)
		}
	})

	tests := []struct {
		name     string
		email    string
		password string
	}{
		{"誤ったパスワード", "pescador@example.com", "salmones"},
		{"未登録のメールアドレス", "otro@example.com", "truchas123"},
		{"メールアドレス不正", "invalido", "truchas123"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.SignIn(context.Background(), tt.email, tt.password)
			if !errors.Is(err, ErrInvalidCredentials) {
				t.Errorf("SignIn() error = %v, want ErrInvalidCredentials", err)
			}
		})
	}
}

func TestSignIn_RepositoryError_IsNotCredentialError(t *testing.T) {
	identities := &mockIdentityRepo{
		findByProviderFn: func(context.Context, string, string) (*model.Identity, error) {
			return nil, errors.New("db down")
		},
	}
	svc := NewService(nil, nil, identities, nil, nil, testConfig)

	_, err := svc.SignIn(context.Background(), "pescador@example.com", "truchas123")
	if err == nil || errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("SignIn() error = %v, want internal error", err)
	}
}

// --- OAuth ---

func newOAuthService(t *testing.T, info *OAuthUserInfo, users *mockUserRepo, idents *mockIdentityRepo, sessions *mockSessionRepo) (*Service, *memStateRepo) {
	t.Helper()
	provider := &mockOAuthProvider{
		exchangeCodeFn: func(_ context.Context, code string) (*OAuthUserInfo, error) {
			if code != "good-code" {
				return nil, errors.New("invalid_grant")
			}
			return info, nil
		},
	}
	states := newMemStateRepo()
	svc := NewService(map[string]OAuthProvider{model.ProviderGoogle: provider}, users, idents, sessions, states, testConfig)
	return svc, states
}

func TestOAuthFlow_StartCallbackPoll(t *testing.T) {
	ctx := context.Background()
	info := &OAuthUserInfo{ProviderUserID: "g-1", Email: "nuevo@example.com", Name: "Nuevo", Provider: model.ProviderGoogle}

	var createdUser *model.User
	sessions := map[string]*model.Session{}
	sessionRepo := &mockSessionRepo{
		createFn: func(_ context.Context, s *model.Session) error {
			sessions[s.ID] = s
			return nil
		},
		findByIDFn: func(_ context.Context, id string) (*model.Session, error) {
			return sessions[id], nil
		},
	}
	users := &mockUserRepo{
		createWithIdentityFn: func(_ context.Context, u *model.User, _ *model.Identity) error {
			createdUser = u
			return nil
		},
	}
	svc, _ := newOAuthService(t, info, users, &mockIdentityRepo{}, sessionRepo)

	loginURL, state, err := svc.StartOAuth(ctx, model.ProviderGoogle)
	if err != nil {
		t.Fatalf("StartOAuth() error = %v", err)
	}
	if state == "" || !strings.Contains(loginURL, state) {
		t.Fatalf("loginURL = %q, state = %q", loginURL, state)
	}

	// コールバック前はpending
	if _, err := svc.PollOAuth(ctx, state); !errors.Is(err, ErrOAuthPending) {
		t.Fatalf("PollOAuth() before callback error = %v, want ErrOAuthPending", err)
	}

	session, err := svc.HandleCallback(ctx, state, "good-code")
	if err != nil {
		t.Fatalf("HandleCallback() error = %v", err)
	}
	if createdUser == nil || session.UserID != createdUser.ID {
		t.Fatalf("新規ユーザーのセッションが発行されていない: %+v", session)
	}

	// 同じstateでのコールバックは拒否される
	if _, err := svc.HandleCallback(ctx, state, "good-code"); !errors.Is(err, ErrStateNotFound) {
		t.Errorf("2回目のHandleCallback() error = %v, want ErrStateNotFound", err)
	}

	polled, err := svc.PollOAuth(ctx, state)
	if err != nil {
		t.Fatalf("PollOAuth() error = %v", err)
	}
	if polled.ID != session.ID {
		t.Errorf("polled session = %q, want %q", polled.ID, session.ID)
	}

	// 受け取り後のstateは消える
	if _, err := svc.PollOAuth(ctx, state); !errors.Is(err, ErrStateNotFound) {
		t.Errorf("受け取り後のPollOAuth() error = %v, want ErrStateNotFound", err)
	}
}

func TestStartOAuth_UnsupportedProvider(t *testing.T) {
	svc, _ := newOAuthService(t, nil, nil, nil, nil)
	if _, _, err := svc.StartOAuth(context.Background(), "github"); !errors.Is(err, ErrUnsupportedProvider) {
		t.Errorf("StartOAuth() error = %v, want ErrUnsupportedProvider", err)
	}
}

func TestHandleCallback_UnknownState(t *testing.T) {
	svc, _ := newOAuthService(t, nil, nil, nil, nil)
	if _, err := svc.HandleCallback(context.Background(), "desconocido", "good-code"); !errors.Is(err, ErrStateNotFound) {
		t.Errorf("HandleCallback() error = %v, want ErrStateNotFound", err)
	}
}

func TestHandleCallback_ExpiredState(t *testing.T) {
	svc, states := newOAuthService(t, nil, nil, nil, nil)
	states.states["viejo"] = &model.OAuthState{State: "viejo", Provider: model.ProviderGoogle, ExpiresAt: time.Now().Add(-time.Second)}

	if _, err := svc.HandleCallback(context.Background(), "viejo", "good-code"); !errors.Is(err, ErrStateNotFound) {
		t.Errorf("HandleCallback() error = %v, want ErrStateNotFound", err)
	}
}

func TestHandleCallback_ExistingIdentity_LogsIn(t *testing.T) {
	info := &OAuthUserInfo{ProviderUserID: "g-789", Email: "existing@example.com", Provider: model.ProviderGoogle}
	idents := &mockIdentityRepo{
		findByProviderFn: func(_ context.Context, _, _ string) (*model.Identity, error) {
			return &model.Identity{UserID: "existing-user"}, nil
		},
	}
	users := &mockUserRepo{
		createWithIdentityFn: func(context.Context, *model.User, *model.Identity) error {
			t.Error("既存ユーザーに対してCreateWithIdentityが呼ばれた")
			return nil
		},
	}
	svc, _ := newOAuthService(t, info, users, idents, &mockSessionRepo{})
	_, state, _ := svc.StartOAuth(context.Background(), model.ProviderGoogle)

	session, err := svc.HandleCallback(context.Background(), state, "good-code")
	if err != nil {
		t.Fatalf("HandleCallback() error = %v", err)
	}
	if session.UserID != "existing-user" {
		t.Errorf("UserID = %q, want existing-user", session.UserID)
	}
}

func TestHandleCallback_SameEmail_LinksIdentity(t *testing.T) {
	info := &OAuthUserInfo{ProviderUserID: "g-55", Email: "pescador@example.com", Provider: model.ProviderGoogle}
	var linked *model.Identity
	idents := &mockIdentityRepo{
		createFn: func(_ context.Context, i *model.Identity) error {
			linked = i
			return nil
		},
	}
	users := &mockUserRepo{
		findByEmailFn: func(_ context.Context, email string) (*model.User, error) {
			return &model.User{ID: "password-user", Email: email}, nil
		},
	}
	svc, _ := newOAuthService(t, info, users, idents, &mockSessionRepo{})
	_, state, _ := svc.StartOAuth(context.Background(), model.ProviderGoogle)

	session, err := svc.HandleCallback(context.Background(), state, "good-code")
	if err != nil {
		t.Fatalf("HandleCallback() error = %v", err)
	}
	if linked == nil || linked.UserID != "password-user" || linked.ProviderUserID != "g-55" {
		t.Errorf("linked identity = %+v", linked)
	}
	if session.UserID != "password-user" {
		t.Errorf("UserID = %q, want password-user", session.UserID)
	}
}

func TestHandleCallback_ExchangeError_LeavesStatePending(t *testing.T) {
	svc, _ := newOAuthService(t, nil, &mockUserRepo{}, &mockIdentityRepo{}, &mockSessionRepo{})
	_, state, _ := svc.StartOAuth(context.Background(), model.ProviderGoogle)

	if _, err := svc.HandleCallback(context.Background(), state, "bad-code"); err == nil {
		t.Fatal("expected error from HandleCallback")
	}
	if _, err := svc.PollOAuth(context.Background(), state); !errors.Is(err, ErrOAuthPending) {
		t.Errorf("PollOAuth() error = %v, want ErrOAuthPending", err)
	}
}

// --- セッション ---

func TestLogout_DeletesSession(t *testing.T) {
	var deletedSessionID string
	sessionRepo := &mockSessionRepo{
		deleteByIDFn: func(_ context.Context, id string) error {
			deletedSessionID = id
			return nil
		},
	}
	svc := NewService(nil, nil, nil, sessionRepo, nil, testConfig)

	if err := svc.Logout(context.Background(), "session-to-delete"); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if deletedSessionID != "session-to-delete" {
		t.Errorf("deleted session ID = %q, want %q", deletedSessionID, "session-to-delete")
	}
}

func TestLogout_EmptySessionID_ReturnsError(t *testing.T) {
	svc := NewService(nil, nil, nil, nil, nil, testConfig)
	if err := svc.Logout(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty session ID")
	}
}

func TestCurrentSession(t *testing.T) {
	sessionRepo := &mockSessionRepo{
		findByIDFn: func(_ context.Context, id string) (*model.Session, error) {
			if id == "valid" {
				return &model.Session{ID: id, UserID: "user-1", ExpiresAt: time.Now().Add(time.Hour)}, nil
			}
			// 期限切れ -> リポジトリはnilを返す
			return nil, nil
		},
	}
	svc := NewService(nil, nil, nil, sessionRepo, nil, testConfig)

	s, err := svc.CurrentSession(context.Background(), "valid")
	if err != nil || s.UserID != "user-1" {
		t.Fatalf("CurrentSession(valid) = %+v, %v", s, err)
	}
	for _, id := range []string{"expired", ""} {
		if _, err := svc.CurrentSession(context.Background(), id); !errors.Is(err, ErrSessionNotFound) {
			t.Errorf("CurrentSession(%q) error = %v, want ErrSessionNotFound", id, err)
		}
	}
}
