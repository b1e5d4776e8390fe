// Package authgate はセッションとロールから閲覧可否を決める認可状態を管理する。
package authgate

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hitoshi/pescadash/internal/model"
)

// IdentityPort は外部の認証プロバイダーとの境界。
type IdentityPort interface {
	// GetCurrentSession は現在のセッションを返す。セッションがない場合はnil。
	GetCurrentSession(ctx context.Context) (*model.Session, error)
	// Subscribe はセッション変化の通知を登録し、解除関数を返す。
	Subscribe(fn func(*model.Session)) (unsubscribe func())
	SignInWithPassword(ctx context.Context, email, password string) (*model.Session, error)
	// SignUp は登録を行う。確認待ちの場合はnilセッションを返す。
	SignUp(ctx context.Context, email, password string) (*model.Session, error)
	// SignInWithOAuth は外部プロバイダーでのログインを開始し、ブラウザで開くURLを返す。
	// 完了したセッションはSubscribeの通知で届く。
	SignInWithOAuth(ctx context.Context, provider string) (string, error)
	SignOut(ctx context.Context) error
}

// RoleStore はロールをセッションとは独立に永続化する。
type RoleStore interface {
	// LoadRole は保存済みのロールを返す。未保存の場合はRoleNone。
	LoadRole() (model.Role, error)
	SaveRole(role model.Role) error
	ClearRole() error
}

// Gate はセッションとロールを保持する認可状態機械。
// 不変条件: フェーズは最初のセッション解決で一度だけReadyになり、
// セッションがない間ロールは常にRoleNoneである。
type Gate struct {
	identity IdentityPort
	roles    RoleStore
	policy   RolePolicy
	logger   *slog.Logger

	mu        sync.Mutex
	state     model.AuthState
	listeners []func(model.AuthState)
}

// New はGateを生成する。loggerがnilの場合はslog.Default()を使用する。
func New(identity IdentityPort, roles RoleStore, policy RolePolicy, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		identity: identity,
		roles:    roles,
		policy:   policy,
		logger:   logger,
	}
}

// State は現在の認可状態のコピーを返す。
func (g *Gate) State() model.AuthState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// OnChange は状態変化の通知先を登録する。通知はロック外で同期的に行う。
func (g *Gate) OnChange(fn func(model.AuthState)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listeners = append(g.listeners, fn)
}

// Watch は認証プロバイダーのセッション変化を購読し、解除関数を返す。
func (g *Gate) Watch() (stop func()) {
	return g.identity.Subscribe(g.OnIdentityChange)
}

// RestoreSession は起動時に現在のセッションを一度だけ問い合わせる。
// 問い合わせに失敗した場合もセッションなしとして解決し、フェーズはReadyになる。
func (g *Gate) RestoreSession(ctx context.Context) error {
	session, err := g.identity.GetCurrentSession(ctx)
	if err != nil {
		g.logger.Warn("session restore failed", slog.String("error", err.Error()))
		g.resolve(nil)
		return &IdentityError{Op: "restore", Err: err}
	}
	g.resolve(session)
	return nil
}

// OnIdentityChange は認証プロバイダーからのセッション変化を反映する。
// セッションがなくなった場合はロールと永続化されたロールを消去する。
func (g *Gate) OnIdentityChange(session *model.Session) {
	g.resolve(session)
}

// SignIn はメールアドレスとパスワードでサインインする。
func (g *Gate) SignIn(ctx context.Context, email, password string) (*model.Session, error) {
	session, err := g.identity.SignInWithPassword(ctx, email, password)
	if err != nil {
		return nil, &IdentityError{Op: "sign_in", Err: err}
	}
	g.resolve(session)
	return session, nil
}

// SignUp は新規登録を行う。確認待ちの場合はnilセッションとnilエラーを返し、状態は変えない。
func (g *Gate) SignUp(ctx context.Context, email, password string) (*model.Session, error) {
	session, err := g.identity.SignUp(ctx, email, password)
	if err != nil {
		return nil, &IdentityError{Op: "sign_up", Err: err}
	}
	if session != nil {
		g.resolve(session)
	}
	return session, nil
}

// SignInWithExternalProvider は外部プロバイダーでのサインインを開始し、ログインURLを返す。
func (g *Gate) SignInWithExternalProvider(ctx context.Context, provider string) (string, error) {
	loginURL, err := g.identity.SignInWithOAuth(ctx, provider)
	if err != nil {
		return "", &IdentityError{Op: "sign_in_oauth", Err: err}
	}
	return loginURL, nil
}

// SignOut はサインアウトする。プロバイダー呼び出しが失敗してもロールとセッションは消去する。
func (g *Gate) SignOut(ctx context.Context) error {
	err := g.identity.SignOut(ctx)
	g.resolve(nil)
	if err != nil {
		return &IdentityError{Op: "sign_out", Err: err}
	}
	return nil
}

// SelectRole はロールを選択して永続化する。
// 一般ロールは常に成功し、管理者ロールはRolePolicyが資格情報を受け入れた場合のみ成功する。
// 失敗時はロールを変更しない。
func (g *Gate) SelectRole(role model.Role, credential string) error {
	g.mu.Lock()
	if g.state.Session == nil {
		g.mu.Unlock()
		return ErrNoSession
	}
	if !role.IsValid() {
		g.mu.Unlock()
		return ErrInvalidRole
	}
	if role == model.RoleManager && !g.policy.CanAssume(role, credential) {
		userID := g.state.Session.UserID
		g.mu.Unlock()
		g.logger.Warn("manager role denied", slog.String("user_id", userID))
		return ErrAuthorizationDenied
	}
	if err := g.roles.SaveRole(role); err != nil {
		g.mu.Unlock()
		return err
	}
	g.state.Role = role
	snapshot, listeners := g.state, g.listeners
	g.mu.Unlock()

	g.logger.Info("role selected", slog.String("role", role.String()))
	notify(listeners, snapshot)
	return nil
}

// resolve はセッションの解決結果を状態に反映する。
func (g *Gate) resolve(session *model.Session) {
	g.mu.Lock()
	prev := g.state
	g.state.Session = session
	g.state.Phase = model.PhaseReady

	if session == nil {
		g.state.Role = model.RoleNone
		if err := g.roles.ClearRole(); err != nil {
			g.logger.Warn("failed to clear persisted role", slog.String("error", err.Error()))
		}
	} else if g.state.Role == model.RoleNone {
		role, err := g.roles.LoadRole()
		if err != nil {
			g.logger.Warn("failed to load persisted role", slog.String("error", err.Error()))
			role = model.RoleNone
		}
		if role != model.RoleNone && !role.IsValid() {
			role = model.RoleNone
		}
		g.state.Role = role
	}

	snapshot, listeners := g.state, g.listeners
	g.mu.Unlock()

	if prev.Phase != snapshot.Phase || prev.Session != snapshot.Session || prev.Role != snapshot.Role {
		notify(listeners, snapshot)
	}
}

func notify(listeners []func(model.AuthState), state model.AuthState) {
	for _, fn := range listeners {
		fn(state)
	}
}
