// Package routeguard は認可状態と要求パスから画面遷移の可否を決定する。
package routeguard

import (
	"path"

	"github.com/hitoshi/pescadash/internal/model"
)

// Kind は判定結果の種類。
type Kind int

const (
	// Block は認可状態が未確定のため描画を保留する。
	Block Kind = iota
	// Allow は要求パスの表示を許可する。
	Allow
	// Redirect はTargetへの遷移を要求する。
	Redirect
)

// String は判定結果名を返す。
func (k Kind) String() string {
	switch k {
	case Block:
		return "block"
	case Allow:
		return "allow"
	case Redirect:
		return "redirect"
	default:
		return "unknown"
	}
}

// Decision はDecideの結果。KindがRedirectの場合のみTargetが設定される。
type Decision struct {
	Kind   Kind
	Target string
}

// 既定のパス
const (
	DefaultLoginPath         = "/login"
	DefaultRoleSelectionPath = "/role-selection"
	DefaultHomePath          = "/"
)

// Guard は遷移判定に使うパス構成を保持する。
type Guard struct {
	LoginPath         string
	RoleSelectionPath string
	HomePath          string
	// ManagerOnly は管理者ロールのみ閲覧できるパス集合。
	ManagerOnly map[string]bool
	// Public はセッションがなくても表示できるパス集合（ログイン画面など）。
	Public map[string]bool
}

// New は既定のパス構成でGuardを生成する。
func New() *Guard {
	return &Guard{
		LoginPath:         DefaultLoginPath,
		RoleSelectionPath: DefaultRoleSelectionPath,
		HomePath:          DefaultHomePath,
		ManagerOnly: map[string]bool{
			"/recaudacion": true,
			"/reportes":    true,
		},
		Public: map[string]bool{
			DefaultLoginPath: true,
			"/register":      true,
		},
	}
}

// Decide は認可状態と要求パスから遷移判定を返す。副作用を持たない。
//
// 優先順位:
//  1. 初期化中なら Block
//  2. セッションなしなら ログイン画面へ Redirect（公開パスは Allow）
//  3. ロール未選択でロール選択画面以外なら ロール選択画面へ Redirect
//  4. ロール選択済みでロール選択画面なら ホームへ Redirect
//  5. 一般ロールで管理者専用パスなら ホームへ Redirect
//  6. それ以外は Allow
func (g *Guard) Decide(state model.AuthState, requested string) Decision {
	p := clean(requested)

	if state.Phase == model.PhaseInitializing {
		return Decision{Kind: Block}
	}
	if !state.HasSession() {
		if g.Public[p] {
			return Decision{Kind: Allow}
		}
		return redirect(g.LoginPath)
	}
	if state.Role == model.RoleNone {
		if p != g.RoleSelectionPath {
			return redirect(g.RoleSelectionPath)
		}
		return Decision{Kind: Allow}
	}
	if p == g.RoleSelectionPath {
		return redirect(g.HomePath)
	}
	if state.Role == model.RoleCommon && g.ManagerOnly[p] {
		return redirect(g.HomePath)
	}
	return Decision{Kind: Allow}
}

func redirect(target string) Decision {
	return Decision{Kind: Redirect, Target: target}
}

func clean(p string) string {
	if p == "" {
		return "/"
	}
	if p[0] != '/' {
		p = "/" + p
	}
	return path.Clean(p)
}
