package model

import "fmt"

// Role はセッションの上に重ねてローカルで選択する権限区分を表す。
type Role string

const (
	// RoleNone は未選択を表す。永続化はされない。
	RoleNone Role = ""
	// RoleCommon は一般利用者。
	RoleCommon Role = "comun"
	// RoleManager は管理者（gestor）。収入系の画面を閲覧できる。
	RoleManager Role = "gestor"
)

// IsValid は永続化可能なロールかどうかを返す。RoleNoneはfalse。
func (r Role) IsValid() bool {
	switch r {
	case RoleCommon, RoleManager:
		return true
	default:
		return false
	}
}

// String はログ出力用の表記を返す。
func (r Role) String() string {
	if r == RoleNone {
		return "none"
	}
	return string(r)
}

// ParseRole は文字列をRoleに変換する。
// "comun"/"common" と "gestor"/"manager" の両方の表記を受け付ける。
func ParseRole(s string) (Role, error) {
	switch s {
	case "comun", "common":
		return RoleCommon, nil
	case "gestor", "manager":
		return RoleManager, nil
	default:
		return RoleNone, fmt.Errorf("unknown role: %q", s)
	}
}

// Phase はAuthStateの初期化フェーズを表す。
type Phase int

const (
	// PhaseInitializing は最初のセッション解決前の状態。
	PhaseInitializing Phase = iota
	// PhaseReady は最初のセッション解決後の状態。以後Initializingには戻らない。
	PhaseReady
)

// String はフェーズ名を返す。
func (p Phase) String() string {
	if p == PhaseReady {
		return "ready"
	}
	return "initializing"
}

// AuthState はクライアントが閲覧可能な範囲を決めるための認可状態。
// 不変条件: Sessionがnilの場合Roleは常にRoleNone。
type AuthState struct {
	Session *Session
	Role    Role
	Phase   Phase
}

// HasSession はセッションが存在するかを返す。
func (s AuthState) HasSession() bool {
	return s.Session != nil
}
