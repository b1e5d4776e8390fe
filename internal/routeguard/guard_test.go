package routeguard

import (
	"testing"
	"time"

	"github.com/hitoshi/pescadash/internal/model"
)

func session() *model.Session {
	return &model.Session{ID: "tok", UserID: "u1", ExpiresAt: time.Now().Add(time.Hour)}
}

func state(phase model.Phase, withSession bool, role model.Role) model.AuthState {
	st := model.AuthState{Phase: phase, Role: role}
	if withSession {
		st.Session = session()
	}
	return st
}

func TestDecide_EndToEnd(t *testing.T) {
	g := New()
	tests := []struct {
		name  string
		state model.AuthState
		path  string
		want  Decision
	}{
		{"セッションなしで収入画面", state(model.PhaseReady, false, model.RoleNone), "/recaudacion", Decision{Kind: Redirect, Target: "/login"}},
		{"ロール未選択で収入画面", state(model.PhaseReady, true, model.RoleNone), "/recaudacion", Decision{Kind: Redirect, Target: "/role-selection"}},
		{"一般ロールで収入画面", state(model.PhaseReady, true, model.RoleCommon), "/recaudacion", Decision{Kind: Redirect, Target: "/"}},
		{"管理者ロールで収入画面", state(model.PhaseReady, true, model.RoleManager), "/recaudacion", Decision{Kind: Allow}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := g.Decide(tt.state, tt.path); got != tt.want {
				t.Errorf("Decide() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDecide_Table(t *testing.T) {
	g := New()
	tests := []struct {
		name  string
		state model.AuthState
		path  string
		want  Decision
	}{
		// 1. 初期化中
		{"init/none", state(model.PhaseInitializing, false, model.RoleNone), "/", Decision{Kind: Block}},
		{"init/session", state(model.PhaseInitializing, true, model.RoleManager), "/recaudacion", Decision{Kind: Block}},
		{"init/login", state(model.PhaseInitializing, false, model.RoleNone), "/login", Decision{Kind: Block}},
		// 2. セッションなし
		{"nosession/home", state(model.PhaseReady, false, model.RoleNone), "/", Decision{Kind: Redirect, Target: "/login"}},
		{"nosession/role-selection", state(model.PhaseReady, false, model.RoleNone), "/role-selection", Decision{Kind: Redirect, Target: "/login"}},
		{"nosession/login", state(model.PhaseReady, false, model.RoleNone), "/login", Decision{Kind: Allow}},
		{"nosession/register", state(model.PhaseReady, false, model.RoleNone), "/register", Decision{Kind: Allow}},
		// 3. ロール未選択
		{"norole/home", state(model.PhaseReady, true, model.RoleNone), "/", Decision{Kind: Redirect, Target: "/role-selection"}},
		{"norole/login", state(model.PhaseReady, true, model.RoleNone), "/login", Decision{Kind: Redirect, Target: "/role-selection"}},
		{"norole/role-selection", state(model.PhaseReady, true, model.RoleNone), "/role-selection", Decision{Kind: Allow}},
		// 4. ロール選択済みでロール選択画面
		{"common/role-selection", state(model.PhaseReady, true, model.RoleCommon), "/role-selection", Decision{Kind: Redirect, Target: "/"}},
		{"manager/role-selection", state(model.PhaseReady, true, model.RoleManager), "/role-selection", Decision{Kind: Redirect, Target: "/"}},
		// 5. 一般ロールで管理者専用
		{"common/reportes", state(model.PhaseReady, true, model.RoleCommon), "/reportes", Decision{Kind: Redirect, Target: "/"}},
		// 6. 許可
		{"common/home", state(model.PhaseReady, true, model.RoleCommon), "/", Decision{Kind: Allow}},
		{"common/categorias", state(model.PhaseReady, true, model.RoleCommon), "/categorias", Decision{Kind: Allow}},
		{"common/login", state(model.PhaseReady, true, model.RoleCommon), "/login", Decision{Kind: Allow}},
		{"manager/reportes", state(model.PhaseReady, true, model.RoleManager), "/reportes", Decision{Kind: Allow}},
		{"manager/regiones", state(model.PhaseReady, true, model.RoleManager), "/regiones", Decision{Kind: Allow}},
		// パスの正規化
		{"trailing slash", state(model.PhaseReady, true, model.RoleCommon), "/recaudacion/", Decision{Kind: Redirect, Target: "/"}},
		{"dot segments", state(model.PhaseReady, true, model.RoleCommon), "/x/../recaudacion", Decision{Kind: Redirect, Target: "/"}},
		{"relative", state(model.PhaseReady, true, model.RoleCommon), "recaudacion", Decision{Kind: Redirect, Target: "/"}},
		{"empty path", state(model.PhaseReady, true, model.RoleNone), "", Decision{Kind: Redirect, Target: "/role-selection"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := g.Decide(tt.state, tt.path); got != tt.want {
				t.Errorf("Decide() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

// 全組み合わせについて優先順位どおりの結果をただ1つ返すことを確認する。
func TestDecide_Exhaustive(t *testing.T) {
	g := New()
	phases := []model.Phase{model.PhaseInitializing, model.PhaseReady}
	roles := []model.Role{model.RoleNone, model.RoleCommon, model.RoleManager}
	paths := []string{"/", "/login", "/register", "/role-selection", "/recaudacion", "/reportes", "/categorias", "/regiones", "/ultimos-registros", "/desconocido"}

	for _, phase := range phases {
		for _, withSession := range []bool{false, true} {
			for _, role := range roles {
				if !withSession && role != model.RoleNone {
					// セッションなしではロールは常にNone
					continue
				}
				for _, p := range paths {
					st := state(phase, withSession, role)
					got := g.Decide(st, p)

					var want Decision
					switch {
					case phase == model.PhaseInitializing:
						want = Decision{Kind: Block}
					case !withSession && (p == "/login" || p == "/register"):
						want = Decision{Kind: Allow}
					case !withSession:
						want = Decision{Kind: Redirect, Target: "/login"}
					case role == model.RoleNone && p != "/role-selection":
						want = Decision{Kind: Redirect, Target: "/role-selection"}
					case role != model.RoleNone && p == "/role-selection":
						want = Decision{Kind: Redirect, Target: "/"}
					case role == model.RoleCommon && (p == "/recaudacion" || p == "/reportes"):
						want = Decision{Kind: Redirect, Target: "/"}
					default:
						want = Decision{Kind: Allow}
					}

					if got != want {
						t.Errorf("phase=%v session=%v role=%v path=%s: got %+v, want %+v", phase, withSession, role, p, got, want)
					}
					if got.Kind != Redirect && got.Target != "" {
						t.Errorf("non-redirect decision carries target: %+v", got)
					}
				}
			}
		}
	}
}

func TestDecide_Deterministic(t *testing.T) {
	g := New()
	st := state(model.PhaseReady, true, model.RoleCommon)
	first := g.Decide(st, "/recaudacion")
	for i := 0; i < 100; i++ {
		if got := g.Decide(st, "/recaudacion"); got != first {
			t.Fatalf("iteration %d: %+v != %+v", i, got, first)
		}
	}
}

func TestDecide_CustomPaths(t *testing.T) {
	g := &Guard{
		LoginPath:         "/entrar",
		RoleSelectionPath: "/rol",
		HomePath:          "/inicio",
		ManagerOnly:       map[string]bool{"/finanzas": true},
	}
	if got := g.Decide(state(model.PhaseReady, false, model.RoleNone), "/inicio"); got.Target != "/entrar" {
		t.Errorf("got %+v", got)
	}
	if got := g.Decide(state(model.PhaseReady, true, model.RoleCommon), "/finanzas"); got.Target != "/inicio" {
		t.Errorf("got %+v", got)
	}
	if got := g.Decide(state(model.PhaseReady, true, model.RoleCommon), "/recaudacion"); got.Kind != Allow {
		t.Errorf("got %+v", got)
	}
}

func TestKind_String(t *testing.T) {
	if Block.String() != "block" || Allow.String() != "allow" || Redirect.String() != "redirect" {
		t.Error("unexpected kind names")
	}
}
