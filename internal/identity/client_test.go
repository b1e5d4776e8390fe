package identity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/pescadash/internal/authgate"
	"github.com/hitoshi/pescadash/internal/model"
)

type memTokens struct {
	mu  sync.Mutex
	tok string
}

func (m *memTokens) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tok
}

func (m *memTokens) SaveToken(t string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tok = t
	return nil
}

func (m *memTokens) ClearToken() error {
	return m.SaveToken("")
}

var _ authgate.IdentityPort = (*Client)(nil)

func newTestClient(t *testing.T, h http.Handler, tokens *memTokens) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL, tokens, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	c.pollInterval = 5 * time.Millisecond
	c.oauthWait = 2 * time.Second
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestGetCurrentSession_NoTokenSkipsRequest(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}), &memTokens{})

	s, err := c.GetCurrentSession(context.Background())
	if err != nil || s != nil {
		t.Errorf("GetCurrentSession = %v, %v", s, err)
	}
	if calls.Load() != 0 {
		t.Error("トークンがない場合はサーバーに問い合わせないべき")
	}
}

func TestGetCurrentSession_ValidToken(t *testing.T) {
	tokens := &memTokens{tok: "tok-1"}
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/session" || r.Header.Get("Authorization") != "Bearer tok-1" {
			t.Errorf("unexpected request: %s %s", r.URL.Path, r.Header.Get("Authorization"))
		}
		writeJSON(w, http.StatusOK, model.Session{ID: "tok-1", UserID: "u1", ExpiresAt: time.Now().Add(time.Hour)})
	}), tokens)

	s, err := c.GetCurrentSession(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s == nil || s.UserID != "u1" {
		t.Errorf("session = %+v", s)
	}
}

func TestGetCurrentSession_UnauthorizedClearsToken(t *testing.T) {
	tokens := &memTokens{tok: "expired"}
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"code": "UNAUTHORIZED", "message": "Sesión no válida o expirada."})
	}), tokens)

	s, err := c.GetCurrentSession(context.Background())
	if err != nil || s != nil {
		t.Errorf("GetCurrentSession = %v, %v", s, err)
	}
	if tokens.Token() != "" {
		t.Error("無効なトークンは消去されるべき")
	}
}

func TestSignInWithPassword_StoresTokenAndNotifies(t *testing.T) {
	tokens := &memTokens{}
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body credentials
		json.NewDecoder(r.Body).Decode(&body)
		if body.Email != "inspector@example.com" || body.Password != "secreto123" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"code": "INVALID_CREDENTIALS", "message": "Correo electrónico o contraseña incorrectos."})
			return
		}
		writeJSON(w, http.StatusOK, model.Session{ID: "tok-new", UserID: "u1"})
	}), tokens)

	var notified *model.Session
	stop := c.Subscribe(func(s *model.Session) { notified = s })
	defer stop()

	s, err := c.SignInWithPassword(context.Background(), "inspector@example.com", "secreto123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.ID != "tok-new" || tokens.Token() != "tok-new" {
		t.Errorf("session = %+v, stored token = %q", s, tokens.Token())
	}
	if notified == nil || notified.ID != "tok-new" {
		t.Error("購読者に通知されていない")
	}

	_, err = c.SignInWithPassword(context.Background(), "inspector@example.com", "mala")
	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *ProviderError, got %v", err)
	}
	if perr.Error() != "Correo electrónico o contraseña incorrectos." {
		t.Errorf("message = %q", perr.Error())
	}
}

func TestSignUp_AcceptedMeansPending(t *testing.T) {
	tokens := &memTokens{}
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}), tokens)

	s, err := c.SignUp(context.Background(), "nuevo@example.com", "secreto123")
	if err != nil || s != nil {
		t.Errorf("SignUp = %v, %v, want pending", s, err)
	}
	if tokens.Token() != "" {
		t.Error("確認待ちではトークンを保存しないべき")
	}
}

func TestSignUp_Created(t *testing.T) {
	tokens := &memTokens{}
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, model.Session{ID: "tok-signup", UserID: "u2"})
	}), tokens)

	s, err := c.SignUp(context.Background(), "nuevo@example.com", "secreto123")
	if err != nil || s == nil || tokens.Token() != "tok-signup" {
		t.Errorf("SignUp = %+v, %v, token %q", s, err, tokens.Token())
	}
}

func TestSignInWithOAuth_PollsUntilComplete(t *testing.T) {
	tokens := &memTokens{}
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/oauth/google/start", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, oauthStart{LoginURL: "https://accounts.google.com/o/oauth2/auth?state=st-1", State: "st-1"})
	})
	mux.HandleFunc("/auth/oauth/poll", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("state") != "st-1" {
			t.Errorf("state = %q", r.URL.Query().Get("state"))
		}
		if polls.Add(1) < 3 {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		writeJSON(w, http.StatusOK, model.Session{ID: "tok-oauth", UserID: "u3"})
	})
	c := newTestClient(t, mux, tokens)

	done := make(chan *model.Session, 1)
	stop := c.Subscribe(func(s *model.Session) { done <- s })
	defer stop()

	loginURL, err := c.SignInWithOAuth(context.Background(), "google")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loginURL != "https://accounts.google.com/o/oauth2/auth?state=st-1" {
		t.Errorf("loginURL = %q", loginURL)
	}

	select {
	case s := <-done:
		if s == nil || s.ID != "tok-oauth" {
			t.Errorf("session = %+v", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("oauth session was not delivered")
	}
	if tokens.Token() != "tok-oauth" {
		t.Errorf("token = %q", tokens.Token())
	}
}

func TestSignOut_ClearsTokenEvenOnFailure(t *testing.T) {
	tokens := &memTokens{tok: "tok-1"}
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}), tokens)

	var notified atomic.Bool
	c.Subscribe(func(s *model.Session) {
		if s == nil {
			notified.Store(true)
		}
	})

	if err := c.SignOut(context.Background()); err == nil {
		t.Error("expected error from failing logout")
	}
	if tokens.Token() != "" {
		t.Error("token should be cleared")
	}
	if !notified.Load() {
		t.Error("subscribers should be notified of the absent session")
	}
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	c, err := NewClient("http://localhost:8080", &memTokens{}, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	var calls int
	stop := c.Subscribe(func(*model.Session) { calls++ })
	c.emit(nil)
	stop()
	c.emit(nil)
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestGateIntegration_RoleClearedOnSignOut(t *testing.T) {
	tokens := &memTokens{}
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/signin", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, model.Session{ID: "tok-9", UserID: "u9", ExpiresAt: time.Now().Add(time.Hour)})
	})
	mux.HandleFunc("/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	c := newTestClient(t, mux, tokens)

	roles := &memRoles{}
	gate := authgate.New(c, roles, authgate.RolePolicyFunc(func(model.Role, string) bool { return true }), nil)
	stop := gate.Watch()
	defer stop()
	if err := gate.RestoreSession(context.Background()); err != nil {
		t.Fatalf("RestoreSession: %v", err)
	}

	if _, err := gate.SignIn(context.Background(), "a@example.com", "secreto123"); err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if err := gate.SelectRole(model.RoleManager, "x"); err != nil {
		t.Fatalf("SelectRole: %v", err)
	}
	if err := gate.SignOut(context.Background()); err != nil {
		t.Fatalf("SignOut: %v", err)
	}
	if st := gate.State(); st.HasSession() || st.Role != model.RoleNone {
		t.Errorf("state after sign out = %+v", st)
	}
	if roles.role != model.RoleNone {
		t.Error("persisted role should be cleared")
	}
}

type memRoles struct{ role model.Role }

func (m *memRoles) LoadRole() (model.Role, error) { return m.role, nil }
func (m *memRoles) SaveRole(r model.Role) error    { m.role = r; return nil }
func (m *memRoles) ClearRole() error               { m.role = model.RoleNone; return nil }
