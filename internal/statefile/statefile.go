// Package statefile はクライアントのローカル状態（ロールとセッショントークン）をJSONファイルに永続化する。
// ロールとセッショントークンは独立したキーとして保存する。
package statefile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/hitoshi/pescadash/internal/model"
)

// FileName は状態ファイル名。
const FileName = "state.json"

type document struct {
	Role         string `json:"role,omitempty"`
	SessionToken string `json:"session_token,omitempty"`
}

// Store は状態ファイルへの読み書きを行う。複数goroutineから安全に使用できる。
type Store struct {
	path string
	mu   sync.Mutex
}

// Open はdir配下の状態ファイルを扱うStoreを返す。ディレクトリがなければ作成する。
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &Store{path: filepath.Join(dir, FileName)}, nil
}

// DefaultDir は既定の状態ディレクトリ（$XDG_CONFIG_HOME/pescadash）を返す。
func DefaultDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "pescadash"), nil
}

// Path は状態ファイルのパスを返す。
func (s *Store) Path() string {
	return s.path
}

// LoadRole は保存済みのロールを返す。未保存または不正な値の場合はRoleNone。
func (s *Store) LoadRole() (model.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read()
	if err != nil {
		return model.RoleNone, err
	}
	if doc.Role == "" {
		return model.RoleNone, nil
	}
	role, err := model.ParseRole(doc.Role)
	if err != nil {
		return model.RoleNone, nil
	}
	return role, nil
}

// SaveRole はロールを保存する。
func (s *Store) SaveRole(role model.Role) error {
	if !role.IsValid() {
		return fmt.Errorf("cannot persist role %q", role)
	}
	return s.update(func(d *document) { d.Role = string(role) })
}

// ClearRole は保存済みのロールを消去する。
func (s *Store) ClearRole() error {
	return s.update(func(d *document) { d.Role = "" })
}

// Token は保存済みのセッショントークンを返す。読み取りに失敗した場合は空文字列。
func (s *Store) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read()
	if err != nil {
		return ""
	}
	return doc.SessionToken
}

// SaveToken はセッショントークンを保存する。
func (s *Store) SaveToken(token string) error {
	return s.update(func(d *document) { d.SessionToken = token })
}

// ClearToken はセッショントークンを消去する。
func (s *Store) ClearToken() error {
	return s.update(func(d *document) { d.SessionToken = "" })
}

func (s *Store) update(fn func(*document)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read()
	if err != nil {
		return err
	}
	fn(&doc)
	return s.write(doc)
}

func (s *Store) read() (document, error) {
	var doc document
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return doc, fmt.Errorf("failed to read state file: %w", err)
	}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return document{}, fmt.Errorf("failed to parse state file: %w", err)
	}
	return doc, nil
}

// write は一時ファイルに書き込んでからリネームする。
func (s *Store) write(doc document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".state-*.json")
	if err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	return nil
}
