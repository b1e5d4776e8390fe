package authgate

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthorizationDenied はロールの資格情報が受け入れられなかったことを示す。
	// ロールは変更されず、別の資格情報で再試行できる。
	ErrAuthorizationDenied = errors.New("authgate: authorization denied")
	// ErrNoSession はセッションがない状態でロールを選択しようとしたことを示す。
	ErrNoSession = errors.New("authgate: no session")
	// ErrInvalidRole は選択できないロールが指定されたことを示す。
	ErrInvalidRole = errors.New("authgate: invalid role")
)

// IdentityError は認証プロバイダー呼び出しの失敗を表す。
// メッセージはそのまま利用者に表示してよい。自動で再試行はしない。
type IdentityError struct {
	Op  string
	Err error
}

// Error はerrorインターフェースを実装する。
func (e *IdentityError) Error() string {
	return fmt.Sprintf("identity %s: %v", e.Op, e.Err)
}

// Unwrap は元のエラーを返す。
func (e *IdentityError) Unwrap() error {
	return e.Err
}
