// Package model はドメインモデルを定義する。
package model

import "time"

// User はダッシュボード利用ユーザーを表す。
type User struct {
	ID        string
	Email     string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// 認証プロバイダー名
const (
	ProviderPassword = "password"
	ProviderGoogle   = "google"
)

// Identity は認証手段（パスワードまたは外部IdP）との紐付け情報を表す。
// パスワード認証の場合はProviderUserIDにメールアドレス、SecretHashにbcryptハッシュを保持する。
type Identity struct {
	ID             string
	UserID         string
	Provider       string
	ProviderUserID string
	SecretHash     string
	CreatedAt      time.Time
}

// Session はユーザーのログインセッションを表す。
// IDは不透明なセッショントークンそのもので、クライアントはこれをBearerトークンとして送信する。
type Session struct {
	ID        string    `json:"token"`
	UserID    string    `json:"user_id"`
	Email     string    `json:"email,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Expired は指定時刻の時点でセッションが期限切れかどうかを返す。
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}
