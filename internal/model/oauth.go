package model

import "time"

// OAuthState は外部IdPでのサインイン途中の状態を表す。
// コールバック完了時にSessionIDが設定され、CLIクライアントはstateでポーリングしてセッションを受け取る。
type OAuthState struct {
	State     string
	Provider  string
	SessionID string // 未完了の場合は空
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Completed はコールバックが完了しセッションが発行済みかどうかを返す。
func (s *OAuthState) Completed() bool {
	return s.SessionID != ""
}
