package apiclient

import (
	"fmt"
)

// ErrorKind はNetworkErrorの原因区分。
type ErrorKind string

const (
	KindTransport ErrorKind = "transport"
	KindTimeout   ErrorKind = "timeout"
	KindStatus    ErrorKind = "status"
	KindDecode    ErrorKind = "decode"
)

// NetworkError はメトリクスAPI呼び出しの失敗を表す。
// 購読側ではFailed状態として扱い、次の周期で再試行する。
type NetworkError struct {
	Endpoint   string
	Kind       ErrorKind
	StatusCode int    // KindStatusの場合のみ
	Code       string // サーバーが返したエラーコード
	Message    string // サーバーが返したメッセージ
	Err        error
}

// Error はerrorインターフェースを実装する。
func (e *NetworkError) Error() string {
	switch e.Kind {
	case KindStatus:
		if e.Code != "" {
			return fmt.Sprintf("%s: HTTP %d [%s] %s", e.Endpoint, e.StatusCode, e.Code, e.Message)
		}
		return fmt.Sprintf("%s: HTTP %d", e.Endpoint, e.StatusCode)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Endpoint, e.Kind, e.Err)
	}
}

// Unwrap は元のエラーを返す。
func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Unauthorized はセッションが無効と判定されたかを返す。
func (e *NetworkError) Unauthorized() bool {
	return e.Kind == KindStatus && e.StatusCode == 401
}
