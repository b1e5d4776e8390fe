package auth

import "errors"

// 認証サービスが返すエラー。ハンドラーでAPIErrorに変換する。
var (
	ErrInvalidCredentials  = errors.New("invalid email or password")
	ErrEmailTaken          = errors.New("email already registered")
	ErrWeakPassword        = errors.New("password too short")
	ErrInvalidEmail        = errors.New("invalid email address")
	ErrSessionNotFound     = errors.New("session not found or expired")
	ErrUnsupportedProvider = errors.New("unsupported identity provider")
	ErrStateNotFound       = errors.New("oauth state not found or expired")
	ErrOAuthPending        = errors.New("oauth sign-in not completed yet")
)
