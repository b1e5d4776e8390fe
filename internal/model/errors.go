package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// 画面に表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, data, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeInvalidCredentials = "INVALID_CREDENTIALS"
	ErrCodeEmailTaken         = "EMAIL_TAKEN"
	ErrCodeWeakPassword       = "WEAK_PASSWORD"
	ErrCodeInvalidEmail       = "INVALID_EMAIL"
	ErrCodeOAuthPending       = "OAUTH_PENDING"
	ErrCodeOAuthStateNotFound = "OAUTH_STATE_NOT_FOUND"
	ErrCodeInvalidDate        = "INVALID_DATE"
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
	ErrCodeUnsupportedIdP     = "UNSUPPORTED_PROVIDER"
	ErrCodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	ErrCodeCSRF               = "CSRF_TOKEN_INVALID"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "Sesión no válida o expirada.",
		Category: "auth",
		Action:   "Inicie sesión nuevamente.",
	}
}

// NewInvalidCredentialsError はメールアドレスまたはパスワード不一致のエラーを生成する。
// どちらが誤っているかは区別しない。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "Correo electrónico o contraseña incorrectos.",
		Category: "auth",
		Action:   "Verifique sus datos e intente nuevamente.",
	}
}

// NewEmailTakenError は登録済みメールアドレスでのサインアップエラーを生成する。
func NewEmailTakenError() *APIError {
	return &APIError{
		Code:     ErrCodeEmailTaken,
		Message:  "El correo electrónico ya está registrado.",
		Category: "auth",
		Action:   "Inicie sesión o utilice otro correo electrónico.",
	}
}

// NewWeakPasswordError はパスワード長不足のエラーを生成する。
func NewWeakPasswordError(minLength int) *APIError {
	return &APIError{
		Code:     ErrCodeWeakPassword,
		Message:  fmt.Sprintf("La contraseña debe tener al menos %d caracteres.", minLength),
		Category: "validation",
		Action:   "Elija una contraseña más larga.",
	}
}

// NewInvalidEmailError はメールアドレス形式不正のエラーを生成する。
func NewInvalidEmailError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidEmail,
		Message:  "El correo electrónico no es válido.",
		Category: "validation",
		Action:   "Ingrese un correo electrónico con formato nombre@dominio.",
	}
}

// NewOAuthPendingError は外部認証がまだ完了していないことを示すエラーを生成する。
func NewOAuthPendingError() *APIError {
	return &APIError{
		Code:     ErrCodeOAuthPending,
		Message:  "La autenticación externa aún no se completó.",
		Category: "auth",
		Action:   "Complete el inicio de sesión en el navegador.",
	}
}

// NewOAuthStateNotFoundError はOAuth stateが存在しないか期限切れの場合のエラーを生成する。
func NewOAuthStateNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeOAuthStateNotFound,
		Message:  "La solicitud de autenticación no existe o expiró.",
		Category: "auth",
		Action:   "Inicie el proceso de autenticación nuevamente.",
	}
}

// NewInvalidDateError は日付パラメータ不正のエラーを生成する。
func NewInvalidDateError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidDate,
		Message:  fmt.Sprintf("Fecha inválida: %s", reason),
		Category: "validation",
		Action:   "Use el formato dd/mm/aaaa y una fecha de inicio anterior a la de fin.",
	}
}

// NewInternalError はサーバー内部エラーを生成する。詳細はログにのみ出力する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "Ocurrió un error interno del servidor.",
		Category: "system",
		Action:   "Intente nuevamente más tarde.",
	}
}

// NewRateLimitError はレート制限超過エラーを生成する。
func NewRateLimitError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimitExceeded,
		Message:  "Demasiadas solicitudes.",
		Category: "system",
		Action:   "Espere unos segundos e intente nuevamente.",
	}
}

// NewCSRFError はCSRFトークン検証失敗のエラーを生成する。
func NewCSRFError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRF,
		Message:  "Token CSRF inválido o ausente.",
		Category: "auth",
		Action:   "Recargue la página e intente nuevamente.",
	}
}

// NewInvalidRequestError はリクエスト本文の形式不正エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("Solicitud inválida: %s", reason),
		Category: "validation",
		Action:   "Revise los datos enviados.",
	}
}

// NewUnsupportedProviderError は未対応の外部IdPが指定された場合のエラーを生成する。
func NewUnsupportedProviderError(provider string) *APIError {
	return &APIError{
		Code:     ErrCodeUnsupportedIdP,
		Message:  fmt.Sprintf("Proveedor de autenticación no soportado: %s", provider),
		Category: "auth",
		Action:   "Utilice Google o correo electrónico y contraseña.",
	}
}
