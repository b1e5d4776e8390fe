package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はサーバー側（serve/worker/migrate）の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBConnectAttempts int

	// OAuth
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string
	GoogleHostedDomain string // 空でなければこのWorkspaceドメインのアカウントのみ許可
	OAuthStateTTL      time.Duration

	// Session
	SessionMaxAge     int
	PasswordMinLength int

	// Import
	SheetCSVURL        string
	SheetRedirectHosts []string // シートのホスト以外に取得を許可するホスト。"."始まりはサブドメインに一致
	ImportInterval     time.Duration
	ImportTimeout      time.Duration
	ImportMaxSize      int64
	PermitStartRow     int
	CleanupInterval    time.Duration

	// Worker
	WorkerMetricsPort string // 空の場合はワーカーのメトリクスを公開しない

	// Rate Limit
	RateLimitGeneral int
	RateLimitSignIn  int

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigins []string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.GoogleClientID = os.Getenv("GOOGLE_CLIENT_ID")
	if cfg.GoogleClientID == "" {
		missing = append(missing, "GOOGLE_CLIENT_ID")
	}

	cfg.GoogleClientSecret = os.Getenv("GOOGLE_CLIENT_SECRET")
	if cfg.GoogleClientSecret == "" {
		missing = append(missing, "GOOGLE_CLIENT_SECRET")
	}

	cfg.GoogleRedirectURL = os.Getenv("GOOGLE_REDIRECT_URL")
	if cfg.GoogleRedirectURL == "" {
		missing = append(missing, "GOOGLE_REDIRECT_URL")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.GoogleHostedDomain = strings.ToLower(strings.TrimSpace(os.Getenv("GOOGLE_HOSTED_DOMAIN")))
	cfg.DBMaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", 10)
	cfg.DBMaxIdleConns = getEnvInt("DB_MAX_IDLE_CONNS", 5)
	cfg.DBConnMaxLifetime = getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute)
	cfg.DBConnectAttempts = getEnvInt("DB_CONNECT_ATTEMPTS", 5)
	cfg.OAuthStateTTL = getEnvDuration("OAUTH_STATE_TTL", 10*time.Minute)
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 86400)
	cfg.PasswordMinLength = getEnvInt("PASSWORD_MIN_LENGTH", 8)
	cfg.SheetCSVURL = getEnvString("SHEET_CSV_URL", "")
	cfg.SheetRedirectHosts = getEnvList("SHEET_REDIRECT_HOSTS", []string{".googleusercontent.com"})
	cfg.ImportInterval = getEnvDuration("IMPORT_INTERVAL", 60*time.Second)
	cfg.ImportTimeout = getEnvDuration("IMPORT_TIMEOUT", 30*time.Second)
	cfg.ImportMaxSize = getEnvInt64("IMPORT_MAX_SIZE", 52428800)
	cfg.PermitStartRow = getEnvInt("PERMIT_START_ROW", 11136)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", 24*time.Hour)
	cfg.WorkerMetricsPort = getEnvString("WORKER_METRICS_PORT", "9090")
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitSignIn = getEnvInt("RATE_LIMIT_SIGNIN", 10)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigins = getEnvList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173"})

	return cfg, nil
}

// ClientConfig はクライアント側（login/role/view/report など）の設定を保持する。
type ClientConfig struct {
	APIURL            string
	StateDir          string
	LayoutFile        string
	FetchTimeout      time.Duration
	ManagerSecretHash string
	ManagerSecret     string
}

// LoadClient は環境変数からClientConfigを読み込む。
// 管理者シークレット（MANAGER_SECRET_HASHまたはMANAGER_SECRET）は任意で、
// どちらもなければ管理者ロールは選択できない。
func LoadClient() (*ClientConfig, error) {
	cfg := &ClientConfig{
		APIURL:            strings.TrimRight(getEnvString("PESCADASH_API_URL", "http://localhost:8080"), "/"),
		StateDir:          getEnvString("PESCADASH_STATE_DIR", ""),
		LayoutFile:        getEnvString("PESCADASH_LAYOUT", ""),
		FetchTimeout:      getEnvDuration("PESCADASH_FETCH_TIMEOUT", 10*time.Second),
		ManagerSecretHash: os.Getenv("MANAGER_SECRET_HASH"),
		ManagerSecret:     os.Getenv("MANAGER_SECRET"),
	}

	if cfg.FetchTimeout <= 0 {
		return nil, fmt.Errorf("PESCADASH_FETCH_TIMEOUT must be positive")
	}

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// getEnvList はカンマ区切りの値を空要素を除いて分割する。
func getEnvList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
