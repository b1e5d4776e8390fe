package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/pescadash/internal/auth"
	"github.com/hitoshi/pescadash/internal/config"
	"github.com/hitoshi/pescadash/internal/database"
	"github.com/hitoshi/pescadash/internal/handler"
	"github.com/hitoshi/pescadash/internal/logger"
	"github.com/hitoshi/pescadash/internal/metrics"
	"github.com/hitoshi/pescadash/internal/middleware"
	"github.com/hitoshi/pescadash/internal/model"
	"github.com/hitoshi/pescadash/internal/permit"
	"github.com/hitoshi/pescadash/internal/repository"
	"github.com/hitoshi/pescadash/internal/security"
	"github.com/hitoshi/pescadash/internal/worker/cleanup"
	"github.com/hitoshi/pescadash/internal/worker/importer"
)

// Init はサーバー側コマンドの初期化を行う。
// JSON構造化ログをセットアップし、環境変数からConfigを読み込む。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// argsにはos.Args[1:]を渡す。wはログの出力先、outはクライアント側コマンドの結果の出力先。
func Run(w io.Writer, args []string) error {
	return RunWithOutput(w, os.Stdout, args)
}

// RunWithOutput はRunと同じだが、クライアント側コマンドの出力先を指定できる。
func RunWithOutput(w, out io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	if cmd == CommandHelp {
		return writeUsage(out)
	}

	if cmd.IsClient() {
		logger.SetupDefault(w)
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runClient(ctx, cmd, args[1:], out)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// runServe は認証サーバーとメトリクスAPIを提供するHTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	// 2. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	identRepo := repository.NewPostgresIdentityRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	stateRepo := repository.NewPostgresOAuthStateRepo(db)
	permitRepo := repository.NewPostgresPermitRepo(db)

	// 3. ドメインサービスの初期化
	googleProvider := auth.NewGoogleOAuthProvider(auth.GoogleOAuthConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
		HostedDomain: cfg.GoogleHostedDomain,
	})
	authService := auth.NewService(
		map[string]auth.OAuthProvider{model.ProviderGoogle: googleProvider},
		userRepo, identRepo, sessionRepo, stateRepo,
		auth.ServiceConfig{
			SessionMaxAge:     cfg.SessionMaxAge,
			PasswordMinLength: cfg.PasswordMinLength,
			OAuthStateTTL:     cfg.OAuthStateTTL,
		},
	)
	permitService := permit.NewService(permitRepo, permit.ServiceConfig{StartRow: cfg.PermitStartRow})

	// 4. メトリクス
	registry := newRegistry(db)
	collector := metrics.NewCollector(registry)

	// 5. ルーターの構築（req/min設定をreq/secに変換する）
	rateLimiter := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitSignIn))
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		Logger:             slog.Default(),
		SessionFinder:      sessionRepo,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		RateLimiter:        rateLimiter,
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},

		HealthChecker: db,
		Metrics:       collector,
		Gatherer:      registry,

		AuthService: authService,
		AuthConfig: handler.AuthHandlerConfig{
			BaseURL:           cfg.BaseURL,
			CookieDomain:      cfg.CookieDomain,
			CookieSecure:      cfg.CookieSecure,
			SessionMaxAge:     cfg.SessionMaxAge,
			PasswordMinLength: cfg.PasswordMinLength,
		},

		MetricsService: permitService,
	}

	router := handler.NewRouter(deps)

	// 6. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はシート取り込みワーカーを起動する。
// 取り込みスケジューラと期限切れ認証データのクリーンアップを実行し、
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	if cfg.SheetCSVURL == "" {
		return fmt.Errorf("SHEET_CSV_URL is required for the worker")
	}
	sheetURL, err := url.Parse(cfg.SheetCSVURL)
	if err != nil || sheetURL.Hostname() == "" {
		return fmt.Errorf("invalid SHEET_CSV_URL: %q", cfg.SheetCSVURL)
	}

	// 1. DB接続
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	// 2. リポジトリの初期化
	sourceRepo := repository.NewPostgresImportSourceRepo(db)
	permitRepo := repository.NewPostgresPermitRepo(db)

	// 3. セキュリティサービスの初期化（取得先はシートのホストのみ許可）
	ssrfGuard := security.NewSSRFGuard(append([]string{sheetURL.Hostname()}, cfg.SheetRedirectHosts...)...)
	sanitizer := security.NewCellSanitizer()

	// 4. メトリクス
	registry := newRegistry(db)
	collector := metrics.NewCollector(registry)

	// 5. インポーターとスケジューラの初期化
	imp := importer.NewImporter(
		sourceRepo, permit.NewStore(db, permitRepo), ssrfGuard, sanitizer,
		collector, slog.Default(),
		importer.Config{
			Interval:    cfg.ImportInterval,
			Timeout:     cfg.ImportTimeout,
			MaxBodySize: cfg.ImportMaxSize,
		},
	)
	scheduler := importer.NewScheduler(sourceRepo, imp, slog.Default(), 0)
	cleanupJob := cleanup.NewCleanupJob(db, slog.Default())

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	src, err := imp.Prepare(ctx, cfg.SheetCSVURL)
	if err != nil {
		return fmt.Errorf("failed to register import source: %w", err)
	}

	slog.Info("worker starting",
		slog.String("source_id", src.ID),
		slog.String("sheet_host", sheetURL.Hostname()),
		slog.Duration("import_interval", cfg.ImportInterval),
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
	)

	if cfg.WorkerMetricsPort != "" {
		metricsServer := &http.Server{
			Addr:              ":" + cfg.WorkerMetricsPort,
			Handler:           metrics.SetupMetricsRoute(registry),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server error", slog.String("error", err.Error()))
			}
		}()
		defer metricsServer.Close()
	}

	// クリーンアップジョブをバックグラウンドで定期実行
	go cleanupJob.Start(ctx, cfg.CleanupInterval)

	// 取り込みスケジューラをメインgoroutineで実行（ブロッキング）
	scheduler.Start(ctx, cfg.ImportInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// openDatabase はプール設定付きでDBを開き、応答するまで待つ。
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := database.OpenWithPool(cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := database.WaitReady(context.Background(), db, cfg.DBConnectAttempts, 2*time.Second); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.Migrate(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// newRegistry はプロセス、Goランタイム、コネクションプールのコレクタを登録したレジストリを返す。
func newRegistry(db *sql.DB) *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewDBStatsCollector(db, "pescadash"),
	)
	return registry
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	hasUser := u.User != nil
	u.User = nil
	u.RawQuery = ""
	s := u.String()
	if hasUser {
		// url.Userは"*"をエスケープするため文字列で差し込む
		s = strings.Replace(s, "://", "://***@", 1)
	}
	return s
}
