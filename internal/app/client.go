package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/pflag"

	"github.com/hitoshi/pescadash/internal/apiclient"
	"github.com/hitoshi/pescadash/internal/authgate"
	"github.com/hitoshi/pescadash/internal/config"
	"github.com/hitoshi/pescadash/internal/dashboard"
	"github.com/hitoshi/pescadash/internal/identity"
	"github.com/hitoshi/pescadash/internal/model"
	"github.com/hitoshi/pescadash/internal/report"
	"github.com/hitoshi/pescadash/internal/routeguard"
	"github.com/hitoshi/pescadash/internal/statefile"
)

// reportPath はレポート作成画面のパス。
const reportPath = "/reportes"

// ErrRedirected は要求した画面が認可状態により別の画面へ振り替えられたことを示す。
var ErrRedirected = errors.New("navigation redirected")

// clientFlags は全クライアント側コマンド共通のフラグ。
type clientFlags struct {
	apiURL   string
	stateDir string
	layout   string
}

// clientDeps はクライアント側コマンドが共有する依存関係。
type clientDeps struct {
	cfg    *config.ClientConfig
	logger *slog.Logger
	out    io.Writer

	state    *statefile.Store
	identity *identity.Client
	api      *apiclient.Client
	gate     *authgate.Gate
	guard    *routeguard.Guard
	layout   *dashboard.Layout
}

type clientRunner func(ctx context.Context, d *clientDeps) error

// runClient はクライアント側コマンドのフラグを解析して実行する。
func runClient(ctx context.Context, cmd Command, args []string, out io.Writer) error {
	cfg, err := config.LoadClient()
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	fs := pflag.NewFlagSet(string(cmd), pflag.ContinueOnError)
	var flags clientFlags
	fs.StringVar(&flags.apiURL, "api-url", cfg.APIURL, "ダッシュボードAPIのURL")
	fs.StringVar(&flags.stateDir, "state-dir", cfg.StateDir, "ロールとセッションを保存するディレクトリ")
	fs.StringVar(&flags.layout, "layout", cfg.LayoutFile, "画面構成のYAMLファイル")

	var run clientRunner
	switch cmd {
	case CommandLogin:
		run = loginCommand(fs)
	case CommandSignup:
		run = signupCommand(fs)
	case CommandLogout:
		run = logoutCommand(fs)
	case CommandRole:
		run = roleCommand(fs)
	case CommandView:
		run = viewCommand(fs)
	case CommandReport:
		run = reportCommand(fs)
	default:
		return fmt.Errorf("unknown client command %q", cmd)
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	d, err := newClientDeps(cfg, flags, out)
	if err != nil {
		return err
	}
	stopWatch := d.gate.Watch()
	defer stopWatch()

	return run(ctx, d)
}

func newClientDeps(cfg *config.ClientConfig, flags clientFlags, out io.Writer) (*clientDeps, error) {
	logger := slog.Default()

	dir := flags.stateDir
	if dir == "" {
		var err error
		if dir, err = statefile.DefaultDir(); err != nil {
			return nil, fmt.Errorf("failed to resolve state directory: %w", err)
		}
	}
	store, err := statefile.Open(dir)
	if err != nil {
		return nil, err
	}

	layout, err := dashboard.LoadLayout(flags.layout)
	if err != nil {
		return nil, err
	}

	policy, err := rolePolicy(cfg, logger)
	if err != nil {
		return nil, err
	}

	idc, err := identity.NewClient(flags.apiURL, store, logger)
	if err != nil {
		return nil, err
	}
	api, err := apiclient.NewClient(flags.apiURL, &http.Client{Timeout: cfg.FetchTimeout}, store, logger)
	if err != nil {
		return nil, err
	}

	guard := routeguard.New()
	guard.ManagerOnly = layout.ManagerOnlyPaths()

	return &clientDeps{
		cfg:      cfg,
		logger:   logger,
		out:      out,
		state:    store,
		identity: idc,
		api:      api,
		gate:     authgate.New(idc, store, policy, logger),
		guard:    guard,
		layout:   layout,
	}, nil
}

// rolePolicy は管理者シークレットの設定からRolePolicyを選ぶ。
func rolePolicy(cfg *config.ClientConfig, logger *slog.Logger) (authgate.RolePolicy, error) {
	hash := cfg.ManagerSecretHash
	if hash == "" && cfg.ManagerSecret == "" {
		logger.Debug("manager secret not configured, manager role disabled")
		return authgate.CommonOnlyPolicy, nil
	}
	if hash == "" {
		var err error
		if hash, err = authgate.HashSecret(cfg.ManagerSecret); err != nil {
			return nil, err
		}
	}
	policy, err := authgate.NewSharedSecretPolicy(hash)
	if err != nil {
		return nil, err
	}
	return policy, nil
}

func (d *clientDeps) printf(format string, args ...any) {
	fmt.Fprintf(d.out, format, args...)
}

// printNext はホーム画面への遷移判定から次に必要な操作を表示する。
func (d *clientDeps) printNext() {
	decision := d.guard.Decide(d.gate.State(), routeguard.DefaultHomePath)
	if decision.Kind == routeguard.Redirect && decision.Target == d.guard.RoleSelectionPath {
		d.printf("Seleccione un rol: pescadash role comun | pescadash role gestor --secret ...\n")
	}
}

// navigate はセッションを復元してpathへの遷移を判定する。Allow以外はErrRedirectedを返す。
func (d *clientDeps) navigate(ctx context.Context, path string) error {
	if err := d.gate.RestoreSession(ctx); err != nil {
		d.logger.Warn("continuing without session", slog.String("error", err.Error()))
	}
	decision := d.guard.Decide(d.gate.State(), path)
	d.logger.Debug("route decision",
		slog.String("path", path),
		slog.String("decision", decision.Kind.String()),
		slog.String("target", decision.Target),
	)
	if decision.Kind != routeguard.Allow {
		d.printf("Acceso a %s redirigido a %s\n", path, decision.Target)
		return fmt.Errorf("%w: %s -> %s", ErrRedirected, path, decision.Target)
	}
	return nil
}

func loginCommand(fs *pflag.FlagSet) clientRunner {
	email := fs.String("email", "", "メールアドレス")
	password := fs.String("password", "", "パスワード（未指定時はPESCADASH_PASSWORD）")
	provider := fs.String("provider", "", "外部プロバイダー（google）でサインインする")
	wait := fs.Duration("wait", 5*time.Minute, "外部プロバイダーでの完了を待つ時間")

	return func(ctx context.Context, d *clientDeps) error {
		if *provider != "" {
			return d.loginExternal(ctx, *provider, *wait)
		}
		pw := *password
		if pw == "" {
			pw = os.Getenv("PESCADASH_PASSWORD")
		}
		if *email == "" || pw == "" {
			return errors.New("--email and --password are required")
		}

		session, err := d.gate.SignIn(ctx, *email, pw)
		if err != nil {
			return err
		}
		d.printf("Sesión iniciada como %s\n", session.Email)
		d.printNext()
		return nil
	}
}

// loginExternal は外部プロバイダーのログインURLを表示し、セッションが届くまで待つ。
func (d *clientDeps) loginExternal(ctx context.Context, provider string, wait time.Duration) error {
	established := make(chan struct{})
	var once sync.Once
	d.gate.OnChange(func(s model.AuthState) {
		if s.HasSession() {
			once.Do(func() { close(established) })
		}
	})

	loginURL, err := d.gate.SignInWithExternalProvider(ctx, provider)
	if err != nil {
		return err
	}
	d.printf("Abra esta URL en su navegador para continuar:\n%s\n", loginURL)

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-established:
		d.printf("Sesión iniciada como %s\n", d.gate.State().Session.Email)
		d.printNext()
		return nil
	case <-timer.C:
		return errors.New("external sign-in was not completed in time")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func signupCommand(fs *pflag.FlagSet) clientRunner {
	email := fs.String("email", "", "メールアドレス")
	password := fs.String("password", "", "パスワード（未指定時はPESCADASH_PASSWORD）")

	return func(ctx context.Context, d *clientDeps) error {
		pw := *password
		if pw == "" {
			pw = os.Getenv("PESCADASH_PASSWORD")
		}
		if *email == "" || pw == "" {
			return errors.New("--email and --password are required")
		}

		session, err := d.gate.SignUp(ctx, *email, pw)
		if err != nil {
			return err
		}
		if session == nil {
			d.printf("Registro recibido. Confirme su correo antes de iniciar sesión.\n")
			return nil
		}
		d.printf("Cuenta creada. Sesión iniciada como %s\n", session.Email)
		d.printNext()
		return nil
	}
}

func logoutCommand(_ *pflag.FlagSet) clientRunner {
	return func(ctx context.Context, d *clientDeps) error {
		if err := d.gate.RestoreSession(ctx); err != nil {
			d.logger.Warn("session restore failed before logout", slog.String("error", err.Error()))
		}
		err := d.gate.SignOut(ctx)
		d.printf("Sesión cerrada\n")
		return err
	}
}

func roleCommand(fs *pflag.FlagSet) clientRunner {
	secret := fs.String("secret", "", "管理者ロールの共有シークレット（未指定時はPESCADASH_ROLE_SECRET）")

	return func(ctx context.Context, d *clientDeps) error {
		if fs.NArg() != 1 {
			return errors.New("usage: role comun|gestor [--secret ...]")
		}
		role, err := model.ParseRole(fs.Arg(0))
		if err != nil {
			return err
		}
		credential := *secret
		if credential == "" {
			credential = os.Getenv("PESCADASH_ROLE_SECRET")
		}

		if err := d.gate.RestoreSession(ctx); err != nil {
			return err
		}
		if err := d.gate.SelectRole(role, credential); err != nil {
			if errors.Is(err, authgate.ErrAuthorizationDenied) {
				d.printf("Clave incorrecta\n")
			}
			return err
		}
		d.printf("Rol seleccionado: %s\n", role)
		return nil
	}
}

// updateLine はviewコマンドが1行ずつ出力するウィジェットの状態。
type updateLine struct {
	View    string `json:"view"`
	Widget  string `json:"widget"`
	Status  string `json:"status"`
	Value   any    `json:"value,omitempty"`
	Message string `json:"message,omitempty"`
	Seq     uint64 `json:"seq"`
}

func viewCommand(fs *pflag.FlagSet) clientRunner {
	path := fs.String("path", routeguard.DefaultHomePath, "表示する画面のパス")
	duration := fs.Duration("duration", 0, "表示を続ける時間（0はシグナルを受けるまで）")

	return func(ctx context.Context, d *clientDeps) error {
		if err := d.navigate(ctx, *path); err != nil {
			return err
		}
		board := dashboard.NewBoard(d.layout, d.api, d.cfg.FetchTimeout, d.logger)
		view, ok := board.Layout().View(*path)
		if !ok {
			return fmt.Errorf("unknown view %q", *path)
		}
		if view.ReportBuilder {
			return fmt.Errorf("view %q builds reports: use the report command", *path)
		}

		if *duration > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, *duration)
			defer cancel()
		}
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		// セッションやロールが変わって画面を表示できなくなったら終了する
		d.gate.OnChange(func(s model.AuthState) {
			if d.guard.Decide(s, view.Path).Kind != routeguard.Allow {
				d.logger.Info("view no longer allowed", slog.String("view", view.Path))
				cancel()
			}
		})

		var mu sync.Mutex
		enc := json.NewEncoder(d.out)
		unmount, err := board.Mount(ctx, view, func(u dashboard.Update) {
			mu.Lock()
			defer mu.Unlock()
			line := updateLine{
				View:    u.View,
				Widget:  u.Widget.ID,
				Status:  u.Status.String(),
				Value:   u.Value,
				Message: u.Message,
				Seq:     u.Seq,
			}
			if err := enc.Encode(line); err != nil {
				d.logger.Warn("failed to write widget update", slog.String("error", err.Error()))
			}
		})
		if err != nil {
			return err
		}
		defer unmount()

		<-ctx.Done()
		return nil
	}
}

func reportCommand(fs *pflag.FlagSet) clientRunner {
	start := fs.String("start", "", "開始日 dd/mm/yyyy（既定はシーズン開始日）")
	end := fs.String("end", "", "終了日 dd/mm/yyyy（既定は当日）")
	metricNames := fs.StringSlice("metrics", nil, "取得する指標（既定は全指標）")
	outPath := fs.String("out", "", "出力先ファイル（未指定時は標準出力）")

	return func(ctx context.Context, d *clientDeps) error {
		if err := d.navigate(ctx, reportPath); err != nil {
			return err
		}

		startDate := *start
		if startDate == "" {
			startDate = d.layout.SeasonStart
		}
		endDate := *end
		if endDate == "" {
			endDate = time.Now().Format(model.DateLayout)
		}
		rng, err := model.ParseDateRange(startDate, endDate)
		if err != nil {
			return err
		}

		kinds := make([]model.MetricKind, 0, len(*metricNames))
		for _, name := range *metricNames {
			kind, err := model.ParseMetricKind(strings.TrimSpace(name))
			if err != nil {
				return err
			}
			kinds = append(kinds, kind)
		}
		req, err := report.NewRequest(rng, kinds...)
		if err != nil {
			return err
		}

		runner := report.NewRunner(report.NewAggregator(d.api, d.cfg.FetchTimeout, d.logger))
		rep, err := runner.Submit(ctx, req)
		if err != nil {
			return err
		}
		if !rep.CrossCheck().OK() {
			d.logger.Warn("report totals do not match",
				slog.String("range", rng.String()),
				slog.Any("cross_check", rep.CrossCheck()),
			)
		}

		data, err := json.MarshalIndent(rep, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode report: %w", err)
		}
		data = append(data, '\n')

		if *outPath == "" {
			_, err = d.out.Write(data)
			return err
		}
		if err := os.WriteFile(*outPath, data, 0o644); err != nil {
			return fmt.Errorf("failed to write report: %w", err)
		}
		d.printf("Reporte guardado en %s (generado %s, digest %s)\n",
			*outPath, rep.GeneratedAt().Format(time.RFC3339), rep.Digest())
		return nil
	}
}
