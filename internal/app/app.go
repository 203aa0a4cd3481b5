package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/raspberry/internal/auth"
	"github.com/hitoshi/raspberry/internal/chat"
	"github.com/hitoshi/raspberry/internal/config"
	"github.com/hitoshi/raspberry/internal/database"
	"github.com/hitoshi/raspberry/internal/handler"
	"github.com/hitoshi/raspberry/internal/identity"
	"github.com/hitoshi/raspberry/internal/inflight"
	"github.com/hitoshi/raspberry/internal/logger"
	"github.com/hitoshi/raspberry/internal/metrics"
	"github.com/hitoshi/raspberry/internal/middleware"
	"github.com/hitoshi/raspberry/internal/repository"
	"github.com/hitoshi/raspberry/internal/security"
	"github.com/hitoshi/raspberry/internal/worker/cleanup"
)

// Init はアプリケーションの初期化を行う。
// .envと環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. .envがあれば未設定の環境変数を補う
	if err := config.LoadDotEnv(); err != nil {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	// 3. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 4. ログレベルを反映する
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		slog.Warn("invalid LOG_LEVEL, keeping default",
			slog.String("log_level", cfg.LogLevel),
			slog.String("error", err.Error()),
		)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, err := ParseCommand(args)
	if err != nil {
		return err
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
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

// sessionSweepInterval は期限切れセッションを検出する間隔。
const sessionSweepInterval = 30 * time.Second

// services はrunServeで組み立てる依存関係。
type services struct {
	auth     *auth.Service
	flow     *chat.Flow
	board    *chat.Board
	hub      *handler.EventHub
	registry *prometheus.Registry
	limiter  *middleware.RateLimiter
	router   http.Handler
}

// buildServices は設定とセッションストアから全依存関係をワイヤリングする。
// 戻り値の関数はセッション変化の購読を解除し、バックグラウンド処理を止める。
func buildServices(cfg *config.Config, sessionRepo repository.SessionRepository, health handler.HealthChecker) (*services, func(), error) {
	warnSameOriginAPIBase(slog.Default(), cfg)

	// 1. 外部呼び出し用HTTPクライアント
	egress := security.NewEgressGuard()
	idpClient := egress.NewSafeClient(cfg.IdentityTimeout)
	chatHTTPClient, err := egress.ClientFor(cfg.APIBase, cfg.ChatTimeout)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid API_BASE: %w", err)
	}

	// 2. 認証
	idp := identity.NewClient(idpClient, slog.Default(), identity.Config{APIKey: cfg.FirebaseAPIKey})
	oauthProvider := auth.NewGoogleOAuthProvider(auth.GoogleOAuthConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
		HTTPClient:   idpClient,
	})
	authService := auth.NewService(idp, oauthProvider, sessionRepo, auth.NewNotifier(), auth.ServiceConfig{
		SessionMaxAge:    cfg.SessionMaxAge,
		TokenRefreshSkew: cfg.TokenRefreshSkew,
		RequestURI:       cfg.GoogleRedirectURL,
	})

	// 3. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(registry)
	authService.SetMetrics(collector)

	// 4. チャット
	board := chat.NewBoard()
	flow := chat.NewFlow(authService, chat.NewClient(chatHTTPClient, slog.Default(), cfg.APIBase), board, inflight.New())
	flow.SetMetrics(collector)

	// 5. セッション変化の購読（登録順に配信される）
	hub := handler.NewEventHub(cfg.BaseURL)
	unsubscribers := []func(){
		authService.Subscribe(collector.HandleSessionEvent),
		authService.Subscribe(board.HandleEvent),
		authService.Subscribe(hub.HandleEvent),
		authService.Subscribe(auditSessionEvent),
	}

	// 期限を迎えたセッションの終了を購読者に知らせる
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go authService.StartExpirySweep(sweepCtx, sessionSweepInterval)

	// 6. ルーター
	limiter := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitLogin))
	router := handler.NewRouter(&handler.RouterDeps{
		StateResolver: authService,
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       limiter,
		Logger:            slog.Default(),

		AuthService: authService,
		AuthConfig: handler.AuthHandlerConfig{
			BaseURL:       cfg.BaseURL,
			CookieDomain:  cfg.CookieDomain,
			CookieSecure:  cfg.CookieSecure,
			SessionMaxAge: cfg.SessionMaxAge,
		},
		LoginGuard: inflight.New(),

		ChatFlow: flow,
		EventHub: hub,

		HealthChecker:  health,
		MetricsHandler: metrics.Handler(registry),
	})

	shutdown := func() {
		stopSweep()
		for _, unsubscribe := range unsubscribers {
			unsubscribe()
		}
		hub.Close()
		limiter.Stop()
	}

	return &services{
		auth:     authService,
		flow:     flow,
		board:    board,
		hub:      hub,
		registry: registry,
		limiter:  limiter,
		router:   router,
	}, shutdown, nil
}

// warnSameOriginAPIBase はAPI_BASEが未設定の場合に警告する。
// このサーバーは/chatを持たないため、同じオリジンのままでは送信がすべて失敗する。
func warnSameOriginAPIBase(log *slog.Logger, cfg *config.Config) {
	if !cfg.APIBaseDefaulted {
		return
	}
	log.Warn("API_BASE is not set, chat requests will be sent to BASE_URL",
		slog.String("api_base", cfg.APIBase),
	)
}

// auditSessionEvent はセッション状態の変化を監査ログに残す。
func auditSessionEvent(e auth.Event) {
	slog.Info("session event",
		slog.String("type", string(e.Type)),
		slog.String("user_id", e.UserID),
		slog.Time("at", e.At),
	)
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続（セッション解決はリクエストごとに走るためプールを設定する）
	db, err := database.Open(cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established",
		slog.Int("max_open_conns", cfg.DBMaxOpenConns),
	)

	// 2. 依存関係の構築
	svc, shutdown, err := buildServices(cfg, repository.NewPostgresSessionRepo(db), db)
	if err != nil {
		return err
	}

	// 3. HTTPサーバーの起動
	// WriteTimeoutは補完サービスの応答待ちより長くする
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      svc.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.ChatTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}
	// WebSocket接続はShutdownの対象外なので明示的に閉じる
	server.RegisterOnShutdown(shutdown)

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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

// runWorker はワーカーモードで起動する。
// DB接続を開き、期限切れセッションのクリーンアップを定期実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続（DELETEを1本ずつ流すだけなので接続は1つで足りる）
	db, err := database.Open(cfg.DatabaseURL, database.PoolConfig{MaxOpenConns: 1, MaxIdleConns: 1})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	// 2. クリーンアップジョブの初期化
	cleanupJob := cleanup.NewCleanupJob(db, slog.Default())
	cleanupJob.GraceHours = cfg.CleanupGraceHours

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
		slog.Int("grace_hours", cfg.CleanupGraceHours),
	)

	// クリーンアップジョブをメインgoroutineで実行（ブロッキング）
	cleanupJob.Start(ctx, cfg.CleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := database.SchemaVersion(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	if dirty {
		return fmt.Errorf("migration failed: schema version %d is dirty", version)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("schema_version", uint64(version)),
	)
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

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
