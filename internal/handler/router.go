package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/raspberry/internal/inflight"
	"github.com/hitoshi/raspberry/internal/middleware"
)

// HealthChecker はヘルスチェック用にDB接続を確認する。*sql.DBが実装する。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	StateResolver     middleware.StateResolver
	CSRFConfig        middleware.CSRFConfig
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig
	LoginGuard  *inflight.Guard

	// チャット
	ChatFlow ChatFlow
	EventHub *EventHub

	// 運用
	HealthChecker  HealthChecker
	MetricsHandler http.Handler
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → Session → Logging
//
// 画面とフォーム送信はCSRFミドルウェアの内側に置く。
// トップページだけがルートガードの内側にあり、/askと/api/askはセッションを解決するが
// リダイレクトはしない。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewSessionMiddleware(deps.StateResolver))
	r.Use(middleware.NewLoggingMiddleware(logger))

	authHandler := NewAuthHandler(deps.AuthService, deps.LoginGuard, deps.AuthConfig)
	chatHandler := NewChatHandler(deps.ChatFlow)

	// --- 運用エンドポイント ---
	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}
	r.Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig))

	// --- 画面とフォーム送信 ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))

		// ログイン（送信はIPごとのレート制限付き）
		r.Get(loginPath, authHandler.LoginPage)
		r.With(deps.RateLimiter.LoginMiddleware()).Post(loginPath, authHandler.SubmitLogin)

		r.Route("/auth", func(r chi.Router) {
			r.Get("/google/login", authHandler.GoogleLogin)
			r.With(deps.RateLimiter.LoginMiddleware()).Get("/google/callback", authHandler.Callback)
			r.Get("/me", authHandler.Me)
			if deps.EventHub != nil {
				r.Method(http.MethodGet, "/events", deps.EventHub)
			}
		})
		r.Post("/logout", authHandler.Logout)

		// ランディング兼チャット画面（ルートガード付き）
		r.With(middleware.NewRouteGuard(loginPath)).Get("/", chatHandler.Home)

		r.With(deps.RateLimiter.GeneralMiddleware()).Post("/ask", chatHandler.Ask)
	})

	// --- JSON API ---
	// ミドルウェアスタック: CORS → RateLimit(General) → CSRF
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
		r.Use(deps.RateLimiter.GeneralMiddleware())
		r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))

		r.Post("/api/ask", chatHandler.APIAsk)
		// プリフライトはCORSミドルウェアが204で応答する
		r.Options("/api/ask", func(w http.ResponseWriter, r *http.Request) {})
	})

	return r
}

// healthHandler はDB接続を確認するヘルスチェックハンドラーを返す。
// GET /health
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				w.WriteHeader(http.StatusServiceUnavailable)
				json.NewEncoder(w).Encode(map[string]string{"status": "unavailable"})
				return
			}
		}

		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}
