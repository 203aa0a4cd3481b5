package middleware

import (
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	GeneralRate     rate.Limit    // 全般のレート（req/sec）。120/60 = 2 req/sec
	GeneralBurst    int           // 全般のバーストサイズ
	LoginRate       rate.Limit    // ログイン試行のレート（req/sec）。10/60
	LoginBurst      int           // ログイン試行のバーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// 全般 120 req/min/user、ログイン試行 10 req/min/IP。
func DefaultRateLimiterConfig() RateLimiterConfig {
	return NewRateLimiterConfig(120, 10)
}

// NewRateLimiterConfig は1分あたりの上限からレート制限設定を生成する。
func NewRateLimiterConfig(generalPerMinute, loginPerMinute int) RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     rate.Limit(float64(generalPerMinute) / 60.0),
		GeneralBurst:    generalPerMinute,
		LoginRate:       rate.Limit(float64(loginPerMinute) / 60.0),
		LoginBurst:      loginPerMinute,
		CleanupInterval: 5 * time.Minute,
	}
}

// userLimiter はキー（ユーザーIDまたはIP）ごとのレートリミッターとアクセス時刻を保持する。
type userLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter はキーごとのレート制限を管理する。
// 全般のレート制限とログイン試行のレート制限の2種類を提供する。
type RateLimiter struct {
	config RateLimiterConfig

	generalMu       sync.RWMutex
	generalLimiters map[string]*userLimiter

	loginMu       sync.RWMutex
	loginLimiters map[string]*userLimiter

	stopCh chan struct{}
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		config:          config,
		generalLimiters: make(map[string]*userLimiter),
		loginLimiters:   make(map[string]*userLimiter),
		stopCh:          make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
}

// GeneralMiddleware は全般のレート制限ミドルウェアを返す。
// ログイン済みならユーザーID、未ログインならクライアントIPごとに制限する
// （SessionMiddlewareの後に配置）。
func (rl *RateLimiter) GeneralMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, err := UserIDFromContext(r.Context())
			if err != nil {
				key = "ip:" + ClientIP(r)
			}

			limiter := rl.getOrCreateGeneralLimiter(key)

			if !limiter.Allow() {
				writeRateLimitResponse(w, rl.config.GeneralRate)
				slog.Warn("rate limit exceeded",
					slog.String("key", key),
					slog.String("limit_type", "general"),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// LoginMiddleware はログイン試行専用のレート制限ミドルウェアを返す。
// クライアントIPごとに制限し、全般のレート制限とは独立に動作する。
func (rl *RateLimiter) LoginMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r)

			limiter := rl.getOrCreateLoginLimiter(ip)

			if !limiter.Allow() {
				writeRateLimitResponse(w, rl.config.LoginRate)
				slog.Warn("rate limit exceeded",
					slog.String("client_ip", ip),
					slog.String("limit_type", "login"),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP はリクエスト元のIPアドレスを返す。
// プロキシ配下ではchiのRealIPミドルウェアでRemoteAddrを書き換えてから使う。
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// GeneralLimiterCount は現在管理されている全般リミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) GeneralLimiterCount() int {
	rl.generalMu.RLock()
	defer rl.generalMu.RUnlock()
	return len(rl.generalLimiters)
}

// LoginLimiterCount は現在管理されているログイン試行リミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) LoginLimiterCount() int {
	rl.loginMu.RLock()
	defer rl.loginMu.RUnlock()
	return len(rl.loginLimiters)
}

// getOrCreateGeneralLimiter はキーの全般リミッターを取得または作成する。
func (rl *RateLimiter) getOrCreateGeneralLimiter(key string) *rate.Limiter {
	rl.generalMu.RLock()
	ul, exists := rl.generalLimiters[key]
	rl.generalMu.RUnlock()

	if exists {
		rl.generalMu.Lock()
		ul.lastAccess = time.Now()
		rl.generalMu.Unlock()
		return ul.limiter
	}

	rl.generalMu.Lock()
	defer rl.generalMu.Unlock()

	// ダブルチェック
	if ul, exists := rl.generalLimiters[key]; exists {
		ul.lastAccess = time.Now()
		return ul.limiter
	}

	limiter := rate.NewLimiter(rl.config.GeneralRate, rl.config.GeneralBurst)
	rl.generalLimiters[key] = &userLimiter{
		limiter:    limiter,
		lastAccess: time.Now(),
	}

	return limiter
}

// getOrCreateLoginLimiter はIPのログイン試行リミッターを取得または作成する。
func (rl *RateLimiter) getOrCreateLoginLimiter(ip string) *rate.Limiter {
	rl.loginMu.RLock()
	ul, exists := rl.loginLimiters[ip]
	rl.loginMu.RUnlock()

	if exists {
		rl.loginMu.Lock()
		ul.lastAccess = time.Now()
		rl.loginMu.Unlock()
		return ul.limiter
	}

	rl.loginMu.Lock()
	defer rl.loginMu.Unlock()

	// ダブルチェック
	if ul, exists := rl.loginLimiters[ip]; exists {
		ul.lastAccess = time.Now()
		return ul.limiter
	}

	limiter := rate.NewLimiter(rl.config.LoginRate, rl.config.LoginBurst)
	rl.loginLimiters[ip] = &userLimiter{
		limiter:    limiter,
		lastAccess: time.Now(),
	}

	return limiter
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup() {
	ttl := rl.config.CleanupInterval * 2

	now := time.Now()

	rl.generalMu.Lock()
	for key, ul := range rl.generalLimiters {
		if now.Sub(ul.lastAccess) > ttl {
			delete(rl.generalLimiters, key)
		}
	}
	rl.generalMu.Unlock()

	rl.loginMu.Lock()
	for ip, ul := range rl.loginLimiters {
		if now.Sub(ul.lastAccess) > ttl {
			delete(rl.loginLimiters, ip)
		}
	}
	rl.loginMu.Unlock()
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはトークンが補充されるまでの推定秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	// Retry-Afterの算出: 1トークンが補充されるまでの秒数
	retryAfterSec := int(math.Ceil(1.0 / float64(r)))
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	json.NewEncoder(w).Encode(map[string]string{
		"code":     "rate_limit_exceeded",
		"message":  "Too many requests. Please try again later.",
		"category": "system",
		"action":   "Please wait and retry after the specified time.",
	})
}
