package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	// Identity provider
	FirebaseAPIKey  string
	IdentityTimeout time.Duration

	// OAuth
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	// Session
	SessionMaxAge    int
	TokenRefreshSkew time.Duration

	// Completion service
	APIBase     string
	ChatTimeout time.Duration
	// APIBaseDefaulted はAPI_BASEが未設定でBASE_URLを流用したことを表す
	APIBaseDefaulted bool

	// Rate Limit
	RateLimitGeneral int
	RateLimitLogin   int

	// Cleanup
	CleanupInterval   time.Duration
	CleanupGraceHours int

	// Logging
	LogLevel string

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string
}

// LoadDotEnv は.envファイルがあれば読み込み、未設定の環境変数を補う。
// 既に設定されている環境変数は上書きしない。ファイルがない場合は何もしない。
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}

	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to stat %s: %w", p, err)
		}
	}
	if len(existing) == 0 {
		return nil
	}

	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
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

	cfg.FirebaseAPIKey = os.Getenv("FIREBASE_API_KEY")
	if cfg.FirebaseAPIKey == "" {
		missing = append(missing, "FIREBASE_API_KEY")
	}

	cfg.GoogleClientID = os.Getenv("GOOGLE_CLIENT_ID")
	if cfg.GoogleClientID == "" {
		missing = append(missing, "GOOGLE_CLIENT_ID")
	}

	cfg.GoogleClientSecret = os.Getenv("GOOGLE_CLIENT_SECRET")
	if cfg.GoogleClientSecret == "" {
		missing = append(missing, "GOOGLE_CLIENT_SECRET")
	}

	cfg.BaseURL = strings.TrimRight(os.Getenv("BASE_URL"), "/")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.DBMaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", 10)
	cfg.DBMaxIdleConns = getEnvInt("DB_MAX_IDLE_CONNS", 5)
	cfg.DBConnMaxLifetime = getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute)
	cfg.GoogleRedirectURL = getEnvString("GOOGLE_REDIRECT_URL", cfg.BaseURL+"/auth/google/callback")
	cfg.IdentityTimeout = getEnvDuration("IDENTITY_TIMEOUT", 10*time.Second)
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 30*86400)
	cfg.TokenRefreshSkew = getEnvDuration("TOKEN_REFRESH_SKEW", 5*time.Minute)
	cfg.APIBase = strings.TrimRight(getEnvString("API_BASE", cfg.BaseURL), "/")
	cfg.APIBaseDefaulted = os.Getenv("API_BASE") == ""
	cfg.ChatTimeout = getEnvDuration("CHAT_TIMEOUT", 60*time.Second)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitLogin = getEnvInt("RATE_LIMIT_LOGIN", 10)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", time.Hour)
	cfg.CleanupGraceHours = getEnvInt("CLEANUP_GRACE_HOURS", 24)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", cfg.BaseURL)

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
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
