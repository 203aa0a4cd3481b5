package middleware

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
)

const (
	// csrfCookieName はCSRFトークンを保持するCookieの名前。
	// フロントエンドからJavaScriptで読み取れるよう、HttpOnlyではない。
	csrfCookieName = "csrf_token"

	// csrfHeaderName はリクエストヘッダーからCSRFトークンを読み取る際のヘッダー名。
	csrfHeaderName = "X-CSRF-Token"

	// CSRFFormField はHTMLフォームでCSRFトークンを送る際のフィールド名。
	CSRFFormField = "csrf_token"
)

// csrfTokenContextKey はこのリクエストで有効なCSRFトークンを格納するキー。
var csrfTokenContextKey = contextKey("csrf_token")

// CSRFConfig はCSRFミドルウェアの設定。
type CSRFConfig struct {
	CookieSecure bool
	CookieDomain string
}

// NewCSRFMiddleware はCSRFトークンの生成・検証ミドルウェアを返す。
// 安全なメソッド（GET, HEAD, OPTIONS）はトークン検証をスキップし、
// CSRFトークンCookieを設定する。
// 状態変更メソッド（POST, PUT, PATCH, DELETE）はトークン検証を必須とする。
// トークンはX-CSRF-Tokenヘッダーか、フォームのcsrf_tokenフィールドで受け付ける。
func NewCSRFMiddleware(config CSRFConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// 安全なメソッドはトークン検証をスキップ
			if isSafeMethod(r.Method) {
				// CSRFトークンCookieが未設定の場合は設定する
				token := ensureCSRFCookie(w, r, config)
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), csrfTokenContextKey, token)))
				return
			}

			// 状態変更メソッド: CSRFトークンを検証
			cookieToken, err := r.Cookie(csrfCookieName)
			if err != nil || cookieToken.Value == "" {
				slog.Warn("CSRF validation failed: missing cookie token",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
				)
				http.Error(w, "CSRF token validation failed", http.StatusForbidden)
				return
			}

			requestToken := r.Header.Get(csrfHeaderName)
			if requestToken == "" {
				requestToken = r.PostFormValue(CSRFFormField)
			}
			if requestToken == "" {
				slog.Warn("CSRF validation failed: missing request token",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
				)
				http.Error(w, "CSRF token validation failed", http.StatusForbidden)
				return
			}

			if subtle.ConstantTimeCompare([]byte(cookieToken.Value), []byte(requestToken)) != 1 {
				slog.Warn("CSRF validation failed: token mismatch",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
				)
				http.Error(w, "CSRF token validation failed", http.StatusForbidden)
				return
			}

			ctx := context.WithValue(r.Context(), csrfTokenContextKey, cookieToken.Value)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// CSRFToken はこのリクエストで有効なCSRFトークンを返す。
// フォームへの埋め込みと、ブラウザ単位の識別に使う。
func CSRFToken(r *http.Request) string {
	if token, ok := r.Context().Value(csrfTokenContextKey).(string); ok && token != "" {
		return token
	}
	if cookie, err := r.Cookie(csrfCookieName); err == nil {
		return cookie.Value
	}
	return ""
}

// NewCSRFTokenHandler はCSRFトークン取得エンドポイントのハンドラーを返す。
// GET /api/csrf-token
// 既存のCSRFトークンCookieがある場合はそれを返し、なければ新規生成する。
func NewCSRFTokenHandler(config CSRFConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ensureCSRFCookie(w, r, config)
		if token == "" {
			WriteInternalServerError(w)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		json.NewEncoder(w).Encode(map[string]string{
			"token": token,
		})
	})
}

// isSafeMethod はHTTPメソッドが安全（読み取り専用）かどうかを判定する。
func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

// ensureCSRFCookie はCSRFトークンCookieが未設定の場合に設定し、有効なトークンを返す。
func ensureCSRFCookie(w http.ResponseWriter, r *http.Request, config CSRFConfig) string {
	if cookie, err := r.Cookie(csrfCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}

	token, err := generateCSRFToken()
	if err != nil {
		slog.Error("failed to generate CSRF token", slog.String("error", err.Error()))
		return ""
	}

	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    token,
		Path:     "/",
		Domain:   config.CookieDomain,
		MaxAge:   86400,
		HttpOnly: false,
		Secure:   config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	return token
}

// generateCSRFToken は暗号的に安全なCSRFトークンを生成する。
func generateCSRFToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
