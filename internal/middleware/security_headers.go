package middleware

import "net/http"

// contentSecurityPolicy は画面が読み込むものを同一オリジンに限定する。
// Googleログインはフォーム送信後に認可画面へリダイレクトするため、form-actionに含める。
// チャット画面はセッション変化の受信にインラインスクリプトを1つ使う。
const contentSecurityPolicy = "default-src 'self'; " +
	"script-src 'self' 'unsafe-inline'; " +
	"connect-src 'self'; " +
	"form-action 'self' https://accounts.google.com; " +
	"frame-ancestors 'none'; " +
	"base-uri 'none'"

// NewSecurityHeadersMiddleware はセキュリティ関連のHTTPレスポンスヘッダーを付与するミドルウェアを返す。
// 画面にはユーザーごとの回答が含まれるため、既定でキャッシュを禁止する。
func NewSecurityHeadersMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			h.Set("Content-Security-Policy", contentSecurityPolicy)
			h.Set("Cache-Control", "no-store")
			next.ServeHTTP(w, r)
		})
	}
}
