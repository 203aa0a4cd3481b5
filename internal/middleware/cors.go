package middleware

import "net/http"

// NewCORSMiddleware はJSON API用のCORSミドルウェアを返す。
// Originが許可オリジンと一致する場合だけCORSヘッダーを付ける。
// credentials送信と共存するため、ワイルドカード(*)は使用しない。
// 許可オリジンからのプリフライトには204、それ以外のオリジンからのプリフライトには403で応答する。
// Originのないリクエスト（同一オリジンのフォームやサーバー間通信）はそのまま通す。
func NewCORSMiddleware(allowedOrigin string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Add("Vary", "Origin")

			origin := r.Header.Get("Origin")
			allowed := origin != "" && origin == allowedOrigin
			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+csrfHeaderName)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions {
				if origin != "" && !allowed {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
