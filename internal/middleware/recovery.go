package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
)

// NewRecoveryMiddleware はハンドラー内のpanicを500応答に変換するミドルウェアを生成する。
// /api/配下には統一エラーJSONを、それ以外の画面にはチャット画面と同じ文言のテキストを返す。
func NewRecoveryMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				// 接続中断はnet/httpに任せる
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				attrs := []any{
					slog.Any("panic", rec),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("stack", string(debug.Stack())),
				}
				if userID, err := UserIDFromContext(r.Context()); err == nil && userID != "" {
					attrs = append(attrs, slog.String("user_id", userID))
				}
				slog.Error("panic recovered", attrs...)

				if strings.HasPrefix(r.URL.Path, "/api/") {
					WriteInternalServerError(w)
					return
				}
				http.Error(w, "Server error", http.StatusInternalServerError)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
