// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/raspberry/internal/guard"
	"github.com/hitoshi/raspberry/internal/model"
)

// SessionCookieName はセッションIDを保持するCookieの名前。
const SessionCookieName = "session_id"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	// userIDContextKey はリクエストコンテキストにユーザーIDを格納するためのキー。
	userIDContextKey = contextKey("user_id")
	// sessionStateContextKey はリクエストコンテキストにセッション状態を格納するためのキー。
	sessionStateContextKey = contextKey("session_state")
)

// StateResolver はセッションIDからセッション状態を解決する。auth.Serviceが実装する。
type StateResolver interface {
	State(ctx context.Context, sessionID string) model.SessionState
}

// NewSessionMiddleware はHTTP Only Cookieからセッションを解決し、
// 結果のセッション状態をリクエストコンテキストに注入するミドルウェアを返す。
// 未ログインでもリクエストは拒否しない。拒否するかどうかはNewRouteGuardが決める。
func NewSessionMiddleware(resolver StateResolver) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			state := resolver.State(r.Context(), SessionIDFromRequest(r))

			ctx := ContextWithSessionState(r.Context(), state)
			if state.Session != nil {
				ctx = ContextWithUserID(ctx, state.Session.UserID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// NewRouteGuard は保護されたページの前に置くミドルウェアを返す。
// セッション解決が終わっていない場合は何も描画せず204を返し、
// 未ログインの場合はloginPathへ303でリダイレクトする。
func NewRouteGuard(loginPath string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch guard.Decide(SessionStateFromContext(r.Context())) {
			case guard.Allow:
				next.ServeHTTP(w, r)
			case guard.Wait:
				slog.Warn("session state unresolved, rendering nothing",
					slog.String("path", r.URL.Path),
				)
				w.WriteHeader(http.StatusNoContent)
			default:
				http.Redirect(w, r, loginPath, http.StatusSeeOther)
			}
		})
	}
}

// SessionIDFromRequest はCookieからセッションIDを取得する。ない場合は空文字列。
func SessionIDFromRequest(r *http.Request) string {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// SessionStateFromContext はリクエストコンテキストからセッション状態を取得する。
// セッションミドルウェアを通過していない場合は未ログイン状態を返す。
func SessionStateFromContext(ctx context.Context) model.SessionState {
	state, _ := ctx.Value(sessionStateContextKey).(model.SessionState)
	return state
}

// SessionFromContext はリクエストコンテキストからセッションを取得する。未ログインならnil。
func SessionFromContext(ctx context.Context) *model.Session {
	return SessionStateFromContext(ctx).Session
}

// ContextWithSessionState はコンテキストにセッション状態を注入する。
func ContextWithSessionState(ctx context.Context, state model.SessionState) context.Context {
	return context.WithValue(ctx, sessionStateContextKey, state)
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// ログイン済みのリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// ContextWithUserID はコンテキストにユーザーIDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}
