// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/raspberry/internal/guard"
	"github.com/hitoshi/raspberry/internal/inflight"
	"github.com/hitoshi/raspberry/internal/login"
	"github.com/hitoshi/raspberry/internal/middleware"
	"github.com/hitoshi/raspberry/internal/model"
)

const (
	oauthStateCookie = "oauth_state"
	loginPath        = "/login"
	googleLoginPath  = "/auth/google/login"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	login.Authenticator
	GetLoginURL(state string) string
	SignOut(ctx context.Context, sessionID string)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	BaseURL       string
	CookieDomain  string
	CookieSecure  bool
	SessionMaxAge int // セッションCookieの有効期間（秒）
}

// AuthHandler はログイン画面とOAuth認証関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	flow    *login.Flow
	config  AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
// submissionsはログイン送信の同時実行を制限する。nilの場合は新しく作る。
func NewAuthHandler(service AuthServiceInterface, submissions *inflight.Guard, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service: service,
		flow:    login.NewFlow(service, submissions),
		config:  config,
	}
}

// LoginPage はログイン画面を表示する。ログイン済みならトップへリダイレクトする。
// GET /login
func (h *AuthHandler) LoginPage(w http.ResponseWriter, r *http.Request) {
	switch guard.Decide(middleware.SessionStateFromContext(r.Context())) {
	case guard.Allow:
		http.Redirect(w, r, h.homeURL(), http.StatusSeeOther)
		return
	case guard.Wait:
		w.WriteHeader(http.StatusNoContent)
		return
	}

	key := middleware.CSRFToken(r)
	renderLogin(w, http.StatusOK, LoginPage{
		CSRFToken: key,
		Pending:   h.flow.Pending(key),
	})
}

// SubmitLogin はメール/パスワードでのサインイン・サインアップを処理する。
// action=googleの場合はGoogle OAuthフローへ進む。
// POST /login
func (h *AuthHandler) SubmitLogin(w http.ResponseWriter, r *http.Request) {
	action, ok := login.ParseAction(r.PostFormValue("action"))
	if !ok {
		action = login.ActionSignIn
	}
	if action == login.ActionGoogle {
		http.Redirect(w, r, googleLoginPath, http.StatusSeeOther)
		return
	}

	key := middleware.CSRFToken(r)
	form := login.Form{
		Email:    r.PostFormValue("email"),
		Password: r.PostFormValue("password"),
	}

	result, err := h.flow.Submit(r.Context(), key, action, form)
	if errors.Is(err, login.ErrBusy) {
		renderLogin(w, http.StatusConflict, LoginPage{CSRFToken: key, Email: form.Email, Pending: true})
		return
	}
	if err != nil {
		slog.Error("login submission failed", slog.String("error", err.Error()))
		renderLogin(w, http.StatusBadRequest, LoginPage{CSRFToken: key, Email: form.Email, Message: err.Error()})
		return
	}

	if result.Session == nil {
		renderLogin(w, http.StatusOK, LoginPage{CSRFToken: key, Email: form.Email, Message: result.Message})
		return
	}

	h.setSessionCookie(w, result.Session)
	http.Redirect(w, r, h.homeURL(), http.StatusSeeOther)
}

// GoogleLogin はGoogle OAuthフローを開始する。
// GET /auth/google/login
func (h *AuthHandler) GoogleLogin(w http.ResponseWriter, r *http.Request) {
	state, err := generateState()
	if err != nil {
		slog.Error("failed to generate oauth state", slog.String("error", err.Error()))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	// stateをCookieに保存（CSRF対策）
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   600, // 10分
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	url := h.service.GetLoginURL(state)
	http.Redirect(w, r, url, http.StatusTemporaryRedirect)
}

// Callback はOAuthコールバックを処理する。
// GET /auth/google/callback?code=xxx&state=yyy
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	// 1. stateの検証（CSRF対策）
	state := r.URL.Query().Get("state")
	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || state == "" || stateCookie.Value != state {
		slog.Warn("oauth state mismatch",
			slog.String("query_state", state),
		)
		http.Error(w, "invalid state parameter", http.StatusBadRequest)
		return
	}

	// stateクッキーを削除
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	csrfToken := middleware.CSRFToken(r)

	// 2. 認可コードの取得。ユーザーが同意画面を閉じた場合はerrorだけが返る
	code := r.URL.Query().Get("code")
	if code == "" {
		if reason := r.URL.Query().Get("error"); reason != "" {
			renderLogin(w, http.StatusOK, LoginPage{
				CSRFToken: csrfToken,
				Message:   login.FailureMessage(login.ActionGoogle, errors.New(reason)),
			})
			return
		}
		http.Error(w, "missing authorization code", http.StatusBadRequest)
		return
	}

	// 3. 認証処理
	result, err := h.flow.CompleteFederated(r.Context(), state, code)
	if errors.Is(err, login.ErrBusy) {
		renderLogin(w, http.StatusConflict, LoginPage{CSRFToken: csrfToken, Pending: true})
		return
	}
	if err != nil {
		slog.Error("oauth callback failed", slog.String("error", err.Error()))
		http.Error(w, "authentication failed", http.StatusInternalServerError)
		return
	}
	if result.Session == nil {
		renderLogin(w, http.StatusOK, LoginPage{CSRFToken: csrfToken, Message: result.Message})
		return
	}

	// 4. セッションCookieを設定（HTTP Only）
	h.setSessionCookie(w, result.Session)

	// 5. トップページにリダイレクト
	http.Redirect(w, r, h.homeURL(), http.StatusSeeOther)
}

// Logout はセッションを破棄する。
// POST /logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if sessionID := middleware.SessionIDFromRequest(r); sessionID != "" {
		// SignOutは失敗しない。ストアの削除に失敗してもログに残すだけ
		h.service.SignOut(r.Context(), sessionID)
	}

	// セッションCookieをクリア
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, loginPath, http.StatusSeeOther)
}

// Me は現在のログインユーザー情報を返す。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	state := middleware.SessionStateFromContext(r.Context())
	if state.Loading {
		middleware.WriteErrorResponse(w, http.StatusServiceUnavailable, model.NewSessionPendingError())
		return
	}
	if state.Session == nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewNotAuthenticatedError())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":       state.Session.UserID,
		"email":    state.Session.Email,
		"provider": state.Session.Provider,
	})
}

// setSessionCookie はセッションIDをHTTP Only Cookieに設定する。
func (h *AuthHandler) setSessionCookie(w http.ResponseWriter, session *model.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    session.ID,
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   h.config.SessionMaxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// homeURL はログイン後の遷移先を返す。
func (h *AuthHandler) homeURL() string {
	return h.config.BaseURL + "/"
}

// generateState はCSRF対策用のランダムなstate値を生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
