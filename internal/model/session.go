// Package model はドメインモデルを定義する。
package model

import "time"

// サインイン方法を表すプロバイダーID。
const (
	SignInProviderPassword = "password"
	SignInProviderGoogle   = "google.com"
)

// Session はユーザーのログインセッションを表す。
// IDはCookieに載せる不透明な値で、IDTokenは外部IdPが発行する短命のベアラートークン。
type Session struct {
	ID             string
	UserID         string
	Email          string
	Provider       string
	IDToken        string
	RefreshToken   string
	TokenExpiresAt time.Time
	ExpiresAt      time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TokenExpiresWithin はIDトークンの残り有効期間がd以下かどうかを返す。
func (s *Session) TokenExpiresWithin(now time.Time, d time.Duration) bool {
	return s.IDToken == "" || !now.Add(d).Before(s.TokenExpiresAt)
}

// SessionState はセッション解決の結果を表す。
// Loadingがtrueの間は、ログイン状態・未ログイン状態のどちらとも判断してはならない。
type SessionState struct {
	Session *Session
	Loading bool
}

// Authenticated は解決済みかつセッションが存在するかを返す。
func (s SessionState) Authenticated() bool {
	return !s.Loading && s.Session != nil
}
