package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenExpiry はIDトークンの有効期限を返す。
// 署名は検証しない（トークンはIdPから直接受け取ったもの）。expクレームを読めない場合は
// issuedAt+expiresInを使う。
func tokenExpiry(idToken string, issuedAt time.Time, expiresIn time.Duration) time.Time {
	fallback := issuedAt.Add(expiresIn)

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		return fallback
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return fallback
	}
	return exp.Time
}
