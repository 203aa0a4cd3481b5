package auth

import (
	"errors"

	"github.com/hitoshi/raspberry/internal/identity"
)

// 認証操作の失敗を分類するセンチネルエラー。
// 実際に返るのは*Errorで、errors.Isでこれらと照合する。
var (
	ErrInvalidCredentials    = errors.New("invalid credentials")
	ErrAccountNotFound       = errors.New("account not found")
	ErrEmailAlreadyInUse     = errors.New("email already in use")
	ErrFederatedSignInFailed = errors.New("federated sign-in failed")
	ErrIdentityRejected      = errors.New("identity provider rejected the request")
	ErrNotAuthenticated      = errors.New("not authenticated")
)

// Error はIdPによる拒否を表す。
// Codeはauth/xxx形式、Messageは画面にそのまま出せる生のメッセージ。
type Error struct {
	Kind    error
	Code    string
	Message string
	Err     error
}

// Error はerrorインターフェースを実装する。
func (e *Error) Error() string {
	return e.Message
}

// Is はKindとの一致を判定する。
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

// Unwrap は元のエラーを返す。
func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf はエラーに含まれるauth/xxx形式のコードを返す。含まれない場合は空文字列。
func CodeOf(err error) string {
	var authErr *Error
	if errors.As(err, &authErr) {
		return authErr.Code
	}
	var idErr *identity.Error
	if errors.As(err, &idErr) {
		return idErr.Code
	}
	return ""
}

// classifyPasswordError はメール/パスワード操作でのIdPエラーを分類する。
// IdP以外の失敗（通信エラー等）はそのまま返す。
func classifyPasswordError(err error) error {
	var idErr *identity.Error
	if !errors.As(err, &idErr) {
		return err
	}

	kind := ErrIdentityRejected
	switch idErr.Code {
	case identity.CodeWrongPassword, identity.CodeInvalidCredential:
		kind = ErrInvalidCredentials
	case identity.CodeUserNotFound:
		kind = ErrAccountNotFound
	case identity.CodeEmailAlreadyInUse:
		kind = ErrEmailAlreadyInUse
	}

	return &Error{Kind: kind, Code: idErr.Code, Message: idErr.Message, Err: err}
}

// federatedError は外部IdPによるサインインの失敗をErrFederatedSignInFailedとして包む。
func federatedError(err error) error {
	code := CodeOf(err)
	if code == "" {
		code = "auth/federated-sign-in-failed"
	}
	return &Error{Kind: ErrFederatedSignInFailed, Code: code, Message: err.Error(), Err: err}
}

// isSessionRevoked はリフレッシュ失敗がセッション無効化を意味するかを返す。
func isSessionRevoked(err error) bool {
	var idErr *identity.Error
	if !errors.As(err, &idErr) {
		return false
	}
	switch idErr.Code {
	case identity.CodeUserTokenExpired, identity.CodeUserDisabled,
		identity.CodeInvalidRefreshToken, identity.CodeUserNotFound:
		return true
	default:
		return false
	}
}
