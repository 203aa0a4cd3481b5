package identity

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SDKと同じ表記のエラーコード。
const (
	CodeEmailAlreadyInUse   = "auth/email-already-in-use"
	CodeUserNotFound        = "auth/user-not-found"
	CodeWrongPassword       = "auth/wrong-password"
	CodeInvalidCredential   = "auth/invalid-credential"
	CodeUserDisabled        = "auth/user-disabled"
	CodeTooManyRequests     = "auth/too-many-requests"
	CodeWeakPassword        = "auth/weak-password"
	CodeInvalidEmail        = "auth/invalid-email"
	CodeUserTokenExpired    = "auth/user-token-expired"
	CodeInvalidRefreshToken = "auth/invalid-refresh-token"
	CodeInternalError       = "auth/internal-error"
)

// serverCodes はREST APIが返すエラーメッセージとSDK表記のコードの対応。
var serverCodes = map[string]string{
	"EMAIL_EXISTS":                CodeEmailAlreadyInUse,
	"EMAIL_NOT_FOUND":             CodeUserNotFound,
	"USER_NOT_FOUND":              CodeUserNotFound,
	"INVALID_PASSWORD":            CodeWrongPassword,
	"INVALID_LOGIN_CREDENTIALS":   CodeInvalidCredential,
	"INVALID_IDP_RESPONSE":        CodeInvalidCredential,
	"USER_DISABLED":               CodeUserDisabled,
	"TOO_MANY_ATTEMPTS_TRY_LATER": CodeTooManyRequests,
	"WEAK_PASSWORD":               CodeWeakPassword,
	"INVALID_EMAIL":               CodeInvalidEmail,
	"TOKEN_EXPIRED":               CodeUserTokenExpired,
	"INVALID_REFRESH_TOKEN":       CodeInvalidRefreshToken,
}

// Error はIdPがリクエストを拒否したことを表す。
type Error struct {
	Status  int    // HTTPステータス
	Code    string // auth/xxx 形式のコード
	Message string // 利用者にそのまま見せてよい生のメッセージ
}

// Error はerrorインターフェースを実装する。
func (e *Error) Error() string {
	return e.Message
}

// errorEnvelope はREST APIのエラーレスポンス。
type errorEnvelope struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// parseError はエラーレスポンスのボディを*Errorに変換する。
// メッセージは "WEAK_PASSWORD : Password should be at least 6 characters" のように
// コードと詳細が " : " で区切られていることがある。
func parseError(status int, body []byte) *Error {
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Error.Message == "" {
		return &Error{
			Status:  status,
			Code:    CodeInternalError,
			Message: fmt.Sprintf("Firebase: Error (%s).", CodeInternalError),
		}
	}

	serverCode, detail, _ := strings.Cut(env.Error.Message, " : ")
	serverCode = strings.TrimSpace(serverCode)
	code := CodeFromServer(serverCode)

	msg := fmt.Sprintf("Firebase: Error (%s).", code)
	if detail != "" {
		msg = fmt.Sprintf("Firebase: %s (%s).", strings.TrimSpace(detail), code)
	}

	return &Error{Status: status, Code: code, Message: msg}
}

// CodeFromServer はREST APIのエラーメッセージをauth/xxx形式のコードに変換する。
// 未知のコードは "auth/" + ケバブケースにする。
func CodeFromServer(serverCode string) string {
	if code, ok := serverCodes[serverCode]; ok {
		return code
	}
	if serverCode == "" {
		return CodeInternalError
	}
	return "auth/" + strings.ReplaceAll(strings.ToLower(serverCode), "_", "-")
}
