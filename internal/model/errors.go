// Package model はドメインモデルを定義する。
package model

import "fmt"

// ErrorKind は失敗の分類を表す。
// 空文字列は成功（回答あり）を意味する。
type ErrorKind string

const (
	KindNone             ErrorKind = ""
	KindValidation       ErrorKind = "validation"
	KindAuthentication   ErrorKind = "authentication"
	KindNotAuthenticated ErrorKind = "not_authenticated"
	KindQuotaExceeded    ErrorKind = "quota_exceeded"
	KindServer           ErrorKind = "server"
	KindTransport        ErrorKind = "transport"
)

// OutcomeAnswered は成功（KindNone）を外部に示すときの値。
const OutcomeAnswered = "answered"

// Outcome はAPIレスポンスやメトリクスのラベルに使う文字列を返す。
func (k ErrorKind) Outcome() string {
	if k == KindNone {
		return OutcomeAnswered
	}
	return string(k)
}

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, chat, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeEmptyPrompt      = "EMPTY_PROMPT"
	ErrCodeUnknownProvider  = "UNKNOWN_PROVIDER"
	ErrCodeRequestPending   = "REQUEST_PENDING"
	ErrCodeMissingFields    = "MISSING_FIELDS"
	ErrCodeInvalidRequest   = "INVALID_REQUEST"
	ErrCodeNotAuthenticated = "NOT_AUTHENTICATED"
	ErrCodeSessionPending   = "SESSION_PENDING"
	ErrCodeInternal         = "INTERNAL_ERROR"
)

// NewEmptyPromptError は空のプロンプトに対するエラーを生成する。
func NewEmptyPromptError() *APIError {
	return &APIError{
		Code:     ErrCodeEmptyPrompt,
		Message:  "Prompt is empty.",
		Category: "validation",
		Action:   "Type a question before pressing Ask.",
	}
}

// NewUnknownProviderError は列挙外のモデル指定に対するエラーを生成する。
func NewUnknownProviderError(provider string) *APIError {
	return &APIError{
		Code:     ErrCodeUnknownProvider,
		Message:  fmt.Sprintf("Unknown provider: %q", provider),
		Category: "validation",
		Action:   "Choose one of openai, gemini or claude.",
	}
}

// NewRequestPendingError は送信中の再送信に対するエラーを生成する。
func NewRequestPendingError() *APIError {
	return &APIError{
		Code:     ErrCodeRequestPending,
		Message:  "A request is already in flight.",
		Category: "chat",
		Action:   "Wait for the current answer before asking again.",
	}
}

// NewMissingFieldsError はメールアドレスまたはパスワード未入力のエラーを生成する。
func NewMissingFieldsError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeMissingFields,
		Message:  message,
		Category: "validation",
		Action:   "Fill in both fields.",
	}
}

// NewInvalidRequestError はリクエストボディが解釈できない場合のエラーを生成する。
func NewInvalidRequestError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  "Request body could not be parsed.",
		Category: "validation",
		Action:   "Send a JSON object with provider and prompt.",
	}
}

// NewNotAuthenticatedError は未ログイン時のエラーを生成する。
func NewNotAuthenticatedError() *APIError {
	return &APIError{
		Code:     ErrCodeNotAuthenticated,
		Message:  "Not signed in.",
		Category: "auth",
		Action:   "Sign in again.",
	}
}

// NewSessionPendingError はセッションの解決が終わっていない場合のエラーを生成する。
func NewSessionPendingError() *APIError {
	return &APIError{
		Code:     ErrCodeSessionPending,
		Message:  "Session state is not resolved yet.",
		Category: "auth",
		Action:   "Retry in a moment.",
	}
}

// NewInternalError は想定外の失敗を表すエラーを生成する。詳細はログにのみ残す。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "Server error",
		Category: "system",
		Action:   "Try again in a moment.",
	}
}
