package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/raspberry/internal/model"
)

// ErrorResponseBody はJSON APIのエラーレスポンス形式。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// WriteErrorResponse はapiErrをJSONで書き込む。
// エラー応答はセッションごとに異なるため、キャッシュさせない。
// apiErrがnilの場合は内部エラーとして扱う。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	if apiErr == nil {
		apiErr = model.NewInternalError()
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteInternalServerError は500を返す。原因はログにのみ記録すること。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, model.NewInternalError())
}
