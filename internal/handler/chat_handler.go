package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/raspberry/internal/chat"
	"github.com/hitoshi/raspberry/internal/middleware"
	"github.com/hitoshi/raspberry/internal/model"
)

// ChatFlow はチャットハンドラーが必要とする送信処理のインターフェース。chat.Flowが実装する。
type ChatFlow interface {
	Ask(ctx context.Context, key string, session *model.Session, q chat.Question) (*model.Exchange, error)
	Pending(key string) bool
	Latest(sessionID string) (model.Exchange, bool)
}

// ChatHandler はチャット画面とチャットAPIのHTTPハンドラー。
type ChatHandler struct {
	flow ChatFlow
}

// NewChatHandler はChatHandlerを生成する。
func NewChatHandler(flow ChatFlow) *ChatHandler {
	return &ChatHandler{flow: flow}
}

// askRequest はPOST /api/askのリクエストボディ。
type askRequest struct {
	Provider string `json:"provider"`
	Prompt   string `json:"prompt"`
}

// askResponse はPOST /api/askのレスポンスボディ。
type askResponse struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
	Answer   string `json:"answer"`
	Outcome  string `json:"outcome"`
}

// Home はランディング兼チャット画面を表示する。ルートガードの内側に置く。
// GET /
func (h *ChatHandler) Home(w http.ResponseWriter, r *http.Request) {
	renderApp(w, http.StatusOK, h.currentPage(r))
}

// Ask はフォームから送信されたプロンプトを補完サービスへ送り、画面を再描画する。
// POST /ask
func (h *ChatHandler) Ask(w http.ResponseWriter, r *http.Request) {
	state := middleware.SessionStateFromContext(r.Context())
	if state.Loading {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	key := middleware.CSRFToken(r)
	q := chat.Question{
		Provider: model.ChatProvider(r.PostFormValue("provider")),
		Prompt:   r.PostFormValue("prompt"),
	}

	exchange, err := h.flow.Ask(r.Context(), key, state.Session, q)
	switch {
	case errors.Is(err, chat.ErrEmptyPrompt):
		// 何も変えずに現在の画面を返す
		renderApp(w, http.StatusOK, h.currentPage(r))
		return
	case errors.Is(err, chat.ErrUnknownProvider):
		page := h.currentPage(r)
		page.Prompt = q.Prompt
		renderApp(w, http.StatusBadRequest, page)
		return
	case errors.Is(err, chat.ErrBusy):
		page := h.currentPage(r)
		page.Prompt = q.Prompt
		page.Pending = true
		renderApp(w, http.StatusConflict, page)
		return
	case err != nil:
		slog.Error("chat request failed", slog.String("error", err.Error()))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	renderApp(w, http.StatusOK, AppPage{
		CSRFToken: key,
		SignedIn:  state.Session != nil,
		Prompt:    exchange.Prompt,
		Providers: providerOptions(exchange.Provider),
		Answer:    exchange.Answer,
	})
}

// APIAsk はJSONで送信されたプロンプトを補完サービスへ送り、結果をJSONで返す。
// POST /api/ask
func (h *ChatHandler) APIAsk(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError())
		return
	}

	state := middleware.SessionStateFromContext(r.Context())
	if state.Loading {
		middleware.WriteErrorResponse(w, http.StatusServiceUnavailable, model.NewSessionPendingError())
		return
	}

	exchange, err := h.flow.Ask(r.Context(), middleware.CSRFToken(r), state.Session, chat.Question{
		Provider: model.ChatProvider(req.Provider),
		Prompt:   req.Prompt,
	})
	switch {
	case errors.Is(err, chat.ErrEmptyPrompt):
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewEmptyPromptError())
		return
	case errors.Is(err, chat.ErrUnknownProvider):
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewUnknownProviderError(req.Provider))
		return
	case errors.Is(err, chat.ErrBusy):
		middleware.WriteErrorResponse(w, http.StatusConflict, model.NewRequestPendingError())
		return
	case err != nil:
		slog.Error("chat api request failed", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(askResponse{
		ID:       exchange.ID,
		Provider: string(exchange.Provider),
		Answer:   exchange.Answer,
		Outcome:  exchange.Outcome.Outcome(),
	})
}

// currentPage はセッションの直近のやり取りから画面の表示内容を組み立てる。
// やり取りがまだなければモデル選択のヒントを表示する。
func (h *ChatHandler) currentPage(r *http.Request) AppPage {
	key := middleware.CSRFToken(r)
	session := middleware.SessionFromContext(r.Context())

	page := AppPage{
		CSRFToken: key,
		SignedIn:  session != nil,
		Pending:   h.flow.Pending(key),
		ShowHint:  true,
		Providers: providerOptions(model.DefaultChatProvider),
	}
	if session == nil {
		return page
	}
	if latest, ok := h.flow.Latest(session.ID); ok {
		page.Prompt = latest.Prompt
		page.Answer = latest.Answer
		page.Providers = providerOptions(latest.Provider)
		page.ShowHint = false
	}
	return page
}
