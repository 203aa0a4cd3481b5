package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/hitoshi/raspberry/internal/chat"
	"github.com/hitoshi/raspberry/internal/model"
)

// --- モック定義 ---

type mockChatFlow struct {
	askFn     func(ctx context.Context, key string, session *model.Session, q chat.Question) (*model.Exchange, error)
	pendingFn func(key string) bool
	latestFn  func(sessionID string) (model.Exchange, bool)
}

func (m *mockChatFlow) Ask(ctx context.Context, key string, session *model.Session, q chat.Question) (*model.Exchange, error) {
	if m.askFn != nil {
		return m.askFn(ctx, key, session, q)
	}
	return nil, nil
}

func (m *mockChatFlow) Pending(key string) bool {
	if m.pendingFn != nil {
		return m.pendingFn(key)
	}
	return false
}

func (m *mockChatFlow) Latest(sessionID string) (model.Exchange, bool) {
	if m.latestFn != nil {
		return m.latestFn(sessionID)
	}
	return model.Exchange{}, false
}

// --- ヘルパー ---

func newAskForm(values url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/ask", strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(&http.Cookie{Name: "csrf_token", Value: "browser-1"})
	return req
}

func newAPIAsk(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/ask", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(&http.Cookie{Name: "csrf_token", Value: "browser-1"})
	return req
}

// selectedProvider は選択中のoptionのvalueを返す。
func selectedProvider(t *testing.T, body string) string {
	t.Helper()
	for _, p := range model.ChatProviders {
		if strings.Contains(body, `<option value="`+string(p)+`" selected>`) {
			return string(p)
		}
	}
	return ""
}

// --- テスト ---

func TestChatHandler_Home_FirstVisit_ShowsHint(t *testing.T) {
	h := NewChatHandler(&mockChatFlow{})

	req := withState(httptest.NewRequest(http.MethodGet, "/", nil), model.SessionState{Session: testSession()})
	w := httptest.NewRecorder()

	h.Home(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	body := readBody(t, resp)
	if got := textOf(findByID(t, body, "model-hint")); got != "Choose your AI model" {
		t.Errorf("hint = %q, want %q", got, "Choose your AI model")
	}
	if findByID(t, body, "sign-out") == nil {
		t.Error("expected sign out button for signed in user")
	}
	if findByID(t, body, "answer") != nil {
		t.Error("expected no answer before the first exchange")
	}
	if got := selectedProvider(t, body); got != string(model.DefaultChatProvider) {
		t.Errorf("selected provider = %q, want %q", got, model.DefaultChatProvider)
	}
}

func TestChatHandler_Home_WithLatestExchange_ShowsAnswer(t *testing.T) {
	flow := &mockChatFlow{
		latestFn: func(sessionID string) (model.Exchange, bool) {
			if sessionID != "session-id-abc" {
				t.Errorf("Latest called with %q", sessionID)
			}
			return model.Exchange{
				Provider: model.ChatProviderClaude,
				Prompt:   "Hi",
				Answer:   "Hello!",
			}, true
		},
	}
	h := NewChatHandler(flow)

	req := withState(httptest.NewRequest(http.MethodGet, "/", nil), model.SessionState{Session: testSession()})
	w := httptest.NewRecorder()

	h.Home(w, req)

	body := readBody(t, w.Result())
	if got := textOf(findByID(t, body, "answer")); got != "Hello!" {
		t.Errorf("answer = %q, want %q", got, "Hello!")
	}
	if findByID(t, body, "model-hint") != nil {
		t.Error("hint must be hidden after a model has been chosen")
	}
	if got := selectedProvider(t, body); got != "claude" {
		t.Errorf("selected provider = %q, want claude", got)
	}
}

func TestChatHandler_Home_Pending_ShowsThinking(t *testing.T) {
	flow := &mockChatFlow{
		pendingFn: func(key string) bool { return key == "browser-1" },
	}
	h := NewChatHandler(flow)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "csrf_token", Value: "browser-1"})
	req = withState(req, model.SessionState{Session: testSession()})
	w := httptest.NewRecorder()

	h.Home(w, req)

	body := readBody(t, w.Result())
	button := findByID(t, body, "ask")
	if got := textOf(button); got != "Thinking..." {
		t.Errorf("button = %q, want %q", got, "Thinking...")
	}
	if !hasAttr(button, "disabled") {
		t.Error("expected ask button to be disabled while pending")
	}
}

func TestChatHandler_Ask_Success_RendersAnswer(t *testing.T) {
	var gotKey string
	var gotQuestion chat.Question
	flow := &mockChatFlow{
		askFn: func(ctx context.Context, key string, session *model.Session, q chat.Question) (*model.Exchange, error) {
			gotKey, gotQuestion = key, q
			return &model.Exchange{
				ID:       "ex-1",
				Provider: q.Provider,
				Prompt:   q.Prompt,
				Answer:   "Hello!",
			}, nil
		},
	}
	h := NewChatHandler(flow)

	req := withState(newAskForm(url.Values{
		"provider": {"gemini"},
		"prompt":   {"Hi"},
	}), model.SessionState{Session: testSession()})
	w := httptest.NewRecorder()

	h.Ask(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if gotKey != "browser-1" {
		t.Errorf("key = %q, want %q", gotKey, "browser-1")
	}
	if gotQuestion.Provider != model.ChatProviderGemini || gotQuestion.Prompt != "Hi" {
		t.Errorf("question = %+v", gotQuestion)
	}

	body := readBody(t, resp)
	if got := textOf(findByID(t, body, "answer")); got != "Hello!" {
		t.Errorf("answer = %q, want %q", got, "Hello!")
	}
	if got := selectedProvider(t, body); got != "gemini" {
		t.Errorf("selected provider = %q, want gemini", got)
	}
	if findByID(t, body, "model-hint") != nil {
		t.Error("hint must be hidden after asking")
	}
}

func TestChatHandler_Ask_EmptyPrompt_KeepsPage(t *testing.T) {
	flow := &mockChatFlow{
		askFn: func(ctx context.Context, key string, session *model.Session, q chat.Question) (*model.Exchange, error) {
			return nil, chat.ErrEmptyPrompt
		},
		latestFn: func(sessionID string) (model.Exchange, bool) {
			return model.Exchange{Provider: model.ChatProviderOpenAI, Prompt: "Earlier", Answer: "Earlier answer"}, true
		},
	}
	h := NewChatHandler(flow)

	req := withState(newAskForm(url.Values{
		"provider": {"openai"},
		"prompt":   {"   "},
	}), model.SessionState{Session: testSession()})
	w := httptest.NewRecorder()

	h.Ask(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	body := readBody(t, resp)
	if got := textOf(findByID(t, body, "answer")); got != "Earlier answer" {
		t.Errorf("answer = %q, want previous answer unchanged", got)
	}
}

func TestChatHandler_Ask_UnknownProvider_ReturnsBadRequest(t *testing.T) {
	flow := &mockChatFlow{
		askFn: func(ctx context.Context, key string, session *model.Session, q chat.Question) (*model.Exchange, error) {
			return nil, chat.ErrUnknownProvider
		},
	}
	h := NewChatHandler(flow)

	req := withState(newAskForm(url.Values{
		"provider": {"llama"},
		"prompt":   {"Hi"},
	}), model.SessionState{Session: testSession()})
	w := httptest.NewRecorder()

	h.Ask(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestChatHandler_Ask_InFlight_ReturnsConflict(t *testing.T) {
	flow := &mockChatFlow{
		askFn: func(ctx context.Context, key string, session *model.Session, q chat.Question) (*model.Exchange, error) {
			return nil, chat.ErrBusy
		},
	}
	h := NewChatHandler(flow)

	req := withState(newAskForm(url.Values{
		"provider": {"openai"},
		"prompt":   {"Hi"},
	}), model.SessionState{Session: testSession()})
	w := httptest.NewRecorder()

	h.Ask(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusConflict)
	}
	body := readBody(t, resp)
	if got := textOf(findByID(t, body, "ask")); got != "Thinking..." {
		t.Errorf("button = %q, want %q", got, "Thinking...")
	}
}

func TestChatHandler_Ask_NoSession_RendersLoginPrompt(t *testing.T) {
	var gotSession *model.Session
	flow := &mockChatFlow{
		askFn: func(ctx context.Context, key string, session *model.Session, q chat.Question) (*model.Exchange, error) {
			gotSession = session
			return &model.Exchange{
				Provider: q.Provider,
				Prompt:   q.Prompt,
				Answer:   chat.MessageLogInFirst,
				Outcome:  model.KindNotAuthenticated,
			}, nil
		},
	}
	h := NewChatHandler(flow)

	req := withState(newAskForm(url.Values{
		"provider": {"openai"},
		"prompt":   {"Hi"},
	}), model.SessionState{})
	w := httptest.NewRecorder()

	h.Ask(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if gotSession != nil {
		t.Error("expected nil session to be passed through")
	}
	body := readBody(t, resp)
	if got := textOf(findByID(t, body, "answer")); got != chat.MessageLogInFirst {
		t.Errorf("answer = %q, want %q", got, chat.MessageLogInFirst)
	}
	if findByID(t, body, "sign-out") != nil {
		t.Error("sign out must be hidden without a session")
	}
}

func TestChatHandler_Ask_Loading_RendersNothing(t *testing.T) {
	flow := &mockChatFlow{
		askFn: func(ctx context.Context, key string, session *model.Session, q chat.Question) (*model.Exchange, error) {
			t.Error("Ask must not be called while the session is unresolved")
			return nil, nil
		},
	}
	h := NewChatHandler(flow)

	req := withState(newAskForm(url.Values{"provider": {"openai"}, "prompt": {"Hi"}}), model.SessionState{Loading: true})
	w := httptest.NewRecorder()

	h.Ask(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
}

func TestChatHandler_APIAsk_Success_ReturnsJSON(t *testing.T) {
	flow := &mockChatFlow{
		askFn: func(ctx context.Context, key string, session *model.Session, q chat.Question) (*model.Exchange, error) {
			return &model.Exchange{
				ID:       "ex-1",
				Provider: q.Provider,
				Prompt:   q.Prompt,
				Answer:   "Hello!",
				Outcome:  model.KindNone,
			}, nil
		},
	}
	h := NewChatHandler(flow)

	req := withState(newAPIAsk(`{"provider":"openai","prompt":"Hi"}`), model.SessionState{Session: testSession()})
	w := httptest.NewRecorder()

	h.APIAsk(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	want := map[string]string{
		"id":       "ex-1",
		"provider": "openai",
		"answer":   "Hello!",
		"outcome":  "answered",
	}
	for k, v := range want {
		if resp[k] != v {
			t.Errorf("%s = %q, want %q", k, resp[k], v)
		}
	}
}

func TestChatHandler_APIAsk_QuotaExceeded_IsNotAnError(t *testing.T) {
	flow := &mockChatFlow{
		askFn: func(ctx context.Context, key string, session *model.Session, q chat.Question) (*model.Exchange, error) {
			return &model.Exchange{
				ID:       "ex-2",
				Provider: q.Provider,
				Answer:   chat.MessageQuotaExceeded,
				Outcome:  model.KindQuotaExceeded,
			}, nil
		},
	}
	h := NewChatHandler(flow)

	req := withState(newAPIAsk(`{"provider":"claude","prompt":"Hi"}`), model.SessionState{Session: testSession()})
	w := httptest.NewRecorder()

	h.APIAsk(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["outcome"] != "quota_exceeded" {
		t.Errorf("outcome = %q, want quota_exceeded", resp["outcome"])
	}
	if resp["answer"] != chat.MessageQuotaExceeded {
		t.Errorf("answer = %q, want quota message", resp["answer"])
	}
}

func TestChatHandler_APIAsk_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		state      model.SessionState
		askErr     error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "invalid json",
			body:       `{"provider":`,
			state:      model.SessionState{Session: testSession()},
			wantStatus: http.StatusBadRequest,
			wantCode:   model.ErrCodeInvalidRequest,
		},
		{
			name:       "session loading",
			body:       `{"provider":"openai","prompt":"Hi"}`,
			state:      model.SessionState{Loading: true},
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   model.ErrCodeSessionPending,
		},
		{
			name:       "empty prompt",
			body:       `{"provider":"openai","prompt":""}`,
			state:      model.SessionState{Session: testSession()},
			askErr:     chat.ErrEmptyPrompt,
			wantStatus: http.StatusBadRequest,
			wantCode:   model.ErrCodeEmptyPrompt,
		},
		{
			name:       "unknown provider",
			body:       `{"provider":"llama","prompt":"Hi"}`,
			state:      model.SessionState{Session: testSession()},
			askErr:     chat.ErrUnknownProvider,
			wantStatus: http.StatusBadRequest,
			wantCode:   model.ErrCodeUnknownProvider,
		},
		{
			name:       "in flight",
			body:       `{"provider":"openai","prompt":"Hi"}`,
			state:      model.SessionState{Session: testSession()},
			askErr:     chat.ErrBusy,
			wantStatus: http.StatusConflict,
			wantCode:   model.ErrCodeRequestPending,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flow := &mockChatFlow{
				askFn: func(ctx context.Context, key string, session *model.Session, q chat.Question) (*model.Exchange, error) {
					return nil, tt.askErr
				},
			}
			h := NewChatHandler(flow)

			req := withState(newAPIAsk(tt.body), tt.state)
			w := httptest.NewRecorder()

			h.APIAsk(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			var resp map[string]string
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if resp["code"] != tt.wantCode {
				t.Errorf("code = %q, want %q", resp["code"], tt.wantCode)
			}
		})
	}
}
