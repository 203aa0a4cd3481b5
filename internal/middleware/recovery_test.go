package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/raspberry/internal/model"
)

func captureDefaultLogger(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func panicking() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
}

func TestRecoveryMiddleware_APIPathReturnsJSON(t *testing.T) {
	buf := captureDefaultLogger(t)
	handler := NewRecoveryMiddleware()(panicking())

	req := httptest.NewRequest(http.MethodPost, "/api/ask", nil)
	req = req.WithContext(ContextWithUserID(req.Context(), "uid-1"))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body.Code != model.ErrCodeInternal {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeInternal)
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON log, got %q", buf.String())
	}
	if entry["msg"] != "panic recovered" || entry["panic"] != "boom" {
		t.Errorf("log entry = %v", entry)
	}
	if entry["user_id"] != "uid-1" {
		t.Errorf("user_id = %v, want uid-1", entry["user_id"])
	}
}

func TestRecoveryMiddleware_PagePathReturnsText(t *testing.T) {
	captureDefaultLogger(t)
	handler := NewRecoveryMiddleware()(panicking())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/ask", nil))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	if got := strings.TrimSpace(w.Body.String()); got != "Server error" {
		t.Errorf("body = %q, want %q", got, "Server error")
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q, want text/plain", ct)
	}
}

func TestRecoveryMiddleware_RepanicsOnAbort(t *testing.T) {
	handler := NewRecoveryMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	defer func() {
		if rec := recover(); rec != http.ErrAbortHandler {
			t.Errorf("recovered %v, want http.ErrAbortHandler", rec)
		}
	}()
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}

func TestRecoveryMiddleware_PassesThrough(t *testing.T) {
	handler := NewRecoveryMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
}
