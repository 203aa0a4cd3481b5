package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// syncBuffer はサーバーのgoroutineから書かれるログを読むためのバッファ。
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

func decodeLogEntry(t *testing.T, raw []byte) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	if err := json.Unmarshal(raw, &entry); err != nil {
		t.Fatalf("failed to parse JSON log: %v\nraw: %s", err, raw)
	}
	return entry
}

// TestLoggingMiddleware_RequestLog はステータスに応じたレベルとユーザーIDの記録を検証する。
func TestLoggingMiddleware_RequestLog(t *testing.T) {
	tests := []struct {
		name      string
		userID    string
		status    int
		wantLevel string
	}{
		{"chat page for signed-in user", "user-123", http.StatusOK, "INFO"},
		{"redirect to login", "", http.StatusSeeOther, "INFO"},
		{"empty prompt", "user-123", http.StatusBadRequest, "WARN"},
		{"server error", "user-123", http.StatusInternalServerError, "ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewJSONHandler(&buf, nil))

			handler := NewLoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))

			req := httptest.NewRequest(http.MethodPost, "/ask", nil)
			if tt.userID != "" {
				req = req.WithContext(context.WithValue(req.Context(), userIDContextKey, tt.userID))
			}
			handler.ServeHTTP(httptest.NewRecorder(), req)

			entry := decodeLogEntry(t, buf.Bytes())
			if entry["level"] != tt.wantLevel {
				t.Errorf("level = %v, want %s", entry["level"], tt.wantLevel)
			}
			if entry["method"] != "POST" || entry["path"] != "/ask" {
				t.Errorf("method/path = %v %v", entry["method"], entry["path"])
			}
			if status, _ := entry["status"].(float64); int(status) != tt.status {
				t.Errorf("status = %v, want %d", entry["status"], tt.status)
			}
			if d, ok := entry["duration_ms"].(float64); !ok || d < 0 {
				t.Errorf("duration_ms = %v, want non-negative", entry["duration_ms"])
			}
			if got, _ := entry["user_id"].(string); got != tt.userID {
				t.Errorf("user_id = %q, want %q", got, tt.userID)
			}
		})
	}
}

func TestLoggingMiddleware_ImplicitOK(t *testing.T) {
	var buf bytes.Buffer
	handler := NewLoggingMiddleware(slog.New(slog.NewJSONHandler(&buf, nil)))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello"))
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if status := decodeLogEntry(t, buf.Bytes())["status"]; status != float64(200) {
		t.Errorf("status = %v, want 200", status)
	}
}

// TestLoggingMiddleware_HijackUnsupported_ReturnsError はHijack非対応のWriterでエラーになることを検証する。
func TestLoggingMiddleware_HijackUnsupported_ReturnsError(t *testing.T) {
	var hijackErr error
	handler := NewLoggingMiddleware(slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil)))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h, ok := w.(http.Hijacker)
		if !ok {
			t.Fatal("logging middleware writer should implement http.Hijacker")
		}
		_, _, hijackErr = h.Hijack()
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/auth/events", nil))

	if hijackErr == nil {
		t.Error("expected error when underlying writer cannot hijack")
	}
}

// TestLoggingMiddleware_HijackLogsSwitchingProtocols はイベント接続のHijackが委譲され、
// 101としてログに残ることを検証する。
func TestLoggingMiddleware_HijackLogsSwitchingProtocols(t *testing.T) {
	var buf syncBuffer
	done := make(chan struct{})
	logged := NewLoggingMiddleware(slog.New(slog.NewJSONHandler(&buf, nil)))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, rw, err := w.(http.Hijacker).Hijack()
		if err != nil {
			t.Errorf("Hijack() returned error: %v", err)
			return
		}
		defer conn.Close()
		rw.WriteString("HTTP/1.1 200 OK\r\nContent-Length: 2\r\nConnection: close\r\n\r\nok")
		rw.Flush()
	}))
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(done)
		logged.ServeHTTP(w, r)
	})

	ts := httptest.NewServer(handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/auth/events")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	<-done

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	entry := decodeLogEntry(t, buf.Bytes())
	if entry["status"] != float64(http.StatusSwitchingProtocols) || entry["path"] != "/auth/events" {
		t.Errorf("entry = %v, want 101 for /auth/events", entry)
	}
}
