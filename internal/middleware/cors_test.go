package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func corsRequest(method, origin string) *http.Request {
	req := httptest.NewRequest(method, "/api/ask", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	return req
}

func TestCORSMiddleware_AllowedOrigin_SetsHeaders(t *testing.T) {
	mw := NewCORSMiddleware("http://localhost:3000")

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, corsRequest(http.MethodGet, "http://localhost:3000"))

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	tests := []struct {
		header string
		want   string
	}{
		{"Access-Control-Allow-Origin", "http://localhost:3000"},
		{"Access-Control-Allow-Methods", "GET, POST, OPTIONS"},
		{"Access-Control-Allow-Headers", "Content-Type, X-CSRF-Token"},
		{"Access-Control-Allow-Credentials", "true"},
		{"Access-Control-Max-Age", "86400"},
		{"Vary", "Origin"},
	}

	for _, tt := range tests {
		got := resp.Header.Get(tt.header)
		if got != tt.want {
			t.Errorf("%s = %q, want %q", tt.header, got, tt.want)
		}
	}
}

func TestCORSMiddleware_OtherOrigin_NoHeaders(t *testing.T) {
	mw := NewCORSMiddleware("http://localhost:3000")

	handlerCalled := false
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCalled = true
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, corsRequest(http.MethodPost, "https://evil.example.com"))

	if !handlerCalled {
		t.Error("next handler should still run; the browser withholds the response")
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Access-Control-Allow-Origin = %q, want empty", got)
	}
	if got := w.Header().Get("Vary"); got != "Origin" {
		t.Errorf("Vary = %q, want Origin", got)
	}
}

func TestCORSMiddleware_NoOrigin_PassesThrough(t *testing.T) {
	mw := NewCORSMiddleware("https://app.example.com")

	handlerCalled := false
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCalled = true
		w.WriteHeader(http.StatusCreated)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, corsRequest(http.MethodPost, ""))

	if w.Code != http.StatusCreated {
		t.Errorf("status = %d, want %d", w.Code, http.StatusCreated)
	}
	if !handlerCalled {
		t.Error("next handler should be called for same-origin request")
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Access-Control-Allow-Origin = %q, want empty", got)
	}
}

func TestCORSMiddleware_Preflight(t *testing.T) {
	tests := []struct {
		name       string
		origin     string
		wantStatus int
		wantAllow  string
	}{
		{"allowed origin", "http://localhost:3000", http.StatusNoContent, "http://localhost:3000"},
		{"other origin", "https://evil.example.com", http.StatusForbidden, ""},
		{"no origin", "", http.StatusNoContent, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handlerCalled := false
			handler := NewCORSMiddleware("http://localhost:3000")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				handlerCalled = true
			}))

			req := corsRequest(http.MethodOptions, tt.origin)
			req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if handlerCalled {
				t.Error("next handler should not be called for OPTIONS preflight")
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.wantAllow {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, tt.wantAllow)
			}
		})
	}
}
