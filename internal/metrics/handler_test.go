package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/raspberry/internal/auth"
)

// TestHandler_ReturnsHandler はメトリクスハンドラーが正常に返ることを検証する。
func TestHandler_ReturnsHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	_ = NewCollector(reg)

	handler := Handler(reg)
	if handler == nil {
		t.Fatal("expected non-nil handler")
	}
}

// TestHandler_ServesMetrics は/metricsでメトリクスが返ることを検証する。
func TestHandler_ServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordAuthAttempt(auth.MethodGoogle, true)

	handler := Handler(reg)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	body, _ := io.ReadAll(resp.Body)
	bodyStr := string(body)

	if !strings.Contains(bodyStr, "raspberry_auth_attempts_total") {
		t.Error("response should contain raspberry_auth_attempts_total metric")
	}
}
