// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hitoshi/raspberry/internal/auth"
	"github.com/hitoshi/raspberry/internal/model"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 認証サービスやチャットフローから利用する。
type MetricsCollector interface {
	RecordAuthAttempt(method string, success bool)
	RecordTokenRefresh(result string)
	RecordChatOutcome(kind model.ErrorKind, duration time.Duration)
	HandleSessionEvent(e auth.Event)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	authAttempts   *prometheus.CounterVec
	tokenRefreshes *prometheus.CounterVec
	chatOutcomes   *prometheus.CounterVec
	chatLatency    prometheus.Histogram
	activeSessions prometheus.Gauge
	sessionEvents  *prometheus.CounterVec

	// active はactiveSessionsに数えたセッションID
	mu     sync.Mutex
	active map[string]struct{}
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "raspberry_auth_attempts_total",
			Help: "認証試行の合計数（方式・結果別）",
		}, []string{"method", "success"}),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "raspberry_token_refresh_total",
			Help: "IDトークン更新の合計数（結果別）",
		}, []string{"result"}),
		chatOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "raspberry_chat_outcomes_total",
			Help: "チャット送信の結果別の合計数",
		}, []string{"outcome"}),
		chatLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "raspberry_chat_latency_seconds",
			Help:    "補完サービス呼び出しのレイテンシ（秒）",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "raspberry_active_sessions",
			Help: "このプロセスの起動後にサインインし、まだ終了していないセッション数",
		}),
		sessionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "raspberry_session_events_total",
			Help: "セッション状態変化イベントの合計数（種類別）",
		}, []string{"type"}),
		active: make(map[string]struct{}),
	}

	reg.MustRegister(
		c.authAttempts,
		c.tokenRefreshes,
		c.chatOutcomes,
		c.chatLatency,
		c.activeSessions,
		c.sessionEvents,
	)

	return c
}

// RecordAuthAttempt は認証試行を記録する。
func (c *Collector) RecordAuthAttempt(method string, success bool) {
	c.authAttempts.WithLabelValues(method, strconv.FormatBool(success)).Inc()
}

// RecordTokenRefresh はIDトークン更新の結果を記録する。
func (c *Collector) RecordTokenRefresh(result string) {
	c.tokenRefreshes.WithLabelValues(result).Inc()
}

// RecordChatOutcome はチャット送信の結果とレイテンシを記録する。
func (c *Collector) RecordChatOutcome(kind model.ErrorKind, duration time.Duration) {
	c.chatOutcomes.WithLabelValues(kind.Outcome()).Inc()
	c.chatLatency.Observe(duration.Seconds())
}

// HandleSessionEvent はセッション状態の変化を記録する。auth.Notifierの購読者として登録する。
// アクティブ数は数えたセッションの終了でだけ減らす。
func (c *Collector) HandleSessionEvent(e auth.Event) {
	c.sessionEvents.WithLabelValues(string(e.Type)).Inc()

	c.mu.Lock()
	defer c.mu.Unlock()
	_, counted := c.active[e.SessionID]
	switch {
	case e.Type == auth.EventSignedIn && !counted:
		c.active[e.SessionID] = struct{}{}
		c.activeSessions.Inc()
	case e.Ended() && counted:
		delete(c.active, e.SessionID)
		c.activeSessions.Dec()
	}
}

// Handler は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
