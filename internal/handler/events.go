package handler

import (
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hitoshi/raspberry/internal/auth"
	"github.com/hitoshi/raspberry/internal/middleware"
	"github.com/hitoshi/raspberry/internal/model"
)

const (
	eventWriteTimeout = 5 * time.Second
	// eventSendBuffer は1接続あたりの未送信イベントの上限。超えた接続は切断する。
	eventSendBuffer = 8
)

// sessionEventMessage はブラウザへ送るセッション状態変化の通知。
type sessionEventMessage struct {
	Type string `json:"type"`
	At   int64  `json:"at"`
}

// wsConn はeventConnが使うWebSocket接続の操作。*websocket.Connが実装する。
type wsConn interface {
	WriteJSON(v interface{}) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// eventFrame は送信キューの1要素。msgがnilならクローズフレームを送って終了する。
type eventFrame struct {
	msg       *sessionEventMessage
	closeCode int
	closeText string
}

// eventConn は1本のWebSocket接続。書き込みは専用のgoroutineだけが行う。
type eventConn struct {
	ws        wsConn
	out       chan eventFrame
	quit      chan struct{}
	done      chan struct{}
	abortOnce sync.Once
}

func newEventConn(ws wsConn) *eventConn {
	c := &eventConn{
		ws:   ws,
		out:  make(chan eventFrame, eventSendBuffer),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// writeLoop はキューの順にフレームを書き込む。
// 書き込みに失敗するか、クローズフレームを送るか、abortされると接続を閉じて終わる。
func (c *eventConn) writeLoop() {
	defer close(c.done)
	defer c.ws.Close()

	for {
		select {
		case <-c.quit:
			return
		case f := <-c.out:
			if f.msg == nil {
				deadline := time.Now().Add(eventWriteTimeout)
				c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(f.closeCode, f.closeText), deadline)
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := c.ws.WriteJSON(f.msg); err != nil {
				slog.Warn("failed to push session event",
					slog.String("type", f.msg.Type),
					slog.String("error", err.Error()),
				)
				return
			}
		}
	}
}

// enqueue はフレームを待たずにキューへ積む。満杯か終了済みならfalse。
func (c *eventConn) enqueue(f eventFrame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- f:
		return true
	default:
		return false
	}
}

// close はキュー済みのイベントを送り終えてから接続を閉じる。
func (c *eventConn) close(code int, text string) {
	if !c.enqueue(eventFrame{closeCode: code, closeText: text}) {
		c.abort()
	}
}

// abort は未送信のイベントを捨てて接続を閉じる。書き込み中のgoroutineも解放する。
func (c *eventConn) abort() {
	c.abortOnce.Do(func() {
		close(c.quit)
		c.ws.Close()
	})
}

// EventHub はセッション状態の変化を、同じセッションで開いている全タブへWebSocketで配信する。
// auth.Notifierの購読者として登録する。
type EventHub struct {
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[string]map[*eventConn]struct{}
	closed bool
}

// NewEventHub はEventHubを生成する。
// baseURLと同じホストからの接続だけを受け付ける。Originヘッダーがない場合は受け付ける。
func NewEventHub(baseURL string) *EventHub {
	allowedHost := ""
	if u, err := url.Parse(baseURL); err == nil {
		allowedHost = u.Host
	}

	return &EventHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				return u.Host == allowedHost || u.Host == r.Host
			},
		},
		conns: make(map[string]map[*eventConn]struct{}),
	}
}

// ServeHTTP はWebSocket接続を受け付け、切断されるまで保持する。
// GET /auth/events
func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	session := middleware.SessionFromContext(r.Context())
	if session == nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewNotAuthenticatedError())
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgradeが失敗時のレスポンスを書き込み済み
		slog.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	conn := newEventConn(ws)
	if !h.register(session.ID, conn) {
		conn.close(websocket.CloseGoingAway, "server shutting down")
		<-conn.done
		return
	}
	defer h.drop(session.ID, conn)

	// クライアントからのメッセージは使わない。読み込みは切断の検知のためだけに行う
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("websocket closed unexpectedly",
					slog.String("user_id", session.UserID),
					slog.String("error", err.Error()),
				)
			}
			return
		}
	}
}

// HandleEvent はイベントを対象セッションの全接続の送信キューへ積む。書き込みは待たない。
// サインアウトと期限切れの場合は送信後に接続を閉じる。
// キューがあふれた接続は読み込みが止まっているとみなして切断する。
func (h *EventHub) HandleEvent(e auth.Event) {
	targets := h.connsFor(e.SessionID)
	if len(targets) == 0 {
		return
	}

	msg := &sessionEventMessage{Type: string(e.Type), At: e.At.Unix()}
	for _, c := range targets {
		if !c.enqueue(eventFrame{msg: msg}) {
			slog.Warn("dropping stalled event connection",
				slog.String("type", string(e.Type)),
				slog.String("user_id", e.UserID),
			)
			h.drop(e.SessionID, c)
			continue
		}
		if e.Ended() {
			c.close(websocket.CloseNormalClosure, string(e.Type))
		}
	}
}

// connections はセッションの接続数を返す。
func (h *EventHub) connections(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns[sessionID])
}

// Close は全接続を閉じ、以降の接続を拒否する。
func (h *EventHub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*eventConn
	for _, set := range h.conns {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.Unlock()

	for _, c := range all {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
}

func (h *EventHub) register(sessionID string, c *eventConn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	set, ok := h.conns[sessionID]
	if !ok {
		set = make(map[*eventConn]struct{})
		h.conns[sessionID] = set
	}
	set[c] = struct{}{}
	return true
}

// drop は接続を登録から外し、未送信のイベントを捨てて閉じる。
func (h *EventHub) drop(sessionID string, c *eventConn) {
	h.mu.Lock()
	set := h.conns[sessionID]
	delete(set, c)
	if len(set) == 0 {
		delete(h.conns, sessionID)
	}
	h.mu.Unlock()

	c.abort()
}

func (h *EventHub) connsFor(sessionID string) []*eventConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.conns[sessionID]
	out := make([]*eventConn, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}
