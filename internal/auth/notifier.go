package auth

import (
	"sync"
	"time"
)

// EventType はセッション状態の変化の種類。
type EventType string

const (
	EventSignedIn       EventType = "signed_in"
	EventSignedOut      EventType = "signed_out"
	EventTokenRefreshed EventType = "token_refreshed"
	EventExpired        EventType = "expired"
)

// Event はセッション状態の変化を表す。
type Event struct {
	Type      EventType
	SessionID string
	UserID    string
	At        time.Time
}

// Ended はセッションが消滅したイベントかどうかを返す。
func (e Event) Ended() bool {
	return e.Type == EventSignedOut || e.Type == EventExpired
}

// Listener はイベントを受け取るコールバック。
type Listener func(Event)

// Notifier はセッション状態の変化を購読者へ配信する。
// 配信は同期的で、1つのイベントを全購読者に配り終えるまで次のイベントは配信されない。
type Notifier struct {
	mu        sync.Mutex // 配信の直列化
	subsMu    sync.RWMutex
	nextID    int
	listeners map[int]Listener
	order     []int
}

// NewNotifier はNotifierを生成する。
func NewNotifier() *Notifier {
	return &Notifier{listeners: make(map[int]Listener)}
}

// Subscribe はリスナーを登録し、登録解除用の関数を返す。
// 解除関数は何度呼んでもよい。
func (n *Notifier) Subscribe(l Listener) func() {
	n.subsMu.Lock()
	id := n.nextID
	n.nextID++
	n.listeners[id] = l
	n.order = append(n.order, id)
	n.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.subsMu.Lock()
			defer n.subsMu.Unlock()
			delete(n.listeners, id)
			for i, v := range n.order {
				if v == id {
					n.order = append(n.order[:i], n.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Publish はイベントを登録順に全リスナーへ配信する。
// リスナーの中からPublishを呼んではならない（デッドロックする）。
func (n *Notifier) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	n.subsMu.RLock()
	listeners := make([]Listener, 0, len(n.order))
	for _, id := range n.order {
		listeners = append(listeners, n.listeners[id])
	}
	n.subsMu.RUnlock()

	for _, l := range listeners {
		l(e)
	}
}

// size は登録中のリスナー数を返す。
func (n *Notifier) size() int {
	n.subsMu.RLock()
	defer n.subsMu.RUnlock()
	return len(n.listeners)
}
