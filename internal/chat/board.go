package chat

import (
	"sync"
	"time"

	"github.com/hitoshi/raspberry/internal/auth"
	"github.com/hitoshi/raspberry/internal/model"
)

// endedRetention は終了したセッションへの書き込みを拒否し続ける期間。
// 処理中だった送信の応答待ちより長くする。
const endedRetention = 10 * time.Minute

// Board はセッションごとに直近1件のやり取りだけをメモリに保持する。
// 新しい送信は前のやり取りを置き換え、サインアウトで消える。
// 終了したセッションに遅れて届いた結果は保持しない。
type Board struct {
	mu     sync.RWMutex
	latest map[string]model.Exchange
	ended  map[string]time.Time
	now    func() time.Time
}

// NewBoard はBoardを生成する。
func NewBoard() *Board {
	return &Board{
		latest: make(map[string]model.Exchange),
		ended:  make(map[string]time.Time),
		now:    time.Now,
	}
}

// Put はセッションの直近のやり取りを置き換える。終了済みのセッションなら何もしない。
func (b *Board) Put(sessionID string, e model.Exchange) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.ended[sessionID]; ok {
		return
	}
	b.latest[sessionID] = e
}

// Latest はセッションの直近のやり取りを返す。
func (b *Board) Latest(sessionID string) (model.Exchange, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.latest[sessionID]
	return e, ok
}

// end はセッションのやり取りを破棄し、以後の書き込みを拒否する。
// 保持期間を過ぎた終了記録はここでまとめて捨てる。
func (b *Board) end(sessionID string) {
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.latest, sessionID)
	for id, at := range b.ended {
		if now.Sub(at) > endedRetention {
			delete(b.ended, id)
		}
	}
	b.ended[sessionID] = now
}

// size は保持しているやり取りと終了記録の数を返す。
func (b *Board) size() (latest, ended int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.latest), len(b.ended)
}

// HandleEvent はセッション状態の変化を受け取る。auth.Serviceに購読させて使う。
func (b *Board) HandleEvent(e auth.Event) {
	if e.Ended() {
		b.end(e.SessionID)
	}
}
