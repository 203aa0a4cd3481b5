// Package inflight はキーごとに「同時に1つだけ」を保証する排他を提供する。
// 2つ目の要求は待たせずに即座に断る。
package inflight

import "sync"

// Guard はキーごとの実行中フラグを管理する。ゼロ値で使える。
type Guard struct {
	mu      sync.Mutex
	running map[string]struct{}
}

// New はGuardを生成する。
func New() *Guard {
	return &Guard{running: make(map[string]struct{})}
}

// TryAcquire はキーの実行権を取得する。すでに実行中ならfalseを返す。
// trueが返った場合、呼び出し側は必ずReleaseを呼ぶこと。
func (g *Guard) TryAcquire(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.running == nil {
		g.running = make(map[string]struct{})
	}
	if _, ok := g.running[key]; ok {
		return false
	}
	g.running[key] = struct{}{}
	return true
}

// Release はキーの実行権を返す。取得していないキーに対しては何もしない。
func (g *Guard) Release(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.running, key)
}

// Pending はキーが実行中かどうかを返す。
func (g *Guard) Pending(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.running[key]
	return ok
}

// size は実行中のキー数を返す。
func (g *Guard) size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.running)
}
