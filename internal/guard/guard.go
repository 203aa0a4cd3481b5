// Package guard はページ表示可否の判定を提供する。
package guard

import "github.com/hitoshi/raspberry/internal/model"

// Decision はルートガードの判定結果。
type Decision int

const (
	// Wait はセッション解決が終わっていないため何も表示しないことを表す。
	Wait Decision = iota
	// Allow は保護されたページの表示を許可する。
	Allow
	// RedirectToLogin はログインページへ移動させる。
	RedirectToLogin
)

// String は判定結果の名前を返す。
func (d Decision) String() string {
	switch d {
	case Wait:
		return "wait"
	case Allow:
		return "allow"
	case RedirectToLogin:
		return "redirect_to_login"
	default:
		return "unknown"
	}
}

// Decide はセッション状態から判定を下す。
func Decide(state model.SessionState) Decision {
	switch {
	case state.Loading:
		return Wait
	case state.Session != nil:
		return Allow
	default:
		return RedirectToLogin
	}
}
