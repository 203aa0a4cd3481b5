// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/raspberry/internal/model"
)

// SessionRepository はセッションデータの永続化インターフェース。
// ページ再読み込み時に前回のセッションを復元するためだけに使う。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// UpdateTokens はIDトークンとリフレッシュトークンを更新する。
	UpdateTokens(ctx context.Context, id, idToken, refreshToken string, tokenExpiresAt time.Time) error
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
}
