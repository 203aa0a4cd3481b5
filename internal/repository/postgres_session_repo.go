package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/raspberry/internal/model"
)

// PostgresSessionRepo はPostgreSQLを使用したセッションリポジトリ。
type PostgresSessionRepo struct {
	db *sql.DB
}

// NewPostgresSessionRepo はPostgresSessionRepoを生成する。
func NewPostgresSessionRepo(db *sql.DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

// Create はセッションを作成する。
func (r *PostgresSessionRepo) Create(ctx context.Context, session *model.Session) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions
		   (id, user_id, email, provider, id_token, refresh_token, token_expires_at, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		session.ID, session.UserID, session.Email, session.Provider,
		session.IDToken, session.RefreshToken, session.TokenExpiresAt,
		session.ExpiresAt, session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
func (r *PostgresSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	session := &model.Session{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, email, provider, id_token, refresh_token,
		        token_expires_at, expires_at, created_at, updated_at
		 FROM sessions
		 WHERE id = $1 AND expires_at > now()`,
		id,
	).Scan(
		&session.ID, &session.UserID, &session.Email, &session.Provider,
		&session.IDToken, &session.RefreshToken,
		&session.TokenExpiresAt, &session.ExpiresAt, &session.CreatedAt, &session.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}

	return session, nil
}

// UpdateTokens はIDトークンとリフレッシュトークンを更新する。
func (r *PostgresSessionRepo) UpdateTokens(ctx context.Context, id, idToken, refreshToken string, tokenExpiresAt time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE sessions
		 SET id_token = $2, refresh_token = $3, token_expires_at = $4, updated_at = now()
		 WHERE id = $1`,
		id, idToken, refreshToken, tokenExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update session tokens: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("session not found: %s", id)
	}
	return nil
}

// DeleteByID は指定IDのセッションを削除する。
func (r *PostgresSessionRepo) DeleteByID(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// compile-time interface check
var _ SessionRepository = (*PostgresSessionRepo)(nil)
