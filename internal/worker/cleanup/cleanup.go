// Package cleanup は期限切れセッションの自動削除ジョブを提供する。
// 有効期限（expires_at）から猶予期間を過ぎたセッションを、
// 件数を区切ったDELETEで定期的に削除する。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// deleteExpiredQuery は猶予期間を過ぎたセッションを最大$2件削除する。
const deleteExpiredQuery = `DELETE FROM sessions
WHERE id IN (
	SELECT id FROM sessions
	WHERE expires_at < now() - $1::interval
	ORDER BY expires_at
	LIMIT $2
)`

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// CleanupJob は期限切れセッションの自動削除ジョブ。
// 1回のDELETEはBatchSize件までに抑え、削除対象がなくなるまで繰り返す。
type CleanupJob struct {
	db         Executor
	logger     *slog.Logger
	GraceHours int // 期限切れ後にセッションを残しておく時間（デフォルト: 24）
	BatchSize  int // 1回のDELETEで消す最大件数（デフォルト: 500）
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(db Executor, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		db:         db,
		logger:     logger,
		GraceHours: 24,
		BatchSize:  500,
	}
}

// Run は猶予期間を過ぎた期限切れセッションを削除し、削除件数を返す。
// 途中で失敗した場合も、それまでに削除した件数を返す。
func (j *CleanupJob) Run(ctx context.Context) (int64, error) {
	start := time.Now()
	interval := fmt.Sprintf("%d hours", j.GraceHours)
	batchSize := j.BatchSize
	if batchSize <= 0 {
		batchSize = 500
	}

	var total int64
	batches := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		result, err := j.db.ExecContext(ctx, deleteExpiredQuery, interval, batchSize)
		if err != nil {
			j.logger.Error("セッションクリーンアップジョブの実行に失敗しました",
				slog.String("error", err.Error()),
				slog.Int64("deleted_count", total),
			)
			return total, fmt.Errorf("セッションクリーンアップの実行に失敗: %w", err)
		}

		deleted, err := result.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("削除件数の取得に失敗: %w", err)
		}
		total += deleted
		batches++

		if deleted < int64(batchSize) {
			break
		}
	}

	j.logger.Info("セッションクリーンアップジョブが完了しました",
		slog.Int64("deleted_count", total),
		slog.Int("batches", batches),
		slog.Int("grace_hours", j.GraceHours),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return total, nil
}

// Start は起動直後に1回実行し、その後intervalごとにRunを繰り返す。
// ctxがキャンセルされるまでブロックする。失敗はログに残して次の周期を待つ。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	_, _ = j.Run(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("セッションクリーンアップジョブを停止しました")
			return
		case <-ticker.C:
			_, _ = j.Run(ctx)
		}
	}
}
