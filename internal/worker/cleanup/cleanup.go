// Package cleanup は存在しない投稿を参照するコメントの定期削除ジョブを提供する。
// 投稿削除時のコメント削除が失敗した場合や、他の書き込み元が残した孤立コメントを対象とする。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultInterval はintervalが0以下の場合に使う実行間隔。
const DefaultInterval = 24 * time.Hour

// OrphanPurger は孤立コメントの削除インターフェース。
// repository.CommentRepositoryが満たす。
type OrphanPurger interface {
	DeleteOrphaned(ctx context.Context) (int64, error)
}

// Observer は削除件数の計測フック。
type Observer interface {
	OrphanedCommentsDeleted(count int64)
}

// CleanupJob は孤立コメントの削除ジョブ。
// 冪等で、削除対象がない場合もエラーにならない。
type CleanupJob struct {
	comments OrphanPurger
	observer Observer
	logger   *slog.Logger
}

// NewCleanupJob は新しいCleanupJobを生成する。observerはnilでもよい。
func NewCleanupJob(comments OrphanPurger, observer Observer, logger *slog.Logger) *CleanupJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupJob{
		comments: comments,
		observer: observer,
		logger:   logger,
	}
}

// Run は孤立コメントを1回削除する。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	deleted, err := j.comments.DeleteOrphaned(ctx)
	if err != nil {
		j.logger.Error("孤立コメントの削除に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("孤立コメントの削除に失敗: %w", err)
	}

	if j.observer != nil {
		j.observer.OrphanedCommentsDeleted(deleted)
	}
	j.logger.Info("孤立コメントの削除が完了しました",
		slog.Int64("deleted_count", deleted),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// Start は起動直後に1回、以降interval毎にRunを実行する。ctxがキャンセルされるまでブロックする。
// 失敗はログに記録して次回に持ち越す。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		j.logger.Warn("実行間隔が不正なためデフォルト値を使用します",
			slog.Duration("interval", interval),
			slog.Duration("default", DefaultInterval),
		)
		interval = DefaultInterval
	}
	j.runLogged(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.runLogged(ctx)
		}
	}
}

func (j *CleanupJob) runLogged(ctx context.Context) {
	if err := j.Run(ctx); err != nil && ctx.Err() == nil {
		j.logger.Warn("cleanup job will retry on next tick", slog.String("error", err.Error()))
	}
}
