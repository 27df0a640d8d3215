// Package cleanup は終了済み学習ブロックの自動削除ジョブを提供する。
// 保持期間（デフォルト180日）を超過して終了したブロックを
// cron式で指定された時刻に日次バッチで削除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hitoshi/studyblocks/internal/metrics"
	"github.com/hitoshi/studyblocks/internal/repository"
)

// デフォルトの保持日数。
const defaultRetentionDays = 180

// CleanupJob は保持期間を超過した学習ブロックの自動削除ジョブ。
// 日次実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
type CleanupJob struct {
	blockRepo     repository.BlockRepository
	logger        *slog.Logger
	collector     metrics.MetricsCollector
	RetentionDays int // ブロックの保持日数（デフォルト: 180）

	// now はテストで差し替え可能な時刻源。
	now func() time.Time
}

// NewCleanupJob は新しいCleanupJobを生成する。
// retentionDaysが0以下の場合はデフォルト値180日を使用する。
func NewCleanupJob(
	blockRepo repository.BlockRepository,
	logger *slog.Logger,
	collector metrics.MetricsCollector,
	retentionDays int,
) *CleanupJob {
	if retentionDays <= 0 {
		retentionDays = defaultRetentionDays
	}
	return &CleanupJob{
		blockRepo:     blockRepo,
		logger:        logger,
		collector:     collector,
		RetentionDays: retentionDays,
		now:           time.Now,
	}
}

// Run は保持期間を超過して終了したブロックを削除する。
// end_timeがRetentionDays日前より古いブロックが対象となる。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	cutoff := j.now().AddDate(0, 0, -j.RetentionDays)

	deletedCount, err := j.blockRepo.DeleteEndedBefore(ctx, cutoff)
	if err != nil {
		j.logger.Error("ブロッククリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("ブロッククリーンアップの実行に失敗: %w", err)
	}

	j.collector.RecordBlocksCleaned(deletedCount)

	duration := time.Since(start)
	j.logger.Info("ブロッククリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// Schedule はcron式に従ってジョブを定期実行する。
// コンテキストがキャンセルされるまでブロックする。
// cron式の形式は標準5フィールド（分 時 日 月 曜日）。
func (j *CleanupJob) Schedule(ctx context.Context, spec string) error {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		if err := j.Run(ctx); err != nil {
			j.logger.Error("スケジュール実行中のクリーンアップに失敗しました",
				slog.String("error", err.Error()),
			)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid cleanup cron spec %q: %w", spec, err)
	}

	j.logger.Info("クリーンアップジョブをスケジュールしました",
		slog.String("cron", spec),
		slog.Int("retention_days", j.RetentionDays),
	)

	c.Start()
	<-ctx.Done()

	// 実行中のジョブの完了を待ってから戻る
	stopCtx := c.Stop()
	<-stopCtx.Done()

	j.logger.Info("クリーンアップジョブのスケジュールを停止しました")
	return nil
}
