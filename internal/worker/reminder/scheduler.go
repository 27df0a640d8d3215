// Package reminder は学習ブロックの開始前リマインダーを送信する
// ポーリング型のバックグラウンドジョブを提供する。
//
// ブロックごとのタイマーは保持しない。固定間隔のスキャンで
// 「開始時刻がルックアヘッドウィンドウ内に入った送信待ちブロック」を
// 拾う方式のため、メモリ使用量は一定で、プロセス再起動後も
// ウィンドウ内に残っているブロックは次のスキャンで回収される。
// その代わりリマインダーの精度はスキャン間隔とウィンドウ幅に律速される。
package reminder

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hitoshi/studyblocks/internal/mail"
	"github.com/hitoshi/studyblocks/internal/metrics"
	"github.com/hitoshi/studyblocks/internal/model"
	"github.com/hitoshi/studyblocks/internal/repository"
)

// デフォルトのルックアヘッドウィンドウ。
// 開始5分前までに入ったブロックがリマインダー対象となる。
const defaultWindow = 5 * time.Minute

// BlockDispatcher はリマインダーメール送信のインターフェース。
// mail.Dispatcherの部分集合として定義する。
type BlockDispatcher interface {
	Send(ctx context.Context, userEmail string, block *model.StudyBlock, action mail.Action) error
}

// TickResult は1回のスキャンにおける1ブロックの処理結果を表す。
type TickResult struct {
	Block *model.StudyBlock
	Sent  bool
	Err   error // 送信失敗またはスキップの理由。nilなら送信成功
}

// Scheduler はリマインダー送信のスケジューリングを行う。
// 固定間隔のティッカーで送信待ちブロックをスキャンし、
// 送信に成功したブロックのみをsent状態へ遷移させる。
type Scheduler struct {
	blockRepo  repository.BlockRepository
	userRepo   repository.UserRepository
	dispatcher BlockDispatcher
	logger     *slog.Logger
	collector  metrics.MetricsCollector
	window     time.Duration

	// now はテストで差し替え可能な時刻源。
	now func() time.Time
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// windowが0以下の場合はデフォルト値5分を使用する。
func NewScheduler(
	blockRepo repository.BlockRepository,
	userRepo repository.UserRepository,
	dispatcher BlockDispatcher,
	logger *slog.Logger,
	collector metrics.MetricsCollector,
	window time.Duration,
) *Scheduler {
	if window <= 0 {
		window = defaultWindow
	}
	return &Scheduler{
		blockRepo:  blockRepo,
		userRepo:   userRepo,
		dispatcher: dispatcher,
		logger:     logger,
		collector:  collector,
		window:     window,
		now:        time.Now,
	}
}

// Start は固定間隔のティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
// 1回のスキャンが完了してから次のティックを待つため、スキャン同士が
// 同時実行されることはない。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("リマインダースケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Duration("window", s.window),
	)

	// 起動直後に1回実行（再起動でウィンドウ内に残ったブロックを即回収する）
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("リマインダースキャンの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("リマインダースケジューラを停止しました")
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Error("リマインダースキャンの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は送信待ちブロックを1回スキャンし、各ブロックの処理結果を返す。
// タイマーを経由せず直接呼び出せるため、テストでは時刻を注入して
// 決定的に検証できる。
//
// 1ブロックの失敗は残りのブロックの処理を妨げない。送信に失敗した
// ブロックはpendingのまま残り、開始時刻がウィンドウ内にある限り
// 次のスキャンで再試行される。ウィンドウを外れたブロックはそのまま
// 送信されない（エスカレーションは行わない）。
func (s *Scheduler) RunOnce(ctx context.Context) ([]TickResult, error) {
	start := time.Now()
	now := s.now()

	blocks, err := s.blockRepo.ListDueForReminder(ctx, now, now.Add(s.window))
	if err != nil {
		return nil, err
	}

	if len(blocks) == 0 {
		return nil, nil
	}

	s.logger.Info("リマインダースキャンを開始します",
		slog.Int("block_count", len(blocks)),
	)

	results := make([]TickResult, 0, len(blocks))
	for _, block := range blocks {
		result := s.process(ctx, block)
		results = append(results, result)
	}

	duration := time.Since(start)
	s.collector.RecordTickLatency(duration)

	s.logger.Info("リマインダースキャンが完了しました",
		slog.Int("block_count", len(blocks)),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return results, nil
}

// process は1ブロックのリマインダー送信を試行する。
// 送信に成功した場合のみ、pending→sentの条件付き更新で状態を遷移させる。
func (s *Scheduler) process(ctx context.Context, block *model.StudyBlock) TickResult {
	user, err := s.userRepo.FindByID(ctx, block.UserID)
	if err != nil || user == nil {
		// 所有者を解決できないブロックは警告を残してスキップする
		s.logger.Warn("リマインダーの宛先ユーザーを解決できません",
			slog.String("block_id", block.ID),
			slog.String("user_id", block.UserID),
		)
		s.collector.RecordReminderSkipped("user_not_found")
		if err == nil {
			err = model.NewUserNotFoundError()
		}
		return TickResult{Block: block, Err: err}
	}

	if err := s.dispatcher.Send(ctx, user.Email, block, mail.ActionReminder); err != nil {
		if errors.Is(err, model.ErrMailNotConfigured) {
			// 未構成は失敗ではなくスキップ。pendingのまま残す
			s.collector.RecordReminderSkipped("mail_not_configured")
			return TickResult{Block: block, Err: err}
		}
		s.logger.Error("リマインダーメールの送信に失敗しました",
			slog.String("block_id", block.ID),
			slog.String("error", err.Error()),
		)
		s.collector.RecordReminderFailure()
		return TickResult{Block: block, Err: err}
	}

	marked, err := s.blockRepo.MarkReminderSent(ctx, block.ID)
	if err != nil {
		// 送信済みだが状態遷移に失敗。次のスキャンで再送されうるため
		// エラーとして記録する（at-most-onceよりat-least-onceに倒れる）
		s.logger.Error("リマインダー状態の更新に失敗しました",
			slog.String("block_id", block.ID),
			slog.String("error", err.Error()),
		)
		s.collector.RecordReminderFailure()
		return TickResult{Block: block, Err: err}
	}
	if !marked {
		// 別のスケジューラインスタンスが先に遷移させていた場合
		s.logger.Warn("リマインダーは別のプロセスで送信済みでした",
			slog.String("block_id", block.ID),
		)
	}

	s.collector.RecordReminderSent()
	s.logger.Info("リマインダーメールを送信しました",
		slog.String("block_id", block.ID),
		slog.String("user_id", block.UserID),
	)

	return TickResult{Block: block, Sent: true}
}
