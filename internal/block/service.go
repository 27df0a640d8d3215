// Package block は学習ブロックのCRUDと重複バリデーションを提供する。
package block

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/studyblocks/internal/mail"
	"github.com/hitoshi/studyblocks/internal/model"
	"github.com/hitoshi/studyblocks/internal/repository"
	"github.com/hitoshi/studyblocks/internal/security"
)

// NotificationDispatcher はブロック操作の確認通知を送信するインターフェース。
// mail.Dispatcherの部分集合として定義する。
type NotificationDispatcher interface {
	Send(ctx context.Context, userEmail string, block *model.StudyBlock, action mail.Action) error
}

// BlockPatch はブロック更新の部分更新フィールドを表す。
// nilのフィールドは変更せず、既存の値を維持する。
type BlockPatch struct {
	Title       *string
	Description *string
	StartTime   *time.Time
	EndTime     *time.Time
	Subject     *string
	Color       *string
	NotifyEmail *bool
}

// Service は学習ブロックに関するビジネスロジックを提供する。
//
// 書き込み時の重複チェックは2段構え:
// サービス層で既存ブロックとの交差を検査した上で、リポジトリが
// トランザクション内のロック付きチェックで同時書き込みの競合を塞ぐ。
type Service struct {
	blockRepo  repository.BlockRepository
	userRepo   repository.UserRepository
	sanitizer  security.TextSanitizerService
	dispatcher NotificationDispatcher
	logger     *slog.Logger
	now        func() time.Time
}

// NewService はServiceを生成する。
func NewService(
	blockRepo repository.BlockRepository,
	userRepo repository.UserRepository,
	sanitizer security.TextSanitizerService,
	dispatcher NotificationDispatcher,
	logger *slog.Logger,
) *Service {
	return &Service{
		blockRepo:  blockRepo,
		userRepo:   userRepo,
		sanitizer:  sanitizer,
		dispatcher: dispatcher,
		logger:     logger,
		now:        time.Now,
	}
}

// Create は学習ブロックを作成する。
// NotifyEmailが有効な場合は作成確認メールを送信するが、送信失敗は
// 作成自体を失敗させない（ログに記録して継続する）。
func (s *Service) Create(ctx context.Context, userID string, draft model.BlockDraft) (*model.StudyBlock, error) {
	draft = s.sanitizeDraft(draft)

	if err := validateDraft(draft); err != nil {
		return nil, err
	}

	if err := s.checkOverlap(ctx, userID, draft.StartTime, draft.EndTime, ""); err != nil {
		return nil, err
	}

	now := s.now()
	block := &model.StudyBlock{
		ID:            uuid.New().String(),
		UserID:        userID,
		Title:         draft.Title,
		Description:   draft.Description,
		StartTime:     draft.StartTime,
		EndTime:       draft.EndTime,
		Subject:       draft.Subject,
		Color:         draft.Color,
		NotifyEmail:   draft.NotifyEmail,
		ReminderState: model.ReminderStatePending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if block.Color == "" {
		block.Color = model.DefaultBlockColor
	}

	if err := s.blockRepo.Create(ctx, block); err != nil {
		if errors.Is(err, repository.ErrOverlap) {
			return nil, model.NewBlockOverlapError()
		}
		return nil, fmt.Errorf("failed to create block: %w", err)
	}

	s.logger.Info("学習ブロックを作成しました",
		slog.String("block_id", block.ID),
		slog.String("user_id", userID),
	)

	if block.NotifyEmail {
		s.sendConfirmation(ctx, block, mail.ActionCreated)
	}

	return block, nil
}

// Update はブロックを部分更新する。
// nilでないフィールドのみ既存の値へ上書きし、時刻と重複の検証を再実行する。
func (s *Service) Update(ctx context.Context, blockID, userID string, patch BlockPatch) (*model.StudyBlock, error) {
	block, err := s.ownedBlock(ctx, blockID, userID)
	if err != nil {
		return nil, err
	}

	if patch.Title != nil {
		block.Title = s.sanitizer.Sanitize(*patch.Title)
	}
	if patch.Description != nil {
		block.Description = s.sanitizer.Sanitize(*patch.Description)
	}
	if patch.StartTime != nil {
		block.StartTime = *patch.StartTime
	}
	if patch.EndTime != nil {
		block.EndTime = *patch.EndTime
	}
	if patch.Subject != nil {
		block.Subject = s.sanitizer.Sanitize(*patch.Subject)
	}
	if patch.Color != nil {
		block.Color = *patch.Color
	}
	if patch.NotifyEmail != nil {
		block.NotifyEmail = *patch.NotifyEmail
	}

	if err := validateDraft(model.BlockDraft{
		Title:     block.Title,
		StartTime: block.StartTime,
		EndTime:   block.EndTime,
	}); err != nil {
		return nil, err
	}

	if err := s.checkOverlap(ctx, userID, block.StartTime, block.EndTime, block.ID); err != nil {
		return nil, err
	}

	block.UpdatedAt = s.now()

	updated, err := s.blockRepo.Update(ctx, block)
	if err != nil {
		if errors.Is(err, repository.ErrOverlap) {
			return nil, model.NewBlockOverlapError()
		}
		return nil, fmt.Errorf("failed to update block: %w", err)
	}
	if !updated {
		return nil, model.NewBlockNotFoundError(blockID)
	}

	s.logger.Info("学習ブロックを更新しました",
		slog.String("block_id", block.ID),
		slog.String("user_id", userID),
	)

	if block.NotifyEmail {
		s.sendConfirmation(ctx, block, mail.ActionUpdated)
	}

	return block, nil
}

// Delete は指定IDのブロックを削除する。
func (s *Service) Delete(ctx context.Context, blockID, userID string) error {
	if _, err := s.ownedBlock(ctx, blockID, userID); err != nil {
		return err
	}

	deleted, err := s.blockRepo.DeleteByID(ctx, blockID)
	if err != nil {
		return fmt.Errorf("failed to delete block: %w", err)
	}
	if !deleted {
		return model.NewBlockNotFoundError(blockID)
	}

	s.logger.Info("学習ブロックを削除しました",
		slog.String("block_id", blockID),
		slog.String("user_id", userID),
	)
	return nil
}

// ListForUser はユーザーの全ブロックを開始時刻昇順で返す。
func (s *Service) ListForUser(ctx context.Context, userID string) ([]*model.StudyBlock, error) {
	blocks, err := s.blockRepo.ListByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list blocks: %w", err)
	}
	return blocks, nil
}

// GetByID は指定IDのブロックを返す。
// 存在しない場合はBlockNotFound、所有者以外の場合はBlockForbiddenを返す。
func (s *Service) GetByID(ctx context.Context, blockID, userID string) (*model.StudyBlock, error) {
	return s.ownedBlock(ctx, blockID, userID)
}

// ownedBlock はブロックを取得し、所有者を検証する。
func (s *Service) ownedBlock(ctx context.Context, blockID, userID string) (*model.StudyBlock, error) {
	block, err := s.blockRepo.FindByID(ctx, blockID)
	if err != nil {
		return nil, fmt.Errorf("failed to find block: %w", err)
	}
	if block == nil {
		return nil, model.NewBlockNotFoundError(blockID)
	}
	if block.UserID != userID {
		return nil, model.NewBlockForbiddenError()
	}
	return block, nil
}

// checkOverlap は既存ブロックとの半開区間交差を検査する。
// excludeIDが空でない場合、そのブロック自身は判定から除外する。
func (s *Service) checkOverlap(ctx context.Context, userID string, start, end time.Time, excludeID string) error {
	existing, err := s.blockRepo.ListByUserID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load existing blocks: %w", err)
	}

	for _, b := range existing {
		if b.ID == excludeID {
			continue
		}
		if Overlaps(start, end, b.StartTime, b.EndTime) {
			return model.NewBlockOverlapError()
		}
	}
	return nil
}

// sendConfirmation は作成・更新の確認メールをベストエフォートで送信する。
// 宛先ユーザーが解決できない場合や送信失敗はログに記録するのみ。
// リマインダー状態には一切触れない（確認メールとリマインダーは独立した通知）。
func (s *Service) sendConfirmation(ctx context.Context, block *model.StudyBlock, action mail.Action) {
	user, err := s.userRepo.FindByID(ctx, block.UserID)
	if err != nil || user == nil {
		s.logger.Warn("確認メールの宛先ユーザーを解決できません",
			slog.String("block_id", block.ID),
			slog.String("user_id", block.UserID),
		)
		return
	}

	if err := s.dispatcher.Send(ctx, user.Email, block, action); err != nil {
		if errors.Is(err, model.ErrMailNotConfigured) {
			return // Dispatcher側でスキップ済みログが出ている
		}
		s.logger.Warn("確認メールの送信に失敗しました",
			slog.String("block_id", block.ID),
			slog.String("error", err.Error()),
		)
	}
}

// sanitizeDraft は入力テキストフィールドをサニタイズしたコピーを返す。
func (s *Service) sanitizeDraft(draft model.BlockDraft) model.BlockDraft {
	draft.Title = s.sanitizer.Sanitize(draft.Title)
	draft.Description = s.sanitizer.Sanitize(draft.Description)
	draft.Subject = s.sanitizer.Sanitize(draft.Subject)
	return draft
}

// validateDraft はブロックの必須フィールドと時刻の順序を検証する。
func validateDraft(draft model.BlockDraft) error {
	if draft.Title == "" {
		return model.NewValidationError("タイトルは必須です")
	}
	if draft.StartTime.IsZero() || draft.EndTime.IsZero() {
		return model.NewValidationError("開始時刻と終了時刻は必須です")
	}
	if !draft.EndTime.After(draft.StartTime) {
		return model.NewValidationError("終了時刻は開始時刻より後である必要があります")
	}
	return nil
}
