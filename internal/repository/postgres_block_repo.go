package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/studyblocks/internal/model"
)

// PostgresBlockRepo はPostgreSQLを使用した学習ブロックリポジトリ。
//
// Create/Updateは「重複チェック→書き込み」をpg_advisory_xact_lockによる
// ユーザー単位の排他と同一トランザクションで行う。これにより同時リクエストが
// 両方ともチェックを通過して重複ブロックをコミットする競合を防ぐ。
type PostgresBlockRepo struct {
	db *sql.DB
}

// NewPostgresBlockRepo はPostgresBlockRepoを生成する。
func NewPostgresBlockRepo(db *sql.DB) *PostgresBlockRepo {
	return &PostgresBlockRepo{db: db}
}

const blockColumns = `id, user_id, title, description, start_time, end_time,
	        subject, color, notify_email, reminder_state, created_at, updated_at`

// scanBlock は1行分のブロックを読み取る。
func scanBlock(row interface{ Scan(...any) error }) (*model.StudyBlock, error) {
	b := &model.StudyBlock{}
	err := row.Scan(
		&b.ID, &b.UserID, &b.Title, &b.Description, &b.StartTime, &b.EndTime,
		&b.Subject, &b.Color, &b.NotifyEmail, &b.ReminderState, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// FindByID は指定IDのブロックを取得する。見つからない場合はnilを返す。
func (r *PostgresBlockRepo) FindByID(ctx context.Context, id string) (*model.StudyBlock, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+blockColumns+` FROM study_blocks WHERE id = $1`,
		id,
	)

	block, err := scanBlock(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find block by ID: %w", err)
	}

	return block, nil
}

// ListByUserID はユーザーの全ブロックをstart_time昇順で返す。
func (r *PostgresBlockRepo) ListByUserID(ctx context.Context, userID string) ([]*model.StudyBlock, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+blockColumns+` FROM study_blocks
		 WHERE user_id = $1
		 ORDER BY start_time ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list blocks: %w", err)
	}
	defer rows.Close()

	var blocks []*model.StudyBlock
	for rows.Next() {
		block, err := scanBlock(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan block: %w", err)
		}
		blocks = append(blocks, block)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate blocks: %w", err)
	}

	return blocks, nil
}

// lockUserSchedule は同一ユーザーのスケジュール書き込みを直列化する
// トランザクションスコープのアドバイザリロックを取得する。
func lockUserSchedule(ctx context.Context, tx *sql.Tx, userID string) error {
	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`, userID,
	); err != nil {
		return fmt.Errorf("failed to acquire user schedule lock: %w", err)
	}
	return nil
}

// hasOverlap はトランザクション内で半開区間[start, end)の重複を検査する。
// excludeIDが空でない場合、そのブロック自身は判定から除外する。
func hasOverlap(ctx context.Context, tx *sql.Tx, userID string, start, end time.Time, excludeID string) (bool, error) {
	var exists bool
	err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM study_blocks
		   WHERE user_id = $1
		     AND ($2 = '' OR id::text <> $2)
		     AND start_time < $4
		     AND end_time > $3
		 )`,
		userID, excludeID, start, end,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check overlap: %w", err)
	}
	return exists, nil
}

// Create はブロックを作成する。
// 既存ブロックと時間帯が重なる場合はErrOverlapを返す。
func (r *PostgresBlockRepo) Create(ctx context.Context, block *model.StudyBlock) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := lockUserSchedule(ctx, tx, block.UserID); err != nil {
		return err
	}

	overlap, err := hasOverlap(ctx, tx, block.UserID, block.StartTime, block.EndTime, "")
	if err != nil {
		return err
	}
	if overlap {
		return ErrOverlap
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO study_blocks
		   (id, user_id, title, description, start_time, end_time,
		    subject, color, notify_email, reminder_state, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		block.ID, block.UserID, block.Title, block.Description,
		block.StartTime, block.EndTime, block.Subject, block.Color,
		block.NotifyEmail, block.ReminderState, block.CreatedAt, block.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert block: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// Update はブロックを上書き更新する。
// 自ブロックを除いた重複がある場合はErrOverlapを、対象が存在しない場合はfalseを返す。
func (r *PostgresBlockRepo) Update(ctx context.Context, block *model.StudyBlock) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := lockUserSchedule(ctx, tx, block.UserID); err != nil {
		return false, err
	}

	overlap, err := hasOverlap(ctx, tx, block.UserID, block.StartTime, block.EndTime, block.ID)
	if err != nil {
		return false, err
	}
	if overlap {
		return false, ErrOverlap
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE study_blocks
		 SET title = $2, description = $3, start_time = $4, end_time = $5,
		     subject = $6, color = $7, notify_email = $8, updated_at = $9
		 WHERE id = $1`,
		block.ID, block.Title, block.Description, block.StartTime, block.EndTime,
		block.Subject, block.Color, block.NotifyEmail, block.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update block: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return false, nil
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return true, nil
}

// DeleteByID は指定IDのブロックを削除する。削除した場合はtrueを返す。
func (r *PostgresBlockRepo) DeleteByID(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM study_blocks WHERE id = $1`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to delete block: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// ListDueForReminder はリマインダー送信対象のブロックをstart_time昇順で返す。
func (r *PostgresBlockRepo) ListDueForReminder(ctx context.Context, from, to time.Time) ([]*model.StudyBlock, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+blockColumns+` FROM study_blocks
		 WHERE notify_email
		   AND reminder_state = 'pending'
		   AND start_time >= $1
		   AND start_time <= $2
		 ORDER BY start_time ASC`,
		from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list due blocks: %w", err)
	}
	defer rows.Close()

	var blocks []*model.StudyBlock
	for rows.Next() {
		block, err := scanBlock(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan block: %w", err)
		}
		blocks = append(blocks, block)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate due blocks: %w", err)
	}

	return blocks, nil
}

// MarkReminderSent はリマインダー状態をpendingからsentへ条件付きで遷移させる。
// WHERE句で現在の状態を検査するため、同時実行されても片方だけがtrueを得る。
func (r *PostgresBlockRepo) MarkReminderSent(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE study_blocks
		 SET reminder_state = 'sent', updated_at = now()
		 WHERE id = $1 AND reminder_state = 'pending'`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark reminder sent: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// DeleteEndedBefore は終了時刻がcutoffより古いブロックを削除し、削除件数を返す。
func (r *PostgresBlockRepo) DeleteEndedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM study_blocks WHERE end_time < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete ended blocks: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return deleted, nil
}

// compile-time interface check
var _ BlockRepository = (*PostgresBlockRepo)(nil)
