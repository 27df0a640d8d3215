// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/studyblocks/internal/model"
)

// ErrOverlap は同一ユーザーの既存ブロックと時間帯が重複していることを示す。
// BlockRepositoryのCreate/Updateがトランザクション内の重複チェックで返す。
var ErrOverlap = errors.New("overlapping study block exists")

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// CreateWithIdentity はユーザーとidentityを同一トランザクションで作成する。
	CreateWithIdentity(ctx context.Context, user *model.User, identity *model.Identity) error

	// UpdateProfile はIdPから取得した表示名とアバターURLを更新する。
	// ログインのたびに最新のプロフィールへ同期するために使用する。
	UpdateProfile(ctx context.Context, id, name, picture string) error

	// DeleteByID は指定IDのユーザーを削除する。
	// 関連するidentities、sessions、study_blocksはCASCADE削除される。
	DeleteByID(ctx context.Context, id string) error
}

// IdentityRepository は外部IdP紐付け情報の永続化インターフェース。
type IdentityRepository interface {
	// FindByProviderAndProviderUserID はproviderとprovider_user_idでidentityを検索する。
	// 見つからない場合はnilを返す。
	FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error)
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteByUserID は指定ユーザーの全セッションを削除する。
	DeleteByUserID(ctx context.Context, userID string) error
}

// BlockRepository は学習ブロックの永続化インターフェース。
type BlockRepository interface {
	// FindByID は指定IDのブロックを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.StudyBlock, error)

	// ListByUserID はユーザーの全ブロックをstart_time昇順で返す。
	ListByUserID(ctx context.Context, userID string) ([]*model.StudyBlock, error)

	// Create はブロックを作成する。
	// 同一トランザクション内でユーザー単位の排他ロックを取り重複チェックを行う。
	// 既存ブロックと[StartTime, EndTime)が重なる場合はErrOverlapを返す。
	Create(ctx context.Context, block *model.StudyBlock) error

	// Update はブロックを上書き更新する。重複チェックは自ブロックを除外して行い、
	// 重なる場合はErrOverlapを返す。対象が存在しない場合はfalseを返す。
	Update(ctx context.Context, block *model.StudyBlock) (bool, error)

	// DeleteByID は指定IDのブロックを削除する。削除した場合はtrueを返す。
	DeleteByID(ctx context.Context, id string) (bool, error)

	// ListDueForReminder はリマインダー送信対象のブロックを返す。
	// notify_email=true かつ reminder_state='pending' かつ
	// start_timeが[from, to]に含まれるブロックをstart_time昇順で返す。
	ListDueForReminder(ctx context.Context, from, to time.Time) ([]*model.StudyBlock, error)

	// MarkReminderSent はリマインダー状態をpendingからsentへ条件付きで遷移させる。
	// 遷移できた場合はtrueを、既にsentまたは対象なしの場合はfalseを返す。
	// 複数スケジューラが同時に動いても二重送信を防ぐためのCAS操作。
	MarkReminderSent(ctx context.Context, id string) (bool, error)

	// DeleteEndedBefore は終了時刻がcutoffより古いブロックを削除し、削除件数を返す。
	DeleteEndedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
