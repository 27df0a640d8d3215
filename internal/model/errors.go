// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, schedule, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeBlockOverlap   = "BLOCK_OVERLAP"
	ErrCodeBlockNotFound  = "BLOCK_NOT_FOUND"
	ErrCodeUserNotFound   = "USER_NOT_FOUND"
	ErrCodeBlockForbidden = "BLOCK_FORBIDDEN"
)

// ErrMailNotConfigured はメール送信設定が未構成であることを示す。
// 呼び出し側はこのエラーを致命的エラーとして扱わず、通知をスキップする。
var ErrMailNotConfigured = errors.New("mail transport is not configured")

// NewValidationError は入力値バリデーションエラーを生成する。
func NewValidationError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  fmt.Sprintf("入力値が不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認して再度お試しください。",
	}
}

// NewBlockOverlapError は学習ブロックの時間帯重複エラーを生成する。
func NewBlockOverlapError() *APIError {
	return &APIError{
		Code:     ErrCodeBlockOverlap,
		Message:  "指定された時間帯は既存の学習ブロックと重複しています。",
		Category: "schedule",
		Action:   "開始・終了時刻を変更するか、既存のブロックを削除してください。",
	}
}

// NewBlockNotFoundError はブロック未検出エラーを生成する。
func NewBlockNotFoundError(blockID string) *APIError {
	return &APIError{
		Code:     ErrCodeBlockNotFound,
		Message:  fmt.Sprintf("指定された学習ブロックが見つかりません: %s", blockID),
		Category: "schedule",
		Action:   "ブロックIDを確認してください。",
	}
}

// NewBlockForbiddenError は他ユーザーのブロックへの操作エラーを生成する。
func NewBlockForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeBlockForbidden,
		Message:  "このブロックを操作する権限がありません。",
		Category: "auth",
		Action:   "自分が作成したブロックのみ操作できます。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}
