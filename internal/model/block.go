// Package model はドメインモデルを定義する。
package model

import "time"

// デフォルトの表示色。カレンダーUIでブロックの帯に使用される。
const DefaultBlockColor = "#3b82f6"

// StudyBlock はユーザーが予約した学習時間帯を表す。
// 区間は[StartTime, EndTime)の半開区間として扱い、
// 同一ユーザーのブロック同士は重なってはならない。
type StudyBlock struct {
	ID            string
	UserID        string
	Title         string
	Description   string
	StartTime     time.Time
	EndTime       time.Time
	Subject       string
	Color         string
	NotifyEmail   bool
	ReminderState ReminderState
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ReminderState は開始前リマインダーの送信状態を表す。
// pending → sent の一方向にのみ遷移し、sentが終端状態となる。
type ReminderState string

const (
	// ReminderStatePending はリマインダー未送信の状態。
	ReminderStatePending ReminderState = "pending"
	// ReminderStateSent はリマインダー送信済みの状態。
	ReminderStateSent ReminderState = "sent"
)

// BlockDraft はブロックの作成・更新リクエストの入力値を表す。
// サービス層でバリデーションされた後にStudyBlockへ反映される。
type BlockDraft struct {
	Title       string
	Description string
	StartTime   time.Time
	EndTime     time.Time
	Subject     string
	Color       string
	NotifyEmail bool
}
