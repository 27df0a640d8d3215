package mail

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"time"

	"github.com/hitoshi/studyblocks/internal/model"
)

// Action は通知メールの種別を表す。
// 作成確認・更新確認とリマインダーは論理的に別の通知であり、
// リマインダーの送信済み状態は作成・更新通知の影響を受けない。
type Action string

const (
	// ActionCreated はブロック作成の確認通知。
	ActionCreated Action = "created"
	// ActionUpdated はブロック更新の確認通知。
	ActionUpdated Action = "updated"
	// ActionReminder は開始前のリマインダー通知。
	ActionReminder Action = "reminder"
)

// 通知メールの表示用時刻フォーマット。
const displayTimeLayout = "2006/01/02 15:04"

// bodyTemplate は通知メール本文のHTMLテンプレート。
// html/templateによりユーザー入力値は自動エスケープされる。
var bodyTemplate = template.Must(template.New("notification").Parse(`<div style="font-family: sans-serif; max-width: 600px; margin: 0 auto;">
  <h2 style="color: #3b82f6;">{{.Heading}}</h2>
  <p><strong>タイトル:</strong> {{.Title}}</p>
  <p><strong>科目:</strong> {{.Subject}}</p>
  <p><strong>開始:</strong> {{.Start}}</p>
  <p><strong>終了:</strong> {{.End}}</p>
  <p><strong>メモ:</strong> {{.Description}}</p>
  <hr style="margin: 20px 0;">
  <p style="color: #666; font-size: 12px;">このメールはStudy Blocksからの自動通知です。</p>
</div>`))

// bodyParams はbodyTemplateへの埋め込み値。
type bodyParams struct {
	Heading     string
	Title       string
	Subject     string
	Start       string
	End         string
	Description string
}

// Dispatcher は学習ブロックの通知メールを組み立てて送信する。
// 送信の失敗は呼び出し側の主処理を妨げてはならないベストエフォート動作。
type Dispatcher struct {
	transport Transport
	logger    *slog.Logger
}

// NewDispatcher はDispatcherを生成する。
// transportがnilの場合、メール設定が未構成として全ての送信をスキップする。
func NewDispatcher(transport Transport, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		transport: transport,
		logger:    logger,
	}
}

// Send は指定アクションの通知メールを1通送信する。
// メール設定が未構成の場合はmodel.ErrMailNotConfiguredを返す。
// 呼び出し側はこのエラーを通知スキップとして扱い、主処理を継続すること。
func (d *Dispatcher) Send(ctx context.Context, userEmail string, block *model.StudyBlock, action Action) error {
	if d.transport == nil {
		d.logger.Warn("メール設定が未構成のため通知をスキップします",
			slog.String("block_id", block.ID),
			slog.String("action", string(action)),
		)
		return model.ErrMailNotConfigured
	}

	subject := subjectFor(block, action)
	body, err := renderBody(block, action)
	if err != nil {
		return fmt.Errorf("failed to render mail body: %w", err)
	}

	if err := d.transport.Send(ctx, userEmail, subject, body); err != nil {
		return fmt.Errorf("failed to dispatch %s mail: %w", action, err)
	}

	d.logger.Info("通知メールを送信しました",
		slog.String("block_id", block.ID),
		slog.String("action", string(action)),
	)
	return nil
}

// subjectFor はアクションに応じたメール件名を返す。
func subjectFor(block *model.StudyBlock, action Action) string {
	switch action {
	case ActionCreated:
		return fmt.Sprintf("学習ブロックを作成しました: %s", block.Title)
	case ActionUpdated:
		return fmt.Sprintf("学習ブロックを更新しました: %s", block.Title)
	default:
		return fmt.Sprintf("リマインダー: 学習ブロック「%s」がまもなく開始します", block.Title)
	}
}

// headingFor はアクションに応じた本文見出しを返す。
func headingFor(action Action) string {
	switch action {
	case ActionCreated:
		return "学習ブロックを作成しました"
	case ActionUpdated:
		return "学習ブロックを更新しました"
	default:
		return "まもなく学習ブロックが始まります"
	}
}

// renderBody は通知メールのHTML本文を生成する。
func renderBody(block *model.StudyBlock, action Action) (string, error) {
	params := bodyParams{
		Heading:     headingFor(action),
		Title:       block.Title,
		Subject:     orUnset(block.Subject),
		Start:       formatDisplayTime(block.StartTime),
		End:         formatDisplayTime(block.EndTime),
		Description: orUnset(block.Description),
	}

	var buf bytes.Buffer
	if err := bodyTemplate.Execute(&buf, params); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// formatDisplayTime は時刻を表示用フォーマットに変換する。
func formatDisplayTime(t time.Time) string {
	return t.Local().Format(displayTimeLayout)
}

// orUnset は空文字列を表示用の「未設定」に置き換える。
func orUnset(s string) string {
	if s == "" {
		return "未設定"
	}
	return s
}
