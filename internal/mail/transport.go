// Package mail は学習ブロックの通知メールの組み立てと送信を提供する。
package mail

import (
	"context"
	"fmt"

	gomail "github.com/wneessen/go-mail"
)

// Transport はメール送信手段のインターフェース。
// 実装はSMTPTransportのほか、テスト用のモックを想定している。
// グローバルなクライアントは持たず、プロセス起動時に生成して注入する。
type Transport interface {
	// Send は指定アドレスへHTMLメールを1通送信する。
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// SMTPConfig はSMTPTransportの接続設定。
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPTransport はgo-mailによるSMTP送信の実装。
type SMTPTransport struct {
	client *gomail.Client
	from   string
}

// NewSMTPTransport はSMTPTransportを生成する。
// 認証はPLAIN、TLSはポートに応じた必須ポリシーを使用する。
// 接続は送信のたびに確立される（送信頻度が低いため常時接続は持たない）。
func NewSMTPTransport(cfg SMTPConfig) (*SMTPTransport, error) {
	client, err := gomail.NewClient(cfg.Host,
		gomail.WithPort(cfg.Port),
		gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
		gomail.WithUsername(cfg.Username),
		gomail.WithPassword(cfg.Password),
		gomail.WithTLSPortPolicy(gomail.TLSMandatory),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create smtp client: %w", err)
	}

	return &SMTPTransport{
		client: client,
		from:   cfg.From,
	}, nil
}

// Send は指定アドレスへHTMLメールを1通送信する。
func (t *SMTPTransport) Send(ctx context.Context, to, subject, htmlBody string) error {
	msg := gomail.NewMsg()
	if err := msg.From(t.from); err != nil {
		return fmt.Errorf("invalid from address: %w", err)
	}
	if err := msg.To(to); err != nil {
		return fmt.Errorf("invalid to address: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(gomail.TypeTextHTML, htmlBody)

	if err := t.client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("failed to send mail: %w", err)
	}

	return nil
}

// compile-time interface check
var _ Transport = (*SMTPTransport)(nil)
