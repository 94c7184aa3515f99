package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"

	"TreasuryGuard/pkg/logger"
)

// EmailSender 定义发送邮件所需的能力。
type EmailSender interface {
	Send(ctx context.Context, subject, content string, to []string) error
}

// EmailNotifier 通过邮件发送告警。
type EmailNotifier struct {
	Sender        EmailSender
	To            []string
	SubjectPrefix string
}

// Channel 返回邮件渠道。
func (n *EmailNotifier) Channel() Channel { return ChannelEmail }

// Notify 发送邮件。
func (n *EmailNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil || len(n.To) == 0 {
		logger.L().Warn("EmailNotifier 未正确配置，跳过发送", slog.String("kind", string(event.Kind)))
		return nil
	}
	return n.Sender.Send(ctx, n.SubjectPrefix+event.Subject(), event.Body(), n.To)
}

// SMTPSender 使用 SMTP PLAIN 认证发送邮件。
type SMTPSender struct {
	Addr     string
	Host     string
	From     string
	Username string
	Password string
}

// Send 发送纯文本邮件。
func (s *SMTPSender) Send(ctx context.Context, subject, content string, to []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var auth smtp.Auth
	if s.Username != "" {
		host := s.Host
		if host == "" {
			host = strings.Split(s.Addr, ":")[0]
		}
		auth = smtp.PlainAuth("", s.Username, s.Password, host)
	}
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		s.From, strings.Join(to, ","), subject, content)
	if err := smtp.SendMail(s.Addr, auth, s.From, to, []byte(msg)); err != nil {
		return fmt.Errorf("发送告警邮件失败: %w", err)
	}
	return nil
}
