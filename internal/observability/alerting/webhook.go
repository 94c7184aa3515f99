package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"TreasuryGuard/pkg/logger"
)

// WebhookSender 以 JSON POST 的方式调用机器人 webhook。
type WebhookSender struct {
	URL    string
	Client *http.Client
}

// Post 发送 JSON 载荷。
func (s *WebhookSender) Post(ctx context.Context, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("调用 webhook 失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook 返回状态 %d: %s", resp.StatusCode, string(snippet))
	}
	return nil
}

// SlackNotifier 通过 Slack incoming webhook 发送告警。
type SlackNotifier struct {
	Sender    *WebhookSender
	ChannelID string
}

// Channel 返回 Slack 渠道。
func (n *SlackNotifier) Channel() Channel { return ChannelSlack }

// Notify 发送 Slack 消息。
func (n *SlackNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil || n.Sender.URL == "" {
		logger.L().Warn("SlackNotifier 未正确配置，跳过发送", slog.String("kind", string(event.Kind)))
		return nil
	}
	payload := map[string]string{
		"text": fmt.Sprintf("*%s* %s", event.Subject(), event.Reason),
	}
	if n.ChannelID != "" {
		payload["channel"] = n.ChannelID
	}
	return n.Sender.Post(ctx, payload)
}

// DingTalkNotifier 通过钉钉机器人发送告警。
type DingTalkNotifier struct {
	Sender *WebhookSender
}

// Channel 返回钉钉渠道。
func (n *DingTalkNotifier) Channel() Channel { return ChannelDingTalk }

// Notify 发送钉钉消息。
func (n *DingTalkNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil || n.Sender.URL == "" {
		logger.L().Warn("DingTalkNotifier 未正确配置，跳过发送", slog.String("kind", string(event.Kind)))
		return nil
	}
	return n.Sender.Post(ctx, map[string]any{
		"msgtype": "text",
		"text":    map[string]string{"content": event.Subject() + "\n" + event.Body()},
	})
}
