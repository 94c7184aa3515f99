package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "TreasuryGuard/internal/errors"
	"TreasuryGuard/pkg/logger"
)

// Kind 表示告警事件的类型，外部通知系统据此路由。
type Kind string

const (
	KindDiscrepancy          Kind = "discrepancy_alert"
	KindEmergencyActivated   Kind = "emergency_activated"
	KindEmergencyDeactivated Kind = "emergency_deactivated"
	KindApprovalInsufficient Kind = "approval_insufficient"
	KindApprovalRequested    Kind = "approval_requested"
	KindManualReview         Kind = "manual_review"
	KindExecutionFailed      Kind = "execution_failed"
	KindAccountFrozen        Kind = "account_frozen"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelLog      Channel = "log"
	ChannelEmail    Channel = "email"
	ChannelDingTalk Channel = "dingtalk"
	ChannelSlack    Channel = "slack"
	ChannelAMQP     Channel = "amqp"
)

// Event 描述一次需要告警的事件。
type Event struct {
	ID         string            `json:"id"`
	Kind       Kind              `json:"kind"`
	Code       xerrors.Code      `json:"code,omitempty"`
	Severity   xerrors.Severity  `json:"severity"`
	Reason     string            `json:"reason"`
	AccountID  string            `json:"account_id,omitempty"`
	RequestID  string            `json:"request_id,omitempty"`
	ResultID   string            `json:"result_id,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Subject 返回适合标题的简短描述。
func (e Event) Subject() string {
	target := e.AccountID
	if target == "" {
		target = e.RequestID
	}
	if target == "" {
		return fmt.Sprintf("[%s] %s", e.Severity, e.Kind)
	}
	return fmt.Sprintf("[%s] %s %s", e.Severity, e.Kind, target)
}

// Body 返回多行文本正文，元数据按键排序。
func (e Event) Body() string {
	content := fmt.Sprintf("告警时间: %s\n类型: %s\n级别: %s\n描述: %s",
		e.OccurredAt.Format(time.RFC3339), e.Kind, e.Severity, e.Reason)
	if e.AccountID != "" {
		content += "\n账户: " + e.AccountID
	}
	if e.RequestID != "" {
		content += "\n请求: " + e.RequestID
	}
	if e.Code != "" {
		content += "\n错误码: " + string(e.Code)
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		content += "\n详情:\n"
		for _, k := range keys {
			content += fmt.Sprintf("- %s: %s\n", k, e.Metadata[k])
		}
	}
	return content
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Channels 返回已注册的渠道。
func (d *FanoutDispatcher) Channels() []Channel {
	if d == nil {
		return nil
	}
	out := make([]Channel, 0, len(d.notifiers))
	for ch := range d.notifiers {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Notify 将事件广播至所有注册渠道，单个渠道失败不影响其他渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Emit 补全事件 ID 与时间后派发，派发失败只记录日志。
func Emit(ctx context.Context, d Dispatcher, event Event) {
	if d == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if event.Severity == "" {
		event.Severity = xerrors.SeverityWarning
	}
	if err := d.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("kind", string(event.Kind)),
			slog.String("account_id", event.AccountID),
			slog.String("request_id", event.RequestID),
		)
	}
}

// LogNotifier 把事件写入审计日志。
type LogNotifier struct{}

// Channel 返回日志渠道。
func (LogNotifier) Channel() Channel { return ChannelLog }

// Notify 写审计日志。
func (LogNotifier) Notify(_ context.Context, event Event) error {
	level := slog.LevelWarn
	switch event.Severity {
	case xerrors.SeverityInfo:
		level = slog.LevelInfo
	case xerrors.SeverityCritical:
		level = slog.LevelError
	}
	logger.Audit().Log(context.Background(), level, "告警事件",
		slog.String("alert_id", event.ID),
		slog.String("kind", string(event.Kind)),
		slog.String("severity", string(event.Severity)),
		slog.String("reason", event.Reason),
		slog.String("account_id", event.AccountID),
		slog.String("request_id", event.RequestID),
		slog.Any("metadata", event.Metadata),
	)
	return nil
}

// Recorder 在内存中保存收到的事件，用于测试和运维查询最近告警。
type Recorder struct {
	mu     sync.Mutex
	events []Event
	limit  int
}

// NewRecorder 创建最多保留 limit 条事件的记录器，limit<=0 表示不限。
func NewRecorder(limit int) *Recorder {
	return &Recorder{limit: limit}
}

// Channel 返回日志渠道的变体名称。
func (r *Recorder) Channel() Channel { return "recorder" }

// Notify 记录事件。
func (r *Recorder) Notify(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	if r.limit > 0 && len(r.events) > r.limit {
		r.events = r.events[len(r.events)-r.limit:]
	}
	return nil
}

// Events 返回事件副本。
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfKind 返回指定类型的事件。
func (r *Recorder) OfKind(kind Kind) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}
