package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPConfig 描述告警交换机。
type AMQPConfig struct {
	URL      string
	Exchange string
	// RoutingPrefix 与事件类型拼接成路由键，例如 treasury.alert.discrepancy_alert。
	RoutingPrefix string
}

// AMQPNotifier 把告警事件以 JSON 发布到 topic 交换机，供外部通知系统订阅。
type AMQPNotifier struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	prefix   string
	mu       sync.Mutex
}

// NewAMQPNotifier 连接 RabbitMQ 并声明交换机。
func NewAMQPNotifier(cfg AMQPConfig) (*AMQPNotifier, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "treasury.alerts"
	}
	prefix := cfg.RoutingPrefix
	if prefix == "" {
		prefix = "treasury.alert."
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ 通道失败: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明告警交换机失败: %w", err)
	}
	return &AMQPNotifier{conn: conn, channel: ch, exchange: exchange, prefix: prefix}, nil
}

// Channel 返回 AMQP 渠道。
func (n *AMQPNotifier) Channel() Channel { return ChannelAMQP }

// Notify 发布事件。
func (n *AMQPNotifier) Notify(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.channel.PublishWithContext(ctx, n.exchange, n.prefix+string(event.Kind), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID,
		Timestamp:    event.OccurredAt,
		Type:         string(event.Kind),
		Body:         body,
	})
}

// Close 关闭连接。
func (n *AMQPNotifier) Close() error {
	if n == nil {
		return nil
	}
	var errs []error
	if n.channel != nil {
		errs = append(errs, n.channel.Close())
	}
	if n.conn != nil {
		errs = append(errs, n.conn.Close())
	}
	return errors.Join(errs...)
}
