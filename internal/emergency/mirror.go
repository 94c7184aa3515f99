package emergency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisMirrorConfig 描述紧急状态镜像的 Redis 参数。
type RedisMirrorConfig struct {
	Address  string
	Password string
	DB       int
	Key      string
	Channel  string
}

// RedisMirror 把紧急状态写入 Redis 并发布变更，供其他进程读取。
type RedisMirror struct {
	client  *redis.Client
	key     string
	channel string
}

// NewRedisMirror 创建镜像并检查连接。
func NewRedisMirror(cfg RedisMirrorConfig) (*RedisMirror, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return newRedisMirror(client, cfg), nil
}

func newRedisMirror(client *redis.Client, cfg RedisMirrorConfig) *RedisMirror {
	key := cfg.Key
	if key == "" {
		key = "treasury:emergency"
	}
	channel := cfg.Channel
	if channel == "" {
		channel = "treasury:emergency:events"
	}
	return &RedisMirror{client: client, key: key, channel: channel}
}

// Name 实现 Procedure。
func (m *RedisMirror) Name() string { return ProcedureMirrorState }

// Run 在进入紧急模式时发布状态。
func (m *RedisMirror) Run(ctx context.Context, state State) error {
	return m.Publish(ctx, state)
}

// Recover 在解除紧急模式时发布状态。
func (m *RedisMirror) Recover(ctx context.Context, state State) error {
	return m.Publish(ctx, state)
}

// Publish 写入最新状态并广播。
func (m *RedisMirror) Publish(ctx context.Context, state State) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("序列化紧急状态失败: %w", err)
	}
	pipe := m.client.TxPipeline()
	pipe.Set(ctx, m.key, payload, 0)
	pipe.Publish(ctx, m.channel, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("Redis 发布紧急状态失败: %w", err)
	}
	return nil
}

// Load 读取镜像中的状态。
func (m *RedisMirror) Load(ctx context.Context) (*State, error) {
	raw, err := m.client.Get(ctx, m.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return &State{}, nil
		}
		return nil, fmt.Errorf("Redis 读取紧急状态失败: %w", err)
	}
	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("解析紧急状态失败: %w", err)
	}
	return &state, nil
}

// Close 关闭 Redis 连接。
func (m *RedisMirror) Close() error {
	if m == nil || m.client == nil {
		return nil
	}
	return m.client.Close()
}

var (
	_ Procedure = (*RedisMirror)(nil)
	_ Recoverer = (*RedisMirror)(nil)
)
