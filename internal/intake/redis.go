package intake

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	xerrors "TreasuryGuard/internal/errors"
	"TreasuryGuard/internal/ledger"
	"TreasuryGuard/pkg/logger"
)

// RedisConfig 描述 Redis 通道的连接参数。
type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// RedisQueue 是基于 list 的可靠队列：生产者 LPUSH，消费者 BLMOVE 到
// "<queue>:processing"，处理成功后 LREM，失败时移回主队列。
type RedisQueue struct {
	client     *redis.Client
	queue      string
	processing string
	wait       time.Duration
	log        *slog.Logger
}

// NewRedisQueue 连接 Redis 并返回通道。
func NewRedisQueue(ctx context.Context, cfg RedisConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "Redis 地址不能为空")
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Address, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 Redis 失败")
	}
	return NewRedisQueueWithClient(client, cfg), nil
}

// NewRedisQueueWithClient 复用已有的客户端。
func NewRedisQueueWithClient(client *redis.Client, cfg RedisConfig) *RedisQueue {
	q := &RedisQueue{
		client: client,
		queue:  cfg.Queue,
		wait:   cfg.BlockWait,
		log:    logger.Named("intake"),
	}
	if q.queue == "" {
		q.queue = "treasury:requests"
	}
	if q.wait <= 0 {
		q.wait = 5 * time.Second
	}
	q.processing = q.queue + ":processing"
	return q
}

// Publish 把请求推入 list。
func (q *RedisQueue) Publish(ctx context.Context, req ledger.TransactionRequest) error {
	payload, err := Encode(req)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.queue, payload).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 投递请求失败")
	}
	return nil
}

// Recover 把上次进程退出时遗留在处理中列表的消息移回主队列。
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		err := q.client.LMove(ctx, q.processing, q.queue, "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, xerrors.Wrap(xerrors.CodeQueueFailure, err, "恢复处理中消息失败")
		}
		moved++
	}
}

// Consume 启动 workerCount 个消费者，直到上下文取消或 Redis 出错。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if n, err := q.Recover(ctx); err != nil {
		return err
	} else if n > 0 {
		q.log.Warn("恢复未确认的消息", slog.String("queue", q.queue), slog.Int("count", n))
	}
	g, gctx := errgroup.WithContext(ctx)
	for range max(workerCount, 1) {
		g.Go(func() error { return q.work(gctx, handler) })
	}
	return g.Wait()
}

func (q *RedisQueue) work(ctx context.Context, handler Handler) error {
	for ctx.Err() == nil {
		payload, err := q.client.BLMove(ctx, q.queue, q.processing, "RIGHT", "LEFT", q.wait).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 取消息失败")
		}

		if herr := handler(ctx, []byte(payload)); herr != nil {
			q.log.Warn("处理消息失败，移回队列", slog.String("queue", q.queue), slog.Any("error", herr))
			_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.LRem(ctx, q.processing, 1, payload)
				p.LPush(ctx, q.queue, payload)
				return nil
			})
		} else {
			err = q.client.LRem(ctx, q.processing, 1, payload).Err()
		}
		if err != nil && ctx.Err() == nil {
			q.log.Error("确认消息失败", slog.String("queue", q.queue), slog.Any("error", err))
		}
	}
	return ctx.Err()
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
