package intake

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	xerrors "TreasuryGuard/internal/errors"
	"TreasuryGuard/internal/ledger"
	"TreasuryGuard/pkg/logger"
)

var errQueueClosed = xerrors.New(xerrors.CodeQueueFailure, "通道已关闭")

// MemoryQueue 是进程内的有界通道，用于测试与单机部署。
// 处理失败的消息放回队尾。
type MemoryQueue struct {
	pending chan []byte
	done    chan struct{}
	once    sync.Once
	log     *slog.Logger
}

func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{
		pending: make(chan []byte, size),
		done:    make(chan struct{}),
		log:     logger.Named("intake"),
	}
}

func (q *MemoryQueue) Publish(ctx context.Context, req ledger.TransactionRequest) error {
	payload, err := Encode(req)
	if err != nil {
		return err
	}
	return q.PublishRaw(ctx, payload)
}

// PublishRaw 投递原始消息体，队列满时阻塞到有空位、ctx 结束或通道关闭。
func (q *MemoryQueue) PublishRaw(ctx context.Context, payload []byte) error {
	select {
	case <-q.done:
		return errQueueClosed
	default:
	}
	select {
	case q.pending <- payload:
		return nil
	case <-q.done:
		return errQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	g, gctx := errgroup.WithContext(ctx)
	for range max(workerCount, 1) {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case <-q.done:
					return nil
				case payload := <-q.pending:
					if err := handler(gctx, payload); err == nil {
						continue
					}
					if err := q.PublishRaw(gctx, payload); err != nil {
						q.log.Warn("重新入队失败，消息丢弃", slog.Any("error", err))
					}
				}
			}
		})
	}
	return g.Wait()
}

// Close 关闭通道，之后的投递返回错误，消费者退出。
func (q *MemoryQueue) Close() error {
	q.once.Do(func() { close(q.done) })
	return nil
}
