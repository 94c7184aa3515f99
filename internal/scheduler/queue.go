package scheduler

import (
	"sync"
	"time"

	"TreasuryGuard/internal/ledger"
)

// Item 是队列中的一个待执行请求。
type Item struct {
	Request    ledger.TransactionRequest
	Attempts   int
	EnqueuedAt time.Time
}

// Queue 是双通道执行队列：优先通道（紧急、危机、直接响应）总是先于普通通道出队，
// 两个通道内部均为 FIFO。队列无界，通过带缓冲的信号通道支持可取消的等待。
type Queue struct {
	mu       sync.Mutex
	priority []*Item
	normal   []*Item
	signal   chan struct{}
}

// NewQueue 创建空队列。
func NewQueue() *Queue {
	return &Queue{
		priority: make([]*Item, 0, 16),
		normal:   make([]*Item, 0, 64),
		signal:   make(chan struct{}, 1),
	}
}

// Push 按请求优先级放入对应通道。
func (q *Queue) Push(item *Item) {
	q.mu.Lock()
	if item.Request.Expedited() {
		q.priority = append(q.priority, item)
	} else {
		q.normal = append(q.normal, item)
	}
	q.mu.Unlock()
	q.notify()
}

// Requeue 把重试项放回普通通道尾部。
func (q *Queue) Requeue(item *Item) {
	q.mu.Lock()
	q.normal = append(q.normal, item)
	q.mu.Unlock()
	q.notify()
}

// TryPop 非阻塞出队。
func (q *Queue) TryPop() (*Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if item, ok := pop(&q.priority); ok {
		return item, true
	}
	return pop(&q.normal)
}

func pop(lane *[]*Item) (*Item, bool) {
	items := *lane
	if len(items) == 0 {
		return nil, false
	}
	item := items[0]
	items[0] = nil
	if len(items) == 1 {
		*lane = items[:0]
	} else {
		*lane = items[1:]
	}
	return item, true
}

// Wait 返回可能有新元素的信号通道。
func (q *Queue) Wait() <-chan struct{} {
	return q.signal
}

// Len 返回两个通道的长度。
func (q *Queue) Len() (priority, normal int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.priority), len(q.normal)
}

// Clear 清空队列并返回被丢弃的元素。
func (q *Queue) Clear() []*Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Item, 0, len(q.priority)+len(q.normal))
	out = append(out, q.priority...)
	out = append(out, q.normal...)
	q.priority = q.priority[:0]
	q.normal = q.normal[:0]
	return out
}

func (q *Queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
