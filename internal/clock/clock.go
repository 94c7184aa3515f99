// Package clock 为调度器、审批与对账提供可替换的时间源。
package clock

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock 是控制器使用的时间抽象，测试中替换为 clockwork.FakeClock 以推进虚拟时间。
type Clock = clockwork.Clock

// Real 返回系统时钟。
func Real() Clock {
	return clockwork.NewRealClock()
}

// OrReal 在 c 为空时回退到系统时钟。
func OrReal(c Clock) Clock {
	if c == nil {
		return Real()
	}
	return c
}

// Sleep 等待 d 或 ctx 结束；d<=0 时立即返回。
func Sleep(ctx context.Context, c Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := OrReal(c).NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}

// Epoch 返回 now 所在的 period 对齐周期起点，周期以 Unix 纪元为原点。
func Epoch(now time.Time, period time.Duration) time.Time {
	if period <= 0 {
		return now
	}
	return now.Truncate(period)
}
