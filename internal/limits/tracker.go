// Package limits 维护单笔、日、周、月四个限额窗口的滚动累计值。
package limits

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"TreasuryGuard/internal/clock"
	xerrors "TreasuryGuard/internal/errors"
	"TreasuryGuard/internal/ledger"
)

// Window 标识限额窗口。
type Window string

const (
	WindowSingle  Window = "single"
	WindowDaily   Window = "daily"
	WindowWeekly  Window = "weekly"
	WindowMonthly Window = "monthly"
)

// Windows 按检查顺序列出所有窗口。
var Windows = []Window{WindowSingle, WindowDaily, WindowWeekly, WindowMonthly}

// Period 返回窗口的重置周期，单笔窗口没有周期。
func (w Window) Period() time.Duration {
	switch w {
	case WindowDaily:
		return 24 * time.Hour
	case WindowWeekly:
		return 7 * 24 * time.Hour
	case WindowMonthly:
		return 30 * 24 * time.Hour
	default:
		return 0
	}
}

// Config 描述各窗口上限与暂停阈值，零值表示不限制。
type Config struct {
	Ceilings map[Window]decimal.Decimal
	// Pause 为窗口累计值的暂停阈值，超过后触发紧急模式。
	Pause map[Window]decimal.Decimal
}

// Ceiling 返回窗口上限。
func (c Config) Ceiling(w Window) decimal.Decimal {
	return c.Ceilings[w]
}

// Reservation 表示一次已预留但尚未提交的额度。
type Reservation struct {
	Amount      decimal.Decimal
	Currency    string
	generations map[Window]uint64
	settled     bool
}

// WindowState 是窗口的只读视图。
type WindowState struct {
	Window   Window          `json:"window"`
	Currency string          `json:"currency"`
	Ceiling  decimal.Decimal `json:"ceiling"`
	Pause    decimal.Decimal `json:"pause,omitempty"`
	Total    decimal.Decimal `json:"total"`
	Reserved decimal.Decimal `json:"reserved"`
	Start    time.Time       `json:"start"`
	ResetAt  time.Time       `json:"reset_at"`
}

// Breach 描述超过暂停阈值的窗口。
type Breach struct {
	Window    Window
	Currency  string
	Total     decimal.Decimal
	Threshold decimal.Decimal
}

type bucket struct {
	total    decimal.Decimal
	reserved decimal.Decimal
}

type windowTrack struct {
	start      time.Time
	generation uint64
	buckets    map[string]*bucket
}

// Tracker 是纯内存的限额簿记，不做 I/O。
// 累计值按币种分开统计，上限对所有币种一致。
type Tracker struct {
	mu     sync.Mutex
	cfg    Config
	clock  clock.Clock
	epoch  time.Time
	tracks map[Window]*windowTrack
}

// Option 定义 Tracker 的可选配置。
type Option func(*Tracker)

// WithClock 指定时钟，测试中用于推进虚拟时间。
func WithClock(c clock.Clock) Option {
	return func(t *Tracker) {
		if c != nil {
			t.clock = c
		}
	}
}

// WithEpoch 指定窗口边界的起点，默认为创建时刻。
func WithEpoch(epoch time.Time) Option {
	return func(t *Tracker) {
		t.epoch = epoch
	}
}

// NewTracker 创建限额跟踪器。
func NewTracker(cfg Config, opts ...Option) *Tracker {
	t := &Tracker{
		cfg:    cfg,
		clock:  clock.Real(),
		tracks: make(map[Window]*windowTrack),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	if t.epoch.IsZero() {
		t.epoch = t.clock.Now()
	}
	for _, w := range Windows {
		if w.Period() == 0 {
			continue
		}
		t.tracks[w] = &windowTrack{start: t.epoch, buckets: make(map[string]*bucket)}
	}
	return t
}

// Config 返回当前配置。
func (t *Tracker) Config() Config {
	return t.cfg
}

// CheckAndReserve 检查四个窗口并在全部通过后预留额度。
// 任一窗口不通过时返回 LIMIT_EXCEEDED 且不做任何修改。
func (t *Tracker) CheckAndReserve(amount decimal.Decimal, currency string) (*Reservation, error) {
	currency = ledger.NormalizedCurrency(currency)
	if !amount.IsPositive() {
		return nil, xerrors.New(xerrors.CodeValidation, "限额检查金额必须大于 0", xerrors.WithDetail("field", "amount"))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, w := range Windows {
		ceiling := t.cfg.Ceiling(w)
		if !ceiling.IsPositive() {
			continue
		}
		current := decimal.Zero
		if track, ok := t.tracks[w]; ok {
			if b, ok := track.buckets[currency]; ok {
				current = b.total
			}
		}
		if current.Add(amount).GreaterThan(ceiling) {
			return nil, exceeded(w, currency, ceiling, current, amount)
		}
	}

	res := &Reservation{Amount: amount, Currency: currency, generations: make(map[Window]uint64, len(t.tracks))}
	for w, track := range t.tracks {
		b := track.bucket(currency)
		b.total = b.total.Add(amount)
		b.reserved = b.reserved.Add(amount)
		res.generations[w] = track.generation
	}
	return res, nil
}

// Commit 把预留额度转为已提交，窗口在预留后已重置的部分不再处理。
func (t *Tracker) Commit(res *Reservation) {
	t.settle(res, false)
}

// Release 回滚预留额度，用于执行失败的请求。
func (t *Tracker) Release(res *Reservation) {
	t.settle(res, true)
}

func (t *Tracker) settle(res *Reservation, rollback bool) {
	if res == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if res.settled {
		return
	}
	res.settled = true
	for w, generation := range res.generations {
		track, ok := t.tracks[w]
		if !ok || track.generation != generation {
			continue
		}
		b := track.bucket(res.Currency)
		b.reserved = b.reserved.Sub(res.Amount)
		if rollback {
			b.total = b.total.Sub(res.Amount)
		}
	}
}

// ResetExpired 把已跨越边界的窗口清零，返回被重置的窗口。
// 边界以 epoch 为原点按 24h/7d/30d 对齐。
func (t *Tracker) ResetExpired(now time.Time) []Window {
	t.mu.Lock()
	defer t.mu.Unlock()
	var reset []Window
	for _, w := range Windows {
		track, ok := t.tracks[w]
		if !ok {
			continue
		}
		period := w.Period()
		if now.Before(track.start.Add(period)) {
			continue
		}
		elapsed := now.Sub(t.epoch)
		track.start = t.epoch.Add(elapsed - elapsed%period)
		track.generation++
		track.buckets = make(map[string]*bucket)
		reset = append(reset, w)
	}
	return reset
}

// Breaches 返回累计值超过暂停阈值的窗口。
func (t *Tracker) Breaches() []Breach {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Breach
	for _, w := range Windows {
		threshold := t.cfg.Pause[w]
		track, ok := t.tracks[w]
		if !threshold.IsPositive() || !ok {
			continue
		}
		for currency, b := range track.buckets {
			if b.total.GreaterThan(threshold) {
				out = append(out, Breach{Window: w, Currency: currency, Total: b.total, Threshold: threshold})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Window != out[j].Window {
			return windowIndex(out[i].Window) < windowIndex(out[j].Window)
		}
		return out[i].Currency < out[j].Currency
	})
	return out
}

// Validate 检查所有窗口累计值都不超过上限，用于健康检查。
func (t *Tracker) Validate() error {
	for _, state := range t.Snapshot() {
		if state.Ceiling.IsPositive() && state.Total.GreaterThan(state.Ceiling) {
			return xerrors.New(xerrors.CodeLimitExceeded, "限额窗口累计值超过上限",
				xerrors.WithSeverity(xerrors.SeverityCritical),
				xerrors.WithDetail("window", string(state.Window)),
				xerrors.WithDetail("currency", state.Currency),
				xerrors.WithDetail("total", state.Total.String()),
				xerrors.WithDetail("ceiling", state.Ceiling.String()))
		}
		if state.Total.IsNegative() || state.Reserved.IsNegative() {
			return xerrors.New(xerrors.CodeLimitExceeded, "限额窗口累计值为负",
				xerrors.WithSeverity(xerrors.SeverityCritical),
				xerrors.WithDetail("window", string(state.Window)),
				xerrors.WithDetail("currency", state.Currency))
		}
	}
	return nil
}

// Snapshot 返回各周期窗口的当前状态。
func (t *Tracker) Snapshot() []WindowState {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []WindowState
	for _, w := range Windows {
		track, ok := t.tracks[w]
		if !ok {
			continue
		}
		for currency, b := range track.buckets {
			out = append(out, WindowState{
				Window:   w,
				Currency: currency,
				Ceiling:  t.cfg.Ceiling(w),
				Pause:    t.cfg.Pause[w],
				Total:    b.total,
				Reserved: b.reserved,
				Start:    track.start,
				ResetAt:  track.start.Add(w.Period()),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Window != out[j].Window {
			return windowIndex(out[i].Window) < windowIndex(out[j].Window)
		}
		return out[i].Currency < out[j].Currency
	})
	return out
}

// Total 返回指定窗口与币种的累计值。
func (t *Tracker) Total(w Window, currency string) decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	track, ok := t.tracks[w]
	if !ok {
		return decimal.Zero
	}
	if b, ok := track.buckets[ledger.NormalizedCurrency(currency)]; ok {
		return b.total
	}
	return decimal.Zero
}

func (tr *windowTrack) bucket(currency string) *bucket {
	b, ok := tr.buckets[currency]
	if !ok {
		b = &bucket{}
		tr.buckets[currency] = b
	}
	return b
}

func windowIndex(w Window) int {
	for i, candidate := range Windows {
		if candidate == w {
			return i
		}
	}
	return len(Windows)
}

func exceeded(w Window, currency string, ceiling, current, amount decimal.Decimal) error {
	return xerrors.New(xerrors.CodeLimitExceeded, "超过"+string(w)+"限额",
		xerrors.WithDetail("window", string(w)),
		xerrors.WithDetail("currency", currency),
		xerrors.WithDetail("ceiling", ceiling.String()),
		xerrors.WithDetail("current", current.String()),
		xerrors.WithDetail("amount", amount.String()))
}
