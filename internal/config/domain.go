package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"TreasuryGuard/internal/approval"
	"TreasuryGuard/internal/auth"
	"TreasuryGuard/internal/compliance"
	"TreasuryGuard/internal/controller"
	"TreasuryGuard/internal/execution"
	"TreasuryGuard/internal/ledger"
	"TreasuryGuard/internal/limits"
	"TreasuryGuard/internal/reconcile"
	"TreasuryGuard/internal/resolver"
)

// LimitsConfig 描述各窗口上限与暂停阈值，金额使用十进制字符串。
type LimitsConfig struct {
	Single  string `yaml:"single"`
	Daily   string `yaml:"daily"`
	Weekly  string `yaml:"weekly"`
	Monthly string `yaml:"monthly"`
	// Pause 的键为窗口名称 single/daily/weekly/monthly。
	Pause map[string]string `yaml:"pause"`
}

func (c *LimitsConfig) applyDefaults() {
	if c.Single == "" {
		c.Single = "100000"
	}
	if c.Daily == "" {
		c.Daily = "1000000"
	}
	if c.Weekly == "" {
		c.Weekly = "5000000"
	}
	if c.Monthly == "" {
		c.Monthly = "20000000"
	}
}

// Tracker 转换为限额跟踪器配置。
func (c LimitsConfig) Tracker() (limits.Config, error) {
	out := limits.Config{
		Ceilings: make(map[limits.Window]decimal.Decimal, 4),
		Pause:    make(map[limits.Window]decimal.Decimal, len(c.Pause)),
	}
	for w, raw := range map[limits.Window]string{
		limits.WindowSingle:  c.Single,
		limits.WindowDaily:   c.Daily,
		limits.WindowWeekly:  c.Weekly,
		limits.WindowMonthly: c.Monthly,
	} {
		v, err := amount("limits."+string(w), raw)
		if err != nil {
			return limits.Config{}, err
		}
		out.Ceilings[w] = v
	}
	for name, raw := range c.Pause {
		w := limits.Window(strings.ToLower(strings.TrimSpace(name)))
		if _, ok := out.Ceilings[w]; !ok {
			return limits.Config{}, fmt.Errorf("limits.pause 中存在未知窗口 %s", name)
		}
		v, err := amount("limits.pause."+name, raw)
		if err != nil {
			return limits.Config{}, err
		}
		out.Pause[w] = v
	}
	return out, nil
}

// ApprovalConfig 描述多签策略。
type ApprovalConfig struct {
	AmountRatio string        `yaml:"amount_ratio"`
	Priorities  []string      `yaml:"priorities"`
	Types       []string      `yaml:"types"`
	Threshold   int           `yaml:"threshold"`
	Approvers   []string      `yaml:"approvers"`
	Timeout     time.Duration `yaml:"timeout"`
}

func (c *ApprovalConfig) applyDefaults() {
	if c.AmountRatio == "" {
		c.AmountRatio = "0.5"
	}
	if c.Priorities == nil {
		c.Priorities = []string{string(ledger.PriorityUrgent)}
	}
	if c.Types == nil {
		c.Types = []string{string(ledger.TypeInvestment)}
	}
	if c.Threshold <= 0 {
		c.Threshold = 2
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Minute
	}
}

// Policy 转换为审批策略，singleCeiling 取自单笔限额。
func (c ApprovalConfig) Policy(singleCeiling decimal.Decimal) (approval.Policy, error) {
	ratio, err := amount("approval.amount_ratio", c.AmountRatio)
	if err != nil {
		return approval.Policy{}, err
	}
	policy := approval.DefaultPolicy(singleCeiling)
	policy.AmountRatio = ratio
	policy.Threshold = c.Threshold
	policy.Approvers = append([]string(nil), c.Approvers...)
	policy.Timeout = c.Timeout
	policy.Priorities = make([]ledger.Priority, 0, len(c.Priorities))
	for _, p := range c.Priorities {
		policy.Priorities = append(policy.Priorities, ledger.Priority(strings.ToLower(p)))
	}
	policy.Types = make([]ledger.Type, 0, len(c.Types))
	for _, t := range c.Types {
		policy.Types = append(policy.Types, ledger.Type(strings.ToLower(t)))
	}
	if len(policy.Approvers) > 0 && len(policy.Approvers) < policy.Threshold {
		return approval.Policy{}, fmt.Errorf("approval.threshold=%d 超过审批人数量 %d", policy.Threshold, len(policy.Approvers))
	}
	return policy, nil
}

// FeesConfig 描述手续费，单位为基点。
type FeesConfig struct {
	BasisPoints string            `yaml:"basis_points"`
	ByType      map[string]string `yaml:"by_type"`
}

// Policy 转换为手续费策略。
func (c FeesConfig) Policy() (execution.FeePolicy, error) {
	policy := execution.FeePolicy{BasisPoints: decimal.Zero}
	if c.BasisPoints != "" {
		bps, err := amount("fees.basis_points", c.BasisPoints)
		if err != nil {
			return execution.FeePolicy{}, err
		}
		policy.BasisPoints = bps
	}
	if len(c.ByType) > 0 {
		policy.ByType = make(map[ledger.Type]decimal.Decimal, len(c.ByType))
		for typ, raw := range c.ByType {
			bps, err := amount("fees.by_type."+typ, raw)
			if err != nil {
				return execution.FeePolicy{}, err
			}
			policy.ByType[ledger.Type(strings.ToLower(typ))] = bps
		}
	}
	return policy, nil
}

// ComplianceConfig 描述合规网关的全局规则。
type ComplianceConfig struct {
	Defaults          []ledger.ComplianceRequirement `yaml:"defaults"`
	KYCVerified       []string                       `yaml:"kyc_verified"`
	AllowedCurrencies []string                       `yaml:"allowed_currencies"`
	Blocked           []string                       `yaml:"blocked"`
	MaxRiskScore      float64                        `yaml:"max_risk_score"`
	// RiskScoring 为 true 时启用基于历史记录的风险评分。
	RiskScoring bool `yaml:"risk_scoring"`
}

// Gate 转换为合规网关配置。
func (c ComplianceConfig) Gate() compliance.Config {
	return compliance.Config{
		Defaults:          append([]ledger.ComplianceRequirement(nil), c.Defaults...),
		KYCVerified:       append([]string(nil), c.KYCVerified...),
		AllowedCurrencies: append([]string(nil), c.AllowedCurrencies...),
		Blocked:           append([]string(nil), c.Blocked...),
		MaxRiskScore:      c.MaxRiskScore,
	}
}

// ReconciliationConfig 描述对账参数。
type ReconciliationConfig struct {
	Tolerance      string        `yaml:"tolerance"`
	Strategy       string        `yaml:"strategy"`
	HighValueFloor string        `yaml:"high_value_floor"`
	Concurrency    int           `yaml:"concurrency"`
	SourceTimeout  time.Duration `yaml:"source_timeout"`
	// Realtime 控制交易完成后是否立即对涉及的账户对账。
	Realtime *bool `yaml:"realtime"`
	// RPS 与 Burst 限制每个 HTTP 余额来源的调用频率。
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

func (c *ReconciliationConfig) applyDefaults() {
	if c.Tolerance == "" {
		c.Tolerance = "0.01"
	}
	if c.Strategy == "" {
		c.Strategy = string(reconcile.StrategyMean)
	}
	if c.HighValueFloor == "" {
		c.HighValueFloor = "100000"
	}
	if c.Realtime == nil {
		enabled := true
		c.Realtime = &enabled
	}
}

// Engine 转换为对账引擎配置。
func (c ReconciliationConfig) Engine() (reconcile.Config, error) {
	tolerance, err := amount("reconciliation.tolerance", c.Tolerance)
	if err != nil {
		return reconcile.Config{}, err
	}
	floor, err := amount("reconciliation.high_value_floor", c.HighValueFloor)
	if err != nil {
		return reconcile.Config{}, err
	}
	strategy := reconcile.Strategy(strings.ToLower(c.Strategy))
	if strategy != reconcile.StrategyMean && strategy != reconcile.StrategyMedian {
		return reconcile.Config{}, fmt.Errorf("不支持的共识策略: %s", c.Strategy)
	}
	return reconcile.Config{
		Tolerance:      tolerance,
		Strategy:       strategy,
		HighValueFloor: floor,
		Concurrency:    c.Concurrency,
		SourceTimeout:  c.SourceTimeout,
	}, nil
}

// RealtimeEnabled 返回是否开启实时对账。
func (c ReconciliationConfig) RealtimeEnabled() bool {
	return c.Realtime == nil || *c.Realtime
}

// ResolverConfig 描述差异分层阈值，空值使用默认值。
type ResolverConfig struct {
	Small        string        `yaml:"small"`
	Medium       string        `yaml:"medium"`
	Freeze       string        `yaml:"freeze"`
	Emergency    string        `yaml:"emergency"`
	TimingWindow time.Duration `yaml:"timing_window"`
	HistoryDepth int           `yaml:"history_depth"`
}

// Thresholds 转换为差异处理阈值。
func (c ResolverConfig) Thresholds() (resolver.Thresholds, error) {
	t := resolver.DefaultThresholds()
	for _, field := range []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"resolver.small", c.Small, &t.Small},
		{"resolver.medium", c.Medium, &t.Medium},
		{"resolver.freeze", c.Freeze, &t.Freeze},
		{"resolver.emergency", c.Emergency, &t.Emergency},
	} {
		if field.raw == "" {
			continue
		}
		v, err := amount(field.name, field.raw)
		if err != nil {
			return resolver.Thresholds{}, err
		}
		*field.dst = v
	}
	if c.TimingWindow > 0 {
		t.TimingWindow = c.TimingWindow
	}
	if c.HistoryDepth > 0 {
		t.HistoryDepth = c.HistoryDepth
	}
	if t.Small.GreaterThan(t.Medium) || t.Medium.GreaterThan(t.Freeze) {
		return resolver.Thresholds{}, fmt.Errorf("resolver 阈值必须满足 small <= medium <= freeze")
	}
	return t, nil
}

// EmergencyConfig 描述紧急模式的联系人与升级步骤。
type EmergencyConfig struct {
	Contacts []string `yaml:"contacts"`
	// Procedures 按顺序执行，取值 open_support_ticket、freeze_high_value、mirror_state。
	Procedures      []string          `yaml:"procedures"`
	FreezeThreshold string            `yaml:"freeze_threshold"`
	SupportAgent    string            `yaml:"support_agent"`
	Mirror          RedisMirrorConfig `yaml:"mirror"`
}

// RedisMirrorConfig 描述紧急状态镜像。
type RedisMirrorConfig struct {
	Address     string `yaml:"address"`
	Password    string `yaml:"password"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`
	Key         string `yaml:"key"`
	Channel     string `yaml:"channel"`
}

func (c *EmergencyConfig) applyDefaults() {
	if c.FreezeThreshold == "" {
		c.FreezeThreshold = "1000000"
	}
	for i, p := range c.Procedures {
		c.Procedures[i] = strings.ToLower(strings.TrimSpace(p))
	}
}

// FreezeAmount 返回冻结高额账户的阈值。
func (c EmergencyConfig) FreezeAmount() (decimal.Decimal, error) {
	return amount("emergency.freeze_threshold", c.FreezeThreshold)
}

// Schedule 转换为控制器的周期任务间隔。
func (c SchedulerConfig) Schedule() controller.Schedule {
	return controller.Schedule{
		LimitReset:    c.Intervals.LimitReset,
		HighValue:     c.Intervals.HighValue,
		Full:          c.Intervals.Full,
		Comprehensive: c.Intervals.Comprehensive,
		Health:        c.Intervals.Health,
	}
}

// AccountConfig 描述启动时写入的账户及其余额来源。
type AccountConfig struct {
	ID       string                       `yaml:"id"`
	Name     string                       `yaml:"name"`
	Currency string                       `yaml:"currency"`
	Opening  string                       `yaml:"opening_balance"`
	Provider string                       `yaml:"provider"`
	Sources  []ledger.BalanceSourceConfig `yaml:"sources"`
}

// Account 转换为账本账户。
func (c AccountConfig) Account() (*ledger.Account, error) {
	opening := decimal.Zero
	if c.Opening != "" {
		v, err := decimal.NewFromString(strings.TrimSpace(c.Opening))
		if err != nil {
			return nil, fmt.Errorf("账户 %s 的 opening_balance 格式错误: %w", c.ID, err)
		}
		opening = v
	}
	currency := c.Currency
	if currency == "" {
		currency = "USD"
	}
	return &ledger.Account{
		ID:             strings.TrimSpace(c.ID),
		Name:           c.Name,
		Currency:       ledger.NormalizedCurrency(currency),
		Balance:        opening,
		OpeningBalance: opening,
		External: ledger.ExternalAPI{
			Provider: c.Provider,
			Sources:  append([]ledger.BalanceSourceConfig(nil), c.Sources...),
		},
	}, nil
}

// AuthConfig 描述 API 认证。
type AuthConfig struct {
	Mode  string       `yaml:"mode"`
	JWT   JWTConfig    `yaml:"jwt"`
	Users []UserConfig `yaml:"users"`
}

// JWTConfig 描述令牌签发参数。
type JWTConfig struct {
	Secret     string        `yaml:"secret"`
	SecretEnv  string        `yaml:"secret_env"`
	Issuer     string        `yaml:"issuer"`
	Audience   []string      `yaml:"audience"`
	AccessTTL  time.Duration `yaml:"access_ttl"`
	RefreshTTL time.Duration `yaml:"refresh_ttl"`
}

// UserConfig 描述种子用户，password_env 优先于 password。
type UserConfig struct {
	Username     string   `yaml:"username"`
	Password     string   `yaml:"password"`
	PasswordEnv  string   `yaml:"password_env"`
	PasswordHash string   `yaml:"password_hash"`
	Roles        []string `yaml:"roles"`
	Permissions  []string `yaml:"permissions"`
	Disabled     bool     `yaml:"disabled"`
}

// Service 转换为认证服务配置。
func (c AuthConfig) Service() auth.Config {
	cfg := auth.Config{
		Mode: auth.Mode(strings.ToLower(strings.TrimSpace(c.Mode))),
		JWT: auth.JWTOptions{
			Secret:     Secret(c.JWT.Secret, c.JWT.SecretEnv),
			Issuer:     c.JWT.Issuer,
			Audience:   append([]string(nil), c.JWT.Audience...),
			AccessTTL:  int64(c.JWT.AccessTTL / time.Second),
			RefreshTTL: int64(c.JWT.RefreshTTL / time.Second),
		},
	}
	for _, u := range c.Users {
		cfg.Users = append(cfg.Users, auth.ConfiguredUser{
			Username:     u.Username,
			Password:     Secret(u.Password, u.PasswordEnv),
			PasswordHash: u.PasswordHash,
			Roles:        append([]string(nil), u.Roles...),
			Permissions:  append([]string(nil), u.Permissions...),
			Disabled:     u.Disabled,
		})
	}
	return cfg
}

func amount(field, raw string) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s 不是合法的十进制数 %q: %w", field, raw, err)
	}
	if v.IsNegative() {
		return decimal.Zero, fmt.Errorf("%s 不能为负数", field)
	}
	return v, nil
}
