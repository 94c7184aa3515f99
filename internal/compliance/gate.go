// Package compliance 在执行前逐条评估请求的合规要求。
package compliance

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	xerrors "TreasuryGuard/internal/errors"
	"TreasuryGuard/internal/ledger"
	"TreasuryGuard/pkg/logger"
)

// 内置规则名。
const (
	RuleKYCVerified         = "kyc_verified"
	RuleMaxAmount           = "max_amount"
	RuleAllowedCurrencies   = "allowed_currencies"
	RuleBlockedCounterparty = "blocked_counterparty"
	RuleRiskScore           = "risk_score"
	RuleMetadataPresent     = "metadata_present"
)

// Input 是规则评估时可见的上下文。
type Input struct {
	Request ledger.TransactionRequest
	Metrics []RiskMetric
}

// Rule 评估一条要求，返回是否通过与失败原因。
type Rule func(ctx context.Context, in Input, req ledger.ComplianceRequirement) (bool, string)

// Failure 描述第一条未通过的要求。
type Failure struct {
	Requirement ledger.ComplianceRequirement
	Reason      string
}

// Config 描述网关的全局策略。
type Config struct {
	// Defaults 对每个请求都会先于请求自带的要求评估。
	Defaults          []ledger.ComplianceRequirement
	KYCVerified       []string
	AllowedCurrencies []string
	Blocked           []string
	MaxRiskScore      float64
}

// Gate 是无状态的合规谓词评估器。
type Gate struct {
	cfg      Config
	scorer   *Scorer
	kyc      map[string]struct{}
	blocked  map[string]struct{}
	currency map[string]struct{}
	mu       sync.RWMutex
	rules    map[string]Rule
}

// NewGate 创建合规网关并注册内置规则。
func NewGate(cfg Config, scorer *Scorer) *Gate {
	if cfg.MaxRiskScore <= 0 {
		cfg.MaxRiskScore = 0.75
	}
	g := &Gate{
		cfg:      cfg,
		scorer:   scorer,
		kyc:      toSet(cfg.KYCVerified, false),
		blocked:  toSet(cfg.Blocked, false),
		currency: toSet(cfg.AllowedCurrencies, true),
		rules:    make(map[string]Rule),
	}
	g.Register(RuleKYCVerified, g.kycVerified)
	g.Register(RuleMaxAmount, maxAmount)
	g.Register(RuleAllowedCurrencies, g.allowedCurrencies)
	g.Register(RuleBlockedCounterparty, g.blockedCounterparty)
	g.Register(RuleRiskScore, g.riskScore)
	g.Register(RuleMetadataPresent, metadataPresent)
	return g
}

// Register 注册或替换一条规则。
func (g *Gate) Register(name string, rule Rule) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rules[name] = rule
}

// Rules 返回已注册的规则名。
func (g *Gate) Rules() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.rules))
	for name := range g.rules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Evaluate 依次评估默认要求与请求要求，遇到第一条失败即返回。
func (g *Gate) Evaluate(ctx context.Context, req ledger.TransactionRequest) (bool, *Failure) {
	requirements := make([]ledger.ComplianceRequirement, 0, len(g.cfg.Defaults)+len(req.Requirements))
	requirements = append(requirements, g.cfg.Defaults...)
	requirements = append(requirements, req.Requirements...)
	if len(requirements) == 0 {
		return true, nil
	}

	in := Input{Request: req}
	if g.scorer != nil && needsMetrics(requirements) {
		metrics, err := g.scorer.Score(ctx, req)
		if err != nil {
			return false, &Failure{
				Requirement: ledger.ComplianceRequirement{ID: RuleRiskScore, Rule: RuleRiskScore},
				Reason:      "风险评分失败: " + err.Error(),
			}
		}
		in.Metrics = metrics
	}

	for _, requirement := range requirements {
		g.mu.RLock()
		rule, ok := g.rules[requirement.Rule]
		g.mu.RUnlock()
		if !ok {
			return false, &Failure{Requirement: requirement, Reason: "未知的合规规则"}
		}
		if pass, reason := rule(ctx, in, requirement); !pass {
			return false, &Failure{Requirement: requirement, Reason: reason}
		}
	}
	return true, nil
}

// Check 调用 Evaluate，失败时返回携带具体要求的 COMPLIANCE_VIOLATION。
func (g *Gate) Check(ctx context.Context, req ledger.TransactionRequest) error {
	pass, failure := g.Evaluate(ctx, req)
	if pass {
		return nil
	}
	id := failure.Requirement.ID
	if id == "" {
		id = failure.Requirement.Rule
	}
	logger.L().Warn("合规检查未通过",
		slog.String("request_id", req.ID),
		slog.String("requirement", id),
		slog.String("reason", failure.Reason),
	)
	return xerrors.New(xerrors.CodeComplianceViolation,
		fmt.Sprintf("合规要求 %s 未通过: %s", id, failure.Reason),
		xerrors.WithDetail("requirement", id),
		xerrors.WithDetail("rule", failure.Requirement.Rule),
		xerrors.WithDetail("reason", failure.Reason),
		xerrors.WithDetail("request_id", req.ID),
	)
}

// SelfCheck 确认默认要求引用的规则都已注册，供健康检查使用。
func (g *Gate) SelfCheck() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, requirement := range g.cfg.Defaults {
		if _, ok := g.rules[requirement.Rule]; !ok {
			return xerrors.New(xerrors.CodeComplianceViolation, "默认合规要求引用了未注册的规则",
				xerrors.WithSeverity(xerrors.SeverityCritical),
				xerrors.WithDetail("rule", requirement.Rule))
		}
	}
	return nil
}

func (g *Gate) kycVerified(_ context.Context, in Input, req ledger.ComplianceRequirement) (bool, string) {
	var accounts []string
	switch strings.ToLower(paramString(req.Params, "accounts")) {
	case "source":
		accounts = []string{in.Request.SourceAccount}
	case "destination":
		accounts = []string{in.Request.DestinationAccount}
	default:
		accounts = []string{in.Request.SourceAccount, in.Request.DestinationAccount}
	}
	for _, account := range accounts {
		if _, ok := g.kyc[account]; !ok {
			return false, "账户 " + account + " 未完成 KYC"
		}
	}
	return true, ""
}

func maxAmount(_ context.Context, in Input, req ledger.ComplianceRequirement) (bool, string) {
	limit, ok := paramDecimal(req.Params, "limit")
	if !ok {
		return false, "缺少 limit 参数"
	}
	if in.Request.Amount.GreaterThan(limit) {
		return false, "金额 " + in.Request.Amount.String() + " 超过 " + limit.String()
	}
	return true, ""
}

func (g *Gate) allowedCurrencies(_ context.Context, in Input, req ledger.ComplianceRequirement) (bool, string) {
	allowed := g.currency
	if list := paramStrings(req.Params, "currencies"); len(list) > 0 {
		allowed = toSet(list, true)
	}
	if len(allowed) == 0 {
		return false, "未配置允许的币种"
	}
	currency := ledger.NormalizedCurrency(in.Request.Currency)
	if _, ok := allowed[currency]; !ok {
		return false, "币种 " + currency + " 不在允许列表中"
	}
	return true, ""
}

func (g *Gate) blockedCounterparty(_ context.Context, in Input, req ledger.ComplianceRequirement) (bool, string) {
	blocked := g.blocked
	if list := paramStrings(req.Params, "accounts"); len(list) > 0 {
		blocked = toSet(append(list, g.cfg.Blocked...), false)
	}
	for _, account := range []string{in.Request.SourceAccount, in.Request.DestinationAccount} {
		if _, ok := blocked[account]; ok {
			return false, "交易对手 " + account + " 已被封禁"
		}
	}
	return true, ""
}

func (g *Gate) riskScore(_ context.Context, in Input, req ledger.ComplianceRequirement) (bool, string) {
	if in.Metrics == nil {
		return false, "风险评分不可用"
	}
	for _, metric := range in.Metrics {
		if metric.Exceeded() {
			return false, fmt.Sprintf("风险指标 %s=%.2f 超过阈值 %.2f", metric.Name, metric.Score, metric.Threshold)
		}
	}
	limit := g.cfg.MaxRiskScore
	if v, ok := paramDecimal(req.Params, "max"); ok {
		limit, _ = v.Float64()
	}
	if score := Composite(in.Metrics); score > limit {
		return false, fmt.Sprintf("综合风险评分 %.2f 超过 %.2f", score, limit)
	}
	return true, ""
}

func metadataPresent(_ context.Context, in Input, req ledger.ComplianceRequirement) (bool, string) {
	for _, key := range paramStrings(req.Params, "keys") {
		value, ok := in.Request.Metadata[key]
		if !ok || value == nil || value == "" {
			return false, "缺少元数据 " + key
		}
	}
	return true, ""
}

func needsMetrics(requirements []ledger.ComplianceRequirement) bool {
	for _, requirement := range requirements {
		if requirement.Rule == RuleRiskScore {
			return true
		}
	}
	return false
}

func toSet(values []string, upper bool) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if upper {
			v = strings.ToUpper(v)
		}
		if v != "" {
			set[v] = struct{}{}
		}
	}
	return set
}

func paramString(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

func paramStrings(params map[string]any, key string) []string {
	switch v := params[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return strings.Split(v, ",")
	default:
		return nil
	}
}

func paramDecimal(params map[string]any, key string) (decimal.Decimal, bool) {
	switch v := params[key].(type) {
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(v))
		return d, err == nil
	case float64:
		return decimal.NewFromFloat(v), true
	case int:
		return decimal.NewFromInt(int64(v)), true
	case int64:
		return decimal.NewFromInt(v), true
	case decimal.Decimal:
		return v, true
	default:
		return decimal.Zero, false
	}
}
