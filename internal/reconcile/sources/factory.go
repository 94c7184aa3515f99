package sources

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"TreasuryGuard/internal/ledger"
	"TreasuryGuard/internal/reconcile"
)

// 来源类型。
const (
	KindHTTP     = "http"
	KindEthereum = "ethereum"
	KindStatic   = "static"
	KindLedger   = "ledger"
	KindPlugin   = "plugin"
)

// FactoryConfig 描述构建来源所需的共享资源。
type FactoryConfig struct {
	Chains    *Chains
	Statics   map[string]*Static
	Plugins   PluginHost
	RPS       float64
	Burst     int
	LookupEnv func(string) (string, bool)
}

// Factory 根据账户的外部接口描述构建余额来源并缓存。
type Factory struct {
	cfg   FactoryConfig
	mu    sync.Mutex
	cache map[string]reconcile.Source
}

// NewFactory 创建来源工厂。
func NewFactory(cfg FactoryConfig) *Factory {
	if cfg.LookupEnv == nil {
		cfg.LookupEnv = os.LookupEnv
	}
	if cfg.Statics == nil {
		cfg.Statics = map[string]*Static{}
	}
	return &Factory{cfg: cfg, cache: make(map[string]reconcile.Source)}
}

// Static 返回指定名称的静态来源，不存在时创建。
func (f *Factory) Static(name string) *Static {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.cfg.Statics[name]
	if !ok {
		s = NewStatic(name)
		f.cfg.Statics[name] = s
	}
	return s
}

// SourcesFor 实现 reconcile.SourceProvider。
func (f *Factory) SourcesFor(account *ledger.Account) ([]reconcile.Source, error) {
	out := make([]reconcile.Source, 0, len(account.External.Sources))
	for _, cfg := range account.External.Sources {
		src, err := f.build(account.ID, cfg)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, nil
}

func (f *Factory) build(accountID string, cfg ledger.BalanceSourceConfig) (reconcile.Source, error) {
	kind := strings.ToLower(strings.TrimSpace(cfg.Kind))
	key := accountID + "/" + kind + "/" + cfg.Name
	f.mu.Lock()
	if src, ok := f.cache[key]; ok {
		f.mu.Unlock()
		return src, nil
	}
	f.mu.Unlock()

	var (
		src reconcile.Source
		err error
	)
	switch kind {
	case KindHTTP:
		token := ""
		if cfg.TokenEnv != "" {
			token, _ = f.cfg.LookupEnv(cfg.TokenEnv)
		}
		src, err = NewHTTP(HTTPConfig{Name: cfg.Name, Endpoint: cfg.Endpoint, Token: token, RPS: f.cfg.RPS, Burst: f.cfg.Burst})
	case KindEthereum:
		src, err = NewEthereum(cfg.Name, cfg.Chain, cfg.Address, f.cfg.Chains)
	case KindStatic:
		src = f.Static(cfg.Name)
	case KindLedger:
		src = NewLedger(cfg.Name)
	case KindPlugin:
		src, err = NewPlugin(cfg.Name, cfg.Plugin, cfg.Address, f.cfg.Plugins)
	default:
		err = fmt.Errorf("账户 %s 的余额来源 %s 类型不受支持: %s", accountID, cfg.Name, cfg.Kind)
	}
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.cache[key]; ok {
		return existing, nil
	}
	f.cache[key] = src
	return src, nil
}
