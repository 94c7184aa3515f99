package sources

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"TreasuryGuard/internal/ledger"
	"TreasuryGuard/pkg/plugin"
)

// PluginHost 按 ID 返回已启动的余额插件。
type PluginHost interface {
	BalanceSource(id string) (plugin.BalanceSource, error)
}

// Plugin 把余额查询转交给外部插件。
type Plugin struct {
	name     string
	pluginID string
	address  string
	host     PluginHost
}

// NewPlugin 创建插件来源，pluginID 为空时使用 name。
func NewPlugin(name, pluginID, address string, host PluginHost) (*Plugin, error) {
	if host == nil {
		return nil, fmt.Errorf("余额来源 %s 需要插件但未加载任何插件", name)
	}
	if pluginID == "" {
		pluginID = name
	}
	return &Plugin{name: name, pluginID: pluginID, address: address, host: host}, nil
}

// Name 返回来源名称。
func (p *Plugin) Name() string { return p.name }

// Balance 实现 reconcile.Source。插件在每次调用时解析，停止后的插件不会再被使用。
func (p *Plugin) Balance(ctx context.Context, account *ledger.Account) (decimal.Decimal, error) {
	src, err := p.host.BalanceSource(p.pluginID)
	if err != nil {
		return decimal.Zero, err
	}
	return src.Balance(ctx, plugin.BalanceQuery{
		AccountID: account.ID,
		Currency:  account.Currency,
		Address:   p.address,
	})
}
