package sources

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"TreasuryGuard/internal/ledger"
)

// BalanceReader 是 ethclient.Client 中读取余额的子集。
type BalanceReader interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// weiExponent 把 wei 转换为 ether 单位。
const weiExponent = -18

// Ethereum 从 EVM 链读取地址的原生代币余额。
type Ethereum struct {
	name    string
	chain   string
	address common.Address
	chains  *Chains
}

// NewEthereum 创建链上余额来源。
func NewEthereum(name, chain, address string, chains *Chains) (*Ethereum, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("余额来源 %s 的地址无效: %s", name, address)
	}
	if chains == nil {
		return nil, fmt.Errorf("余额来源 %s 缺少链注册表", name)
	}
	if name == "" {
		name = chain + ":" + address
	}
	return &Ethereum{name: name, chain: chain, address: common.HexToAddress(address), chains: chains}, nil
}

// Name 返回来源名称。
func (e *Ethereum) Name() string { return e.name }

// Balance 读取最新区块的余额。
func (e *Ethereum) Balance(ctx context.Context, _ *ledger.Account) (decimal.Decimal, error) {
	reader, err := e.chains.Reader(ctx, e.chain)
	if err != nil {
		return decimal.Zero, err
	}
	wei, err := reader.BalanceAt(ctx, e.address, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("查询链上余额失败: %w", err)
	}
	return decimal.NewFromBigInt(wei, weiExponent), nil
}
