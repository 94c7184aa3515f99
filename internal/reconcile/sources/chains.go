package sources

import (
	"context"
	"errors"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/ethclient"
	"gopkg.in/yaml.v3"

	xerrors "TreasuryGuard/internal/errors"
)

// evmTypes 是可以用 ethclient 拨号的链类型，空值按 evm 处理。
var evmTypes = []string{"", "evm", "ethereum"}

// ChainDefinitions 对应 chains.yaml。
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition 是一条链的 RPC 端点。
type ChainDefinition struct {
	Type        string `yaml:"type"`
	RPCURL      string `yaml:"rpc_url"`
	Description string `yaml:"description"`
}

func (d ChainDefinition) dialable(name string) error {
	if !slices.Contains(evmTypes, strings.ToLower(strings.TrimSpace(d.Type))) {
		return xerrors.New(xerrors.CodeInvalidArgument, "链 "+name+" 的类型 "+d.Type+" 不受支持")
	}
	if strings.TrimSpace(d.RPCURL) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "链 "+name+" 缺少 RPC 地址")
	}
	return nil
}

// LoadChainDefinitions 读取链定义文件。路径为空或文件为空时返回空定义，
// 未知字段视为错误。
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	defs := ChainDefinitions{}
	if path = strings.TrimSpace(path); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return ChainDefinitions{}, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "打开链配置失败")
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(&defs); err != nil && !errors.Is(err, io.EOF) {
			return ChainDefinitions{}, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析链配置失败")
		}
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	return defs, nil
}

// Chains 按名称缓存余额读取器，定义里的链在第一次使用时才拨号。
type Chains struct {
	defs map[string]ChainDefinition

	mu      sync.Mutex
	readers map[string]BalanceReader
}

func NewChains(defs ChainDefinitions) *Chains {
	return &Chains{defs: maps.Clone(defs.Chains), readers: map[string]BalanceReader{}}
}

// Register 用现成的读取器顶替某条链，优先于配置。
func (c *Chains) Register(name string, reader BalanceReader) {
	c.mu.Lock()
	c.readers[name] = reader
	c.mu.Unlock()
}

func (c *Chains) Reader(ctx context.Context, name string) (BalanceReader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.readers[name]; ok {
		return r, nil
	}
	def, ok := c.defs[name]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "未定义的链 "+name)
	}
	if err := def.dialable(name); err != nil {
		return nil, err
	}
	client, err := ethclient.DialContext(ctx, def.RPCURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "连接链 "+name+" 的 RPC 失败")
	}
	c.readers[name] = client
	return client, nil
}

// Names 按字母序返回配置中的链。
func (c *Chains) Names() []string {
	return slices.Sorted(maps.Keys(c.defs))
}

// Close 关闭所有已拨号的客户端并清空缓存。
func (c *Chains) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.readers {
		if closer, ok := r.(interface{ Close() }); ok {
			closer.Close()
		}
	}
	clear(c.readers)
}
