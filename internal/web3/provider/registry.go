package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"TokenLaunch-Orchestrator/internal/config"
	"TokenLaunch-Orchestrator/internal/web3"
	"TokenLaunch-Orchestrator/internal/web3/ethereum"
)

// Dialer 根据链配置创建客户端，测试中可替换。
type Dialer func(ctx context.Context, cfg ethereum.Config) (web3.Client, error)

// Registry 按名称管理多条链的托管签名客户端。
type Registry struct {
	defaultChain string
	clients      map[string]web3.Client
}

// NewRegistry 加载链定义并为每条链创建客户端，所有链共享同一把托管私钥。
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	return NewRegistryWithDialer(ctx, cfg, func(ctx context.Context, c ethereum.Config) (web3.Client, error) {
		return ethereum.NewClient(ctx, c)
	})
}

// NewRegistryWithDialer 与 NewRegistry 相同，但允许注入客户端构造函数。
func NewRegistryWithDialer(ctx context.Context, cfg config.Web3Config, dial Dialer) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	registry := &Registry{clients: make(map[string]web3.Client)}
	for name, chain := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType == "" {
			chainType = "evm"
		}
		if chainType != "evm" {
			registry.Close()
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
		client, err := dial(ctx, ethereum.Config{
			Name:                name,
			RPCURL:              chain.RPCURL,
			PrivateKey:          cfg.PrivateKey,
			ChainID:             chain.ChainID,
			Legacy:              chain.Legacy,
			ReceiptPollInterval: cfg.ReceiptPollInterval,
			GasMultiplier:       cfg.GasMultiplier,
		})
		if err != nil {
			registry.Close()
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		registry.clients[name] = client
	}

	if len(registry.clients) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		client, err := dial(ctx, ethereum.Config{
			Name:                "default",
			RPCURL:              cfg.RPCURL,
			PrivateKey:          cfg.PrivateKey,
			ChainID:             cfg.ChainID,
			Legacy:              cfg.Legacy,
			ReceiptPollInterval: cfg.ReceiptPollInterval,
			GasMultiplier:       cfg.GasMultiplier,
		})
		if err != nil {
			return nil, err
		}
		registry.clients["default"] = client
		if cfg.DefaultChain == "" {
			cfg.DefaultChain = "default"
		}
	}

	if len(registry.clients) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}

	defaultChain := cfg.DefaultChain
	if defaultChain == "" {
		defaultChain = registry.Chains()[0]
	}
	if _, ok := registry.clients[defaultChain]; !ok {
		registry.Close()
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}
	registry.defaultChain = defaultChain
	return registry, nil
}

// DefaultClient 返回默认链的客户端。
func (r *Registry) DefaultClient() (web3.Client, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	client, ok := r.clients[r.defaultChain]
	if !ok {
		return nil, fmt.Errorf("默认链 %s 未在注册表中", r.defaultChain)
	}
	return client, nil
}

// Client 返回指定名称的链客户端。
func (r *Registry) Client(name string) (web3.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

// Close 释放注册表中的全部客户端。
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, name)
	}
}

// Chains 返回已注册的链名称。
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
