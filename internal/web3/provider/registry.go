package provider

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"ContractRelay/internal/config"
	"ContractRelay/internal/web3"
	"ContractRelay/internal/web3/ethereum"
)

// DefaultChainName is used when only web3.rpc_url is configured.
const DefaultChainName = "default"

// Registry manages a set of chain clients keyed by human readable names.
type Registry struct {
	defaultChain string
	clients      map[string]web3.Client
}

// Option customises how the registry constructs clients.
type Option func(*options)

type options struct {
	observe func(chain, method string, elapsed time.Duration, err error)
}

// WithObserver reports the latency of every node call per chain.
func WithObserver(observe func(chain, method string, elapsed time.Duration, err error)) Option {
	return func(o *options) {
		o.observe = observe
	}
}

// NewRegistry loads chain definitions and instantiates concrete clients.
func NewRegistry(ctx context.Context, cfg config.Web3Config, opts ...Option) (*Registry, error) {
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	clients := make(map[string]web3.Client)
	closeAll := func() {
		for _, client := range clients {
			client.Close()
		}
	}
	for _, name := range defs.Names() {
		chain := defs.Chains[name]
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType == "" {
			chainType = "evm"
		}
		if chainType != "evm" {
			closeAll()
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
		client, err := ethereum.NewClient(ctx, clientConfig(name, chain.RPCURL, chain.ChainID, chain.Description, o))
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		clients[name] = client
	}

	if _, ok := clients[DefaultChainName]; !ok && strings.TrimSpace(cfg.RPCURL) != "" {
		client, err := ethereum.NewClient(ctx, clientConfig(DefaultChainName, cfg.RPCURL, 0, "", o))
		if err != nil {
			closeAll()
			return nil, err
		}
		clients[DefaultChainName] = client
		if cfg.DefaultChain == "" {
			cfg.DefaultChain = DefaultChainName
		}
	}

	registry, err := NewStaticRegistry(cfg.DefaultChain, clients)
	if err != nil {
		closeAll()
		return nil, err
	}
	return registry, nil
}

// NewStaticRegistry wraps already constructed clients. An empty default
// selects the first chain in name order.
func NewStaticRegistry(defaultChain string, clients map[string]web3.Client) (*Registry, error) {
	if len(clients) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}
	owned := make(map[string]web3.Client, len(clients))
	for name, client := range clients {
		owned[name] = client
	}
	r := &Registry{clients: owned}
	if defaultChain == "" {
		defaultChain = r.Chains()[0]
	}
	if _, ok := owned[defaultChain]; !ok {
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}
	r.defaultChain = defaultChain
	return r, nil
}

func clientConfig(name, rpcURL string, chainID int64, notes string, o options) ethereum.Config {
	cfg := ethereum.Config{Name: name, RPCURL: rpcURL, Notes: notes}
	if chainID > 0 {
		cfg.ChainID = big.NewInt(chainID)
	}
	if o.observe != nil {
		cfg.Observe = func(method string, elapsed time.Duration, err error) {
			o.observe(name, method, elapsed, err)
		}
	}
	return cfg
}

// DefaultChain returns the name of the default chain.
func (r *Registry) DefaultChain() string {
	if r == nil {
		return ""
	}
	return r.defaultChain
}

// DefaultClient returns the client configured as default chain.
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

// Client returns the chain client identified by name. An empty name resolves
// the default chain.
func (r *Registry) Client(name string) (web3.Client, bool) {
	if r == nil {
		return nil, false
	}
	if name == "" {
		name = r.defaultChain
	}
	client, ok := r.clients[name]
	return client, ok
}

// Close releases all clients managed by the registry.
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

// Chains returns the list of registered chain names.
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

// Snapshots collects chain metadata from every registered client. Failing
// chains are reported through the returned error map.
func (r *Registry) Snapshots(ctx context.Context) ([]web3.ChainSnapshot, map[string]error) {
	if r == nil {
		return nil, nil
	}
	var (
		snapshots []web3.ChainSnapshot
		failures  map[string]error
	)
	for _, name := range r.Chains() {
		snapshot, err := r.clients[name].FetchChainSnapshot(ctx)
		if err != nil {
			if failures == nil {
				failures = make(map[string]error)
			}
			failures[name] = err
			continue
		}
		if snapshot.Name == "" {
			snapshot.Name = name
		}
		snapshots = append(snapshots, snapshot)
	}
	return snapshots, failures
}
