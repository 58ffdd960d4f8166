package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"ContractRelay/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name   string
	RPCURL string
	// ChainID, when set, is returned without querying the node.
	ChainID *big.Int
	Notes   string
	// Observe receives the latency of every RPC method call.
	Observe func(method string, elapsed time.Duration, err error)
}

// Client implements web3.Client for EVM compatible chains over JSON-RPC.
type Client struct {
	name      string
	notes     string
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	observe   func(string, time.Duration, error)

	mu      sync.Mutex
	chainID *big.Int
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}

	client := &Client{
		name:      cfg.Name,
		notes:     cfg.Notes,
		rpcClient: rpcClient,
		eth:       ethclient.NewClient(rpcClient),
		observe:   cfg.Observe,
	}
	if cfg.ChainID != nil && cfg.ChainID.Sign() > 0 {
		client.chainID = new(big.Int).Set(cfg.ChainID)
	}
	return client, nil
}

// Name returns the chain name the client was registered under.
func (c *Client) Name() string {
	return c.name
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	c.rpcClient = nil
}

func (c *Client) backend() (*ethclient.Client, error) {
	if c == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eth == nil {
		return nil, errors.New("以太坊客户端已关闭")
	}
	return c.eth, nil
}

func (c *Client) track(method string, start time.Time, err error) {
	if c.observe != nil {
		c.observe(method, time.Since(start), err)
	}
}

// ChainID returns the network chain id, cached after the first lookup.
func (c *Client) ChainID(ctx context.Context) (id *big.Int, err error) {
	eth, err := c.backend()
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	cached := c.chainID
	c.mu.Unlock()
	if cached != nil {
		return new(big.Int).Set(cached), nil
	}

	defer func(start time.Time) { c.track("eth_chainId", start, err) }(time.Now())
	id, err = eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	c.mu.Lock()
	c.chainID = new(big.Int).Set(id)
	c.mu.Unlock()
	return id, nil
}

// PendingNonceAt returns the next nonce including pending transactions.
func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (nonce uint64, err error) {
	eth, err := c.backend()
	if err != nil {
		return 0, err
	}
	defer func(start time.Time) { c.track("eth_getTransactionCount", start, err) }(time.Now())
	nonce, err = eth.PendingNonceAt(ctx, account)
	if err != nil {
		return 0, fmt.Errorf("查询交易计数失败: %w", err)
	}
	return nonce, nil
}

// EstimateGas asks the node how much gas the call would consume.
func (c *Client) EstimateGas(ctx context.Context, msg gethcore.CallMsg) (gas uint64, err error) {
	eth, err := c.backend()
	if err != nil {
		return 0, err
	}
	defer func(start time.Time) { c.track("eth_estimateGas", start, err) }(time.Now())
	gas, err = eth.EstimateGas(ctx, msg)
	if err != nil {
		return 0, fmt.Errorf("估算 gas 失败: %w", err)
	}
	return gas, nil
}

// CallContract executes a read-only call against the latest state.
func (c *Client) CallContract(ctx context.Context, msg gethcore.CallMsg) (out []byte, err error) {
	eth, err := c.backend()
	if err != nil {
		return nil, err
	}
	defer func(start time.Time) { c.track("eth_call", start, err) }(time.Now())
	out, err = eth.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("执行合约调用失败: %w", err)
	}
	return out, nil
}

// SendTransaction broadcasts a signed transaction.
func (c *Client) SendTransaction(ctx context.Context, tx *coretypes.Transaction) (err error) {
	eth, err := c.backend()
	if err != nil {
		return err
	}
	defer func(start time.Time) { c.track("eth_sendRawTransaction", start, err) }(time.Now())
	if err = eth.SendTransaction(ctx, tx); err != nil {
		return fmt.Errorf("发送交易失败: %w", err)
	}
	return nil
}

// TransactionReceipt returns the receipt of a mined transaction. Unknown and
// pending transactions yield an error matching ethereum.NotFound.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (receipt *coretypes.Receipt, err error) {
	eth, err := c.backend()
	if err != nil {
		return nil, err
	}
	defer func(start time.Time) { c.track("eth_getTransactionReceipt", start, err) }(time.Now())
	receipt, err = eth.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, gethcore.NotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("查询交易回执失败: %w", err)
	}
	return receipt, nil
}

// BlockNumber returns the latest block height.
func (c *Client) BlockNumber(ctx context.Context) (height uint64, err error) {
	eth, err := c.backend()
	if err != nil {
		return 0, err
	}
	defer func(start time.Time) { c.track("eth_blockNumber", start, err) }(time.Now())
	height, err = eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return height, nil
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	chainID, err := c.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	blockNumber, err := c.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	return web3.ChainSnapshot{
		Name:        c.name,
		ChainID:     toHexBig(chainID),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		Notes:       c.notes,
	}, nil
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}

var _ web3.Client = (*Client)(nil)
