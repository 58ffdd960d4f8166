package web3

import (
	"context"
	"math/big"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ChainSnapshot represents summarized network metadata for health reporting.
type ChainSnapshot struct {
	Name        string `json:"name,omitempty"`
	ChainID     string `json:"chain_id"`
	BlockNumber string `json:"block_number"`
	Notes       string `json:"notes,omitempty"`
}

// Client is the opaque RPC boundary towards a ledger node. Implementations
// must be safe for concurrent use.
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	// PendingNonceAt returns the next nonce for account, counting pending
	// transactions.
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error)
	CallContract(ctx context.Context, msg gethcore.CallMsg) ([]byte, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	// TransactionReceipt returns ethereum.NotFound while the transaction is
	// unknown or still pending.
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	Close()
}
