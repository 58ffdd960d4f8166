// Package web3test provides an in-memory web3.Client for tests.
package web3test

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"ContractRelay/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// StubClient records every call and answers from its configured fields.
// Fields may be changed between calls through the setters.
type StubClient struct {
	mu sync.Mutex

	chainID     *big.Int
	nonce       uint64
	nonceErr    error
	frozen      bool
	gas         uint64
	estimateErr error
	callResult  []byte
	callErr     error
	sendErr     error
	head        uint64
	autoMine    bool
	reverted    bool

	receipts map[common.Hash]*types.Receipt
	sent     []*types.Transaction
	calls    map[string]int
	closed   bool
}

// NewStubClient returns a stub reporting the given chain id with a 21000 gas
// estimate and automatic mining of submitted transactions at block 1.
func NewStubClient(chainID int64) *StubClient {
	return &StubClient{
		chainID:  big.NewInt(chainID),
		gas:      21000,
		head:     1,
		autoMine: true,
		receipts: make(map[common.Hash]*types.Receipt),
		calls:    make(map[string]int),
	}
}

func (s *StubClient) record(method string) {
	s.mu.Lock()
	s.calls[method]++
	s.mu.Unlock()
}

// Calls returns how many times method was invoked.
func (s *StubClient) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// TotalCalls returns the number of node calls of any kind.
func (s *StubClient) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.calls {
		total += n
	}
	return total
}

// Sent returns the transactions accepted by SendTransaction.
func (s *StubClient) Sent() []*types.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*types.Transaction(nil), s.sent...)
}

// SetNonce sets the pending nonce reported for every account. Accepted
// transactions advance it past their own nonce unless it is frozen.
func (s *StubClient) SetNonce(nonce uint64, err error) {
	s.mu.Lock()
	s.nonce, s.nonceErr = nonce, err
	s.mu.Unlock()
}

// SetNonceFrozen stops accepted transactions from advancing the pending
// nonce, modelling a node whose pool has not seen them yet.
func (s *StubClient) SetNonceFrozen(frozen bool) {
	s.mu.Lock()
	s.frozen = frozen
	s.mu.Unlock()
}

// SetEstimate sets the gas estimate result.
func (s *StubClient) SetEstimate(gas uint64, err error) {
	s.mu.Lock()
	s.gas, s.estimateErr = gas, err
	s.mu.Unlock()
}

// SetCallResult sets the raw output of CallContract.
func (s *StubClient) SetCallResult(out []byte, err error) {
	s.mu.Lock()
	s.callResult, s.callErr = out, err
	s.mu.Unlock()
}

// SetSendError makes SendTransaction fail with err.
func (s *StubClient) SetSendError(err error) {
	s.mu.Lock()
	s.sendErr = err
	s.mu.Unlock()
}

// SetAutoMine controls whether sent transactions get a receipt immediately.
// Reverted receipts carry a failed status.
func (s *StubClient) SetAutoMine(enabled, reverted bool) {
	s.mu.Lock()
	s.autoMine, s.reverted = enabled, reverted
	s.mu.Unlock()
}

// SetHead sets the latest block number.
func (s *StubClient) SetHead(head uint64) {
	s.mu.Lock()
	s.head = head
	s.mu.Unlock()
}

// Mine stores a successful receipt for hash at the current head.
func (s *StubClient) Mine(hash common.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts[hash] = s.receiptLocked(hash, types.ReceiptStatusSuccessful)
}

func (s *StubClient) receiptLocked(hash common.Hash, status uint64) *types.Receipt {
	return &types.Receipt{
		Status:      status,
		TxHash:      hash,
		BlockNumber: new(big.Int).SetUint64(s.head),
		GasUsed:     s.gas,
	}
}

// Closed reports whether Close was called.
func (s *StubClient) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *StubClient) ChainID(ctx context.Context) (*big.Int, error) {
	s.record("ChainID")
	s.mu.Lock()
	defer s.mu.Unlock()
	return new(big.Int).Set(s.chainID), nil
}

func (s *StubClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	s.record("PendingNonceAt")
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonce, s.nonceErr
}

func (s *StubClient) EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error) {
	s.record("EstimateGas")
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gas, s.estimateErr
}

func (s *StubClient) CallContract(ctx context.Context, msg gethcore.CallMsg) ([]byte, error) {
	s.record("CallContract")
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.callResult...), s.callErr
}

func (s *StubClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	s.record("SendTransaction")
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, tx)
	if !s.frozen && tx.Nonce() >= s.nonce {
		s.nonce = tx.Nonce() + 1
	}
	if s.autoMine {
		status := types.ReceiptStatusSuccessful
		if s.reverted {
			status = types.ReceiptStatusFailed
		}
		s.receipts[tx.Hash()] = s.receiptLocked(tx.Hash(), status)
	}
	return nil
}

func (s *StubClient) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	s.record("TransactionReceipt")
	s.mu.Lock()
	defer s.mu.Unlock()
	receipt, ok := s.receipts[hash]
	if !ok {
		return nil, gethcore.NotFound
	}
	return receipt, nil
}

func (s *StubClient) BlockNumber(ctx context.Context) (uint64, error) {
	s.record("BlockNumber")
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head, nil
}

func (s *StubClient) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	s.record("FetchChainSnapshot")
	s.mu.Lock()
	defer s.mu.Unlock()
	return web3.ChainSnapshot{
		Name:        "stub",
		ChainID:     "0x" + s.chainID.Text(16),
		BlockNumber: fmt.Sprintf("0x%x", s.head),
	}, nil
}

func (s *StubClient) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

var _ web3.Client = (*StubClient)(nil)
