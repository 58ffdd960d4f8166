package account

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"ContractRelay/internal/contract"
	xerrors "ContractRelay/internal/errors"
	"ContractRelay/internal/txn"
	"ContractRelay/internal/web3"
	"ContractRelay/pkg/logger"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// TransactionResult is returned once a transaction is included in a block.
type TransactionResult struct {
	SubmissionID string         `json:"submission_id"`
	Hash         string         `json:"transaction_hash"`
	From         string         `json:"from"`
	To           string         `json:"to"`
	Nonce        uint64         `json:"nonce"`
	BlockNumber  uint64         `json:"block_number"`
	Status       uint64         `json:"status"`
	Receipt      *types.Receipt `json:"receipt"`
}

// MinedFunc receives the final outcome of a submitted transaction.
type MinedFunc func(txn.Confirmation)

// Session is one account's signing identity and its private contract
// registry. The private key never leaves the session.
type Session struct {
	name       string
	address    common.Address
	privateKey string
	chainID    *big.Int
	chain      string

	client  web3.Client
	builder *txn.Builder
	nonces  *txn.NonceAllocator
	tracker *txn.Tracker
	logger  *slog.Logger

	mu        sync.RWMutex
	contracts map[string]*contract.Binding
	order     []string
}

type sessionConfig struct {
	name       string
	address    common.Address
	privateKey string
	chainID    *big.Int
	chain      string
	client     web3.Client
	nonces     *txn.NonceAllocator
	tracker    *txn.Tracker
}

func newSession(cfg sessionConfig) *Session {
	s := &Session{
		name:       cfg.name,
		address:    cfg.address,
		privateKey: cfg.privateKey,
		chain:      cfg.chain,
		client:     cfg.client,
		builder:    txn.NewBuilder(cfg.client, cfg.nonces),
		nonces:     cfg.nonces,
		tracker:    cfg.tracker,
		contracts:  make(map[string]*contract.Binding),
	}
	if cfg.chainID != nil {
		s.chainID = new(big.Int).Set(cfg.chainID)
	}
	s.logger = logger.Named("account").With(slog.Any("session", s))
	return s
}

// Name returns the account name.
func (s *Session) Name() string { return s.name }

// Address returns the sending address.
func (s *Session) Address() common.Address { return s.address }

// Chain returns the name of the chain the session submits to.
func (s *Session) Chain() string { return s.chain }

// CanSign reports whether the session holds a private key.
func (s *Session) CanSign() bool { return s.privateKey != "" }

// ChainID returns the chain id used for signing.
func (s *Session) ChainID() *big.Int {
	if s.chainID == nil {
		return nil
	}
	return new(big.Int).Set(s.chainID)
}

// LogValue exposes only the name and address of the session.
func (s *Session) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", s.name),
		slog.String("address", s.address.Hex()),
	)
}

// String mirrors LogValue so formatting a session never prints the key.
func (s *Session) String() string {
	return fmt.Sprintf("%s(%s)", s.name, s.address.Hex())
}

// AddContract binds descriptor at address under name, replacing any binding
// already registered under that name.
func (s *Session) AddContract(descriptor []byte, address, name string) (common.Address, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return common.Address{}, xerrors.New(contract.CodeBinding, "contract name is required")
	}
	binding, err := contract.Bind(descriptor, address)
	if err != nil {
		return common.Address{}, err
	}

	s.mu.Lock()
	if _, exists := s.contracts[name]; !exists {
		s.order = append(s.order, name)
	}
	s.contracts[name] = binding
	s.mu.Unlock()

	logger.Audit().Info("contract registered",
		slog.Any("session", s),
		slog.String("contract", name),
		slog.String("address", binding.Address().Hex()))
	return binding.Address(), nil
}

// Contract looks up a binding by name.
func (s *Session) Contract(name string) (*contract.Binding, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	binding, ok := s.contracts[name]
	return binding, ok
}

// Contracts lists registered contract names in registration order.
func (s *Session) Contracts() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

func (s *Session) binding(name string) (*contract.Binding, error) {
	binding, ok := s.Contract(name)
	if !ok {
		return nil, xerrors.Newf(CodeUnknownContract, "contract %s is not registered on account %s", name, s.name)
	}
	return binding, nil
}

// SubmitTransaction builds, signs and sends fn(args) on the named contract.
// Failures before the node is contacted for submission return a nil
// submission. When the send itself is rejected the failed submission is
// returned together with the error. Sessions without a key fail before any
// node call.
func (s *Session) SubmitTransaction(ctx context.Context, contractName, fn string, args []any) (*txn.Submission, error) {
	binding, err := s.binding(contractName)
	if err != nil {
		return nil, err
	}
	if !s.CanSign() {
		return nil, xerrors.Newf(txn.CodeSign, "account %s has no private key", s.name)
	}

	env, err := s.builder.Build(ctx, binding, fn, args, s.address)
	if err != nil {
		return nil, err
	}

	sub := s.tracker.Track(txn.Meta{Account: s.name, Chain: s.chain, Contract: contractName, Function: fn}, env)
	signed, err := txn.Sign(env, s.privateKey, s.chainID)
	if err != nil {
		s.nonces.Release(s.address, env.Nonce)
		sub.Fail(err)
		return nil, err
	}
	if err := sub.MarkSigned(signed); err != nil {
		s.nonces.Release(s.address, env.Nonce)
		sub.Fail(err)
		return nil, xerrors.Wrap(txn.CodeSign, err, "record signed transaction")
	}

	if err := s.tracker.Send(ctx, sub); err != nil {
		s.nonces.Reset(s.address)
		s.logger.Warn("交易提交失败",
			slog.String("contract", contractName),
			slog.String("function", fn),
			slog.Uint64("nonce", env.Nonce),
			slog.String("error", xerrors.MessageOf(err)))
		return sub, err
	}

	logger.Audit().Info("transaction submitted",
		slog.Any("session", s),
		slog.String("submission", sub.ID()),
		slog.String("contract", contractName),
		slog.String("function", fn),
		slog.Uint64("nonce", env.Nonce),
		slog.String("hash", signed.Hash.Hex()))
	return sub, nil
}

// ExecuteTransaction submits fn(args) and returns once the transaction is
// included in a block. onMined, when set, is invoked exactly once with the
// final outcome for every transaction that reached the node, including ones
// the node rejected.
func (s *Session) ExecuteTransaction(ctx context.Context, contractName, fn string, args []any, onMined MinedFunc) (*TransactionResult, error) {
	sub, err := s.SubmitTransaction(ctx, contractName, fn, args)
	if sub == nil {
		return nil, err
	}
	if onMined != nil {
		go func() {
			onMined(<-sub.Confirmed())
		}()
	}
	if err != nil {
		return nil, err
	}

	receipt, err := sub.Wait(ctx)
	if err != nil {
		return nil, err
	}
	snap := sub.Snapshot()
	return &TransactionResult{
		SubmissionID: sub.ID(),
		Hash:         snap.Hash,
		From:         snap.From,
		To:           snap.To,
		Nonce:        snap.Nonce,
		BlockNumber:  snap.BlockNumber,
		Status:       receipt.Status,
		Receipt:      receipt,
	}, nil
}

// ExecuteCall runs fn(args) as a read-only call against the latest state. No
// nonce is consumed and nothing is signed.
func (s *Session) ExecuteCall(ctx context.Context, contractName, fn string, args []any) (*contract.CallResult, error) {
	binding, err := s.binding(contractName)
	if err != nil {
		return nil, err
	}

	data, err := binding.Encode(fn, args)
	if err != nil {
		if stdErrors.Is(err, contract.ErrUnknownFunction) {
			return nil, xerrors.Wrap(contract.CodeEncoding, contract.ErrUnknownFunction,
				fmt.Sprintf("function %s does not exist in contract %s", fn, contractName))
		}
		return nil, err
	}

	to := binding.Address()
	out, err := s.client.CallContract(ctx, gethcore.CallMsg{From: s.address, To: &to, Data: data})
	if err != nil {
		return nil, xerrors.Wrap(CodeCall, err, fmt.Sprintf("call %s on contract %s", fn, contractName))
	}
	return binding.Decode(fn, out)
}
