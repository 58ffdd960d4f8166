package txn

import (
	"context"
	"fmt"
	"strings"
	"sync"

	xerrors "ContractRelay/internal/errors"
	"ContractRelay/internal/web3"

	"github.com/ethereum/go-ethereum/common"
)

// NoncePolicy selects how nonces are resolved.
type NoncePolicy string

const (
	// NoncePolicySerialized hands out nonces from an in-process counter per
	// account, reconciled with the node's pending count on every acquisition.
	// Once no nonce of the account is in flight the node's count is taken as is.
	NoncePolicySerialized NoncePolicy = "serialized"
	// NoncePolicyNode returns the node's pending count as is. Concurrent
	// submissions from one account may observe the same nonce.
	NoncePolicyNode NoncePolicy = "node"
)

// ParseNoncePolicy maps a configuration value to a policy. Empty selects
// the serialized policy.
func ParseNoncePolicy(value string) (NoncePolicy, error) {
	switch NoncePolicy(strings.ToLower(strings.TrimSpace(value))) {
	case "", NoncePolicySerialized:
		return NoncePolicySerialized, nil
	case NoncePolicyNode:
		return NoncePolicyNode, nil
	}
	return "", xerrors.Newf(xerrors.CodeInvalidArgument, "unknown nonce policy %q", value)
}

// NonceAllocator resolves transaction nonces for the accounts of one chain.
// It observes the chain's tracker so nonces are settled when their
// submission ends.
type NonceAllocator struct {
	client web3.Client
	policy NoncePolicy

	mu       sync.Mutex
	next     map[common.Address]uint64
	inflight map[common.Address]map[uint64]struct{}
}

// NewNonceAllocator returns an allocator querying client.
func NewNonceAllocator(client web3.Client, policy NoncePolicy) *NonceAllocator {
	if policy == "" {
		policy = NoncePolicySerialized
	}
	return &NonceAllocator{
		client:   client,
		policy:   policy,
		next:     make(map[common.Address]uint64),
		inflight: make(map[common.Address]map[uint64]struct{}),
	}
}

// Policy returns the allocation policy.
func (a *NonceAllocator) Policy() NoncePolicy {
	return a.policy
}

// Acquire returns the nonce for the next transaction from account. The node
// is queried before the lock is taken.
func (a *NonceAllocator) Acquire(ctx context.Context, account common.Address) (uint64, error) {
	pending, err := a.client.PendingNonceAt(ctx, account)
	if err != nil {
		return 0, xerrors.Wrap(CodeSubmission, err, fmt.Sprintf("resolve pending nonce of %s", account.Hex()))
	}
	if a.policy == NoncePolicyNode {
		return pending, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	nonce := pending
	if next, ok := a.next[account]; ok && next > nonce && len(a.inflight[account]) > 0 {
		nonce = next
	}
	a.next[account] = nonce + 1
	held, ok := a.inflight[account]
	if !ok {
		held = make(map[uint64]struct{})
		a.inflight[account] = held
	}
	held[nonce] = struct{}{}
	return nonce, nil
}

// Release returns nonce to the allocator when the transaction using it never
// reached the node. Only the most recently handed out nonce can be returned.
func (a *NonceAllocator) Release(account common.Address, nonce uint64) {
	if a.policy == NoncePolicyNode {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.settleLocked(account, nonce)
	if next, ok := a.next[account]; ok && next == nonce+1 {
		a.next[account] = nonce
	}
}

// Reset drops local state for account so the next acquisition reseeds from
// the node.
func (a *NonceAllocator) Reset(account common.Address) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.next, account)
	delete(a.inflight, account)
}

// OnTransition settles the nonce of a submission that reached a terminal
// stage. A submission failing after Send without a receipt may have been
// dropped by the node, leaving a gap, so the account is reseeded.
func (a *NonceAllocator) OnTransition(t Transition) {
	if a.policy == NoncePolicyNode || !t.To.Terminal() {
		return
	}
	account := common.HexToAddress(t.Snapshot.From)
	if t.To == StageFailed && t.From == StageSubmitted {
		a.Reset(account)
		return
	}
	a.mu.Lock()
	a.settleLocked(account, t.Snapshot.Nonce)
	a.mu.Unlock()
}

func (a *NonceAllocator) settleLocked(account common.Address, nonce uint64) {
	held := a.inflight[account]
	delete(held, nonce)
	if len(held) == 0 {
		delete(a.inflight, account)
	}
}
