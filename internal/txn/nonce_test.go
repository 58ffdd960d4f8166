package txn

import (
	"context"
	"sort"
	"sync"
	"testing"

	"ContractRelay/internal/web3/web3test"

	"github.com/ethereum/go-ethereum/common"
)

func acquireConcurrently(t *testing.T, allocator *NonceAllocator, account common.Address, n int) []uint64 {
	t.Helper()
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		nonces []uint64
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			nonce, err := allocator.Acquire(context.Background(), account)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			mu.Lock()
			nonces = append(nonces, nonce)
			mu.Unlock()
		}()
	}
	wg.Wait()
	sort.Slice(nonces, func(i, j int) bool { return nonces[i] < nonces[j] })
	return nonces
}

func TestSerializedPolicyHandsOutDistinctNonces(t *testing.T) {
	client := web3test.NewStubClient(1)
	client.SetNonce(5, nil)
	allocator := NewNonceAllocator(client, NoncePolicySerialized)

	nonces := acquireConcurrently(t, allocator, common.Address{1}, 2)
	if len(nonces) != 2 || nonces[0] != 5 || nonces[1] != 6 {
		t.Fatalf("expected nonces 5 and 6, got %v", nonces)
	}
}

func TestNodePolicyMirrorsNode(t *testing.T) {
	client := web3test.NewStubClient(1)
	client.SetNonce(5, nil)
	allocator := NewNonceAllocator(client, NoncePolicyNode)

	nonces := acquireConcurrently(t, allocator, common.Address{1}, 2)
	if len(nonces) != 2 || nonces[0] != 5 || nonces[1] != 5 {
		t.Fatalf("expected both callers to observe 5, got %v", nonces)
	}
}

func TestSerializedPolicyFollowsNodeAhead(t *testing.T) {
	client := web3test.NewStubClient(1)
	client.SetNonce(5, nil)
	allocator := NewNonceAllocator(client, NoncePolicySerialized)
	account := common.Address{1}
	ctx := context.Background()

	if n, _ := allocator.Acquire(ctx, account); n != 5 {
		t.Fatalf("expected 5, got %d", n)
	}
	client.SetNonce(9, nil)
	if n, _ := allocator.Acquire(ctx, account); n != 9 {
		t.Fatalf("expected node count to win when ahead, got %d", n)
	}
	if n, _ := allocator.Acquire(ctx, common.Address{2}); n != 9 {
		t.Fatalf("expected accounts to be independent, got %d", n)
	}
}

func TestReleaseAndReset(t *testing.T) {
	client := web3test.NewStubClient(1)
	client.SetNonce(5, nil)
	allocator := NewNonceAllocator(client, NoncePolicySerialized)
	account := common.Address{1}
	ctx := context.Background()

	first, _ := allocator.Acquire(ctx, account)
	second, _ := allocator.Acquire(ctx, account)
	allocator.Release(account, first)
	if n, _ := allocator.Acquire(ctx, account); n != 7 {
		t.Fatalf("releasing an older nonce must not rewind, got %d", n)
	}
	allocator.Release(account, 7)
	if n, _ := allocator.Acquire(ctx, account); n != 7 {
		t.Fatalf("expected released nonce to be reused, got %d", n)
	}
	_ = second

	allocator.Reset(account)
	if n, _ := allocator.Acquire(ctx, account); n != 5 {
		t.Fatalf("expected reset to reseed from node, got %d", n)
	}
}

func TestParseNoncePolicy(t *testing.T) {
	if p, err := ParseNoncePolicy(""); err != nil || p != NoncePolicySerialized {
		t.Fatalf("unexpected default policy %s, %v", p, err)
	}
	if p, err := ParseNoncePolicy("NODE"); err != nil || p != NoncePolicyNode {
		t.Fatalf("unexpected node policy %s, %v", p, err)
	}
	if _, err := ParseNoncePolicy("random"); err == nil {
		t.Fatal("expected error for unknown policy")
	}
}

func settled(from common.Address, nonce uint64, prev, to Stage) Transition {
	return Transition{Snapshot: Snapshot{From: from.Hex(), Nonce: nonce}, From: prev, To: to}
}

func TestSerializedPolicyReseedsWhenNothingInFlight(t *testing.T) {
	client := web3test.NewStubClient(1)
	client.SetNonce(5, nil)
	allocator := NewNonceAllocator(client, NoncePolicySerialized)
	account := common.Address{1}
	ctx := context.Background()

	first, _ := allocator.Acquire(ctx, account)
	second, _ := allocator.Acquire(ctx, account)
	allocator.Release(account, first)
	allocator.OnTransition(settled(account, second, StageIncluded, StageConfirmed))

	if n, _ := allocator.Acquire(ctx, account); n != 5 {
		t.Fatalf("expected node count once nothing is in flight, got %d", n)
	}
}

func TestDroppedSubmissionResetsAccount(t *testing.T) {
	client := web3test.NewStubClient(1)
	client.SetNonce(5, nil)
	allocator := NewNonceAllocator(client, NoncePolicySerialized)
	account := common.Address{1}
	ctx := context.Background()

	dropped, _ := allocator.Acquire(ctx, account)
	if n, _ := allocator.Acquire(ctx, account); n != 6 {
		t.Fatalf("expected 6 while 5 is in flight, got %d", n)
	}
	allocator.OnTransition(settled(account, dropped, StageSubmitted, StageFailed))

	if n, _ := allocator.Acquire(ctx, account); n != 5 {
		t.Fatalf("expected the gap at 5 to be refilled, got %d", n)
	}
}

func TestIncludedFailureKeepsCounter(t *testing.T) {
	client := web3test.NewStubClient(1)
	client.SetNonce(5, nil)
	allocator := NewNonceAllocator(client, NoncePolicySerialized)
	account := common.Address{1}
	ctx := context.Background()

	reverted, _ := allocator.Acquire(ctx, account)
	pending, _ := allocator.Acquire(ctx, account)
	allocator.OnTransition(settled(account, reverted, StageIncluded, StageFailed))

	if n, _ := allocator.Acquire(ctx, account); n != pending+1 {
		t.Fatalf("expected %d while %d is in flight, got %d", pending+1, pending, n)
	}
}
