package account

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"math/big"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"ContractRelay/internal/contract"
	xerrors "ContractRelay/internal/errors"
	"ContractRelay/internal/txn"
	"ContractRelay/internal/web3"
	"ContractRelay/internal/web3/web3test"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const tokenABI = `[
 {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

const (
	addrA = "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
	addrB = "0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB"
	addrC = "0xCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCC"
)

type stubChains struct {
	client web3.Client
}

func (s stubChains) Client(name string) (web3.Client, bool) {
	if name == "" || name == "local" {
		return s.client, true
	}
	return nil, false
}

func (stubChains) DefaultChain() string { return "local" }

type fixture struct {
	client    *web3test.StubClient
	directory *Directory
	keyHex    string
	address   common.Address
}

func newFixture(t *testing.T, policy txn.NoncePolicy, opts ...txn.TrackerOption) *fixture {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	f := &fixture{
		client:  web3test.NewStubClient(1337),
		keyHex:  hexutil.Encode(crypto.FromECDSA(key)),
		address: crypto.PubkeyToAddress(key.PublicKey),
	}
	f.directory = NewDirectory(stubChains{client: f.client},
		WithNoncePolicy(policy),
		WithTrackerOptions(append([]txn.TrackerOption{txn.WithPollInterval(5 * time.Millisecond)}, opts...)...),
	)
	err = f.directory.Seed(context.Background(),
		Registration{Address: f.address.Hex(), PrivateKey: f.keyHex},
		[]PreloadedContract{{Name: "token", Address: addrB, Descriptor: []byte(tokenABI)}},
	)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return f
}

func (f *fixture) session(t *testing.T) *Session {
	t.Helper()
	session, err := f.directory.ResolveOrDefault("")
	if err != nil {
		t.Fatalf("resolve default: %v", err)
	}
	return session
}

func transferArgs() []any {
	return []any{addrC, json.Number("5")}
}

func TestAddContractOverwritesWithoutDuplicates(t *testing.T) {
	session := newFixture(t, txn.NoncePolicySerialized).session(t)

	if _, err := session.AddContract([]byte(tokenABI), addrA, "token"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if _, err := session.AddContract([]byte(tokenABI), addrC, "other"); err != nil {
		t.Fatalf("add: %v", err)
	}
	binding, ok := session.Contract("token")
	if !ok || binding.Address() != common.HexToAddress(addrA) {
		t.Fatal("expected token to be rebound to the new address")
	}
	if got := strings.Join(session.Contracts(), ","); got != "token,other" {
		t.Fatalf("unexpected contract listing %s", got)
	}

	if _, err := session.AddContract([]byte("not json"), addrA, "broken"); xerrors.CodeOf(err) != contract.CodeBinding {
		t.Fatalf("expected binding failure, got %v", err)
	}
	if _, ok := session.Contract("broken"); ok {
		t.Fatal("failed binding must not be registered")
	}
	if _, err := session.AddContract([]byte(tokenABI), addrA, "  "); xerrors.CodeOf(err) != contract.CodeBinding {
		t.Fatalf("expected binding failure for blank name, got %v", err)
	}
}

func TestExecuteCallDecodesRawNumber(t *testing.T) {
	client := web3test.NewStubClient(1)
	client.SetCallResult([]byte{0x2a}, nil)
	directory := NewDirectory(stubChains{client: client})
	err := directory.Seed(context.Background(), Registration{Address: addrA},
		[]PreloadedContract{{Name: "token", Address: addrB, Descriptor: []byte(tokenABI)}})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	session, err := directory.ResolveOrDefault("")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	result, err := session.ExecuteCall(context.Background(), "token", "balanceOf", []any{addrC})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if result.Value != "42" {
		t.Fatalf("expected 42, got %s", result.Value)
	}
	if client.Calls("PendingNonceAt") != 0 || client.Calls("SendTransaction") != 0 {
		t.Fatal("read-only call must not touch nonces or submit")
	}
}

func TestExecuteCallUnknownFunction(t *testing.T) {
	f := newFixture(t, txn.NoncePolicySerialized)
	_, err := f.session(t).ExecuteCall(context.Background(), "token", "mint", nil)

	if xerrors.CodeOf(err) != contract.CodeEncoding || !stdErrors.Is(err, contract.ErrUnknownFunction) {
		t.Fatalf("expected unknown function encoding error, got %v", err)
	}
	msg := xerrors.MessageOf(err)
	if !strings.Contains(msg, "function mint does not exist in contract token") {
		t.Fatalf("expected message naming function and contract, got %q", msg)
	}
	if f.client.Calls("CallContract") != 0 {
		t.Fatal("node must not be called")
	}
}

func TestExecuteCallNodeFailure(t *testing.T) {
	f := newFixture(t, txn.NoncePolicySerialized)
	f.client.SetCallResult(nil, stdErrors.New("execution reverted"))
	_, err := f.session(t).ExecuteCall(context.Background(), "token", "balanceOf", []any{addrC})
	if xerrors.CodeOf(err) != CodeCall {
		t.Fatalf("expected call failure, got %v", err)
	}
}

func TestUnknownContractNeverContactsNode(t *testing.T) {
	f := newFixture(t, txn.NoncePolicySerialized)
	before := f.client.TotalCalls()

	_, err := f.session(t).ExecuteTransaction(context.Background(), "vault", "withdraw", nil, nil)
	if xerrors.CodeOf(err) != CodeUnknownContract {
		t.Fatalf("expected unknown contract, got %v", err)
	}
	if xerrors.StatusOf(err) != 404 {
		t.Fatalf("expected unknown contract to map to 404, got %d", xerrors.StatusOf(err))
	}
	if _, err := f.session(t).ExecuteCall(context.Background(), "vault", "balance", nil); xerrors.CodeOf(err) != CodeUnknownContract {
		t.Fatalf("expected unknown contract for call, got %v", err)
	}
	if f.client.TotalCalls() != before {
		t.Fatalf("expected no node calls, saw %d", f.client.TotalCalls()-before)
	}
}

func TestExecuteTransactionResolvesAtInclusion(t *testing.T) {
	f := newFixture(t, txn.NoncePolicySerialized)
	f.client.SetNonce(3, nil)

	mined := make(chan txn.Confirmation, 1)
	result, err := f.session(t).ExecuteTransaction(context.Background(), "token", "transfer", transferArgs(), func(c txn.Confirmation) {
		mined <- c
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Nonce != 3 || result.Receipt == nil || result.Hash == "" {
		t.Fatalf("unexpected result %+v", result)
	}
	if !strings.EqualFold(result.To, addrB) {
		t.Fatalf("unexpected recipient %s", result.To)
	}

	select {
	case c := <-mined:
		if c.Err != nil || c.Confirmations < 1 {
			t.Fatalf("unexpected confirmation %+v", c)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("onMined was not invoked")
	}

	sent := f.client.Sent()
	if len(sent) != 1 || sent[0].Nonce() != 3 || sent[0].GasPrice().Sign() != 0 {
		t.Fatalf("unexpected sent transactions %+v", sent)
	}
}

func TestRejectedSubmissionInvokesOnMinedOnce(t *testing.T) {
	f := newFixture(t, txn.NoncePolicySerialized)
	f.client.SetSendError(stdErrors.New("insufficient funds"))

	var calls int
	var mu sync.Mutex
	done := make(chan struct{}, 2)
	_, err := f.session(t).ExecuteTransaction(context.Background(), "token", "transfer", transferArgs(), func(c txn.Confirmation) {
		mu.Lock()
		calls++
		mu.Unlock()
		if c.Err == nil {
			t.Errorf("expected error in confirmation")
		}
		done <- struct{}{}
	})
	if xerrors.CodeOf(err) != txn.CodeSubmission {
		t.Fatalf("expected submission failure, got %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("onMined was not invoked for a rejected submission")
	}
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected exactly one onMined call, got %d", calls)
	}
}

func TestPreSubmissionFailureSkipsOnMined(t *testing.T) {
	f := newFixture(t, txn.NoncePolicySerialized)
	f.client.SetEstimate(0, stdErrors.New("execution reverted"))

	called := make(chan struct{}, 1)
	_, err := f.session(t).ExecuteTransaction(context.Background(), "token", "transfer", transferArgs(), func(txn.Confirmation) {
		called <- struct{}{}
	})
	if xerrors.CodeOf(err) != txn.CodeEstimation {
		t.Fatalf("expected estimation failure, got %v", err)
	}
	select {
	case <-called:
		t.Fatal("onMined must not run for failures before submission")
	case <-time.After(30 * time.Millisecond):
	}
	if f.client.Calls("SendTransaction") != 0 {
		t.Fatal("nothing may be submitted after a failed build")
	}
}

func TestSignFailureOnKeylessAccount(t *testing.T) {
	f := newFixture(t, txn.NoncePolicySerialized)
	session, ok := f.directory.Resolve(EmptyAccount)
	if !ok {
		t.Fatal("expected placeholder account")
	}
	if _, err := session.AddContract([]byte(tokenABI), addrB, "token"); err != nil {
		t.Fatalf("add contract: %v", err)
	}

	before := f.client.TotalCalls()
	_, err := session.ExecuteTransaction(context.Background(), "token", "transfer", transferArgs(), nil)
	if xerrors.CodeOf(err) != txn.CodeSign {
		t.Fatalf("expected sign failure, got %v", err)
	}
	if f.client.TotalCalls() != before {
		t.Fatalf("keyless account must not reach the node, saw %d calls", f.client.TotalCalls()-before)
	}
}

func TestDroppedSubmissionReseedsNonceFromNode(t *testing.T) {
	f := newFixture(t, txn.NoncePolicySerialized, txn.WithReceiptTimeout(30*time.Millisecond))
	f.client.SetNonce(5, nil)
	f.client.SetAutoMine(false, false)
	session := f.session(t)
	ctx := context.Background()

	sub, err := session.SubmitTransaction(ctx, "token", "transfer", transferArgs())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	// the node evicts the transaction from its pool
	f.client.SetNonce(5, nil)

	select {
	case outcome := <-sub.Confirmed():
		if xerrors.CodeOf(outcome.Err) != txn.CodeSubmission {
			t.Fatalf("expected submission failure, got %v", outcome.Err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("submission did not time out")
	}

	f.client.SetAutoMine(true, false)
	result, err := session.ExecuteTransaction(ctx, "token", "transfer", transferArgs(), nil)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if result.Nonce != 5 {
		t.Fatalf("expected nonce 5 from the node after the drop, got %d", result.Nonce)
	}
}

func concurrentNonces(t *testing.T, policy txn.NoncePolicy, frozen bool) []uint64 {
	t.Helper()
	f := newFixture(t, policy)
	f.client.SetNonce(5, nil)
	f.client.SetNonceFrozen(frozen)
	session := f.session(t)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := session.ExecuteTransaction(context.Background(), "token", "transfer", transferArgs(), nil); err != nil {
				t.Errorf("execute: %v", err)
			}
		}()
	}
	wg.Wait()

	var nonces []uint64
	for _, tx := range f.client.Sent() {
		nonces = append(nonces, tx.Nonce())
	}
	sort.Slice(nonces, func(i, j int) bool { return nonces[i] < nonces[j] })
	return nonces
}

func TestConcurrentTransactionsSerializeNonces(t *testing.T) {
	nonces := concurrentNonces(t, txn.NoncePolicySerialized, false)
	if len(nonces) != 2 || nonces[0] != 5 || nonces[1] != 6 {
		t.Fatalf("expected nonces 5 and 6, got %v", nonces)
	}
}

func TestNodeNoncePolicyReproducesRace(t *testing.T) {
	nonces := concurrentNonces(t, txn.NoncePolicyNode, true)
	if len(nonces) != 2 || nonces[0] != 5 || nonces[1] != 5 {
		t.Fatalf("expected both transactions to use nonce 5, got %v", nonces)
	}
}

func TestSessionNeverFormatsKey(t *testing.T) {
	f := newFixture(t, txn.NoncePolicySerialized)
	session := f.session(t)
	for _, rendered := range []string{session.String(), session.LogValue().String()} {
		if strings.Contains(rendered, strings.TrimPrefix(f.keyHex, "0x")) {
			t.Fatalf("session rendering leaks key: %s", rendered)
		}
	}
	if session.ChainID().Cmp(big.NewInt(1337)) != 0 {
		t.Fatalf("expected chain id from node, got %s", session.ChainID())
	}
}
