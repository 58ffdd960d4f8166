package txn

import (
	"context"
	stdErrors "errors"
	"math/big"
	"sync"
	"testing"
	"time"

	xerrors "ContractRelay/internal/errors"
	"ContractRelay/internal/web3/web3test"

	"github.com/ethereum/go-ethereum/core/types"
)

type recordingObserver struct {
	mu     sync.Mutex
	stages []Stage
}

func (r *recordingObserver) OnTransition(tr Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, tr.To)
}

func (r *recordingObserver) seen() []Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Stage(nil), r.stages...)
}

func signedSubmission(t *testing.T, tracker *Tracker) *Submission {
	t.Helper()
	account := newTestAccount(t)
	env := testEnvelope(account.address)
	sub := tracker.Track(Meta{Account: "default", Contract: "token", Function: "transfer"}, env)
	signed, err := Sign(env, account.keyHex, big.NewInt(1337))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := sub.MarkSigned(signed); err != nil {
		t.Fatalf("mark signed: %v", err)
	}
	return sub
}

func awaitConfirmation(t *testing.T, sub *Submission) Confirmation {
	t.Helper()
	select {
	case c := <-sub.Confirmed():
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for confirmation")
	}
	return Confirmation{}
}

func TestTrackerDrivesSubmissionToConfirmed(t *testing.T) {
	client := web3test.NewStubClient(1337)
	client.SetHead(10)
	observer := &recordingObserver{}
	tracker := NewTracker(client,
		WithPollInterval(5*time.Millisecond),
		WithConfirmations(3),
		WithObserver(observer),
	)
	sub := signedSubmission(t, tracker)

	if err := tracker.Send(context.Background(), sub); err != nil {
		t.Fatalf("send: %v", err)
	}
	receipt, err := sub.Wait(context.Background())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if receipt.BlockNumber.Uint64() != 10 || receipt.TxHash != sub.Signed().Hash {
		t.Fatalf("unexpected receipt %+v", receipt)
	}

	select {
	case <-sub.Confirmed():
		t.Fatal("must not confirm before enough blocks")
	case <-time.After(30 * time.Millisecond):
	}

	client.SetHead(12)
	outcome := awaitConfirmation(t, sub)
	if outcome.Err != nil || outcome.Confirmations != 3 {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if outcome.Submission.Stage != StageConfirmed || outcome.Submission.Hash == "" {
		t.Fatalf("unexpected snapshot %+v", outcome.Submission)
	}

	want := []Stage{StageBuilt, StageSigned, StageSubmitted, StageIncluded, StageConfirmed}
	got := observer.seen()
	if len(got) != len(want) {
		t.Fatalf("unexpected transitions %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected transitions %v", got)
		}
	}
	if len(sub.Snapshot().History) != len(want) {
		t.Fatalf("unexpected history %+v", sub.Snapshot().History)
	}
}

func TestTrackerSendRejected(t *testing.T) {
	client := web3test.NewStubClient(1337)
	client.SetSendError(stdErrors.New("nonce too low"))
	tracker := NewTracker(client)
	sub := signedSubmission(t, tracker)

	err := tracker.Send(context.Background(), sub)
	if xerrors.CodeOf(err) != CodeSubmission {
		t.Fatalf("expected submission failure, got %v", err)
	}
	if _, waitErr := sub.Wait(context.Background()); xerrors.CodeOf(waitErr) != CodeSubmission {
		t.Fatalf("expected wait to report the failure, got %v", waitErr)
	}
	outcome := awaitConfirmation(t, sub)
	if outcome.Err == nil || sub.Stage() != StageFailed {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	select {
	case extra := <-sub.Confirmed():
		t.Fatalf("expected exactly one outcome, got another %+v", extra)
	default:
	}
}

func TestTrackerRevertedReceipt(t *testing.T) {
	client := web3test.NewStubClient(1337)
	client.SetAutoMine(true, true)
	tracker := NewTracker(client, WithPollInterval(5*time.Millisecond))
	sub := signedSubmission(t, tracker)

	if err := tracker.Send(context.Background(), sub); err != nil {
		t.Fatalf("send: %v", err)
	}
	receipt, err := sub.Wait(context.Background())
	if err != nil || receipt.Status != types.ReceiptStatusFailed {
		t.Fatalf("expected reverted receipt at inclusion, got %+v, %v", receipt, err)
	}
	outcome := awaitConfirmation(t, sub)
	if xerrors.CodeOf(outcome.Err) != CodeSubmission || outcome.Receipt == nil {
		t.Fatalf("expected revert failure with receipt, got %+v", outcome)
	}
}

func TestTrackerTimesOutWithoutReceipt(t *testing.T) {
	client := web3test.NewStubClient(1337)
	client.SetAutoMine(false, false)
	tracker := NewTracker(client, WithPollInterval(5*time.Millisecond), WithReceiptTimeout(40*time.Millisecond))
	sub := signedSubmission(t, tracker)

	ctx, cancel := context.WithCancel(context.Background())
	if err := tracker.Send(ctx, sub); err != nil {
		t.Fatalf("send: %v", err)
	}
	cancel()

	outcome := awaitConfirmation(t, sub)
	if outcome.Err == nil || outcome.Receipt != nil {
		t.Fatalf("expected timeout failure, got %+v", outcome)
	}
	if client.Calls("TransactionReceipt") == 0 {
		t.Fatal("expected receipt polling to outlive the caller context")
	}
}

func TestWaitHonoursCallerContext(t *testing.T) {
	client := web3test.NewStubClient(1337)
	client.SetAutoMine(false, false)
	tracker := NewTracker(client, WithPollInterval(5*time.Millisecond))
	sub := signedSubmission(t, tracker)
	if err := tracker.Send(context.Background(), sub); err != nil {
		t.Fatalf("send: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := sub.Wait(ctx); xerrors.CodeOf(err) != CodeSubmission {
		t.Fatalf("expected wait to stop with the context, got %v", err)
	}

	client.Mine(sub.Signed().Hash)
	if outcome := awaitConfirmation(t, sub); outcome.Err != nil {
		t.Fatalf("expected confirmation after late mining, got %v", outcome.Err)
	}
}

func TestSubmissionRejectsInvalidTransitions(t *testing.T) {
	tracker := NewTracker(web3test.NewStubClient(1337))
	account := newTestAccount(t)
	sub := tracker.Track(Meta{}, testEnvelope(account.address))

	if err := tracker.Send(context.Background(), sub); err == nil {
		t.Fatal("expected unsigned submission to be refused")
	}
	if sub.Stage() != StageFailed {
		t.Fatalf("expected failed stage, got %s", sub.Stage())
	}
	if err := sub.MarkSigned(&SignedTransaction{}); err == nil {
		t.Fatal("expected terminal submission to refuse transitions")
	}
	sub.Fail(stdErrors.New("again"))
	if snap := sub.Snapshot(); len(snap.History) != 2 {
		t.Fatalf("expected built and failed only, got %+v", snap.History)
	}
}

func TestTrackerTimeoutReseedsAllocator(t *testing.T) {
	client := web3test.NewStubClient(1337)
	client.SetNonce(5, nil)
	client.SetAutoMine(false, false)
	allocator := NewNonceAllocator(client, NoncePolicySerialized)
	tracker := NewTracker(client,
		WithObserver(allocator),
		WithPollInterval(5*time.Millisecond),
		WithReceiptTimeout(30*time.Millisecond))
	account := newTestAccount(t)
	ctx := context.Background()

	nonce, err := allocator.Acquire(ctx, account.address)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	env := testEnvelope(account.address)
	env.Nonce = nonce
	sub := tracker.Track(Meta{Account: "default", Contract: "token", Function: "transfer"}, env)
	signed, err := Sign(env, account.keyHex, big.NewInt(1337))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := sub.MarkSigned(signed); err != nil {
		t.Fatalf("mark signed: %v", err)
	}
	if err := tracker.Send(ctx, sub); err != nil {
		t.Fatalf("send: %v", err)
	}
	// evicted from the pool before it was mined
	client.SetNonce(5, nil)

	if outcome := awaitConfirmation(t, sub); xerrors.CodeOf(outcome.Err) != CodeSubmission {
		t.Fatalf("expected receipt timeout, got %v", outcome.Err)
	}
	if n, _ := allocator.Acquire(ctx, account.address); n != 5 {
		t.Fatalf("expected the allocator to reseed to 5, got %d", n)
	}
}
