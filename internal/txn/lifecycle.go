package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	xerrors "ContractRelay/internal/errors"
	"ContractRelay/internal/web3"
	"ContractRelay/pkg/logger"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
)

// Stage is a lifecycle state of a submission.
type Stage string

const (
	StageBuilt     Stage = "built"
	StageSigned    Stage = "signed"
	StageSubmitted Stage = "submitted"
	StageIncluded  Stage = "included"
	StageConfirmed Stage = "confirmed"
	StageFailed    Stage = "failed"
)

// Terminal reports whether no further transitions can follow s.
func (s Stage) Terminal() bool {
	return s == StageConfirmed || s == StageFailed
}

var nextStage = map[Stage]Stage{
	StageBuilt:     StageSigned,
	StageSigned:    StageSubmitted,
	StageSubmitted: StageIncluded,
	StageIncluded:  StageConfirmed,
}

// Meta identifies what a submission is for.
type Meta struct {
	Account  string `json:"account"`
	Chain    string `json:"chain,omitempty"`
	Contract string `json:"contract"`
	Function string `json:"function"`
}

// StageRecord is one entry of a submission's stage history.
type StageRecord struct {
	Stage Stage     `json:"stage"`
	At    time.Time `json:"at"`
}

// Snapshot is an immutable copy of a submission's state.
type Snapshot struct {
	ID            string
	Meta          Meta
	From          string
	To            string
	Nonce         uint64
	Hash          string
	Stage         Stage
	History       []StageRecord
	BlockNumber   uint64
	Status        uint64
	Confirmations uint64
	Err           error
}

// Transition is delivered to observers on every stage change. From is empty
// for the initial Built stage.
type Transition struct {
	Snapshot Snapshot
	From     Stage
	To       Stage
	At       time.Time
}

// Observer receives lifecycle transitions. Calls are synchronous and happen
// outside submission locks.
type Observer interface {
	OnTransition(Transition)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Transition)

// OnTransition implements Observer.
func (f ObserverFunc) OnTransition(t Transition) {
	f(t)
}

// Confirmation is the final outcome of a submission: either a receipt with
// its confirmation count or an error.
type Confirmation struct {
	Submission    Snapshot
	Receipt       *types.Receipt
	Confirmations uint64
	Err           error
}

// Submission follows one envelope through
// Built -> Signed -> Submitted -> Included -> Confirmed, or Failed from any
// non-terminal stage.
type Submission struct {
	id       string
	meta     Meta
	envelope *Envelope
	notify   func(Transition)

	mu            sync.Mutex
	stage         Stage
	history       []StageRecord
	signed        *SignedTransaction
	receipt       *types.Receipt
	confirmations uint64
	err           error
	includedOnce  bool

	included  chan struct{}
	confirmed chan Confirmation
}

// ID returns the submission id.
func (s *Submission) ID() string {
	return s.id
}

// Meta returns what the submission is for.
func (s *Submission) Meta() Meta {
	return s.meta
}

// Envelope returns the unsigned envelope.
func (s *Submission) Envelope() *Envelope {
	return s.envelope
}

// Stage returns the current stage.
func (s *Submission) Stage() Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage
}

// Signed returns the signed payload once the submission reached Signed.
func (s *Submission) Signed() *SignedTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signed
}

// Snapshot returns a copy of the current state.
func (s *Submission) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Submission) snapshotLocked() Snapshot {
	snap := Snapshot{
		ID:            s.id,
		Meta:          s.meta,
		From:          s.envelope.From.Hex(),
		To:            s.envelope.To.Hex(),
		Nonce:         s.envelope.Nonce,
		Stage:         s.stage,
		History:       append([]StageRecord(nil), s.history...),
		Confirmations: s.confirmations,
		Err:           s.err,
	}
	if s.signed != nil {
		snap.Hash = s.signed.Hash.Hex()
	}
	if s.receipt != nil {
		snap.Status = s.receipt.Status
		if s.receipt.BlockNumber != nil {
			snap.BlockNumber = s.receipt.BlockNumber.Uint64()
		}
	}
	return snap
}

// Wait blocks until the transaction is included in a block and returns its
// receipt, or returns the error that ended the submission first.
func (s *Submission) Wait(ctx context.Context) (*types.Receipt, error) {
	select {
	case <-s.included:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.receipt != nil {
			return s.receipt, nil
		}
		return nil, s.err
	case <-ctx.Done():
		return nil, xerrors.Wrap(CodeSubmission, ctx.Err(), "wait for inclusion")
	}
}

// Confirmed yields exactly one Confirmation once the submission reaches a
// terminal stage.
func (s *Submission) Confirmed() <-chan Confirmation {
	return s.confirmed
}

// MarkSigned records the signed payload.
func (s *Submission) MarkSigned(signed *SignedTransaction) error {
	if signed == nil {
		return xerrors.New(CodeSign, "signed transaction is missing")
	}
	return s.transition(StageSigned, func() { s.signed = signed })
}

// Fail moves the submission to Failed. It is a no-op on terminal submissions.
func (s *Submission) Fail(err error) {
	if err == nil {
		err = xerrors.New(xerrors.CodeUnknown, "")
	}
	_ = s.transition(StageFailed, func() { s.err = err })
}

func (s *Submission) transition(to Stage, mutate func()) error {
	now := time.Now().UTC()

	s.mu.Lock()
	from := s.stage
	switch {
	case from.Terminal():
		s.mu.Unlock()
		return fmt.Errorf("submission %s already %s", s.id, from)
	case to != StageFailed && nextStage[from] != to:
		s.mu.Unlock()
		return fmt.Errorf("submission %s cannot move from %s to %s", s.id, from, to)
	}
	if mutate != nil {
		mutate()
	}
	s.stage = to
	s.history = append(s.history, StageRecord{Stage: to, At: now})

	var outcome *Confirmation
	switch to {
	case StageIncluded:
		s.closeIncludedLocked()
	case StageConfirmed:
		outcome = &Confirmation{Receipt: s.receipt, Confirmations: s.confirmations}
	case StageFailed:
		s.closeIncludedLocked()
		outcome = &Confirmation{Receipt: s.receipt, Err: s.err}
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if s.notify != nil {
		s.notify(Transition{Snapshot: snap, From: from, To: to, At: now})
	}
	if outcome != nil {
		outcome.Submission = snap
		s.confirmed <- *outcome
	}
	return nil
}

func (s *Submission) closeIncludedLocked() {
	if !s.includedOnce {
		s.includedOnce = true
		close(s.included)
	}
}

// Tracker submits signed transactions and watches them until they are
// confirmed or fail.
type Tracker struct {
	client         web3.Client
	pollInterval   time.Duration
	receiptTimeout time.Duration
	confirmations  uint64
	observers      []Observer
	logger         *slog.Logger
}

// TrackerOption customises a Tracker.
type TrackerOption func(*Tracker)

// WithPollInterval sets how often receipts and block heights are polled.
func WithPollInterval(d time.Duration) TrackerOption {
	return func(t *Tracker) {
		if d > 0 {
			t.pollInterval = d
		}
	}
}

// WithReceiptTimeout bounds how long a submission is watched after Send.
func WithReceiptTimeout(d time.Duration) TrackerOption {
	return func(t *Tracker) {
		if d > 0 {
			t.receiptTimeout = d
		}
	}
}

// WithConfirmations sets how many blocks, including the inclusion block, are
// required before a submission is confirmed.
func WithConfirmations(n uint64) TrackerOption {
	return func(t *Tracker) {
		if n > 0 {
			t.confirmations = n
		}
	}
}

// WithObserver registers an observer for every submission of the tracker.
func WithObserver(o Observer) TrackerOption {
	return func(t *Tracker) {
		if o != nil {
			t.observers = append(t.observers, o)
		}
	}
}

// NewTracker returns a tracker polling client.
func NewTracker(client web3.Client, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		client:         client,
		pollInterval:   time.Second,
		receiptTimeout: 5 * time.Minute,
		confirmations:  1,
		logger:         logger.Named("txn"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

func (t *Tracker) notify(tr Transition) {
	for _, o := range t.observers {
		o.OnTransition(tr)
	}
}

// Track starts following env. The submission begins in Built.
func (t *Tracker) Track(meta Meta, env *Envelope) *Submission {
	now := time.Now().UTC()
	sub := &Submission{
		id:        uuid.NewString(),
		meta:      meta,
		envelope:  env,
		notify:    t.notify,
		stage:     StageBuilt,
		history:   []StageRecord{{Stage: StageBuilt, At: now}},
		included:  make(chan struct{}),
		confirmed: make(chan Confirmation, 1),
	}
	t.notify(Transition{Snapshot: sub.Snapshot(), To: StageBuilt, At: now})
	return sub
}

// Send submits a signed submission to the node. On success the submission is
// Submitted and watched in the background until Confirmed or Failed; the
// watcher outlives ctx and is bounded by the receipt timeout.
func (t *Tracker) Send(ctx context.Context, sub *Submission) error {
	signed := sub.Signed()
	if signed == nil || sub.Stage() != StageSigned {
		err := xerrors.Newf(CodeSubmission, "submission %s is not signed", sub.ID())
		sub.Fail(err)
		return err
	}

	if err := t.client.SendTransaction(ctx, signed.Transaction()); err != nil {
		wrapped := xerrors.Wrap(CodeSubmission, err, "submit transaction")
		sub.Fail(wrapped)
		return wrapped
	}
	if err := sub.transition(StageSubmitted, nil); err != nil {
		return xerrors.Wrap(CodeSubmission, err, "record submission")
	}

	watchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.receiptTimeout)
	go func() {
		defer cancel()
		t.watch(watchCtx, sub)
	}()
	return nil
}

func (t *Tracker) watch(ctx context.Context, sub *Submission) {
	hash := sub.Signed().Hash
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	var receipt *types.Receipt
	for receipt == nil {
		r, err := t.client.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && r != nil:
			receipt = r
			continue
		case err != nil && !errors.Is(err, gethcore.NotFound) && ctx.Err() == nil:
			t.logger.Warn("查询交易回执失败", slog.String("submission", sub.ID()), slog.String("hash", hash.Hex()), slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			sub.Fail(xerrors.Wrap(CodeSubmission, ctx.Err(), "timed out waiting for receipt",
				xerrors.WithMetadata("waiting_for", "receipt")))
			return
		case <-ticker.C:
		}
	}

	if err := sub.transition(StageIncluded, func() { sub.receipt = receipt }); err != nil {
		return
	}
	if receipt.Status == types.ReceiptStatusFailed {
		sub.Fail(xerrors.New(CodeSubmission, "transaction reverted",
			xerrors.WithRetryable(false),
			xerrors.WithMetadata("block", receipt.BlockNumber.String())))
		return
	}

	for {
		head, err := t.client.BlockNumber(ctx)
		if err == nil {
			count := confirmationsAt(head, receipt)
			if count >= t.confirmations {
				_ = sub.transition(StageConfirmed, func() { sub.confirmations = count })
				return
			}
		} else if ctx.Err() == nil {
			t.logger.Warn("获取最新区块高度失败", slog.String("submission", sub.ID()), slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			sub.Fail(xerrors.Wrap(CodeSubmission, ctx.Err(), "timed out waiting for confirmations",
				xerrors.WithMetadata("waiting_for", "confirmations")))
			return
		case <-ticker.C:
		}
	}
}

func confirmationsAt(head uint64, receipt *types.Receipt) uint64 {
	if receipt.BlockNumber == nil {
		return 0
	}
	block := receipt.BlockNumber.Uint64()
	if head < block {
		return 0
	}
	return head - block + 1
}
