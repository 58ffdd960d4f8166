package alerting

import (
	"context"
	"log/slog"
	"time"

	xerrors "ContractRelay/internal/errors"
	"ContractRelay/internal/txn"
	"ContractRelay/pkg/logger"
)

const notifyTimeout = 15 * time.Second

// Observer 在提交进入 Failed 时发出告警。分发在独立协程中进行，不阻塞生命周期推进。
type Observer struct {
	dispatcher Dispatcher
	logger     *slog.Logger
}

// NewObserver 创建一个生命周期观察者。
func NewObserver(dispatcher Dispatcher) *Observer {
	return &Observer{dispatcher: dispatcher, logger: logger.Named("alerting")}
}

// OnTransition 实现 txn.Observer。
func (o *Observer) OnTransition(tr txn.Transition) {
	if o == nil || o.dispatcher == nil || tr.To != txn.StageFailed {
		return
	}
	event := EventFromSnapshot(tr.Snapshot, tr.At)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := o.dispatcher.Notify(ctx, event); err != nil {
			o.logger.Error("发送告警失败", slog.String("submission", event.SubmissionID), slog.Any("error", err))
		}
	}()
}

// EventFromSnapshot 根据失败提交的快照构造告警事件，严重程度取自错误码。
func EventFromSnapshot(snap txn.Snapshot, at time.Time) Event {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	metadata := map[string]string{
		"contract": snap.Meta.Contract,
		"function": snap.Meta.Function,
		"stage":    previousStage(snap),
	}
	if e, ok := xerrors.From(snap.Err); ok {
		for k, v := range e.Metadata() {
			metadata[k] = v
		}
	}
	return Event{
		Code:         xerrors.CodeOf(snap.Err),
		Message:      xerrors.MessageOf(snap.Err),
		Severity:     xerrors.SeverityOf(snap.Err),
		SubmissionID: snap.ID,
		Account:      snap.Meta.Account,
		Chain:        snap.Meta.Chain,
		Hash:         snap.Hash,
		Metadata:     metadata,
		OccurredAt:   at,
	}
}

// previousStage 返回失败前的最后一个阶段。
func previousStage(snap txn.Snapshot) string {
	if n := len(snap.History); n >= 2 {
		return string(snap.History[n-2].Stage)
	}
	return ""
}

var _ txn.Observer = (*Observer)(nil)
