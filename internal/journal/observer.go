package journal

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"ContractRelay/internal/txn"
	"ContractRelay/pkg/logger"
)

const writeTimeout = 5 * time.Second

// Observer 将生命周期变迁写入日志存储。写入失败只记录日志，不影响提交流程。
type Observer struct {
	store  Store
	logger *slog.Logger
}

// NewObserver 创建写入 store 的观察者。
func NewObserver(store Store) *Observer {
	return &Observer{store: store, logger: logger.Named("journal")}
}

// OnTransition 实现 txn.Observer。
func (o *Observer) OnTransition(tr txn.Transition) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	record := FromSnapshot(tr.Snapshot)
	var err error
	if tr.To == txn.StageBuilt {
		err = o.store.Create(ctx, record)
	} else {
		err = o.store.Update(ctx, record)
		if errors.Is(err, ErrSubmissionNotFound) {
			err = o.store.Create(ctx, record)
		}
	}
	if err != nil {
		o.logger.Warn("写入提交日志失败",
			slog.String("submission", tr.Snapshot.ID),
			slog.String("stage", string(tr.To)),
			slog.Any("error", err))
	}
}

var _ txn.Observer = (*Observer)(nil)
