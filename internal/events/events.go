package events

import (
	"context"
	"log/slog"
	"time"

	xerrors "ContractRelay/internal/errors"
	"ContractRelay/internal/txn"
	"ContractRelay/pkg/logger"
)

// Type 区分事件种类。
type Type string

const (
	// TypeConfirmed 表示交易已获得足够确认。
	TypeConfirmed Type = "transaction.confirmed"
	// TypeFailed 表示交易在提交后失败，包括回滚与超时。
	TypeFailed Type = "transaction.failed"
)

// Event 是投递到队列中的消息体。
type Event struct {
	Type          Type      `json:"type"`
	SubmissionID  string    `json:"submission_id"`
	Account       string    `json:"account"`
	Chain         string    `json:"chain,omitempty"`
	Contract      string    `json:"contract"`
	Function      string    `json:"function"`
	Hash          string    `json:"hash,omitempty"`
	From          string    `json:"from"`
	To            string    `json:"to"`
	Nonce         uint64    `json:"nonce"`
	BlockNumber   uint64    `json:"block_number,omitempty"`
	Status        uint64    `json:"status"`
	Confirmations uint64    `json:"confirmations,omitempty"`
	ErrorCode     string    `json:"error_code,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Producer 负责向队列投递事件。
type Producer interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// FromConfirmation 将交易终态转换为事件。
func FromConfirmation(c txn.Confirmation) Event {
	snap := c.Submission
	event := Event{
		Type:          TypeConfirmed,
		SubmissionID:  snap.ID,
		Account:       snap.Meta.Account,
		Chain:         snap.Meta.Chain,
		Contract:      snap.Meta.Contract,
		Function:      snap.Meta.Function,
		Hash:          snap.Hash,
		From:          snap.From,
		To:            snap.To,
		Nonce:         snap.Nonce,
		BlockNumber:   snap.BlockNumber,
		Status:        snap.Status,
		Confirmations: c.Confirmations,
		OccurredAt:    time.Now().UTC(),
	}
	if n := len(snap.History); n > 0 {
		event.OccurredAt = snap.History[n-1].At
	}
	if c.Receipt != nil {
		event.Status = c.Receipt.Status
		if c.Receipt.BlockNumber != nil {
			event.BlockNumber = c.Receipt.BlockNumber.Uint64()
		}
	}
	if c.Err != nil {
		event.Type = TypeFailed
		event.ErrorCode = string(xerrors.CodeOf(c.Err))
		event.ErrorMessage = xerrors.MessageOf(c.Err)
	}
	return event
}

const publishTimeout = 5 * time.Second

// MinedHandler 返回一个回调，把每笔交易的终态发布到 producer。发布失败只记录日志。
func MinedHandler(producer Producer) func(txn.Confirmation) {
	log := logger.Named("events")
	return func(c txn.Confirmation) {
		if producer == nil {
			return
		}
		event := FromConfirmation(c)
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := producer.Publish(ctx, event); err != nil {
			log.Warn("发布交易事件失败",
				slog.String("submission", event.SubmissionID),
				slog.String("type", string(event.Type)),
				slog.Any("error", err))
			return
		}
		log.Debug("交易事件已发布",
			slog.String("submission", event.SubmissionID),
			slog.String("type", string(event.Type)))
	}
}

// Discard 丢弃所有事件，用于未配置队列的情况。
type Discard struct{}

// Publish 实现 Producer。
func (Discard) Publish(context.Context, Event) error { return nil }

// Close 实现 Producer。
func (Discard) Close() error { return nil }
