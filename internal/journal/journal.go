package journal

import (
	"context"
	"net/http"
	"time"

	xerrors "ContractRelay/internal/errors"
	"ContractRelay/internal/txn"
)

const (
	// CodeSubmissionNotFound 表示日志中不存在对应提交。
	CodeSubmissionNotFound xerrors.Code = "SUBMISSION_NOT_FOUND"
	// CodeSubmissionConflict 表示提交 ID 已存在。
	CodeSubmissionConflict xerrors.Code = "SUBMISSION_CONFLICT"
)

func init() {
	xerrors.Register(CodeSubmissionNotFound, xerrors.Attributes{
		Message:  "submission not found",
		Severity: xerrors.SeverityInfo,
		Status:   http.StatusNotFound,
	})
	xerrors.Register(CodeSubmissionConflict, xerrors.Attributes{
		Message:  "submission already recorded",
		Severity: xerrors.SeverityWarning,
		Status:   http.StatusConflict,
	})
}

var (
	// ErrSubmissionNotFound 表示日志中不存在对应提交。
	ErrSubmissionNotFound = xerrors.New(CodeSubmissionNotFound, "submission not found")
	// ErrSubmissionConflict 表示重复写入同一个提交。
	ErrSubmissionConflict = xerrors.New(CodeSubmissionConflict, "submission already recorded")
)

// DefaultListLimit 是 List 未指定数量时返回的条数。
const DefaultListLimit = 50

// Record 是一笔提交在日志中的落库结构。
type Record struct {
	ID            string            `json:"id"`
	Hash          string            `json:"hash,omitempty"`
	Account       string            `json:"account"`
	Chain         string            `json:"chain,omitempty"`
	Contract      string            `json:"contract"`
	Function      string            `json:"function"`
	From          string            `json:"from"`
	To            string            `json:"to"`
	Nonce         uint64            `json:"nonce"`
	Stage         txn.Stage         `json:"stage"`
	History       []txn.StageRecord `json:"history"`
	BlockNumber   uint64            `json:"block_number,omitempty"`
	Status        uint64            `json:"status"`
	Confirmations uint64            `json:"confirmations,omitempty"`
	ErrorCode     string            `json:"error_code,omitempty"`
	ErrorMessage  string            `json:"error_message,omitempty"`
	CreatedAt     int64             `json:"created_at"`
	UpdatedAt     int64             `json:"updated_at"`
}

// Store 抽象了提交日志的持久化接口。
type Store interface {
	Create(ctx context.Context, record *Record) error
	Update(ctx context.Context, record *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	GetByHash(ctx context.Context, hash string) (*Record, error)
	List(ctx context.Context, limit int) ([]*Record, error)
	Close() error
}

// FromSnapshot 将生命周期快照转换为日志记录。
func FromSnapshot(snap txn.Snapshot) *Record {
	record := &Record{
		ID:            snap.ID,
		Hash:          snap.Hash,
		Account:       snap.Meta.Account,
		Chain:         snap.Meta.Chain,
		Contract:      snap.Meta.Contract,
		Function:      snap.Meta.Function,
		From:          snap.From,
		To:            snap.To,
		Nonce:         snap.Nonce,
		Stage:         snap.Stage,
		History:       append([]txn.StageRecord(nil), snap.History...),
		BlockNumber:   snap.BlockNumber,
		Status:        snap.Status,
		Confirmations: snap.Confirmations,
	}
	if len(snap.History) > 0 {
		record.CreatedAt = snap.History[0].At.Unix()
		record.UpdatedAt = snap.History[len(snap.History)-1].At.Unix()
	} else {
		record.CreatedAt = time.Now().Unix()
		record.UpdatedAt = record.CreatedAt
	}
	if snap.Err != nil {
		record.ErrorCode = string(xerrors.CodeOf(snap.Err))
		record.ErrorMessage = xerrors.MessageOf(snap.Err)
	}
	return record
}

func cloneRecord(record *Record) *Record {
	clone := *record
	clone.History = append([]txn.StageRecord(nil), record.History...)
	return &clone
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}
