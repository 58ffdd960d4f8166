package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	xerrors "ContractRelay/internal/errors"
	"ContractRelay/internal/journal"
	"ContractRelay/internal/txn"

	mysqldriver "github.com/go-sql-driver/mysql"
)

const submissionColumns = `id, hash, account, chain, contract, function_name, from_address, to_address, nonce, stage, history,
    block_number, status, confirmations, error_code, error_message, created_at, updated_at`

const maxErrorMessageLength = 1024

// SubmissionStore 基于 MySQL 实现 journal.Store。
type SubmissionStore struct {
	db *sql.DB
}

// NewSubmissionStore 连接数据库并执行迁移。
func NewSubmissionStore(ctx context.Context, cfg Config) (*SubmissionStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化提交日志存储失败")
	}
	store := &SubmissionStore{db: db}
	if err := newMigrator(db).run(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Create 插入新的提交记录。
func (s *SubmissionStore) Create(ctx context.Context, record *journal.Record) error {
	if record == nil || record.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "提交 ID 不能为空")
	}
	now := time.Now().Unix()
	if record.CreatedAt == 0 {
		record.CreatedAt = now
	}
	if record.UpdatedAt == 0 {
		record.UpdatedAt = now
	}
	history, err := encodeHistory(record.History)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO submissions
    (`+submissionColumns+`)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		strings.ToLower(record.Hash),
		record.Account,
		record.Chain,
		record.Contract,
		record.Function,
		record.From,
		record.To,
		record.Nonce,
		string(record.Stage),
		history,
		record.BlockNumber,
		record.Status,
		record.Confirmations,
		record.ErrorCode,
		truncate(record.ErrorMessage, maxErrorMessageLength),
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysqldriver.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return journal.ErrSubmissionConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入提交记录失败")
	}
	return nil
}

// Update 更新提交的阶段、回执和错误信息。
func (s *SubmissionStore) Update(ctx context.Context, record *journal.Record) error {
	if record == nil || record.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "提交 ID 不能为空")
	}
	if record.UpdatedAt == 0 {
		record.UpdatedAt = time.Now().Unix()
	}
	history, err := encodeHistory(record.History)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `UPDATE submissions SET hash = ?, stage = ?, history = ?, block_number = ?, status = ?,
    confirmations = ?, error_code = ?, error_message = ?, updated_at = ?
    WHERE id = ?`,
		strings.ToLower(record.Hash),
		string(record.Stage),
		history,
		record.BlockNumber,
		record.Status,
		record.Confirmations,
		record.ErrorCode,
		truncate(record.ErrorMessage, maxErrorMessageLength),
		record.UpdatedAt,
		record.ID,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新提交记录失败")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取更新结果失败")
	}
	if affected == 0 {
		return journal.ErrSubmissionNotFound
	}
	return nil
}

// Get 按提交 ID 查询。
func (s *SubmissionStore) Get(ctx context.Context, id string) (*journal.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+submissionColumns+`
    FROM submissions WHERE id = ?`, id)
	return scanRecord(row)
}

// GetByHash 按交易哈希查询。
func (s *SubmissionStore) GetByHash(ctx context.Context, hash string) (*journal.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+submissionColumns+`
    FROM submissions WHERE hash = ? ORDER BY updated_at DESC LIMIT 1`, strings.ToLower(hash))
	return scanRecord(row)
}

// List 按更新时间倒序返回最近的提交。
func (s *SubmissionStore) List(ctx context.Context, limit int) ([]*journal.Record, error) {
	if limit <= 0 {
		limit = journal.DefaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+submissionColumns+`
    FROM submissions ORDER BY updated_at DESC, created_at DESC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询提交记录失败")
	}
	defer rows.Close()

	var records []*journal.Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历提交记录失败")
	}
	return records, nil
}

// Close 关闭数据库连接。
func (s *SubmissionStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*journal.Record, error) {
	var (
		record  journal.Record
		stage   string
		history string
	)
	err := row.Scan(
		&record.ID,
		&record.Hash,
		&record.Account,
		&record.Chain,
		&record.Contract,
		&record.Function,
		&record.From,
		&record.To,
		&record.Nonce,
		&stage,
		&history,
		&record.BlockNumber,
		&record.Status,
		&record.Confirmations,
		&record.ErrorCode,
		&record.ErrorMessage,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, journal.ErrSubmissionNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析提交记录失败")
	}
	record.Stage = txn.Stage(stage)
	if history != "" {
		if err := json.Unmarshal([]byte(history), &record.History); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析阶段历史失败")
		}
	}
	return &record, nil
}

func encodeHistory(history []txn.StageRecord) (string, error) {
	if history == nil {
		history = []txn.StageRecord{}
	}
	encoded, err := json.Marshal(history)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化阶段历史失败")
	}
	return string(encoded), nil
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	for limit > 0 && !utf8.RuneStart(value[limit]) {
		limit--
	}
	return value[:limit]
}

var _ journal.Store = (*SubmissionStore)(nil)
