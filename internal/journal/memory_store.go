package journal

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "ContractRelay/internal/errors"
)

// DefaultRetention 是内存日志默认保留的提交数量。
const DefaultRetention = 512

// MemoryStore 以内存方式保存提交日志，超出保留数量时淘汰最早的记录。
type MemoryStore struct {
	mu        sync.RWMutex
	retention int
	records   map[string]*Record
	byHash    map[string]string
	order     []string
}

// NewMemoryStore 创建 MemoryStore，retention 小于等于 0 时使用默认值。
func NewMemoryStore(retention int) *MemoryStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &MemoryStore{
		retention: retention,
		records:   make(map[string]*Record),
		byHash:    make(map[string]string),
	}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, record *Record) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "record 不能为空")
	}
	if record.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "提交 ID 不能为空")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[record.ID]; ok {
		return ErrSubmissionConflict
	}
	now := time.Now().Unix()
	if record.CreatedAt == 0 {
		record.CreatedAt = now
	}
	if record.UpdatedAt == 0 {
		record.UpdatedAt = now
	}
	m.records[record.ID] = cloneRecord(record)
	m.indexHashLocked(record)
	m.order = append(m.order, record.ID)
	m.evictLocked()
	return nil
}

// Update 覆盖已有记录。
func (m *MemoryStore) Update(_ context.Context, record *Record) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "record 不能为空")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.records[record.ID]
	if !ok {
		return ErrSubmissionNotFound
	}
	if record.UpdatedAt == 0 {
		record.UpdatedAt = time.Now().Unix()
	}
	clone := cloneRecord(record)
	clone.CreatedAt = existing.CreatedAt
	m.records[record.ID] = clone
	m.indexHashLocked(record)
	return nil
}

// Get 按提交 ID 返回记录。
func (m *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[id]
	if !ok {
		return nil, ErrSubmissionNotFound
	}
	return cloneRecord(record), nil
}

// GetByHash 按交易哈希返回记录。
func (m *MemoryStore) GetByHash(_ context.Context, hash string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byHash[strings.ToLower(hash)]
	if !ok {
		return nil, ErrSubmissionNotFound
	}
	return cloneRecord(m.records[id]), nil
}

// List 按更新时间倒序返回最近的记录。
func (m *MemoryStore) List(_ context.Context, limit int) ([]*Record, error) {
	limit = normalizeLimit(limit)

	m.mu.RLock()
	results := make([]*Record, 0, len(m.records))
	for _, record := range m.records {
		results = append(results, cloneRecord(record))
	}
	m.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		if results[i].UpdatedAt == results[j].UpdatedAt {
			if results[i].CreatedAt == results[j].CreatedAt {
				return results[i].ID < results[j].ID
			}
			return results[i].CreatedAt > results[j].CreatedAt
		}
		return results[i].UpdatedAt > results[j].UpdatedAt
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func (m *MemoryStore) indexHashLocked(record *Record) {
	if record.Hash != "" {
		m.byHash[strings.ToLower(record.Hash)] = record.ID
	}
}

func (m *MemoryStore) evictLocked() {
	for len(m.order) > m.retention {
		oldest := m.order[0]
		m.order = m.order[1:]
		if record, ok := m.records[oldest]; ok && record.Hash != "" {
			delete(m.byHash, strings.ToLower(record.Hash))
		}
		delete(m.records, oldest)
	}
}

var _ Store = (*MemoryStore)(nil)
