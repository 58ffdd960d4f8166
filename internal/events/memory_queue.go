package events

import (
	"context"
	"sync"

	xerrors "ContractRelay/internal/errors"
)

// ErrQueueClosed 表示队列已关闭。
var ErrQueueClosed = xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")

// MemoryQueue 使用 channel 缓存事件，主要用于测试和单机部署。
type MemoryQueue struct {
	ch     chan Event
	mu     sync.RWMutex
	closed bool
}

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan Event, size)}
}

// Publish 将事件投递到队列，队列满时阻塞直到 ctx 结束。
func (q *MemoryQueue) Publish(ctx context.Context, event Event) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- event:
		return nil
	}
}

// Events 返回只读的事件通道，队列关闭后通道随之关闭。
func (q *MemoryQueue) Events() <-chan Event {
	return q.ch
}

// Close 关闭内存队列。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		close(q.ch)
		q.closed = true
	}
	return nil
}
