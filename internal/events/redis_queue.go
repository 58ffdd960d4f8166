package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	xerrors "ContractRelay/internal/errors"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisQueue 是未配置时使用的 Redis list 名称。
const DefaultRedisQueue = "relay:events"

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address     string
	Password    string
	DB          int
	Queue       string
	DialTimeout time.Duration
}

// RedisQueue 将事件以 JSON 形式 LPUSH 到 Redis list，下游可通过 BRPOP 消费。
type RedisQueue struct {
	client *redis.Client
	queue  string
}

// NewRedisQueue 创建 Redis 队列实例并检查连通性。
func NewRedisQueue(ctx context.Context, cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = DefaultRedisQueue
	}
	opts := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisQueue{client: client, queue: queue}, nil
}

// Queue 返回 list 名称。
func (q *RedisQueue) Queue() string {
	return q.queue
}

// Publish 将事件投递到 Redis。
func (q *RedisQueue) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "序列化事件失败")
	}
	if err := q.client.LPush(ctx, q.queue, payload).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布事件失败")
	}
	return nil
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
