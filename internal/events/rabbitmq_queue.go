package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	xerrors "ContractRelay/internal/errors"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultRabbitMQQueue 是未配置时声明的队列名称。
const DefaultRabbitMQQueue = "relay.events"

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL     string
	Queue   string
	Durable bool
}

// RabbitMQQueue 将事件发布到声明好的 RabbitMQ 队列。
type RabbitMQQueue struct {
	conn    *amqp.Connection
	mu      sync.Mutex
	ch      *amqp.Channel
	queue   string
	durable bool
}

// NewRabbitMQQueue 创建 RabbitMQ 队列实例。
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = DefaultRabbitMQQueue
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 队列失败: %w", err)
	}
	return &RabbitMQQueue{conn: conn, ch: ch, queue: queue, durable: cfg.Durable}, nil
}

// Publish 将事件投递到 RabbitMQ。amqp channel 不支持并发发布，这里串行化。
func (q *RabbitMQQueue) Publish(ctx context.Context, event Event) error {
	if q == nil || q.ch == nil {
		return xerrors.New(xerrors.CodeQueueFailure, "RabbitMQ 队列未初始化")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "序列化事件失败")
	}
	msg := amqp.Publishing{
		ContentType: "application/json",
		Type:        string(event.Type),
		MessageId:   event.SubmissionID,
		Timestamp:   event.OccurredAt,
		Body:        payload,
	}
	if q.durable {
		msg.DeliveryMode = amqp.Persistent
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.ch.PublishWithContext(ctx, "", q.queue, false, false, msg); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "RabbitMQ 发布事件失败")
	}
	return nil
}

// Close 关闭 RabbitMQ 连接。
func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
