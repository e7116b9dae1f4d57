package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"TaskSync/pkg/logger"
)

// RabbitMQConfig 描述 RabbitMQ 中继的连接参数。
type RabbitMQConfig struct {
	URL      string
	Exchange string
}

// RabbitMQRelay 使用 fanout 交换机转发事件，每个实例绑定一个独占的临时队列。
type RabbitMQRelay struct {
	conn     *amqp.Connection
	mu       sync.Mutex
	ch       *amqp.Channel
	exchange string
}

// NewRabbitMQRelay 连接 RabbitMQ 并声明 fanout 交换机。
func NewRabbitMQRelay(cfg RabbitMQConfig) (*RabbitMQRelay, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "tasksync.events"
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
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 交换机失败: %w", err)
	}
	return &RabbitMQRelay{conn: conn, ch: ch, exchange: exchange}, nil
}

// Publish 将事件投递到 fanout 交换机。
func (r *RabbitMQRelay) Publish(ctx context.Context, event Event) error {
	if r == nil || r.ch == nil {
		return errors.New("RabbitMQ 中继未初始化")
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("编码事件失败: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ch.PublishWithContext(ctx, r.exchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	}); err != nil {
		return fmt.Errorf("RabbitMQ 发布事件失败: %w", err)
	}
	return nil
}

// Subscribe 声明独占队列并绑定到交换机，持续消费直到 ctx 取消。
func (r *RabbitMQRelay) Subscribe(ctx context.Context, handler Handler) error {
	if r == nil || r.conn == nil {
		return errors.New("RabbitMQ 中继未初始化")
	}
	ch, err := r.conn.Channel()
	if err != nil {
		return fmt.Errorf("创建 RabbitMQ 消费 channel 失败: %w", err)
	}
	defer ch.Close()

	queue, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("声明 RabbitMQ 队列失败: %w", err)
	}
	if err := ch.QueueBind(queue.Name, "", r.exchange, false, nil); err != nil {
		return fmt.Errorf("绑定 RabbitMQ 队列失败: %w", err)
	}
	msgs, err := ch.Consume(queue.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("订阅 RabbitMQ 队列失败: %w", err)
	}

	log := logger.Named("broadcast.rabbitmq")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return amqp.ErrClosed
			}
			event, err := decodeEvent(msg.Body)
			if err != nil {
				log.Warn("丢弃无法解析的事件", slog.Any("error", err))
				continue
			}
			handler(ctx, event)
		}
	}
}

// Close 关闭 RabbitMQ 连接。
func (r *RabbitMQRelay) Close() error {
	if r == nil {
		return nil
	}
	if r.ch != nil {
		_ = r.ch.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}

var _ Relay = (*RabbitMQRelay)(nil)
