package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"TaskSync/pkg/logger"
)

// RedisRelay 使用 Redis pub/sub 在实例之间转发事件。
type RedisRelay struct {
	client  *redis.Client
	channel string
}

// NewRedisRelay 基于已有的 Redis 客户端创建中继。
func NewRedisRelay(client *redis.Client, channel string) (*RedisRelay, error) {
	if client == nil {
		return nil, errors.New("Redis 客户端不能为空")
	}
	if channel == "" {
		channel = "tasksync:events"
	}
	return &RedisRelay{client: client, channel: channel}, nil
}

// Publish 将事件发布到 Redis 频道。
func (r *RedisRelay) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("编码事件失败: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("Redis 发布事件失败: %w", err)
	}
	return nil
}

// Subscribe 订阅 Redis 频道并把事件交给 handler。
func (r *RedisRelay) Subscribe(ctx context.Context, handler Handler) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	// 等待订阅确认，确保之后发布的事件不会丢失。
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("Redis 订阅失败: %w", err)
	}

	log := logger.Named("broadcast.redis")
	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return redis.ErrClosed
			}
			event, err := decodeEvent([]byte(msg.Payload))
			if err != nil {
				log.Warn("丢弃无法解析的事件", slog.Any("error", err))
				continue
			}
			handler(ctx, event)
		}
	}
}

// Close 关闭 Redis 连接。
func (r *RedisRelay) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

var _ Relay = (*RedisRelay)(nil)
