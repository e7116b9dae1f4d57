package broadcast

import (
	"context"
	"errors"
	"log/slog"

	"TaskSync/internal/observability/metrics"
	"TaskSync/pkg/logger"
)

// Broadcaster 是变更广播的入口。没有配置中继时直接投递到本地 Hub，
// 否则经由中继送达所有实例（包括本实例）。
type Broadcaster struct {
	hub   *Hub
	relay Relay
	log   *slog.Logger
}

// NewBroadcaster 创建 Broadcaster，relay 可以为 nil。
func NewBroadcaster(hub *Hub, relay Relay) *Broadcaster {
	if hub == nil {
		hub = NewHub(defaultBuffer)
	}
	return &Broadcaster{hub: hub, relay: relay, log: logger.Named("broadcast")}
}

// Hub 返回本地监听者注册表。
func (b *Broadcaster) Hub() *Hub { return b.hub }

// Publish 发布事件。投递是尽力而为的，不等待监听者确认。
func (b *Broadcaster) Publish(ctx context.Context, event Event) error {
	if !event.Kind.Valid() {
		return errors.New("无效的事件类型")
	}
	var err error
	if b.relay == nil {
		b.deliver(ctx, event)
	} else {
		err = b.relay.Publish(ctx, event)
	}
	metrics.ObserveBroadcast(string(event.Kind), err)
	return err
}

// Run 在配置了中继时持续消费中继事件，直到 ctx 取消。
func (b *Broadcaster) Run(ctx context.Context) error {
	if b.relay == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	return b.relay.Subscribe(ctx, b.deliver)
}

// Close 断开所有监听者并关闭中继。
func (b *Broadcaster) Close() error {
	b.hub.Close()
	if b.relay != nil {
		return b.relay.Close()
	}
	return nil
}

func (b *Broadcaster) deliver(_ context.Context, event Event) {
	delivered := b.hub.Deliver(event)
	b.log.Debug("事件已扇出",
		slog.String("event", string(event.Kind)),
		slog.Int("listeners", delivered),
	)
}
