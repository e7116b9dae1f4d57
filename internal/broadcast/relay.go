package broadcast

import "context"

// Handler 处理从中继收到的事件。
type Handler func(ctx context.Context, event Event)

// Relay 在多个服务实例之间转发变更事件。每个实例都会收到自己发布的事件。
type Relay interface {
	// Publish 将事件交给中继。
	Publish(ctx context.Context, event Event) error
	// Subscribe 持续接收事件直到 ctx 取消或连接出错。
	Subscribe(ctx context.Context, handler Handler) error
	Close() error
}
