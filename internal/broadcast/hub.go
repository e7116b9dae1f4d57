package broadcast

import (
	"errors"
	"log/slog"
	"sync"

	"TaskSync/internal/observability/metrics"
	"TaskSync/pkg/logger"
)

// ErrSlowListener 表示监听者的发送队列已满而被移出。
var ErrSlowListener = errors.New("listener outbound queue is full")

// ErrListenerClosed 表示监听者已主动断开。
var ErrListenerClosed = errors.New("listener closed")

const defaultBuffer = 64

// Listener 是一个已连接的实时监听者，持有有界的发送队列。
type Listener struct {
	id     string
	events chan Event
	done   chan struct{}
	once   sync.Once
	err    error
}

// ID 返回监听者标识。
func (l *Listener) ID() string { return l.id }

// Events 返回待发送事件的通道。该通道不会被关闭，结束信号见 Done。
func (l *Listener) Events() <-chan Event { return l.events }

// Done 在监听者被移出 Hub 后关闭。
func (l *Listener) Done() <-chan struct{} { return l.done }

// Err 返回移出原因，仅在 Done 关闭后有意义。
func (l *Listener) Err() error {
	select {
	case <-l.done:
		return l.err
	default:
		return nil
	}
}

func (l *Listener) close(reason error) bool {
	closed := false
	l.once.Do(func() {
		l.err = reason
		close(l.done)
		closed = true
	})
	return closed
}

// Hub 维护本实例上的全部监听者并负责扇出。
type Hub struct {
	mu        sync.RWMutex
	listeners map[string]*Listener
	buffer    int
	log       *slog.Logger
}

// NewHub 创建 Hub，buffer 为每个监听者的发送队列长度。
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{
		listeners: make(map[string]*Listener),
		buffer:    buffer,
		log:       logger.Named("broadcast"),
	}
}

// Add 注册一个新的监听者。重复的 id 会替换旧的监听者。
func (h *Hub) Add(id string) *Listener {
	l := &Listener{
		id:     id,
		events: make(chan Event, h.buffer),
		done:   make(chan struct{}),
	}
	h.mu.Lock()
	previous := h.listeners[id]
	h.listeners[id] = l
	h.mu.Unlock()

	if previous != nil && previous.close(ErrListenerClosed) {
		metrics.ListenerDisconnected()
	}
	metrics.ListenerConnected()
	return l
}

// Remove 注销监听者，可重复调用。
func (h *Hub) Remove(l *Listener) {
	h.remove(l, ErrListenerClosed)
}

func (h *Hub) remove(l *Listener, reason error) bool {
	if l == nil {
		return false
	}
	h.mu.Lock()
	if current, ok := h.listeners[l.id]; ok && current == l {
		delete(h.listeners, l.id)
	}
	h.mu.Unlock()
	if l.close(reason) {
		metrics.ListenerDisconnected()
		return true
	}
	return false
}

// Deliver 将事件投递给当前所有监听者，返回成功入队的数量。
// 队列已满的监听者会被移出，不会阻塞其他监听者。
func (h *Hub) Deliver(event Event) int {
	h.mu.RLock()
	targets := make([]*Listener, 0, len(h.listeners))
	for _, l := range h.listeners {
		targets = append(targets, l)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, l := range targets {
		select {
		case <-l.done:
			continue
		default:
		}
		select {
		case l.events <- event:
			delivered++
		default:
			if h.remove(l, ErrSlowListener) {
				metrics.ListenerEvicted()
				h.log.Warn("监听者发送队列已满，断开连接",
					slog.String("listener_id", l.id),
					slog.String("event", string(event.Kind)),
				)
			}
		}
	}
	return delivered
}

// Len 返回当前监听者数量。
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}

// Close 移出全部监听者。
func (h *Hub) Close() {
	h.mu.Lock()
	all := h.listeners
	h.listeners = make(map[string]*Listener)
	h.mu.Unlock()
	for _, l := range all {
		if l.close(ErrListenerClosed) {
			metrics.ListenerDisconnected()
		}
	}
}
