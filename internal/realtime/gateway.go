package realtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"TaskSync/internal/broadcast"
	"TaskSync/internal/task"
	"TaskSync/pkg/logger"
)

// Mutator 是实时通道可调用的任务变更入口。
type Mutator interface {
	Add(ctx context.Context, origin task.Origin, fields task.Fields) (task.Task, error)
	Update(ctx context.Context, origin task.Origin, id string, patch task.Fields) (task.Update, error)
	Delete(ctx context.Context, origin task.Origin, id string) error
}

// Options 控制连接行为。
type Options struct {
	AllowedOrigins  []string
	PingInterval    time.Duration
	PongWait        time.Duration
	MaxMessageBytes int64
	// DirectBuffer 是每个连接的确认消息队列长度。
	DirectBuffer int
	// InboxBuffer 是每个连接待处理入站消息的队列长度，队列满时暂停读取。
	InboxBuffer int
}

func (o *Options) normalize() {
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongWait {
		o.PingInterval = o.PongWait * 9 / 10
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 1 << 20
	}
	if o.DirectBuffer <= 0 {
		o.DirectBuffer = 16
	}
	if o.InboxBuffer <= 0 {
		o.InboxBuffer = 16
	}
}

// Gateway 将 websocket 连接注册为广播监听者，并把入站事件交给任务服务。
type Gateway struct {
	hub      *broadcast.Hub
	tasks    Mutator
	opts     Options
	upgrader websocket.Upgrader
	log      *slog.Logger
}

// NewGateway 创建实时网关。
func NewGateway(hub *broadcast.Hub, tasks Mutator, opts Options) *Gateway {
	opts.normalize()
	if tasks == nil {
		tasks = (*task.Service)(nil)
	}
	g := &Gateway{
		hub:   hub,
		tasks: tasks,
		opts:  opts,
		log:   logger.Named("realtime"),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

// ServeHTTP 升级连接并阻塞到连接结束。
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已经写回了错误响应
		g.log.Warn("websocket 升级失败",
			slog.String("origin", r.Header.Get("Origin")),
			slog.Any("error", err),
		)
		return
	}

	c := &conn{
		id:     uuid.NewString(),
		ws:     ws,
		gw:     g,
		direct: make(chan []byte, g.opts.DirectBuffer),
		inbox:  make(chan []byte, g.opts.InboxBuffer),
	}
	c.listener = g.hub.Add(c.id)
	g.log.Info("客户端已连接", slog.String("conn_id", c.id), slog.String("remote", r.RemoteAddr))

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump()
	}()

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		c.process(r.Context())
	}()

	readErr := c.readLoop()
	close(c.inbox)
	// 已读入的消息仍会处理完，确认在监听者移除后被丢弃
	g.hub.Remove(c.listener)
	<-writerDone
	<-workerDone

	g.log.Info("客户端已断开",
		slog.String("conn_id", c.id),
		slog.Any("reason", disconnectReason(readErr, c.listener.Err())),
	)
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range g.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func disconnectReason(readErr, listenerErr error) error {
	if errors.Is(listenerErr, broadcast.ErrSlowListener) {
		return listenerErr
	}
	return readErr
}
