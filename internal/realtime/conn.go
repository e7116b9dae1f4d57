package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"TaskSync/internal/broadcast"
	xerrors "TaskSync/internal/errors"
	"TaskSync/internal/observability/metrics"
	"TaskSync/internal/task"
)

const writeWait = 10 * time.Second

// conn 是单个 websocket 连接。只有 writePump 向 ws 写数据；
// 入站消息由 process 按到达顺序逐条处理，读循环因此能持续响应 pong。
type conn struct {
	id       string
	ws       *websocket.Conn
	gw       *Gateway
	listener *broadcast.Listener
	direct   chan []byte
	inbox    chan []byte
}

func (c *conn) readLoop() error {
	pongWait := c.gw.opts.PongWait
	c.ws.SetReadLimit(c.gw.opts.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, raw, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		select {
		case c.inbox <- raw:
		case <-c.listener.Done():
			return c.listener.Err()
		}
	}
}

func (c *conn) process(ctx context.Context) {
	for raw := range c.inbox {
		c.handle(ctx, raw)
	}
}

func (c *conn) handle(ctx context.Context, raw []byte) {
	env, err := decodeEnvelope(raw)
	if err != nil {
		metrics.ObserveInbound("invalid")
		c.gw.log.Warn("忽略无法解析的消息", slog.String("conn_id", c.id), slog.Any("error", err))
		c.ack(env.Ref, "", err)
		return
	}

	var id string
	switch env.Event {
	case EventNewTask:
		metrics.ObserveInbound(env.Event)
		var fields task.Fields
		if fields, err = task.ParseFields(env.Data); err == nil {
			var created task.Task
			created, err = c.gw.tasks.Add(ctx, task.OriginRealtime, fields)
			id = created.ID
		}
	case EventUpdateTask:
		metrics.ObserveInbound(env.Event)
		var update task.Update
		if update, err = decodeUpdate(env.Data); err == nil {
			id = update.ID
			_, err = c.gw.tasks.Update(ctx, task.OriginRealtime, update.ID, update.UpdatedData)
		}
	case EventDeleteTask:
		metrics.ObserveInbound(env.Event)
		if id, err = decodeID(env.Data); err == nil {
			err = c.gw.tasks.Delete(ctx, task.OriginRealtime, id)
		}
	default:
		metrics.ObserveInbound("unknown")
		err = xerrors.New(xerrors.CodeMalformedInput, "未知事件: "+env.Event)
	}

	if err != nil {
		c.gw.log.Warn("处理实时消息失败",
			slog.String("conn_id", c.id),
			slog.String("event", env.Event),
			slog.String("task_id", id),
			slog.Any("error", err),
		)
	}
	c.ack(env.Ref, id, err)
}

func (c *conn) ack(ref, id string, err error) {
	if ref == "" {
		return
	}
	msg, marshalErr := newAck(ref, id, err)
	if marshalErr != nil {
		c.gw.log.Error("编码确认消息失败", slog.Any("error", marshalErr))
		return
	}
	select {
	case c.direct <- msg:
	case <-c.listener.Done():
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(c.gw.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.gw.hub.Remove(c.listener)
		_ = c.ws.Close()
	}()

	for {
		select {
		case event := <-c.listener.Events():
			data, err := json.Marshal(event)
			if err != nil {
				c.gw.log.Error("编码广播事件失败", slog.Any("error", err))
				continue
			}
			if err := c.write(websocket.TextMessage, data); err != nil {
				return
			}
		case msg := <-c.direct:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.listener.Done():
			code, text := websocket.CloseNormalClosure, ""
			if errors.Is(c.listener.Err(), broadcast.ErrSlowListener) {
				code, text = websocket.ClosePolicyViolation, "too slow"
			}
			_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
			return
		}
	}
}

func (c *conn) write(messageType int, data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(messageType, data)
}
