package tasksync

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"path"
	"sync"

	"github.com/gorilla/websocket"
)

// Event names used on the realtime channel.
const (
	EventNewTask     = "newTask"
	EventUpdateTask  = "updateTask"
	EventDeleteTask  = "deleteTask"
	EventTaskAdded   = "taskAdded"
	EventTaskUpdated = "taskUpdated"
	EventTaskDeleted = "taskDeleted"
	EventAck         = "ack"
)

// Message is the realtime envelope.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ref   string          `json:"ref,omitempty"`
}

// Ack is the server reply to a message that carried a ref.
type Ack struct {
	OK    bool   `json:"ok"`
	ID    string `json:"id,omitempty"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Stream is a live realtime connection. Messages are delivered on Messages
// until the connection ends, after which Err reports why.
type Stream struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	messages  chan Message
	err       error
	done      chan struct{}
	closeOnce sync.Once
	loopDone  chan struct{}
}

// Realtime opens the realtime channel. wsPath defaults to "/ws".
func (c *Client) Realtime(ctx context.Context, wsPath string, header http.Header) (*Stream, error) {
	if wsPath == "" {
		wsPath = "/ws"
	}
	u := *c.baseURL
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = path.Join(u.Path, wsPath)
	return Dial(ctx, u.String(), header)
}

// Dial connects to a realtime endpoint given as a ws:// or wss:// URL.
func Dial(ctx context.Context, rawURL string, header http.Header) (*Stream, error) {
	if _, err := url.Parse(rawURL); err != nil {
		return nil, fmt.Errorf("invalid realtime url: %w", err)
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, rawURL, header)
	if err != nil {
		return nil, fmt.Errorf("dial realtime: %w", err)
	}
	s := &Stream{
		ws:       ws,
		messages: make(chan Message, 64),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// Messages returns the inbound message channel. It is closed when the
// connection ends.
func (s *Stream) Messages() <-chan Message { return s.messages }

// Err returns the reason the stream ended. Only valid after Messages is closed.
func (s *Stream) Err() error { return s.err }

// NewTask asks the server to insert fields as a new task.
func (s *Stream) NewTask(ref string, fields map[string]any) error {
	return s.Send(EventNewTask, ref, fields)
}

// UpdateTask asks the server to merge patch into task id.
func (s *Stream) UpdateTask(ref, id string, patch map[string]any) error {
	return s.Send(EventUpdateTask, ref, Update{ID: id, UpdatedData: patch})
}

// DeleteTask asks the server to delete task id.
func (s *Stream) DeleteTask(ref, id string) error {
	return s.Send(EventDeleteTask, ref, id)
}

// Send writes an arbitrary event. An empty ref means no acknowledgment.
func (s *Stream) Send(event, ref string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.ws.WriteJSON(Message{Event: event, Data: raw, Ref: ref})
}

// Close ends the connection. Messages not yet received are discarded.
func (s *Stream) Close() error {
	err := net.ErrClosed
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		_ = s.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		err = s.ws.Close()
	})
	return err
}

func (s *Stream) readLoop() {
	defer close(s.loopDone)
	defer close(s.messages)
	for {
		var msg Message
		if err := s.ws.ReadJSON(&msg); err != nil {
			s.err = err
			return
		}
		select {
		case s.messages <- msg:
		case <-s.done:
			s.err = net.ErrClosed
			return
		}
	}
}

// DecodeAck parses the data of an ack message.
func DecodeAck(msg Message) (Ack, error) {
	var ack Ack
	if msg.Event != EventAck {
		return ack, fmt.Errorf("not an ack: %s", msg.Event)
	}
	err := json.Unmarshal(msg.Data, &ack)
	return ack, err
}
