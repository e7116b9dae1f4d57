package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"TaskSync/internal/broadcast"
	xerrors "TaskSync/internal/errors"
	"TaskSync/internal/task"
)

type fixture struct {
	srv   *httptest.Server
	hub   *broadcast.Hub
	tasks *task.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, task.NewMemoryStore(), Options{})
}

func newFixtureWith(t *testing.T, store task.Store, opts Options) *fixture {
	t.Helper()
	b := broadcast.NewBroadcaster(broadcast.NewHub(16), nil)
	svc := task.NewService(store, b)
	opts.AllowedOrigins = []string{"http://localhost:5173"}
	gw := NewGateway(b.Hub(), svc, opts)
	srv := httptest.NewServer(gw)
	t.Cleanup(func() {
		b.Close()
		srv.Close()
	})
	return &fixture{srv: srv, hub: b.Hub(), tasks: svc}
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	before := f.hub.Len()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for f.hub.Len() <= before {
		if time.Now().After(deadline) {
			t.Fatalf("connection was not registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return ws
}

func send(t *testing.T, ws *websocket.Conn, msg string) {
	t.Helper()
	if err := ws.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func read(t *testing.T, ws *websocket.Conn) Envelope {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env Envelope
	if err := ws.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	return env
}

// readEvents 读取 n 条消息并按事件名归类，广播与确认之间的顺序不作保证。
func readEvents(t *testing.T, ws *websocket.Conn, n int) map[string]Envelope {
	t.Helper()
	out := make(map[string]Envelope, n)
	for i := 0; i < n; i++ {
		env := read(t, ws)
		out[env.Event] = env
	}
	return out
}

func decodeAck(t *testing.T, env Envelope) Ack {
	t.Helper()
	var ack Ack
	if err := json.Unmarshal(env.Data, &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	return ack
}

func TestNewTaskReachesEveryClientIncludingSender(t *testing.T) {
	f := newFixture(t)
	sender := f.dial(t)
	other := f.dial(t)

	send(t, sender, `{"event":"newTask","data":{"title":"Buy milk","done":false},"ref":"r1"}`)

	got := readEvents(t, sender, 2)
	added, ok := got["taskAdded"]
	if !ok {
		t.Fatalf("sender should receive taskAdded, got %+v", got)
	}
	ackEnv, ok := got[EventAck]
	if !ok || ackEnv.Ref != "r1" {
		t.Fatalf("sender should receive ack for r1, got %+v", got)
	}
	ack := decodeAck(t, ackEnv)

	var created task.Task
	if err := json.Unmarshal(added.Data, &created); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if !ack.OK || ack.ID != created.ID || created.Fields["title"] != "Buy milk" {
		t.Fatalf("unexpected ack %+v for task %+v", ack, created)
	}

	env := read(t, other)
	if env.Event != "taskAdded" || env.Ref != "" {
		t.Fatalf("other client should receive plain taskAdded, got %+v", env)
	}

	tasks, _ := f.tasks.List(context.Background())
	if len(tasks) != 1 || tasks[0].ID != created.ID {
		t.Fatalf("task should be stored: %+v", tasks)
	}
}

func TestUpdateAndDeleteBroadcast(t *testing.T) {
	f := newFixture(t)
	created, err := f.tasks.Add(context.Background(), task.OriginREST, task.Fields{"title": "x", "done": false})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	ws := f.dial(t)

	send(t, ws, `{"event":"updateTask","data":{"id":"`+created.ID+`","updatedData":{"done":true}}}`)
	env := read(t, ws)
	if env.Event != "taskUpdated" {
		t.Fatalf("expected taskUpdated, got %s", env.Event)
	}
	var update task.Update
	if err := json.Unmarshal(env.Data, &update); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if update.ID != created.ID || update.UpdatedData["done"] != true {
		t.Fatalf("unexpected update: %+v", update)
	}

	send(t, ws, `{"event":"deleteTask","data":"`+created.ID+`"}`)
	env = read(t, ws)
	if env.Event != "taskDeleted" || string(env.Data) != `"`+created.ID+`"` {
		t.Fatalf("unexpected delete event: %+v", env)
	}
}

func TestMalformedMessagesKeepConnectionOpen(t *testing.T) {
	f := newFixture(t)
	ws := f.dial(t)

	send(t, ws, `not json`)
	send(t, ws, `{"event":"updateTask","data":"oops","ref":"bad"}`)
	env := read(t, ws)
	if env.Event != EventAck || env.Ref != "bad" {
		t.Fatalf("expected ack for bad payload, got %+v", env)
	}
	ack := decodeAck(t, env)
	if ack.OK || ack.Error == nil || ack.Error.Code != xerrors.CodeMalformedInput {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	send(t, ws, `{"event":"archiveTask","data":"x","ref":"unknown"}`)
	ack = decodeAck(t, read(t, ws))
	if ack.OK || ack.Error.Code != xerrors.CodeMalformedInput {
		t.Fatalf("unknown event should be rejected: %+v", ack)
	}

	send(t, ws, `{"event":"newTask","data":{"title":"still here"}}`)
	if env := read(t, ws); env.Event != "taskAdded" {
		t.Fatalf("connection should stay usable, got %+v", env)
	}
}

func TestUpdateMissingTaskAcksNotFound(t *testing.T) {
	f := newFixture(t)
	ws := f.dial(t)

	send(t, ws, `{"event":"updateTask","data":{"id":"missing","updatedData":{"done":true}},"ref":"r"}`)
	ack := decodeAck(t, read(t, ws))
	if ack.OK || ack.ID != "missing" || ack.Error.Code != task.CodeTaskNotFound {
		t.Fatalf("unexpected ack: %+v", ack)
	}
}

func TestDisconnectRemovesListener(t *testing.T) {
	f := newFixture(t)
	ws := f.dial(t)
	ws.Close()

	deadline := time.Now().Add(2 * time.Second)
	for f.hub.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("listener should be removed after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRejectsForeignOrigin(t *testing.T) {
	f := newFixture(t)
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http")
	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatalf("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %+v", resp)
	}
}

func TestCheckOriginWildcard(t *testing.T) {
	gw := NewGateway(broadcast.NewHub(1), nil, Options{AllowedOrigins: []string{"*"}})
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "https://anything.example")
	if !gw.checkOrigin(req) {
		t.Fatalf("wildcard should allow any origin")
	}
}

// slowStore 模拟写入耗时超过 PongWait 的存储。
type slowStore struct {
	*task.MemoryStore
	delay time.Duration
}

func (s slowStore) Insert(ctx context.Context, fields task.Fields) (string, error) {
	time.Sleep(s.delay)
	return s.MemoryStore.Insert(ctx, fields)
}

func TestSlowMutationDoesNotExpireConnection(t *testing.T) {
	store := slowStore{MemoryStore: task.NewMemoryStore(), delay: 800 * time.Millisecond}
	f := newFixtureWith(t, store, Options{PongWait: 300 * time.Millisecond, PingInterval: 100 * time.Millisecond})
	ws := f.dial(t)

	send(t, ws, `{"event":"newTask","data":{"title":"slow"},"ref":"r1"}`)
	// 客户端在读取期间自动回复 ping，服务端读循环需要同时在线才能收到 pong
	got := readEvents(t, ws, 2)
	if ack := decodeAck(t, got[EventAck]); !ack.OK {
		t.Fatalf("slow insert should succeed: %+v", ack)
	}

	send(t, ws, `{"event":"newTask","data":{"title":"second"},"ref":"r2"}`)
	got = readEvents(t, ws, 2)
	ackEnv, ok := got[EventAck]
	if !ok || ackEnv.Ref != "r2" || !decodeAck(t, ackEnv).OK {
		t.Fatalf("connection should survive a slow mutation, got %+v", got)
	}
}

func TestMessagesFromOneConnectionAreHandledInOrder(t *testing.T) {
	store := slowStore{MemoryStore: task.NewMemoryStore(), delay: 20 * time.Millisecond}
	f := newFixtureWith(t, store, Options{})
	ws := f.dial(t)

	for _, title := range []string{"a", "b", "c"} {
		send(t, ws, `{"event":"newTask","data":{"title":"`+title+`"}}`)
	}
	for i := 0; i < 3; i++ {
		if env := read(t, ws); env.Event != "taskAdded" {
			t.Fatalf("unexpected event: %+v", env)
		}
	}

	tasks, err := f.tasks.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(tasks))
	}
	for i, want := range []string{"a", "b", "c"} {
		if tasks[i].Fields["title"] != want {
			t.Fatalf("task %d: got %v, want %s", i, tasks[i].Fields["title"], want)
		}
	}
}
