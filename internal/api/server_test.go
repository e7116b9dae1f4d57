package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"TaskSync/internal/broadcast"
	xerrors "TaskSync/internal/errors"
	"TaskSync/internal/task"
)

func newTestServer(t *testing.T) (http.Handler, *broadcast.Hub, *task.Service) {
	t.Helper()
	b := broadcast.NewBroadcaster(broadcast.NewHub(8), nil)
	svc := task.NewService(task.NewMemoryStore(), b)
	server := NewServer(Options{AllowedOrigins: []string{"http://localhost:5173"}}, svc, nil)
	return server.Handler(), b.Hub(), svc
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return resp.Error
}

func TestRootBanner(t *testing.T) {
	h, _, _ := newTestServer(t)
	rec := do(t, h, http.MethodGet, "/", "")
	if rec.Code != http.StatusOK || rec.Body.String() != rootBanner {
		t.Fatalf("unexpected root response: %d %q", rec.Code, rec.Body.String())
	}
}

func TestCreateTaskBroadcastsAndLists(t *testing.T) {
	h, hub, _ := newTestServer(t)
	listener := hub.Add("watcher")

	rec := do(t, h, http.MethodPost, "/task", `{"title":"Buy milk","done":false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d %s", rec.Code, rec.Body.String())
	}
	var result task.InsertResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !result.Acknowledged || result.InsertedID == "" {
		t.Fatalf("unexpected insert result: %+v", result)
	}

	select {
	case event := <-listener.Events():
		if event.Kind != broadcast.KindAdded {
			t.Fatalf("unexpected event: %s", event.Kind)
		}
	default:
		t.Fatalf("REST insert should be broadcast")
	}

	rec = do(t, h, http.MethodGet, "/tasks", "")
	var tasks []task.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &tasks); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != result.InsertedID || tasks[0].Fields["title"] != "Buy milk" {
		t.Fatalf("unexpected list: %+v", tasks)
	}
	if !strings.Contains(rec.Body.String(), `"_id":"`+result.InsertedID+`"`) {
		t.Fatalf("tasks should expose _id: %s", rec.Body.String())
	}
}

func TestListEmptyIsArray(t *testing.T) {
	h, _, _ := newTestServer(t)
	rec := do(t, h, http.MethodGet, "/tasks", "")
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected empty array, got %q", rec.Body.String())
	}
}

func TestUpdateTask(t *testing.T) {
	h, _, svc := newTestServer(t)
	created, err := svc.Add(context.Background(), task.OriginREST, task.Fields{"title": "x", "done": false})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	rec := do(t, h, http.MethodPatch, "/task/"+created.ID, `{"done":true}`)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Task updated") {
		t.Fatalf("unexpected response: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodPatch, "/task/missing", `{"done":true}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if body := decodeError(t, rec); body.Code != task.CodeTaskNotFound {
		t.Fatalf("unexpected error code: %+v", body)
	}
}

func TestMalformedBodies(t *testing.T) {
	h, _, _ := newTestServer(t)
	cases := []struct {
		name   string
		method string
		path   string
		body   string
	}{
		{name: "invalid json", method: http.MethodPost, path: "/task", body: `{"title":`},
		{name: "array body", method: http.MethodPost, path: "/task", body: `[1,2]`},
		{name: "empty body", method: http.MethodPost, path: "/task", body: ``},
		{name: "empty patch", method: http.MethodPatch, path: "/task/abc", body: `{}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, h, tc.method, tc.path, tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			if body := decodeError(t, rec); body.Code != xerrors.CodeMalformedInput {
				t.Fatalf("unexpected error: %+v", body)
			}
		})
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	h, hub, svc := newTestServer(t)
	created, _ := svc.Add(context.Background(), task.OriginREST, task.Fields{"title": "x"})
	listener := hub.Add("watcher")

	for i := 0; i < 2; i++ {
		rec := do(t, h, http.MethodDelete, "/task/"+created.ID, "")
		if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Task deleted") {
			t.Fatalf("delete #%d: %d %s", i+1, rec.Code, rec.Body.String())
		}
	}
	if len(listener.Events()) != 2 {
		t.Fatalf("each delete should broadcast, got %d", len(listener.Events()))
	}
}

func TestUnknownRouteAndMethod(t *testing.T) {
	h, _, _ := newTestServer(t)
	if rec := do(t, h, http.MethodGet, "/nope", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPut, "/task/abc", `{}`); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	h, _, _ := newTestServer(t)
	if rec := do(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
	do(t, h, http.MethodGet, "/tasks", "")
	rec := do(t, h, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "tasksync_http_requests_total") {
		t.Fatalf("metrics should expose request counters: %d", rec.Code)
	}
}

func TestCORSAllowsConfiguredOrigin(t *testing.T) {
	h, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/task", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Fatalf("unexpected allow-origin header: %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/tasks", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("foreign origin should not be allowed, got %q", got)
	}
}

func TestServerWithoutServiceReportsUnavailable(t *testing.T) {
	h := NewServer(Options{}, nil, nil).Handler()
	rec := do(t, h, http.MethodGet, "/tasks", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if body := decodeError(t, rec); body.Code != xerrors.CodeInitializationFailure {
		t.Fatalf("unexpected error: %+v", body)
	}
}

// ctxStore 与真实数据库驱动一样在 ctx 取消时放弃写入。
type ctxStore struct {
	*task.MemoryStore
}

func (s ctxStore) Insert(ctx context.Context, fields task.Fields) (string, error) {
	select {
	case <-time.After(20 * time.Millisecond):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return s.MemoryStore.Insert(ctx, fields)
}

func (s ctxStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.Delete(ctx, id)
}

// ctxPublisher 与 Redis/RabbitMQ 中继一样在 ctx 取消时拒绝发布。
type ctxPublisher struct {
	b *broadcast.Broadcaster
}

func (p ctxPublisher) Publish(ctx context.Context, event broadcast.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.b.Publish(ctx, event)
}

func TestMutationsSurviveClientDisconnect(t *testing.T) {
	b := broadcast.NewBroadcaster(broadcast.NewHub(8), nil)
	store := ctxStore{MemoryStore: task.NewMemoryStore()}
	svc := task.NewService(store, ctxPublisher{b: b})
	h := NewServer(Options{}, svc, nil).Handler()
	listener := b.Hub().Add("watcher")

	gone, cancel := context.WithCancel(context.Background())
	cancel()

	req := httptest.NewRequest(http.MethodPost, "/task", strings.NewReader(`{"title":"x"}`)).WithContext(gone)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("insert should complete after disconnect: %d %s", rec.Code, rec.Body.String())
	}

	tasks, err := store.ListAll(context.Background())
	if err != nil || len(tasks) != 1 {
		t.Fatalf("task should be stored: %v %+v", err, tasks)
	}

	req = httptest.NewRequest(http.MethodDelete, "/task/"+tasks[0].ID, nil).WithContext(gone)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete should complete after disconnect: %d %s", rec.Code, rec.Body.String())
	}

	if got := len(listener.Events()); got != 2 {
		t.Fatalf("every committed change should be broadcast, got %d events", got)
	}
}
