package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func mustEvent(t *testing.T, kind Kind, payload any) Event {
	t.Helper()
	event, err := NewEvent(kind, payload)
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	return event
}

func TestHubDeliversToEveryListener(t *testing.T) {
	hub := NewHub(4)
	const n = 10
	listeners := make([]*Listener, 0, n)
	for i := 0; i < n; i++ {
		listeners = append(listeners, hub.Add(fmt.Sprintf("l-%d", i)))
	}

	event := mustEvent(t, KindDeleted, "task-1")
	if got := hub.Deliver(event); got != n {
		t.Fatalf("expected %d deliveries, got %d", n, got)
	}
	for _, l := range listeners {
		select {
		case got := <-l.Events():
			if got.Kind != KindDeleted || string(got.Payload) != `"task-1"` {
				t.Fatalf("unexpected event for %s: %+v", l.ID(), got)
			}
		default:
			t.Fatalf("listener %s received nothing", l.ID())
		}
	}
}

func TestHubEvictsSlowListener(t *testing.T) {
	hub := NewHub(1)
	slow := hub.Add("slow")
	fast := hub.Add("fast")

	first := mustEvent(t, KindDeleted, "a")
	second := mustEvent(t, KindDeleted, "b")

	hub.Deliver(first)
	<-fast.Events()
	if got := hub.Deliver(second); got != 1 {
		t.Fatalf("expected only the fast listener to receive, got %d", got)
	}

	select {
	case <-slow.Done():
	default:
		t.Fatalf("slow listener should have been evicted")
	}
	if !errors.Is(slow.Err(), ErrSlowListener) {
		t.Fatalf("unexpected eviction reason: %v", slow.Err())
	}
	if hub.Len() != 1 {
		t.Fatalf("expected one remaining listener, got %d", hub.Len())
	}
}

func TestHubRemoveIsIdempotent(t *testing.T) {
	hub := NewHub(1)
	l := hub.Add("x")
	hub.Remove(l)
	hub.Remove(l)
	if hub.Len() != 0 {
		t.Fatalf("expected empty hub")
	}
	if !errors.Is(l.Err(), ErrListenerClosed) {
		t.Fatalf("unexpected reason: %v", l.Err())
	}
	if got := hub.Deliver(mustEvent(t, KindDeleted, "a")); got != 0 {
		t.Fatalf("removed listener must not receive events")
	}
}

func TestHubAddReplacesDuplicateID(t *testing.T) {
	hub := NewHub(1)
	old := hub.Add("dup")
	fresh := hub.Add("dup")

	select {
	case <-old.Done():
	default:
		t.Fatalf("replaced listener should be closed")
	}
	hub.Remove(old)
	if hub.Len() != 1 {
		t.Fatalf("removing the stale listener must keep the fresh one")
	}
	hub.Deliver(mustEvent(t, KindDeleted, "a"))
	if len(fresh.Events()) != 1 {
		t.Fatalf("fresh listener should receive the event")
	}
}

func TestLateListenerMissesEarlierEvents(t *testing.T) {
	hub := NewHub(4)
	hub.Deliver(mustEvent(t, KindDeleted, "before"))
	late := hub.Add("late")
	if len(late.Events()) != 0 {
		t.Fatalf("no replay expected for late listeners")
	}
}

func TestNewEventRejectsUnknownKind(t *testing.T) {
	if _, err := NewEvent(Kind("taskArchived"), nil); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
	if _, err := decodeEvent([]byte(`{"event":"nope","data":1}`)); err == nil {
		t.Fatalf("expected decode error for unknown kind")
	}
	event, err := decodeEvent([]byte(`{"event":"taskUpdated","data":{"id":"x","updatedData":{"done":true}}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	var payload struct {
		ID          string         `json:"id"`
		UpdatedData map[string]any `json:"updatedData"`
	}
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.ID != "x" || payload.UpdatedData["done"] != true {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

// chanRelay 模拟跨实例中继：发布的事件回送给所有订阅者。
type chanRelay struct {
	mu       sync.Mutex
	handlers []Handler
	ready    chan struct{}
	fail     error
}

func newChanRelay() *chanRelay {
	return &chanRelay{ready: make(chan struct{})}
}

func (r *chanRelay) Publish(ctx context.Context, event Event) error {
	if r.fail != nil {
		return r.fail
	}
	r.mu.Lock()
	handlers := append([]Handler(nil), r.handlers...)
	r.mu.Unlock()
	for _, h := range handlers {
		h(ctx, event)
	}
	return nil
}

func (r *chanRelay) Subscribe(ctx context.Context, handler Handler) error {
	r.mu.Lock()
	r.handlers = append(r.handlers, handler)
	r.mu.Unlock()
	close(r.ready)
	<-ctx.Done()
	return ctx.Err()
}

func (r *chanRelay) Close() error { return nil }

func TestBroadcasterThroughRelay(t *testing.T) {
	relay := newChanRelay()
	b := NewBroadcaster(NewHub(4), relay)
	listener := b.Hub().Add("l1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	select {
	case <-relay.ready:
	case <-time.After(time.Second):
		t.Fatalf("relay subscription not ready")
	}

	if err := b.Publish(ctx, mustEvent(t, KindAdded, map[string]any{"_id": "1"})); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case got := <-listener.Events():
		if got.Kind != KindAdded {
			t.Fatalf("unexpected kind: %s", got.Kind)
		}
	case <-time.After(time.Second):
		t.Fatalf("event not delivered through relay")
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("unexpected run result: %v", err)
	}
}

func TestBroadcasterReportsRelayFailure(t *testing.T) {
	relay := newChanRelay()
	relay.fail = errors.New("relay down")
	b := NewBroadcaster(nil, relay)
	if err := b.Publish(context.Background(), mustEvent(t, KindDeleted, "x")); err == nil {
		t.Fatalf("expected relay failure to surface")
	}
}

func TestBroadcasterLocalDelivery(t *testing.T) {
	b := NewBroadcaster(NewHub(2), nil)
	l := b.Hub().Add("local")
	if err := b.Publish(context.Background(), mustEvent(t, KindDeleted, "x")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(l.Events()) != 1 {
		t.Fatalf("expected synchronous local delivery")
	}
	if err := b.Publish(context.Background(), Event{Kind: "bogus"}); err == nil {
		t.Fatalf("expected invalid kind error")
	}
}
