package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"collabEngine/backend/internal/op"
	"collabEngine/backend/internal/session"
)

type fakeReceiver struct {
	mu     sync.Mutex
	events []session.RemoteEvent
}

func (f *fakeReceiver) HandleRemoteEvent(evt session.RemoteEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evt)
}

func (f *fakeReceiver) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func mustMarshal(t *testing.T, evt CollabEvent) []byte {
	t.Helper()
	b, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestHandleMessage_EchoSuppressed(t *testing.T) {
	recv := &fakeReceiver{}
	g := NewGateway("node-a", nil, recv)
	if _, err := g.Subscribe("d1"); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	o := op.Operation{Type: op.TypeInsert, Text: "x", AuthorID: 1, Timestamp: 100}
	// 自己发布的事件必须被丢弃
	g.handleMessage(mustMarshal(t, CollabEvent{EventType: EventOpApplied, DocID: "d1", Origin: "node-a", Op: &o}))
	if recv.count() != 0 {
		t.Fatalf("echo event reached receiver")
	}

	// 别的进程发布的要转发
	g.handleMessage(mustMarshal(t, CollabEvent{EventType: EventOpApplied, DocID: "d1", Origin: "node-b", Op: &o}))
	if recv.count() != 1 {
		t.Fatalf("remote event count = %d, want 1", recv.count())
	}
	if recv.events[0].Kind != "op" || recv.events[0].Op == nil {
		t.Fatalf("translated event = %+v, want op kind with payload", recv.events[0])
	}
}

func TestHandleMessage_UnsubscribedDocDropped(t *testing.T) {
	recv := &fakeReceiver{}
	g := NewGateway("node-a", nil, recv)

	o := op.Operation{Type: op.TypeInsert, Text: "x", AuthorID: 1, Timestamp: 100}
	g.handleMessage(mustMarshal(t, CollabEvent{EventType: EventOpApplied, DocID: "d1", Origin: "node-b", Op: &o}))
	if recv.count() != 0 {
		t.Fatalf("event for unsubscribed doc reached receiver")
	}

	sub, _ := g.Subscribe("d1")
	g.handleMessage(mustMarshal(t, CollabEvent{EventType: EventOpApplied, DocID: "d1", Origin: "node-b", Op: &o}))
	if recv.count() != 1 {
		t.Fatalf("count = %d, want 1", recv.count())
	}

	// 取消订阅之后又要开始丢
	if err := sub.Cancel(); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	g.handleMessage(mustMarshal(t, CollabEvent{EventType: EventOpApplied, DocID: "d1", Origin: "node-b", Op: &o}))
	if recv.count() != 1 {
		t.Fatalf("count after cancel = %d, want 1", recv.count())
	}
	// Cancel 幂等
	if err := sub.Cancel(); err != nil {
		t.Fatalf("second Cancel() error = %v", err)
	}
}

func TestHandleMessage_RefCountedInterest(t *testing.T) {
	recv := &fakeReceiver{}
	g := NewGateway("node-a", nil, recv)

	s1, _ := g.Subscribe("d1")
	s2, _ := g.Subscribe("d1")
	_ = s1.Cancel()
	if !g.subscribed("d1") {
		t.Fatalf("one of two subscriptions cancelled, interest should remain")
	}
	_ = s2.Cancel()
	if g.subscribed("d1") {
		t.Fatalf("all subscriptions cancelled, interest should be gone")
	}
}

func TestHandleMessage_CursorAndRoster(t *testing.T) {
	recv := &fakeReceiver{}
	g := NewGateway("node-a", nil, recv)
	_, _ = g.Subscribe("d1")

	cur := session.CursorPosition{Line: 1, Column: 2, UpdatedAt: 9}
	g.handleMessage(mustMarshal(t, CollabEvent{EventType: EventCursor, DocID: "d1", Origin: "node-b", UserID: 7, Cursor: &cur}))
	members := []session.CollaboratorInfo{{UserID: 7, Username: "bob", Role: session.RoleEditor}}
	g.handleMessage(mustMarshal(t, CollabEvent{EventType: EventRoster, DocID: "d1", Origin: "node-b", Members: members}))

	if recv.count() != 2 {
		t.Fatalf("count = %d, want 2", recv.count())
	}
	if recv.events[0].Kind != "cursor" || recv.events[0].Cursor.Column != 2 {
		t.Fatalf("cursor event = %+v", recv.events[0])
	}
	if recv.events[1].Kind != "roster" || len(recv.events[1].Members) != 1 {
		t.Fatalf("roster event = %+v", recv.events[1])
	}
}

func TestHandleMessage_GarbageIgnored(t *testing.T) {
	recv := &fakeReceiver{}
	g := NewGateway("node-a", nil, recv)
	_, _ = g.Subscribe("d1")

	g.handleMessage([]byte("not json at all"))
	g.handleMessage(mustMarshal(t, CollabEvent{EventType: "SOMETHING_NEW", DocID: "d1", Origin: "node-b"}))
	if recv.count() != 0 {
		t.Fatalf("garbage should not reach receiver")
	}
}

func TestPublish_NilProducerStillSucceeds(t *testing.T) {
	// producer 为 nil 时 dispatcher 把发送当 no-op，本地开发不起 Kafka 也能跑
	d := NewDispatcher(nil, "collab-events", NewSemaphoreControl(10), DispatcherOptions{
		QueueSize: 16, Workers: 1, MaxRetry: 1,
		BaseBackoff: time.Millisecond, MaxBackoff: 10 * time.Millisecond,
	})
	defer d.Close()
	g := NewGateway("node-a", d, &fakeReceiver{})

	err := g.PublishOperation(context.Background(), "d1", op.Operation{Type: op.TypeInsert, Text: "x"})
	if err != nil {
		t.Fatalf("PublishOperation() error = %v", err)
	}
}
