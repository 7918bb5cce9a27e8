package ws

import (
	"testing"

	"collabEngine/backend/internal/op"
	"collabEngine/backend/internal/session"
)

func testConn(userID uint64) *Conn {
	return &Conn{userID: userID, send: make(chan ServerMessage, 32)}
}

func recvOne(t *testing.T, c *Conn) ServerMessage {
	t.Helper()
	select {
	case msg := <-c.send:
		return msg
	default:
		t.Fatalf("no message enqueued")
		return ServerMessage{}
	}
}

func TestHub_BroadcastDocumentToRoom(t *testing.T) {
	h := NewHub(nil)
	alice := testConn(1)
	bob := testConn(2)
	outsider := testConn(3)
	h.Join("doc-1", alice)
	h.Join("doc-1", bob)
	h.Join("doc-2", outsider)

	h.OnDocumentUpdate("doc-1", op.NewDocumentState("hello"))

	for _, c := range []*Conn{alice, bob} {
		msg := recvOne(t, c)
		if msg.Type != "document" || msg.Content != "hello" {
			t.Fatalf("msg = %+v, want document/hello", msg)
		}
	}
	select {
	case msg := <-outsider.send:
		t.Fatalf("outsider got %+v, want nothing", msg)
	default:
	}
}

func TestHub_RejectionOnlyToAuthor(t *testing.T) {
	h := NewHub(nil)
	alice := testConn(1)
	bob := testConn(2)
	h.Join("doc-1", alice)
	h.Join("doc-1", bob)

	h.OnOperationRejected("doc-1", op.New(op.TypeDelete, 99, 0, 1, "", 2))

	msg := recvOne(t, bob)
	if msg.Type != "op_rejected" {
		t.Fatalf("msg.Type = %q, want op_rejected", msg.Type)
	}
	select {
	case msg := <-alice.send:
		t.Fatalf("alice got %+v, want nothing", msg)
	default:
	}
}

func TestHub_IsLocallyActive(t *testing.T) {
	h := NewHub(nil)
	alice := testConn(1)
	h.Join("doc-1", alice)

	if !h.IsLocallyActive("doc-1", 1) {
		t.Fatalf("IsLocallyActive = false, want true")
	}
	if h.IsLocallyActive("doc-1", 2) {
		t.Fatalf("IsLocallyActive(unknown user) = true, want false")
	}

	h.LeaveAll(alice)
	if h.IsLocallyActive("doc-1", 1) {
		t.Fatalf("IsLocallyActive after LeaveAll = true, want false")
	}
}

func TestHub_RosterUpdatePayload(t *testing.T) {
	h := NewHub(nil)
	alice := testConn(1)
	h.Join("doc-1", alice)

	h.OnRosterUpdate("doc-1", []session.CollaboratorInfo{
		{UserID: 1, Username: "alice", Role: session.RoleOwner, Online: true},
		{UserID: 2, Username: "bob", Role: session.RoleEditor, Online: false},
	})

	msg := recvOne(t, alice)
	if msg.Type != "roster" || len(msg.Members) != 2 {
		t.Fatalf("msg = %+v, want roster with 2 members", msg)
	}
	if msg.Members[0].Role != "owner" {
		t.Fatalf("Members[0].Role = %q, want owner", msg.Members[0].Role)
	}
}

func TestHub_DropWhenSendQueueFull(t *testing.T) {
	h := NewHub(nil)
	slow := &Conn{userID: 1, send: make(chan ServerMessage, 1)}
	h.Join("doc-1", slow)

	h.OnDocumentUpdate("doc-1", op.NewDocumentState("a"))
	h.OnDocumentUpdate("doc-1", op.NewDocumentState("b"))

	msg := recvOne(t, slow)
	if msg.Content != "a" {
		t.Fatalf("Content = %q, want a", msg.Content)
	}
	select {
	case msg := <-slow.send:
		t.Fatalf("got %+v, want second update dropped", msg)
	default:
	}
}
