package ws

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"collabEngine/backend/internal/gateway"
	"collabEngine/backend/internal/op"
	"collabEngine/backend/internal/session"
	"collabEngine/backend/internal/store"
)

type Conn struct {
	ws       *websocket.Conn
	hub      *Hub
	docID    string
	userID   uint64
	username string
	// send 是这个连接的出站队列，writeLoop 负责消费
	send chan ServerMessage
	// 协作引擎
	reg *session.Registry
	// 建档/查档（可为 nil：不带 MySQL 的部署）
	docs *store.DocumentStore
	// 信号量控制：限制同时在处理的 op_submit 数量
	sem *gateway.SemaphoreControl
}

func NewConn(ws *websocket.Conn, hub *Hub, userID uint64, username string, reg *session.Registry, docs *store.DocumentStore, sem *gateway.SemaphoreControl) *Conn {
	return &Conn{
		ws:       ws,
		hub:      hub,
		userID:   userID,
		username: username,
		send:     make(chan ServerMessage, 32),
		reg:      reg,
		docs:     docs,
		sem:      sem,
	}
}

// SendMessage_Enqueue 非阻塞入队：慢消费者的队列满了就丢，
// 丢掉的快照靠后续广播/重连追平补回来。
func (c *Conn) SendMessage_Enqueue(msg ServerMessage) {
	select {
	case c.send <- msg:
	default:
	}
}

func parseRole(s string) session.Role {
	switch s {
	case "owner":
		return session.RoleOwner
	case "viewer":
		return session.RoleViewer
	default:
		return session.RoleEditor
	}
}

func parseOpType(s string) (op.Type, bool) {
	switch s {
	case "insert":
		return op.TypeInsert, true
	case "delete":
		return op.TypeDelete, true
	case "replace":
		return op.TypeReplace, true
	}
	return "", false
}

// sendDocument 把当前文档快照发给本连接。
func (c *Conn) sendDocument(docID string) {
	sess, ok := c.reg.Session(docID)
	if !ok {
		return
	}
	state := sess.Snapshot()
	c.SendMessage_Enqueue(ServerMessage{
		Type: "document", DocID: docID,
		Content: state.Content(), LastTimestamp: state.LastTimestamp,
	})
}

func (c *Conn) handleOpSubmit(ctx context.Context, msg ClientMessage) {
	if !c.reg.CanEdit(c.docID, c.userID) {
		c.SendMessage_Enqueue(ServerMessage{Type: "error", Content: "PERMISSION_DENIED"})
		return
	}
	t, ok := parseOpType(msg.OpType)
	if !ok {
		c.SendMessage_Enqueue(ServerMessage{Type: "error", Content: "UNKNOWN_OP_TYPE"})
		return
	}

	submitCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()

	if err := c.sem.Acquire(submitCtx); err != nil {
		c.SendMessage_Enqueue(ServerMessage{Type: "error", Content: err.Error()})
		return
	}
	defer c.sem.Release()

	o := op.New(t, msg.Line, msg.Column, msg.Length, msg.Text, c.userID)
	if err := c.reg.SubmitLocal(submitCtx, c.docID, o); err != nil {
		// 队列满或超时，提示客户端稍后重试
		c.SendMessage_Enqueue(ServerMessage{Type: "error", Content: "SUBMIT_TIMEOUT"})
	}
}

func (c *Conn) readLoop(ctx context.Context) {
	defer close(c.send)
	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			log.Printf("read json error (user=%d, doc=%s): %v", c.userID, c.docID, err)
			return
		}
		switch msg.Type {
		case "startSession":
			// docId 由客户端生成（uuid），标题只是展示用
			if msg.DocID == "" {
				c.SendMessage_Enqueue(ServerMessage{Type: "error", Content: "MISSING_DOC_ID"})
				continue
			}
			if c.docs != nil {
				if err := c.docs.EnsureDocument(ctx, msg.DocID, c.userID, msg.DocTitle); err != nil {
					log.Printf("ensure document error: %v", err)
					c.SendMessage_Enqueue(ServerMessage{Type: "error", Content: "CREATE_DOC_FAILED"})
					continue
				}
			}
			if _, err := c.reg.StartSession(ctx, msg.DocID, msg.DocTitle, c.userID, c.username, session.RoleOwner); err != nil {
				c.SendMessage_Enqueue(ServerMessage{Type: "error", Content: err.Error()})
				continue
			}
			c.enterRoom(ctx, msg.DocID)
			c.SendMessage_Enqueue(ServerMessage{Type: "startSession", DocID: msg.DocID,
				Content: fmt.Sprintf("Session for document %s started by user %d", msg.DocID, c.userID)})
			c.sendDocument(msg.DocID)

		case "joinSession":
			docID := msg.DocID
			if docID == "" && msg.DocTitle != "" && c.docs != nil {
				id, err := c.docs.GetDocumentID(ctx, msg.DocTitle)
				if err != nil {
					log.Printf("get document id error: %v", err)
					c.SendMessage_Enqueue(ServerMessage{Type: "error", Content: "GET_DOCID_FAILED"})
					continue
				}
				docID = id
			}
			if docID == "" {
				c.SendMessage_Enqueue(ServerMessage{Type: "error", Content: "MISSING_DOC_ID"})
				continue
			}
			if _, err := c.reg.JoinSession(ctx, docID, c.userID, c.username, parseRole(msg.Role)); err != nil {
				// SESSION_FULL / SESSION_NOT_FOUND 原样透传给客户端
				c.SendMessage_Enqueue(ServerMessage{Type: "error", Content: err.Error()})
				continue
			}
			c.enterRoom(ctx, docID)
			c.SendMessage_Enqueue(ServerMessage{Type: "joinSession", DocID: docID,
				Content: fmt.Sprintf("Document %s joined by user %d", docID, c.userID)})
			c.sendDocument(docID)

		case "leaveSession":
			if c.docID == "" {
				continue
			}
			left := c.reg.LeaveSession(ctx, c.docID, c.userID)
			c.hub.Leave(c.docID, c)
			if c.hub.presence != nil {
				if err := c.hub.presence.RemoveMember(ctx, c.docID, c.userID); err != nil {
					log.Printf("remove member error: %v", err)
				}
			}
			c.SendMessage_Enqueue(ServerMessage{Type: "leaveSession", DocID: c.docID,
				Content: fmt.Sprintf("left=%v", left)})
			c.docID = ""

		case "heartbeat":
			if c.docID == "" {
				c.SendMessage_Enqueue(ServerMessage{Type: "feedback", Content: "Heartbeat received"})
				continue
			}
			c.reg.Touch(c.docID, c.userID)
			if c.hub.presence != nil {
				if err := c.hub.presence.AddMember(ctx, c.docID, c.userID, c.username, 600*time.Second); err != nil {
					log.Printf("add member error: %v", err)
				}
			}
			c.SendMessage_Enqueue(ServerMessage{Type: "feedback", Content: "Heartbeat received"})

		case "op_submit":
			c.handleOpSubmit(ctx, msg)

		case "cursor":
			if err := c.reg.UpdateCursor(ctx, c.docID, c.userID, msg.Line, msg.Column); err != nil {
				c.SendMessage_Enqueue(ServerMessage{Type: "error", Content: err.Error()})
			}

		case "selection":
			if err := c.reg.UpdateSelection(ctx, c.docID, c.userID,
				msg.StartLine, msg.StartColumn, msg.EndLine, msg.EndColumn); err != nil {
				c.SendMessage_Enqueue(ServerMessage{Type: "error", Content: err.Error()})
			}

		case "show_alive_members":
			if c.hub.presence == nil {
				// 没有 Redis 镜像时退回本地名册
				members := c.reg.ActiveCollaborators(c.docID)
				out := make([]PresenceMember, 0, len(members))
				for _, m := range members {
					out = append(out, PresenceMember{UserID: m.UserID, Username: m.Username, Role: string(m.Role), Online: m.Online})
				}
				c.SendMessage_Enqueue(ServerMessage{Type: "show_alive_members", DocID: c.docID, Members: out})
				continue
			}
			members, err := c.hub.presence.GetAliveMembersWithNames(ctx, c.docID)
			if err != nil {
				log.Printf("get alive members with names error: %v", err)
				continue
			}
			out := make([]PresenceMember, 0, len(members))
			for _, m := range members {
				out = append(out, PresenceMember{UserID: m.UserID, Username: m.Username})
			}
			c.SendMessage_Enqueue(ServerMessage{Type: "show_alive_members", DocID: c.docID, Members: out})

		case "loadDocumentContent":
			docID := msg.DocID
			if docID == "" {
				docID = c.docID
			}
			c.sendDocument(docID)

		case "opsSince":
			sess, ok := c.reg.Session(c.docID)
			if !ok {
				c.SendMessage_Enqueue(ServerMessage{Type: "error", Content: session.ErrSessionNotFound.Error()})
				continue
			}
			ops := sess.OpsSince(msg.FromTimestamp, msg.Limit)
			out := make([]OpPayload, 0, len(ops))
			for _, o := range ops {
				out = append(out, OpPayload{
					OpType: string(o.Type), Line: o.Line, Column: o.Column,
					Length: o.Length, Text: o.Text,
					AuthorID: o.AuthorID, Timestamp: o.Timestamp,
				})
			}
			c.SendMessage_Enqueue(ServerMessage{Type: "opsSince", DocID: c.docID, Ops: out})

		case "saveDocument":
			docID := msg.DocID
			if docID == "" {
				docID = c.docID
			}
			if err := c.reg.SaveSnapshot(ctx, docID); err != nil {
				log.Printf("save document error: %v", err)
				c.SendMessage_Enqueue(ServerMessage{Type: "saveDocument", DocID: docID, Content: "Document " + docID + " save failed"})
				continue
			}
			c.SendMessage_Enqueue(ServerMessage{Type: "saveDocument", DocID: docID, Content: "Document " + docID + " saved"})

		default:
			c.SendMessage_Enqueue(ServerMessage{Type: "ignored", Content: "Unknown message type"})
		}
	}
}

// enterRoom 切换连接所在的房间并刷新在线镜像。
func (c *Conn) enterRoom(ctx context.Context, docID string) {
	if c.docID != "" && c.docID != docID {
		c.hub.Leave(c.docID, c)
	}
	c.docID = docID
	c.hub.Join(docID, c)
	if c.hub.presence != nil {
		if err := c.hub.presence.AddMember(ctx, docID, c.userID, c.username, 600*time.Second); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("add member error: %v", err)
		}
	}
}

func (c *Conn) writeLoop() {
	for msg := range c.send {
		_ = c.ws.WriteJSON(msg)
	}
}
