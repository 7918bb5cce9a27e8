package ws

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"collabEngine/backend/internal/cache"
	"collabEngine/backend/internal/op"
	"collabEngine/backend/internal/session"
)

// Hub 管理文档房间里的 websocket 连接，并把引擎的回调
// （session.Listener）翻成房间广播。它同时充当心跳监督器的
// LivenessProbe：某用户在房间里还有连接，就算本地活跃。
type Hub struct {
	// presence 是 Redis 在线状态镜像，可以为 nil（不起 Redis 的部署）
	presence cache.PresenceCache

	mu sync.RWMutex
	// docID -> set of connections
	// 一个用户可开多个标签页/设备（多连接），广播要逐连接发
	rooms map[string]map[*Conn]struct{}
}

func NewHub(p cache.PresenceCache) *Hub {
	return &Hub{presence: p, rooms: make(map[string]map[*Conn]struct{})}
}

// Join 将连接加入指定文档房间
func (h *Hub) Join(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[docID] == nil {
		h.rooms[docID] = make(map[*Conn]struct{})
	}
	h.rooms[docID][c] = struct{}{}
}

// Leave 将连接从指定文档房间移除
func (h *Hub) Leave(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[docID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, docID)
		}
	}
}

// LeaveAll 连接关闭时把它从所有房间摘掉。
func (h *Hub) LeaveAll(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for docID, conns := range h.rooms {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, docID)
		}
	}
}

func (h *Hub) broadcast(docID string, msg ServerMessage) {
	h.mu.RLock()
	conns := h.rooms[docID]
	h.mu.RUnlock()
	for c := range conns {
		c.SendMessage_Enqueue(msg)
	}
}

// sendToUser 只发给某个用户的连接（同用户多标签页都收到）。
func (h *Hub) sendToUser(docID string, userID uint64, msg ServerMessage) {
	h.mu.RLock()
	conns := h.rooms[docID]
	h.mu.RUnlock()
	for c := range conns {
		if c.userID == userID {
			c.SendMessage_Enqueue(msg)
		}
	}
}

// ---- session.LivenessProbe ----

func (h *Hub) IsLocallyActive(docID string, userID uint64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[docID] {
		if c.userID == userID {
			return true
		}
	}
	return false
}

// ---- session.Listener ----

func (h *Hub) OnDocumentUpdate(docID string, state op.DocumentState) {
	h.broadcast(docID, ServerMessage{
		Type: "document", DocID: docID,
		Content: state.Content(), LastTimestamp: state.LastTimestamp,
	})
}

func (h *Hub) OnRosterUpdate(docID string, members []session.CollaboratorInfo) {
	out := make([]PresenceMember, 0, len(members))
	for _, m := range members {
		out = append(out, PresenceMember{UserID: m.UserID, Username: m.Username, Role: string(m.Role), Online: m.Online})
	}
	h.broadcast(docID, ServerMessage{Type: "roster", DocID: docID, Members: out})
}

func (h *Hub) OnCursorUpdate(docID string, userID uint64, cur session.CursorPosition) {
	h.broadcast(docID, ServerMessage{
		Type: "cursor", DocID: docID, UserID: userID,
		Cursor: &CursorPayload{Line: cur.Line, Column: cur.Column, UpdatedAt: cur.UpdatedAt},
	})
	// 顺手镜像进 Redis，别的进程的 show_alive_members 能看到
	if h.presence != nil {
		if b, err := json.Marshal(cur); err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
			defer cancel()
			if err := h.presence.SetCursor(ctx, docID, userID, b, 10*time.Minute); err != nil {
				log.Printf("mirror cursor failed doc=%s user=%d err=%v", docID, userID, err)
			}
		}
	}
}

func (h *Hub) OnSelectionUpdate(docID string, userID uint64, sel session.TextSelection) {
	h.broadcast(docID, ServerMessage{
		Type: "selection", DocID: docID, UserID: userID,
		Selection: &SelectionPayload{
			StartLine: sel.StartLine, StartColumn: sel.StartColumn,
			EndLine: sel.EndLine, EndColumn: sel.EndColumn, UpdatedAt: sel.UpdatedAt,
		},
	})
}

func (h *Hub) OnOperationRejected(docID string, o op.Operation) {
	// 只提示作者本人，其他人不关心
	h.sendToUser(docID, o.AuthorID, ServerMessage{
		Type: "op_rejected", DocID: docID, UserID: o.AuthorID,
		Content: "operation targets content outside current bounds, applied as no-op",
	})
}
