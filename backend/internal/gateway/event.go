package gateway

import (
	"time"

	"collabEngine/backend/internal/op"
	"collabEngine/backend/internal/session"
)

const (
	EventOpApplied = "OP_APPLIED"
	EventCursor    = "CURSOR"
	EventSelection = "SELECTION"
	EventRoster    = "ROSTER"
)

// CollabEvent 是走外部传输的事件信封，以 docID 做 Kafka 分区键，
// 保证同一文档的事件按发布顺序投递。
// Origin 是发布进程的标识：消费端看到自己的 Origin 直接丢弃（回声抑制），
// 本进程发布的操作绝不允许二次进入本地 classify→apply 流水线。
type CollabEvent struct {
	EventType string `json:"eventType"`
	DocID     string `json:"docId"`
	Origin    string `json:"origin"`

	Op        *op.Operation              `json:"op,omitempty"`
	UserID    uint64                     `json:"userId,omitempty"`
	Cursor    *session.CursorPosition    `json:"cursor,omitempty"`
	Selection *session.TextSelection     `json:"selection,omitempty"`
	Members   []session.CollaboratorInfo `json:"members,omitempty"`

	PublishedAt time.Time `json:"publishedAt"`
}
