package session

import "time"

type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// CanEdit 只有 owner/editor 可以改文档，viewer 只读。
func (r Role) CanEdit() bool {
	return r == RoleOwner || r == RoleEditor
}

// CollaboratorInfo 描述一个会话里的一名参与者。
// LastSeen 由心跳单调刷新；超过不活跃阈值或显式 leave 时整条记录被移除。
type CollaboratorInfo struct {
	UserID   uint64    `json:"userId"`
	Username string    `json:"username"`
	Role     Role      `json:"role"`
	JoinedAt time.Time `json:"joinedAt"`
	LastSeen time.Time `json:"lastSeen"`
	Online   bool      `json:"online"`
}

// CursorPosition / TextSelection 是短命的位置标记：
// 同一用户的下一次更新直接覆盖上一次（latest value wins），
// 永远不进操作历史，也不参与冲突分类。
type CursorPosition struct {
	Line      int   `json:"line"`
	Column    int   `json:"column"`
	UpdatedAt int64 `json:"updatedAt"` // 毫秒
}

type TextSelection struct {
	StartLine   int   `json:"startLine"`
	StartColumn int   `json:"startColumn"`
	EndLine     int   `json:"endLine"`
	EndColumn   int   `json:"endColumn"`
	UpdatedAt   int64 `json:"updatedAt"`
}

// ActivityLogEntry 是 join/leave/evict 的追加式记录。
// 引擎只负责产出，投递（邮件/推送/审计）交给下游。
type ActivityLogEntry struct {
	DocID    string    `json:"docId"`
	UserID   uint64    `json:"userId"`
	Username string    `json:"username"`
	Action   string    `json:"action"` // "join" / "leave" / "evict"
	At       time.Time `json:"at"`
}
