package ws

// 客户端入站消息，一个 Type 字段分发，其余字段按需填。
type ClientMessage struct {
	Type     string `json:"type"`
	DocID    string `json:"docId,omitempty"`
	DocTitle string `json:"docTitle,omitempty"`
	Role     string `json:"role,omitempty"` // "owner" / "editor" / "viewer"

	// op_submit
	OpType string `json:"opType,omitempty"` // "insert" / "delete" / "replace"
	Line   int    `json:"line"`
	Column int    `json:"column"`
	Length int    `json:"length,omitempty"`
	Text   string `json:"text,omitempty"`

	// selection
	StartLine   int `json:"startLine,omitempty"`
	StartColumn int `json:"startColumn,omitempty"`
	EndLine     int `json:"endLine,omitempty"`
	EndColumn   int `json:"endColumn,omitempty"`

	// opsSince
	FromTimestamp int64 `json:"fromTimestamp,omitempty"`
	Limit         int   `json:"limit,omitempty"`
}

type PresenceMember struct {
	UserID   uint64 `json:"userId"`
	Username string `json:"username,omitempty"`
	Role     string `json:"role,omitempty"`
	Online   bool   `json:"online,omitempty"`
}

type CursorPayload struct {
	Line      int   `json:"line"`
	Column    int   `json:"column"`
	UpdatedAt int64 `json:"updatedAt,omitempty"`
}

type SelectionPayload struct {
	StartLine   int   `json:"startLine"`
	StartColumn int   `json:"startColumn"`
	EndLine     int   `json:"endLine"`
	EndColumn   int   `json:"endColumn"`
	UpdatedAt   int64 `json:"updatedAt,omitempty"`
}

type OpPayload struct {
	OpType    string `json:"opType"`
	Line      int    `json:"line"`
	Column    int    `json:"column"`
	Length    int    `json:"length,omitempty"`
	Text      string `json:"text,omitempty"`
	AuthorID  uint64 `json:"authorId"`
	Timestamp int64  `json:"timestamp"`
}

// 服务端出站消息。
// - "document": 文档内容更新（含 lastTimestamp，前端据此对齐）
// - "roster":   成员变化
// - "cursor" / "selection": 其他协作者的位置快照
// - "op_rejected": 自己的越界操作被降级成 no-op 的提示
type ServerMessage struct {
	Type          string            `json:"type"`
	DocID         string            `json:"docId,omitempty"`
	UserID        uint64            `json:"userId,omitempty"`
	Content       string            `json:"content,omitempty"`
	LastTimestamp int64             `json:"lastTimestamp,omitempty"`
	Members       []PresenceMember  `json:"members,omitempty"`
	Cursor        *CursorPayload    `json:"cursor,omitempty"`
	Selection     *SelectionPayload `json:"selection,omitempty"`
	Ops           []OpPayload       `json:"ops,omitempty"`
}
