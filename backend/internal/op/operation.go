package op

import (
	"fmt"
	"time"
)

type Type string

const (
	TypeInsert          Type = "insert"
	TypeDelete          Type = "delete"
	TypeReplace         Type = "replace"
	TypeCursorMove      Type = "cursor_move"
	TypeSelectionChange Type = "selection_change"
)

// Operation 是一次编辑意图，构造之后不可变。
// Line/Column 均从 0 开始；Length 只有 delete/replace 使用；Text 只有 insert/replace 使用。
// Timestamp 是构造时的毫秒级墙上时钟，只用于排序比较，不承担合并正确性。
type Operation struct {
	Type      Type   `json:"type"`
	Line      int    `json:"line"`
	Column    int    `json:"column"`
	Length    int    `json:"length,omitempty"`
	Text      string `json:"text,omitempty"`
	AuthorID  uint64 `json:"authorId"`
	Timestamp int64  `json:"timestamp"`
}

func New(t Type, line, column int, length int, text string, authorID uint64) Operation {
	return Operation{
		Type:      t,
		Line:      line,
		Column:    column,
		Length:    length,
		Text:      text,
		AuthorID:  authorID,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Key 是去重标识：author + timestamp + type + 锚点。
// 外部传输是 at-least-once 语义，同一操作可能被重复投递，
// 会话用这个 key 在操作历史里判断“已应用过，跳过”。
func (o Operation) Key() string {
	return fmt.Sprintf("%d@%d:%s@%d.%d", o.AuthorID, o.Timestamp, o.Type, o.Line, o.Column)
}

// IsEdit 返回该操作是否会改动文档内容。
// 光标/选区更新不进 classify→apply 流水线，也不进操作历史。
func (o Operation) IsEdit() bool {
	switch o.Type {
	case TypeInsert, TypeDelete, TypeReplace:
		return true
	}
	return false
}
