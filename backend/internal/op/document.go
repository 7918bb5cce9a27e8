package op

import "strings"

// DocumentState 是按行组织的文本缓冲 + 最近一次应用操作的时间戳。
// 每次成功应用都返回一个新的 DocumentState（替换而不是原地改），
// 这样对端不一致时回退/重放会简单很多。
type DocumentState struct {
	Lines         []string
	LastTimestamp int64
}

// NewDocumentState 从整段文本构造状态。空文档也保留一个空行，
// 保证 line=0 的插入永远有落点。
func NewDocumentState(content string) DocumentState {
	return DocumentState{Lines: strings.Split(content, "\n")}
}

func (s DocumentState) Content() string {
	return strings.Join(s.Lines, "\n")
}

// Apply 把一个操作应用到状态上，返回新状态和“是否实际应用”。
//
// 越界策略（刻意的取舍）：目标行越界、删除列越界，都降级为 no-op 而不是报错。
// 远端协作者发来一条畸形消息时，本地会话必须继续活着，不能被它永久卡死。
// no-op 时返回原状态不盖时间戳，applied=false，由上层决定要不要提示作者。
func Apply(state DocumentState, o Operation) (DocumentState, bool) {
	switch o.Type {
	case TypeInsert:
		return applyInsert(state, o)
	case TypeDelete:
		return applyDelete(state, o)
	case TypeReplace:
		// replace = 同一锚点上先删后插
		next, deleted := applyDelete(state, o)
		next2, inserted := applyInsert(next, o)
		return next2, deleted || inserted
	}
	// 光标/选区不改内容
	return state, false
}

func applyInsert(state DocumentState, o Operation) (DocumentState, bool) {
	if o.Line < 0 || o.Line >= len(state.Lines) {
		return state, false
	}
	line := []rune(state.Lines[o.Line])
	col := clamp(o.Column, 0, len(line))

	var b strings.Builder
	b.WriteString(string(line[:col]))
	b.WriteString(o.Text)
	b.WriteString(string(line[col:]))

	next := cloneLines(state.Lines)
	next[o.Line] = b.String()
	return DocumentState{Lines: next, LastTimestamp: o.Timestamp}, true
}

func applyDelete(state DocumentState, o Operation) (DocumentState, bool) {
	if o.Line < 0 || o.Line >= len(state.Lines) {
		return state, false
	}
	line := []rune(state.Lines[o.Line])
	// 删除的列越界 ⇒ no-op（和插入不同，这里不做 clamp）
	if o.Column < 0 || o.Column > len(line) {
		return state, false
	}
	n := o.Length
	if remain := len(line) - o.Column; n > remain {
		n = remain
	}
	if n <= 0 {
		return state, false
	}

	next := cloneLines(state.Lines)
	next[o.Line] = string(line[:o.Column]) + string(line[o.Column+n:])
	return DocumentState{Lines: next, LastTimestamp: o.Timestamp}, true
}

func cloneLines(lines []string) []string {
	next := make([]string, len(lines))
	copy(next, lines)
	return next
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
