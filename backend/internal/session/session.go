package session

import (
	"sync"
	"time"

	"collabEngine/backend/internal/op"
)

// Subscription 是一个外部传输订阅句柄，会话被拆除时统一取消。
type Subscription interface {
	Cancel() error
}

// CollaborationSession 是一个打开文档的活体：文档状态、操作历史、
// 成员表、光标/选区表和传输订阅句柄。进程内同一 docID 最多一个实例，
// 生命周期完全归 Registry 管。
type CollaborationSession struct {
	DocID   string
	Title   string
	OwnerID uint64

	// mu 保护 classify→apply 临界区和操作历史。
	// 同一文档的两个操作绝不并发应用；不同文档互不相干。
	mu          sync.Mutex
	state       op.DocumentState
	history     []op.Operation
	appliedKeys map[string]struct{}

	collabMu      sync.RWMutex
	collaborators map[uint64]*CollaboratorInfo
	activity      []ActivityLogEntry

	// 光标/选区走独立的 last-write-wins 表，不进上面的串行化临界区
	cursors    sync.Map // uint64 -> CursorPosition
	selections sync.Map // uint64 -> TextSelection

	subs []Subscription
}

func newCollaborationSession(docID, title string, ownerID uint64, state op.DocumentState) *CollaborationSession {
	return &CollaborationSession{
		DocID:         docID,
		Title:         title,
		OwnerID:       ownerID,
		state:         state,
		appliedKeys:   make(map[string]struct{}),
		collaborators: make(map[uint64]*CollaboratorInfo),
	}
}

// ApplyResult 是一次 classify→apply 的结果，喂给监听方和广播网关。
type ApplyResult struct {
	State          op.DocumentState
	Classification op.Classification
	Applied        bool // false ⇒ 越界降级成了 no-op，或者是重复投递被跳过
	Duplicate      bool
}

// applyOperation 在会话锁内执行 classify→apply。
// 重复投递（at-least-once）靠 appliedKeys 挡掉；乱序操作按 last-applied-wins
// 继续应用到当前状态——冲突只影响上报，不影响准入。
func (s *CollaborationSession) applyOperation(o op.Operation) ApplyResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, seen := s.appliedKeys[o.Key()]; seen {
		return ApplyResult{State: s.state, Classification: op.Classification{Code: op.NoConflict}, Duplicate: true}
	}

	var last *op.Operation
	if n := len(s.history); n > 0 {
		last = &s.history[n-1]
	}
	cls := op.Classify(last, o)

	next, applied := op.Apply(s.state, o)
	s.state = next
	if applied {
		// 只有真正改了内容的操作才进历史和去重索引
		s.history = append(s.history, o)
		s.appliedKeys[o.Key()] = struct{}{}
	}
	return ApplyResult{State: next, Classification: cls, Applied: applied}
}

// Snapshot 返回当前文档状态的副本（DocumentState 本身是值语义）。
func (s *CollaborationSession) Snapshot() op.DocumentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OpsSince 返回时间戳晚于 fromTimestamp 的已应用操作，用于重连追平。
func (s *CollaborationSession) OpsSince(fromTimestamp int64, limit int) []op.Operation {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []op.Operation
	for _, o := range s.history {
		if o.Timestamp > fromTimestamp {
			out = append(out, o)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out
}

// join 在同一个 collabMu 临界区内完成幂等检查、容量检查和插入。
// 检查和插入必须原子：拆开的话两个并发 join 会同时读到 cap-1 然后都插进来。
// 返回 added=false 表示该用户已在会话里（幂等，只刷新活跃时间）。
func (s *CollaborationSession) join(userID uint64, username string, role Role, now time.Time, capacity int) (added bool, err error) {
	s.collabMu.Lock()
	defer s.collabMu.Unlock()
	if c, ok := s.collaborators[userID]; ok {
		// 重复 join 是幂等的：只刷新活跃时间
		c.LastSeen = now
		c.Online = true
		return false, nil
	}
	if capacity > 0 && len(s.collaborators) >= capacity {
		return false, ErrSessionFull
	}
	s.collaborators[userID] = &CollaboratorInfo{
		UserID:   userID,
		Username: username,
		Role:     role,
		JoinedAt: now,
		LastSeen: now,
		Online:   true,
	}
	s.activity = append(s.activity, ActivityLogEntry{
		DocID: s.DocID, UserID: userID, Username: username, Action: "join", At: now,
	})
	return true, nil
}

func (s *CollaborationSession) addCollaborator(userID uint64, username string, role Role, now time.Time) {
	// capacity 0 = 不限制（start 路径，owner 永远进得来）
	_, _ = s.join(userID, username, role, now, 0)
}

func (s *CollaborationSession) removeCollaborator(userID uint64, action string, now time.Time) bool {
	s.collabMu.Lock()
	c, ok := s.collaborators[userID]
	if ok {
		delete(s.collaborators, userID)
		s.activity = append(s.activity, ActivityLogEntry{
			DocID: s.DocID, UserID: userID, Username: c.Username, Action: action, At: now,
		})
	}
	s.collabMu.Unlock()
	if ok {
		// 短命状态跟着人一起走
		s.cursors.Delete(userID)
		s.selections.Delete(userID)
	}
	return ok
}

func (s *CollaborationSession) collaborator(userID uint64) (CollaboratorInfo, bool) {
	s.collabMu.RLock()
	defer s.collabMu.RUnlock()
	c, ok := s.collaborators[userID]
	if !ok {
		return CollaboratorInfo{}, false
	}
	return *c, true
}

func (s *CollaborationSession) collaboratorCount() int {
	s.collabMu.RLock()
	defer s.collabMu.RUnlock()
	return len(s.collaborators)
}

// Roster 返回全部成员的副本；ActiveRoster 只要 Online 的。
func (s *CollaborationSession) Roster() []CollaboratorInfo {
	s.collabMu.RLock()
	defer s.collabMu.RUnlock()
	out := make([]CollaboratorInfo, 0, len(s.collaborators))
	for _, c := range s.collaborators {
		out = append(out, *c)
	}
	return out
}

func (s *CollaborationSession) ActiveRoster() []CollaboratorInfo {
	s.collabMu.RLock()
	defer s.collabMu.RUnlock()
	out := make([]CollaboratorInfo, 0, len(s.collaborators))
	for _, c := range s.collaborators {
		if c.Online {
			out = append(out, *c)
		}
	}
	return out
}

func (s *CollaborationSession) touch(userID uint64, now time.Time) {
	s.collabMu.Lock()
	defer s.collabMu.Unlock()
	if c, ok := s.collaborators[userID]; ok {
		c.LastSeen = now
		c.Online = true
	}
}

// backdateLastSeen 把某人的 LastSeen 改到指定时刻，心跳驱逐测试用。
func (s *CollaborationSession) backdateLastSeen(userID uint64, t time.Time) {
	s.collabMu.Lock()
	defer s.collabMu.Unlock()
	if c, ok := s.collaborators[userID]; ok {
		c.LastSeen = t
	}
}

// staleCollaborators 找出 now-LastSeen 超过阈值的成员。
func (s *CollaborationSession) staleCollaborators(now time.Time, threshold time.Duration) []uint64 {
	s.collabMu.RLock()
	defer s.collabMu.RUnlock()
	var out []uint64
	for id, c := range s.collaborators {
		if now.Sub(c.LastSeen) > threshold {
			out = append(out, id)
		}
	}
	return out
}

func (s *CollaborationSession) setCursor(userID uint64, cur CursorPosition) {
	s.cursors.Store(userID, cur)
}

func (s *CollaborationSession) setSelection(userID uint64, sel TextSelection) {
	s.selections.Store(userID, sel)
}

// Cursors 导出当前所有光标的快照，给渲染端用。
func (s *CollaborationSession) Cursors() map[uint64]CursorPosition {
	out := make(map[uint64]CursorPosition)
	s.cursors.Range(func(k, v any) bool {
		out[k.(uint64)] = v.(CursorPosition)
		return true
	})
	return out
}

func (s *CollaborationSession) Selections() map[uint64]TextSelection {
	out := make(map[uint64]TextSelection)
	s.selections.Range(func(k, v any) bool {
		out[k.(uint64)] = v.(TextSelection)
		return true
	})
	return out
}

func (s *CollaborationSession) addSubscription(sub Subscription) {
	if sub != nil {
		s.subs = append(s.subs, sub)
	}
}

func (s *CollaborationSession) cancelSubscriptions() {
	for _, sub := range s.subs {
		_ = sub.Cancel()
	}
	s.subs = nil
}

// drainActivity 取走并清空未投递的活动记录。
func (s *CollaborationSession) drainActivity() []ActivityLogEntry {
	s.collabMu.Lock()
	defer s.collabMu.Unlock()
	out := s.activity
	s.activity = nil
	return out
}
