package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"collabEngine/backend/internal/op"
)

var (
	ErrSessionFull     = errors.New("SESSION_FULL")
	ErrSessionNotFound = errors.New("SESSION_NOT_FOUND")
	ErrAlreadyActive   = errors.New("SESSION_ALREADY_ACTIVE")
)

// DefaultCapacity 单文档并发协作上限。
const DefaultCapacity = 10

// Publisher 把本地产生的事件交给广播网关（外部 pub/sub 的适配器）。
// 只声明，不实现；具体实现在 gateway 包。
type Publisher interface {
	PublishOperation(ctx context.Context, docID string, o op.Operation) error
	PublishCursor(ctx context.Context, docID string, userID uint64, cur CursorPosition) error
	PublishSelection(ctx context.Context, docID string, userID uint64, sel TextSelection) error
	PublishRoster(ctx context.Context, docID string, members []CollaboratorInfo) error
}

// Subscriber 为一个文档建立入站订阅，句柄在会话拆除时取消。
type Subscriber interface {
	Subscribe(docID string) (Subscription, error)
}

// Snapshot 是持久层里一个文档最后已知的状态。
type Snapshot struct {
	Title         string
	OwnerID       uint64
	Content       string
	LastTimestamp int64
}

// ErrNoSnapshot 持久层没有该文档的快照。
var ErrNoSnapshot = errors.New("NO_SNAPSHOT")

// SnapshotStore 持久层快照接口：join 时没有内存会话就从这里重建。
type SnapshotStore interface {
	LoadDocumentSnapshot(ctx context.Context, docID string) (Snapshot, error)
	SaveDocumentSnapshot(ctx context.Context, docID string, lastTimestamp int64, content string) error
}

// ActivitySink 接收 join/leave 记录，投递归下游（邮件/推送/审计）。
type ActivitySink interface {
	Record(ctx context.Context, entries []ActivityLogEntry) error
}

// Listener 是暴露给编辑面的订阅口：文档更新、成员变化、光标/选区快照。
// 渲染是 widget 的事，这里只推数据。
type Listener interface {
	OnDocumentUpdate(docID string, state op.DocumentState)
	OnRosterUpdate(docID string, members []CollaboratorInfo)
	OnCursorUpdate(docID string, userID uint64, cur CursorPosition)
	OnSelectionUpdate(docID string, userID uint64, sel TextSelection)
	// 越界操作被降级成 no-op 时给作者的提示（不会中断任何人）
	OnOperationRejected(docID string, o op.Operation)
}

type RegistryOptions struct {
	Capacity  int // 默认 10
	QueueSize int // 默认 1024
}

// Registry 持有进程内全部 CollaborationSession，是唯一的会话工厂和
// 唯一的拆除路径。进程启动时构造一次，显式注入给所有使用方——
// 不做包级单例。
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*CollaborationSession

	capacity  int
	queue     *OperationQueue
	publisher Publisher
	subs      Subscriber
	snapshots SnapshotStore
	activity  ActivitySink

	listenerMu sync.RWMutex
	listeners  []Listener

	// 同一文档并发 join 时快照只加载一次
	restoreGroup singleflight.Group

	closed bool
}

// NewRegistry 的依赖都允许为 nil（测试或裁剪部署时），nil 的口子直接跳过。
func NewRegistry(pub Publisher, subs Subscriber, snapshots SnapshotStore, activity ActivitySink, opt RegistryOptions) *Registry {
	capacity := opt.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	r := &Registry{
		sessions:  make(map[string]*CollaborationSession),
		capacity:  capacity,
		publisher: pub,
		subs:      subs,
		snapshots: snapshots,
		activity:  activity,
	}
	r.queue = NewOperationQueue(opt.QueueSize, r.processLocal)
	return r
}

func (r *Registry) AddListener(l Listener) {
	r.listenerMu.Lock()
	defer r.listenerMu.Unlock()
	r.listeners = append(r.listeners, l)
}

func (r *Registry) eachListener(fn func(Listener)) {
	r.listenerMu.RLock()
	ls := r.listeners
	r.listenerMu.RUnlock()
	for _, l := range ls {
		fn(l)
	}
}

// StartSession 为一个新文档建会话，调用者成为 owner。
// 已存在同 docID 的会话说明内部不变量被打破（正确使用下 start 只会来一次），
// 返回 ErrAlreadyActive。
func (r *Registry) StartSession(ctx context.Context, docID, title string, ownerID uint64, ownerName string, role Role) (*CollaborationSession, error) {
	r.mu.Lock()
	if _, exists := r.sessions[docID]; exists {
		r.mu.Unlock()
		return nil, ErrAlreadyActive
	}
	sess := newCollaborationSession(docID, title, ownerID, op.NewDocumentState(""))
	r.sessions[docID] = sess
	r.mu.Unlock()

	r.subscribe(sess)
	sess.addCollaborator(ownerID, ownerName, role, time.Now())
	r.afterMembershipChange(ctx, sess)
	return sess, nil
}

// JoinSession 加入已有会话；没有内存会话时尝试从快照重建
// （join-without-prior-start 路径），重建也失败才是 ErrSessionNotFound。
func (r *Registry) JoinSession(ctx context.Context, docID string, userID uint64, username string, role Role) (*CollaborationSession, error) {
	sess, err := r.getOrRestore(ctx, docID)
	if err != nil {
		return nil, err
	}

	added, err := sess.join(userID, username, role, time.Now(), r.capacity)
	if err != nil {
		return nil, err
	}
	if added {
		r.afterMembershipChange(ctx, sess)
	}
	return sess, nil
}

func (r *Registry) getOrRestore(ctx context.Context, docID string) (*CollaborationSession, error) {
	r.mu.RLock()
	sess := r.sessions[docID]
	r.mu.RUnlock()
	if sess != nil {
		return sess, nil
	}

	v, err, _ := r.restoreGroup.Do(docID, func() (any, error) {
		// double check：singleflight 排队期间可能已经有人建好了
		r.mu.RLock()
		existing := r.sessions[docID]
		r.mu.RUnlock()
		if existing != nil {
			return existing, nil
		}
		if r.snapshots == nil {
			return nil, ErrSessionNotFound
		}
		snap, err := r.snapshots.LoadDocumentSnapshot(ctx, docID)
		if err != nil {
			if errors.Is(err, ErrNoSnapshot) {
				return nil, ErrSessionNotFound
			}
			return nil, err
		}
		state := op.NewDocumentState(snap.Content)
		state.LastTimestamp = snap.LastTimestamp
		restored := newCollaborationSession(docID, snap.Title, snap.OwnerID, state)

		r.mu.Lock()
		r.sessions[docID] = restored
		r.mu.Unlock()
		r.subscribe(restored)
		return restored, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*CollaborationSession), nil
}

func (r *Registry) subscribe(sess *CollaborationSession) {
	if r.subs == nil {
		return
	}
	sub, err := r.subs.Subscribe(sess.DocID)
	if err != nil {
		// 订阅失败不挡会话创建：本地编辑还能继续，远端事件丢失由重连追平兜底
		log.Printf("subscribe failed doc=%s err=%v", sess.DocID, err)
		return
	}
	sess.addSubscription(sub)
}

// LeaveSession 把用户移出会话；成员清空时取消订阅并删掉会话条目——
// 这是唯一释放 CollaborationSession 的路径。幂等：不在会话里返回 false。
func (r *Registry) LeaveSession(ctx context.Context, docID string, userID uint64) bool {
	r.mu.RLock()
	sess := r.sessions[docID]
	r.mu.RUnlock()
	if sess == nil {
		return false
	}

	removed := sess.removeCollaborator(userID, "leave", time.Now())
	if !removed {
		return false
	}
	r.afterMembershipChange(ctx, sess)

	if sess.collaboratorCount() == 0 {
		r.teardown(ctx, sess)
	}
	return true
}

func (r *Registry) teardown(ctx context.Context, sess *CollaborationSession) {
	r.mu.Lock()
	// 已经被别的路径删掉就不重复拆
	if r.sessions[sess.DocID] != sess {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, sess.DocID)
	r.mu.Unlock()

	sess.cancelSubscriptions()

	// 拆除前落一次快照，下次 join 才能重建
	if r.snapshots != nil {
		state := sess.Snapshot()
		if err := r.snapshots.SaveDocumentSnapshot(ctx, sess.DocID, state.LastTimestamp, state.Content()); err != nil {
			log.Printf("save snapshot on teardown failed doc=%s err=%v", sess.DocID, err)
		}
	}
}

func (r *Registry) afterMembershipChange(ctx context.Context, sess *CollaborationSession) {
	members := sess.Roster()
	if r.publisher != nil {
		if err := r.publisher.PublishRoster(ctx, sess.DocID, members); err != nil {
			log.Printf("publish roster failed doc=%s err=%v", sess.DocID, err)
		}
	}
	r.eachListener(func(l Listener) { l.OnRosterUpdate(sess.DocID, members) })

	if r.activity != nil {
		if entries := sess.drainActivity(); len(entries) > 0 {
			if err := r.activity.Record(ctx, entries); err != nil {
				log.Printf("record activity failed doc=%s err=%v", sess.DocID, err)
			}
		}
	}
}

// SubmitLocal 把编辑面产生的操作放进本地队列，立刻返回（fire-and-forget）。
// 应用和发布由队列的单 worker 按 FIFO 完成。
func (r *Registry) SubmitLocal(ctx context.Context, docID string, o op.Operation) error {
	return r.queue.Enqueue(ctx, docID, o)
}

// processLocal 是队列 worker 的回调：本地操作的 classify→apply→publish。
func (r *Registry) processLocal(docID string, o op.Operation) {
	r.mu.RLock()
	sess := r.sessions[docID]
	r.mu.RUnlock()
	if sess == nil {
		// 入队之后会话被拆掉了，只能丢
		log.Printf("drop queued op: session gone doc=%s author=%d", docID, o.AuthorID)
		return
	}

	res := sess.applyOperation(o)
	sess.touch(o.AuthorID, time.Now())
	if res.Duplicate {
		return
	}
	if res.Classification.Code == op.ConflictDetected {
		log.Printf("conflict doc=%s author=%d reason=%s (applied last-applied-wins)",
			docID, o.AuthorID, res.Classification.Reason)
	}

	if res.Applied {
		r.eachListener(func(l Listener) { l.OnDocumentUpdate(docID, res.State) })
	} else {
		r.eachListener(func(l Listener) { l.OnOperationRejected(docID, o) })
	}

	// 发布失败不在这里重试：网关 dispatcher 自己有有界重试，
	// 彻底失败就按文档化语义丢弃并打日志
	if r.publisher != nil {
		if err := r.publisher.PublishOperation(context.Background(), docID, o); err != nil {
			log.Printf("publish op failed doc=%s author=%d err=%v", docID, o.AuthorID, err)
		}
	}
}

// RemoteEvent 是网关解码后的入站事件。
type RemoteEvent struct {
	DocID     string
	Kind      string // "op" / "cursor" / "selection" / "roster"
	Op        *op.Operation
	UserID    uint64
	Cursor    *CursorPosition
	Selection *TextSelection
	Members   []CollaboratorInfo
}

// HandleRemoteEvent 由网关在收到远端事件时调用（回声已在网关被抑制）。
// 操作事件走和本地一样的 classify→apply 临界区；光标/选区直接覆盖。
// 远端事件永远不会被再次发布出去。
func (r *Registry) HandleRemoteEvent(evt RemoteEvent) {
	r.mu.RLock()
	sess := r.sessions[evt.DocID]
	r.mu.RUnlock()
	if sess == nil {
		return
	}

	switch evt.Kind {
	case "op":
		if evt.Op == nil || !evt.Op.IsEdit() {
			return
		}
		res := sess.applyOperation(*evt.Op)
		sess.touch(evt.Op.AuthorID, time.Now())
		if res.Duplicate || !res.Applied {
			return
		}
		r.eachListener(func(l Listener) { l.OnDocumentUpdate(evt.DocID, res.State) })

	case "cursor":
		if evt.Cursor == nil {
			return
		}
		sess.setCursor(evt.UserID, *evt.Cursor)
		sess.touch(evt.UserID, time.Now())
		r.eachListener(func(l Listener) { l.OnCursorUpdate(evt.DocID, evt.UserID, *evt.Cursor) })

	case "selection":
		if evt.Selection == nil {
			return
		}
		sess.setSelection(evt.UserID, *evt.Selection)
		sess.touch(evt.UserID, time.Now())
		r.eachListener(func(l Listener) { l.OnSelectionUpdate(evt.DocID, evt.UserID, *evt.Selection) })

	case "roster":
		// 远端 roster 只刷新活跃时间，成员增删以本地 join/leave 为准
		now := time.Now()
		for _, m := range evt.Members {
			sess.touch(m.UserID, now)
		}
		r.eachListener(func(l Listener) { l.OnRosterUpdate(evt.DocID, evt.Members) })
	}
}

// UpdateCursor 无条件覆盖该用户的光标并转发给网关，没有任何顺序/冲突检查。
func (r *Registry) UpdateCursor(ctx context.Context, docID string, userID uint64, line, column int) error {
	r.mu.RLock()
	sess := r.sessions[docID]
	r.mu.RUnlock()
	if sess == nil {
		return ErrSessionNotFound
	}
	cur := CursorPosition{Line: line, Column: column, UpdatedAt: time.Now().UnixMilli()}
	sess.setCursor(userID, cur)
	sess.touch(userID, time.Now())
	r.eachListener(func(l Listener) { l.OnCursorUpdate(docID, userID, cur) })
	if r.publisher != nil {
		if err := r.publisher.PublishCursor(ctx, docID, userID, cur); err != nil {
			log.Printf("publish cursor failed doc=%s user=%d err=%v", docID, userID, err)
		}
	}
	return nil
}

func (r *Registry) UpdateSelection(ctx context.Context, docID string, userID uint64, startLine, startColumn, endLine, endColumn int) error {
	r.mu.RLock()
	sess := r.sessions[docID]
	r.mu.RUnlock()
	if sess == nil {
		return ErrSessionNotFound
	}
	sel := TextSelection{
		StartLine: startLine, StartColumn: startColumn,
		EndLine: endLine, EndColumn: endColumn,
		UpdatedAt: time.Now().UnixMilli(),
	}
	sess.setSelection(userID, sel)
	sess.touch(userID, time.Now())
	r.eachListener(func(l Listener) { l.OnSelectionUpdate(docID, userID, sel) })
	if r.publisher != nil {
		if err := r.publisher.PublishSelection(ctx, docID, userID, sel); err != nil {
			log.Printf("publish selection failed doc=%s user=%d err=%v", docID, userID, err)
		}
	}
	return nil
}

// Touch 显式刷新某用户的 LastSeen（编辑面的心跳消息走这里）。
func (r *Registry) Touch(docID string, userID uint64) {
	r.mu.RLock()
	sess := r.sessions[docID]
	r.mu.RUnlock()
	if sess != nil {
		sess.touch(userID, time.Now())
	}
}

// Session 返回某文档的会话（只读用途）。
func (r *Registry) Session(docID string) (*CollaborationSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[docID]
	return sess, ok
}

func (r *Registry) Sessions() []*CollaborationSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*CollaborationSession, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	return out
}

// ActiveCollaborators 只返回 Online 的成员。
func (r *Registry) ActiveCollaborators(docID string) []CollaboratorInfo {
	r.mu.RLock()
	sess := r.sessions[docID]
	r.mu.RUnlock()
	if sess == nil {
		return nil
	}
	return sess.ActiveRoster()
}

// CanEdit 当且仅当用户在会话里且角色是 owner/editor。
func (r *Registry) CanEdit(docID string, userID uint64) bool {
	r.mu.RLock()
	sess := r.sessions[docID]
	r.mu.RUnlock()
	if sess == nil {
		return false
	}
	c, ok := sess.collaborator(userID)
	return ok && c.Role.CanEdit()
}

// SaveSnapshot 按需落盘当前文档状态（对应编辑面的“保存”动作）。
func (r *Registry) SaveSnapshot(ctx context.Context, docID string) error {
	if r.snapshots == nil {
		return errors.New("snapshot store not initialized")
	}
	r.mu.RLock()
	sess := r.sessions[docID]
	r.mu.RUnlock()
	if sess == nil {
		return ErrSessionNotFound
	}
	state := sess.Snapshot()
	return r.snapshots.SaveDocumentSnapshot(ctx, docID, state.LastTimestamp, state.Content())
}

// Close 停掉队列 worker、取消所有订阅。队列里还没发布的操作按文档化
// 语义作废，调用方不应指望硬停机时它们会被冲洗出去。
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	sessions := make([]*CollaborationSession, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.sessions = make(map[string]*CollaborationSession)
	r.mu.Unlock()

	r.queue.Close()
	for _, sess := range sessions {
		sess.cancelSubscriptions()
	}
}
