package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"collabEngine/backend/internal/op"
	"collabEngine/backend/internal/session"
)

// ErrTransportUnavailable 发布入队失败（队列满且等待超时）。
// 不在内部自动重试，操作是否重发由调用方决定。
var ErrTransportUnavailable = errors.New("TRANSPORT_UNAVAILABLE")

// Receiver 接收解码后的远端事件，由 session.Registry 实现。
type Receiver interface {
	HandleRemoteEvent(evt session.RemoteEvent)
}

// ReceiverFunc 让普通函数充当 Receiver，
// 方便在装配时打破 Gateway 和 Registry 的相互引用。
type ReceiverFunc func(evt session.RemoteEvent)

func (f ReceiverFunc) HandleRemoteEvent(evt session.RemoteEvent) { f(evt) }

// Gateway 是核心与外部 pub/sub 之间的边界适配器：
// 出站走 Dispatcher（有界队列 + worker 重试），入站从 consumer group
// 解码后回灌 Registry。订阅粒度是 docID：没有活跃订阅的文档的事件直接丢。
type Gateway struct {
	origin     string
	dispatcher *Dispatcher
	receiver   Receiver

	mu        sync.RWMutex
	interests map[string]int // docID -> 引用计数

	enqueueTimeout time.Duration
}

func NewGateway(origin string, dispatcher *Dispatcher, receiver Receiver) *Gateway {
	return &Gateway{
		origin:         origin,
		dispatcher:     dispatcher,
		receiver:       receiver,
		interests:      make(map[string]int),
		enqueueTimeout: 200 * time.Millisecond,
	}
}

// ---- session.Publisher ----

func (g *Gateway) PublishOperation(ctx context.Context, docID string, o op.Operation) error {
	return g.enqueue(ctx, CollabEvent{
		EventType: EventOpApplied, DocID: docID, Origin: g.origin,
		Op: &o, UserID: o.AuthorID, PublishedAt: time.Now(),
	})
}

func (g *Gateway) PublishCursor(ctx context.Context, docID string, userID uint64, cur session.CursorPosition) error {
	return g.enqueue(ctx, CollabEvent{
		EventType: EventCursor, DocID: docID, Origin: g.origin,
		UserID: userID, Cursor: &cur, PublishedAt: time.Now(),
	})
}

func (g *Gateway) PublishSelection(ctx context.Context, docID string, userID uint64, sel session.TextSelection) error {
	return g.enqueue(ctx, CollabEvent{
		EventType: EventSelection, DocID: docID, Origin: g.origin,
		UserID: userID, Selection: &sel, PublishedAt: time.Now(),
	})
}

func (g *Gateway) PublishRoster(ctx context.Context, docID string, members []session.CollaboratorInfo) error {
	return g.enqueue(ctx, CollabEvent{
		EventType: EventRoster, DocID: docID, Origin: g.origin,
		Members: members, PublishedAt: time.Now(),
	})
}

func (g *Gateway) enqueue(ctx context.Context, evt CollabEvent) error {
	if g.dispatcher == nil {
		return nil
	}
	// 调用方大多是 fire-and-forget，没带截止时间就给一个短的，
	// 不能让编辑路径挂在满队列上
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.enqueueTimeout)
		defer cancel()
	}
	if err := g.dispatcher.Enqueue(ctx, evt); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	return nil
}

// ---- session.Subscriber ----

type docSubscription struct {
	g     *Gateway
	docID string
	once  sync.Once
}

func (s *docSubscription) Cancel() error {
	s.once.Do(func() {
		s.g.mu.Lock()
		defer s.g.mu.Unlock()
		if n := s.g.interests[s.docID]; n <= 1 {
			delete(s.g.interests, s.docID)
		} else {
			s.g.interests[s.docID] = n - 1
		}
	})
	return nil
}

// Subscribe 声明对一个文档的入站兴趣；consumer 收到的事件只有
// 带活跃订阅的 docID 才会被转发。取消是幂等的。
func (g *Gateway) Subscribe(docID string) (session.Subscription, error) {
	g.mu.Lock()
	g.interests[docID]++
	g.mu.Unlock()
	return &docSubscription{g: g, docID: docID}, nil
}

func (g *Gateway) subscribed(docID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.interests[docID] > 0
}

// ---- 入站 ----

// handleMessage 处理一条来自传输的原始消息。
// 解不开的消息只打日志——一条畸形消息不能卡死消费循环。
func (g *Gateway) handleMessage(b []byte) {
	var evt CollabEvent
	if err := json.Unmarshal(b, &evt); err != nil {
		log.Printf("drop undecodable event err=%v", err)
		return
	}
	// 回声抑制：自己发布的事件绝不回灌本地流水线
	if evt.Origin == g.origin {
		return
	}
	if !g.subscribed(evt.DocID) {
		return
	}

	remote := session.RemoteEvent{DocID: evt.DocID, UserID: evt.UserID}
	switch evt.EventType {
	case EventOpApplied:
		remote.Kind = "op"
		remote.Op = evt.Op
	case EventCursor:
		remote.Kind = "cursor"
		remote.Cursor = evt.Cursor
	case EventSelection:
		remote.Kind = "selection"
		remote.Selection = evt.Selection
	case EventRoster:
		remote.Kind = "roster"
		remote.Members = evt.Members
	default:
		return
	}
	g.receiver.HandleRemoteEvent(remote)
}

type consumerHandler struct {
	g *Gateway
}

func (consumerHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (consumerHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h consumerHandler) ConsumeClaim(cgs sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	// 分区内有序 + 按 docID 分区 ⇒ 单文档事件按发布顺序到达
	for msg := range claim.Messages() {
		h.g.handleMessage(msg.Value)
		cgs.MarkMessage(msg, "")
	}
	return nil
}

// RunConsumer 驱动 consumer group，直到 ctx 结束。rebalance 后 Consume
// 会返回，所以要在循环里反复调。
func (g *Gateway) RunConsumer(ctx context.Context, cg sarama.ConsumerGroup, topic string) error {
	handler := consumerHandler{g: g}
	for {
		if err := cg.Consume(ctx, []string{topic}, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			log.Printf("consumer error: %v", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}
