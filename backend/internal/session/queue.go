package session

import (
	"context"
	"errors"
	"sync"

	"collabEngine/backend/internal/op"
)

// ErrQueueClosed 队列已经停止，操作没有入队。
var ErrQueueClosed = errors.New("QUEUE_CLOSED")

type queuedOp struct {
	docID string
	o     op.Operation
}

// OperationQueue：本地有界队列 + 单 worker 顺序消费。
// 编辑面只负责入队，永远不被下游（apply/Kafka）拖住；
// 单消费者保证本地产生的操作严格按提交顺序被应用和发布。
type OperationQueue struct {
	ch    chan queuedOp
	drain func(docID string, o op.Operation)

	startOnce sync.Once
	closeOnce sync.Once
	// 关闭用独立的信号通道，ch 永远不 close：
	// 停机后迟到的 Enqueue 只能拿到错误，不允许 panic 整个进程
	quit chan struct{}
	done chan struct{}
}

func NewOperationQueue(size int, drain func(docID string, o op.Operation)) *OperationQueue {
	if size <= 0 {
		size = 1024
	}
	q := &OperationQueue{
		ch:    make(chan queuedOp, size),
		drain: drain,
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	q.Start()
	return q
}

func (q *OperationQueue) Start() {
	q.startOnce.Do(func() {
		// 只开一个 worker：FIFO 顺序就是靠它保证的，不能加并发
		go q.workerLoop()
	})
}

func (q *OperationQueue) workerLoop() {
	defer close(q.done)
	for {
		select {
		case item := <-q.ch:
			q.drain(item.docID, item.o)
		case <-q.quit:
			// 把已经入队的消费完再退
			for {
				select {
				case item := <-q.ch:
					q.drain(item.docID, item.o)
				default:
					return
				}
			}
		}
	}
}

// Enqueue 把操作放进队列。队列满时最多等到 ctx 超时；
// 超时返回错误，由调用方决定重试还是放弃。关闭后返回 ErrQueueClosed。
func (q *OperationQueue) Enqueue(ctx context.Context, docID string, o op.Operation) error {
	select {
	case <-q.quit:
		return ErrQueueClosed
	default:
	}
	select {
	case q.ch <- queuedOp{docID: docID, o: o}:
		return nil
	case <-q.quit:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 通知 worker 退出并等它结束。和关闭同时在飞的 Enqueue
// 可能把操作留在队列里不被消费——硬停机不冲洗队列，
// 这是文档化的限制，不是悄悄吞掉。
func (q *OperationQueue) Close() {
	q.closeOnce.Do(func() {
		close(q.quit)
		<-q.done
	})
}
