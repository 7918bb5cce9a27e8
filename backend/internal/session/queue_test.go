package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"collabEngine/backend/internal/op"
)

func TestOperationQueue_EnqueueTimesOutWhenFull(t *testing.T) {
	block := make(chan struct{})
	q := NewOperationQueue(1, func(docID string, o op.Operation) {
		<-block
	})
	defer func() {
		close(block)
		q.Close()
	}()

	// 第一条被 worker 拿走堵住，第二条填满容量 1 的队列
	ctx := context.Background()
	if err := q.Enqueue(ctx, "d1", op.Operation{Type: op.TypeInsert}); err != nil {
		t.Fatalf("Enqueue(1) error = %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for {
		short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		err := q.Enqueue(short, "d1", op.Operation{Type: op.TypeInsert})
		cancel()
		if err == nil && time.Now().Before(deadline) {
			continue // worker 还没把第一条取走，再塞一次
		}
		if err == nil {
			t.Fatalf("Enqueue on full queue should time out")
		}
		if err != context.DeadlineExceeded {
			t.Fatalf("Enqueue error = %v, want %v", err, context.DeadlineExceeded)
		}
		break
	}
}

func TestOperationQueue_CloseWaitsForWorker(t *testing.T) {
	seen := 0
	q := NewOperationQueue(8, func(docID string, o op.Operation) {
		seen++
	})
	for i := 0; i < 5; i++ {
		if err := q.Enqueue(context.Background(), "d1", op.Operation{Type: op.TypeInsert}); err != nil {
			t.Fatalf("Enqueue(%d) error = %v", i, err)
		}
	}
	q.Close()
	if seen != 5 {
		t.Fatalf("drained %d ops, want 5", seen)
	}
}

func TestOperationQueue_EnqueueAfterCloseReturnsError(t *testing.T) {
	q := NewOperationQueue(8, func(docID string, o op.Operation) {})
	q.Close()

	// 关闭后的 Enqueue 只能拿到错误，绝不允许 panic
	err := q.Enqueue(context.Background(), "d1", op.Operation{Type: op.TypeInsert})
	if !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("Enqueue after Close error = %v, want %v", err, ErrQueueClosed)
	}
	q.Close() // 重复 Close 幂等
}
