package gateway

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/IBM/sarama"
)

// Dispatcher：本地有界队列 + worker 异步发送 + 有限重试。
// 目标：
// - 不阻塞提交流程（Enqueue 只负责入队）
// - Kafka 短暂阻塞时靠队列吸收，后台慢慢补发
// - 队列满/重试耗尽时允许降级（丢弃 + 日志），避免内存无限增长
type Dispatcher struct {
	producer sarama.SyncProducer
	topic    string

	queue chan CollabEvent

	// sem 限制并发的 SendMessage 数量
	sendSem *SemaphoreControl

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	closed chan struct{}
}

type DispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func NewDispatcher(producer sarama.SyncProducer, topic string, sem *SemaphoreControl, opt DispatcherOptions) *Dispatcher {
	if opt.QueueSize <= 0 {
		opt.QueueSize = 10_000
	}
	if opt.Workers <= 0 {
		opt.Workers = 4
	}
	d := &Dispatcher{
		producer:    producer,
		topic:       topic,
		queue:       make(chan CollabEvent, opt.QueueSize),
		sendSem:     sem,
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
		closed:      make(chan struct{}),
	}
	d.start()
	return d
}

// Enqueue 把事件放入本地队列。
// 队列满时最多等到 ctx 超时；传输不要求每个事件都必达，超时就交给上层报错。
func (d *Dispatcher) Enqueue(ctx context.Context, evt CollabEvent) error {
	select {
	case d.queue <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) start() {
	for i := 0; i < d.workers; i++ {
		go d.workerLoop(i)
	}
}

func (d *Dispatcher) Close() {
	select {
	case <-d.closed:
	default:
		close(d.closed)
	}
}

func (d *Dispatcher) workerLoop(workerID int) {
	for {
		select {
		case evt := <-d.queue:
			d.sendWithRetry(workerID, evt)
		case <-d.closed:
			return
		}
	}
}

func (d *Dispatcher) sendWithRetry(workerID int, evt CollabEvent) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		if d.sendSem != nil {
			// worker 允许一直等（不在主链路上）
			_ = d.sendSem.Acquire(context.Background())
		}

		err := d.sendOnce(evt)

		if d.sendSem != nil {
			_ = d.sendSem.Release()
		}

		if err == nil {
			return
		}

		if attempt == d.maxRetry {
			log.Printf("kafka send failed, drop event doc=%s type=%s worker=%d err=%v",
				evt.DocID, evt.EventType, workerID, err)
			return
		}

		// 指数退避
		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *Dispatcher) sendOnce(evt CollabEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.DocID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
