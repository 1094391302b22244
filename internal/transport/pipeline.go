// =============================================================================
// 文件: internal/transport/pipeline.go
// 描述: 多生产者单消费者无界管道 - 串行化每个连接的发送与投递
// =============================================================================
package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
)

// Pipeline 无界 MPSC 管道
//
// Enqueue 从不阻塞，过载时队列无限增长。每个管道只允许一个 Run 消费者。
type Pipeline[T any] struct {
	mu     sync.Mutex
	items  *queue.Queue
	notify chan struct{}
	closed bool

	enqueued  uint64
	processed uint64
}

// NewPipeline 创建管道
func NewPipeline[T any]() *Pipeline[T] {
	return &Pipeline[T]{
		items:  queue.New(),
		notify: make(chan struct{}, 1),
	}
}

// Enqueue 入队
func (p *Pipeline[T]) Enqueue(item T) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPipelineClosed
	}
	p.items.Add(item)
	atomic.AddUint64(&p.enqueued, 1)

	select {
	case p.notify <- struct{}{}:
	default:
	}
	return nil
}

func (p *Pipeline[T]) dequeue() (item T, ok bool, closed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.items.Length() == 0 {
		return item, false, p.closed
	}
	return p.items.Remove().(T), true, p.closed
}

// Run 消费循环，ctx 取消或管道关闭且为空时返回
func (p *Pipeline[T]) Run(ctx context.Context, handle func(T)) {
	for {
		if ctx.Err() != nil {
			return
		}

		item, ok, closed := p.dequeue()
		if ok {
			handle(item)
			atomic.AddUint64(&p.processed, 1)
			continue
		}
		if closed {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-p.notify:
		}
	}
}

// Seal 停止接收新元素，已入队的元素仍由 Run 消费完后返回
func (p *Pipeline[T]) Seal() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.notify)
	}
}

// Close 关闭管道，剩余元素交给 release 处理
//
// 调用方需先等待消费者退出，否则剩余元素可能同时被消费与释放。
func (p *Pipeline[T]) Close(release func(T)) {
	p.Seal()

	p.mu.Lock()
	var rest []T
	for p.items.Length() > 0 {
		rest = append(rest, p.items.Remove().(T))
	}
	p.mu.Unlock()

	if release == nil {
		return
	}
	for _, item := range rest {
		release(item)
	}
}

// Len 队列长度
func (p *Pipeline[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.items.Length()
}

// Stats 入队与处理计数
func (p *Pipeline[T]) Stats() (enqueued, processed uint64) {
	return atomic.LoadUint64(&p.enqueued), atomic.LoadUint64(&p.processed)
}
