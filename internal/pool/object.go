// =============================================================================
// 文件: internal/pool/object.go
// 描述: 泛型对象池 - LIFO 栈 + 工厂函数，支持上限与关闭
// =============================================================================
package pool

import (
	"sync"
)

// ObjectStats 对象池统计
type ObjectStats struct {
	Created  int // 存活对象数 (Rented + Pooled)
	Rented   int
	Pooled   int
	Disposed uint64
	Refused  uint64
}

// ObjectPool 泛型对象池
type ObjectPool[T any] struct {
	factory func() T
	dispose func(T)
	limit   int

	mu       sync.Mutex
	items    []T
	created  int
	rented   int
	closed   bool
	disposed uint64
	refused  uint64
}

// ObjectOption 对象池选项
type ObjectOption[T any] func(*ObjectPool[T])

// WithLimit 限制存活对象总数，0 表示不限
func WithLimit[T any](limit int) ObjectOption[T] {
	return func(p *ObjectPool[T]) {
		p.limit = limit
	}
}

// WithDispose 设置对象销毁函数
func WithDispose[T any](dispose func(T)) ObjectOption[T] {
	return func(p *ObjectPool[T]) {
		p.dispose = dispose
	}
}

// NewObjectPool 创建对象池
func NewObjectPool[T any](factory func() T, opts ...ObjectOption[T]) *ObjectPool[T] {
	p := &ObjectPool[T]{factory: factory}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Rent 取出对象，栈空时用工厂创建；达到上限或已关闭时返回 false
func (p *ObjectPool[T]) Rent() (T, bool) {
	var zero T

	p.mu.Lock()
	if p.closed {
		p.refused++
		p.mu.Unlock()
		return zero, false
	}
	if n := len(p.items); n > 0 {
		item := p.items[n-1]
		p.items[n-1] = zero
		p.items = p.items[:n-1]
		p.rented++
		p.mu.Unlock()
		return item, true
	}
	if p.limit > 0 && p.created >= p.limit {
		p.refused++
		p.mu.Unlock()
		return zero, false
	}
	// 先占位再在锁外创建
	p.created++
	p.rented++
	p.mu.Unlock()

	return p.factory(), true
}

// Return 归还对象；池已关闭时直接销毁
func (p *ObjectPool[T]) Return(item T) {
	p.mu.Lock()
	p.rented--
	if p.closed {
		p.created--
		p.disposed++
		p.mu.Unlock()
		p.destroy(item)
		return
	}
	p.items = append(p.items, item)
	p.mu.Unlock()
}

// Close 关闭对象池并销毁栈中对象，已借出的对象在归还时销毁
func (p *ObjectPool[T]) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	items := p.items
	p.items = nil
	p.created -= len(items)
	p.disposed += uint64(len(items))
	p.mu.Unlock()

	for _, item := range items {
		p.destroy(item)
	}
}

func (p *ObjectPool[T]) destroy(item T) {
	if p.dispose != nil {
		p.dispose(item)
	}
}

// Stats 统计快照
func (p *ObjectPool[T]) Stats() ObjectStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ObjectStats{
		Created:  p.created,
		Rented:   p.rented,
		Pooled:   len(p.items),
		Disposed: p.disposed,
		Refused:  p.refused,
	}
}
