// =============================================================================
// 文件: internal/pool/operation.go
// 描述: 池化的套接字操作上下文 - 组合对象池与缓冲池
// =============================================================================
package pool

import (
	"net"

	"go.uber.org/zap"
)

// Handler 池化资源提供者
type Handler[T any] interface {
	Rent() (T, error)
	RentWithoutBuffer() (T, error)
	Return(item T)
}

// OpKind 操作类型
type OpKind uint8

const (
	OpNone OpKind = iota
	OpReceive
	OpSend
	OpSendTo
)

func (k OpKind) String() string {
	switch k {
	case OpReceive:
		return "receive"
	case OpSend:
		return "send"
	case OpSendTo:
		return "sendto"
	default:
		return "none"
	}
}

// OperationContext 套接字操作描述
type OperationContext struct {
	Kind   OpKind
	Conn   net.Conn
	Remote *net.UDPAddr

	N   int
	Err error

	UserToken  interface{}
	OnComplete func(op *OperationContext)

	block *Block
}

// Buffer 附带的缓冲区，无缓冲时为 nil
func (op *OperationContext) Buffer() []byte {
	return op.block.Bytes()
}

// HasBuffer 是否附带缓冲区
func (op *OperationContext) HasBuffer() bool {
	return op.block != nil
}

// Complete 记录结果并触发完成回调
func (op *OperationContext) Complete(n int, err error) {
	op.N = n
	op.Err = err
	if op.OnComplete != nil {
		op.OnComplete(op)
	}
}

func (op *OperationContext) reset() {
	op.Kind = OpNone
	op.Conn = nil
	op.Remote = nil
	op.N = 0
	op.Err = nil
	op.UserToken = nil
	op.OnComplete = nil
}

// OperationContextPool 操作上下文池
type OperationContextPool struct {
	slabs   *SlabBufferPool
	objects *ObjectPool[*OperationContext]
	logger  *zap.SugaredLogger
}

var _ Handler[*OperationContext] = (*OperationContextPool)(nil)

// NewOperationContextPool 创建操作上下文池，limit 为 0 表示不限数量
func NewOperationContextPool(slabs *SlabBufferPool, limit int, logger *zap.SugaredLogger) *OperationContextPool {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &OperationContextPool{
		slabs: slabs,
		objects: NewObjectPool(
			func() *OperationContext { return &OperationContext{} },
			WithLimit[*OperationContext](limit),
		),
		logger: logger,
	}
}

// Rent 取出上下文并附加新分配的缓冲块
func (p *OperationContextPool) Rent() (*OperationContext, error) {
	op, ok := p.objects.Rent()
	if !ok {
		p.logExhausted("操作上下文耗尽")
		return nil, ErrPoolExhausted
	}
	block, ok := p.slabs.Allocate()
	if !ok {
		p.objects.Return(op)
		p.logExhausted("缓冲块耗尽")
		return nil, ErrPoolExhausted
	}
	op.block = block
	return op, nil
}

// RentWithoutBuffer 取出不带缓冲区的上下文
func (p *OperationContextPool) RentWithoutBuffer() (*OperationContext, error) {
	op, ok := p.objects.Rent()
	if !ok {
		p.logExhausted("操作上下文耗尽")
		return nil, ErrPoolExhausted
	}
	return op, nil
}

func (p *OperationContextPool) logExhausted(what string) {
	st := p.objects.Stats()
	p.logger.Debugf("%s: rented=%d, refused=%d, blocks_in_use=%d",
		what, st.Rented, st.Refused, p.slabs.Stats().InUse)
}

// Return 归还上下文
//
// 先解绑套接字并归还缓冲块，再把对象放回池中，
// 否则新的借用者可能拿到仍被绑定的缓冲区。
func (p *OperationContextPool) Return(op *OperationContext) {
	if op == nil {
		return
	}
	op.reset()
	if op.block != nil {
		op.block.Release()
		op.block = nil
	}
	p.objects.Return(op)
}

// Slabs 底层缓冲池
func (p *OperationContextPool) Slabs() *SlabBufferPool {
	return p.slabs
}

// Stats 对象池统计
func (p *OperationContextPool) Stats() ObjectStats {
	return p.objects.Stats()
}

// Close 关闭对象池
func (p *OperationContextPool) Close() {
	p.objects.Close()
}
