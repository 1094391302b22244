// =============================================================================
// 文件: internal/transport/conn_pool.go
// 描述: 连接池 - 组合连接对象池与操作上下文池，TCP/UDP 共用
// =============================================================================
package transport

import (
	"github.com/mrcgq/netcore/internal/pool"
)

// pooledConn 可被连接池管理的连接
type pooledConn interface {
	attach(op *pool.OperationContext)
	detach() *pool.OperationContext
}

// ConnPool 连接池
type ConnPool[C pooledConn] struct {
	conns      *pool.ObjectPool[C]
	ops        pool.Handler[*pool.OperationContext]
	withBuffer bool
}

// NewConnPool 创建连接池
//
// maxConns 为 0 表示不限；withBuffer 决定操作上下文是否附带缓冲块
// (TCP 连接用它作为读缓冲，UDP 连接只绑定远端地址)。
func NewConnPool[C pooledConn](factory func() C, ops pool.Handler[*pool.OperationContext], maxConns int, withBuffer bool) *ConnPool[C] {
	return &ConnPool[C]{
		conns:      pool.NewObjectPool(factory, pool.WithLimit[C](maxConns)),
		ops:        ops,
		withBuffer: withBuffer,
	}
}

// Rent 取出连接并附加操作上下文
func (p *ConnPool[C]) Rent() (C, error) {
	var zero C

	c, ok := p.conns.Rent()
	if !ok {
		return zero, ErrTooManyConnections
	}

	var (
		op  *pool.OperationContext
		err error
	)
	if p.withBuffer {
		op, err = p.ops.Rent()
	} else {
		op, err = p.ops.RentWithoutBuffer()
	}
	if err != nil {
		p.conns.Return(c)
		return zero, err
	}

	c.attach(op)
	return c, nil
}

// Return 归还操作上下文后再归还连接
func (p *ConnPool[C]) Return(c C) {
	if op := c.detach(); op != nil {
		p.ops.Return(op)
	}
	p.conns.Return(c)
}

// Close 关闭连接池
func (p *ConnPool[C]) Close() {
	p.conns.Close()
}

// Stats 连接对象统计
func (p *ConnPool[C]) Stats() pool.ObjectStats {
	return p.conns.Stats()
}
