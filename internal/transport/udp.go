// =============================================================================
// 文件: internal/transport/udp.go
// 描述: UDP 传输层 - 共享套接字、令牌路由、握手接入与空闲清理
// =============================================================================
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/mrcgq/netcore/internal/pool"
	"github.com/mrcgq/netcore/internal/protocol"
)

const (
	// DefaultIdleTimeout UDP 连接空闲超时
	DefaultIdleTimeout = 2 * time.Minute

	// 套接字缓冲区
	defaultSocketBufferSize = 4 * 1024 * 1024
	minSocketBufferSize     = 256 * 1024
)

// UDPServerConfig UDP 服务器配置
type UDPServerConfig struct {
	Addr             string
	MaxConnections   int
	RingCapacity     int
	MaxPacketSize    int
	ResendInterval   time.Duration
	IdleTimeout      time.Duration
	ClosedFilterSize uint
	ReadBufferSize   int
	WriteBufferSize  int
}

// DefaultUDPServerConfig 默认配置
func DefaultUDPServerConfig() UDPServerConfig {
	return UDPServerConfig{
		Addr:             ":7001",
		MaxConnections:   1024,
		RingCapacity:     16 * 1024,
		MaxPacketSize:    protocol.DefaultMaxPacketSize,
		ResendInterval:   DefaultResendInterval,
		IdleTimeout:      DefaultIdleTimeout,
		ClosedFilterSize: DefaultClosedFilterSize,
		ReadBufferSize:   defaultSocketBufferSize,
		WriteBufferSize:  defaultSocketBufferSize,
	}
}

// UDPServer UDP 服务器
type UDPServer struct {
	cfg      UDPServerConfig
	conn     *net.UDPConn
	sessions SessionFactory

	env    *connEnv
	pool   *ConnPool[*UDPConn]
	closed *ClosedFilter

	resendInterval time.Duration
	idleTimeout    time.Duration

	// 令牌路由
	conns sync.Map // protocol.SessionToken -> *UDPConn

	recvOp  *pool.OperationContext
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running int32
}

// NewUDPServer 创建 UDP 服务器
func NewUDPServer(cfg UDPServerConfig, slabs *pool.SlabBufferPool, ops *pool.OperationContextPool, sessions SessionFactory, opts ...ServerOption) *UDPServer {
	o := defaultServerOptions()
	for _, opt := range opts {
		opt(o)
	}

	if cfg.ResendInterval <= 0 {
		cfg.ResendInterval = DefaultResendInterval
	}

	s := &UDPServer{
		cfg:            cfg,
		sessions:       sessions,
		closed:         NewClosedFilter(cfg.ClosedFilterSize),
		resendInterval: cfg.ResendInterval,
		idleTimeout:    cfg.IdleTimeout,
		stopCh:         make(chan struct{}),
		env: &connEnv{
			transport:     "udp",
			slabs:         slabs,
			ops:           ops,
			maxPacketSize: cfg.MaxPacketSize,
			ringCapacity:  cfg.RingCapacity,
			logger:        o.logger,
			observer:      o.observer,
			clock:         o.clock,
			onSent:        o.onSent,
			stats:         &transportStats{},
		},
	}

	s.pool = NewConnPool(func() *UDPConn {
		return newUDPConn(s)
	}, ops, cfg.MaxConnections, false)

	return s
}

// Start 启动服务器
func (s *UDPServer) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("解析地址: %w", err)
	}

	op, err := s.env.ops.Rent()
	if err != nil {
		return fmt.Errorf("分配接收缓冲失败: %w", err)
	}
	op.Kind = pool.OpReceive

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		s.env.ops.Return(op)
		return fmt.Errorf("监听失败: %w", err)
	}
	s.conn = conn
	s.recvOp = op
	s.setupBuffers()

	atomic.StoreInt32(&s.running, 1)

	s.wg.Add(1)
	go s.readLoop(ctx)

	if s.idleTimeout > 0 {
		s.wg.Add(1)
		go s.cleanupLoop(ctx)
	}

	s.env.logger.Infof("UDP 服务器已启动: %s (重发间隔: %v, 空闲超时: %v)",
		conn.LocalAddr(), s.resendInterval, s.idleTimeout)
	return nil
}

// setupBuffers 设置系统缓冲区，失败时逐级减半
func (s *UDPServer) setupBuffers() {
	if size := s.cfg.ReadBufferSize; size > 0 {
		for ; size >= minSocketBufferSize; size /= 2 {
			if err := s.conn.SetReadBuffer(size); err == nil {
				break
			}
		}
	}
	if size := s.cfg.WriteBufferSize; size > 0 {
		for ; size >= minSocketBufferSize; size /= 2 {
			if err := s.conn.SetWriteBuffer(size); err == nil {
				break
			}
		}
	}
}

// Addr 实际监听地址
func (s *UDPServer) Addr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// readLoop 读取循环
func (s *UDPServer) readLoop(ctx context.Context) {
	defer s.wg.Done()

	buf := s.recvOp.Buffer()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := s.conn.ReadFromUDP(buf)
		s.recvOp.Complete(n, err)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			select {
			case <-s.stopCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.env.logger.Debugf("UDP 读取错误: %v", err)
			continue
		}
		if n == 0 {
			continue
		}

		atomic.AddUint64(&s.env.stats.bytesIn, uint64(n))
		s.handleDatagram(ctx, buf[:n], addr)
	}
}

// handleDatagram 按令牌路由数据报，未知令牌只接受握手
func (s *UDPServer) handleDatagram(ctx context.Context, datagram []byte, addr *net.UDPAddr) {
	token, ok := protocol.PeekToken(datagram)
	if !ok {
		atomic.AddUint64(&s.env.stats.dropped, 1)
		return
	}

	if v, ok := s.conns.Load(token); ok {
		v.(*UDPConn).deliver(datagram, addr)
		return
	}

	if !protocol.IsGreeting(datagram) {
		atomic.AddUint64(&s.env.stats.dropped, 1)
		return
	}
	if atomic.LoadInt32(&s.running) != 1 || s.closed.Contains(token) {
		atomic.AddUint64(&s.env.stats.refused, 1)
		s.env.logger.Debugf("拒绝握手: token=%s, remote=%v", token, addr)
		return
	}

	c, err := s.pool.Rent()
	if err != nil {
		atomic.AddUint64(&s.env.stats.refused, 1)
		s.env.logger.Warnf("拒绝握手 %v: %v", addr, err)
		return
	}

	if err := c.Bind(addr, token, s.sessions(addr)); err != nil {
		s.env.logger.Errorf("绑定连接失败: %v", err)
		s.pool.Return(c)
		return
	}

	s.conns.Store(token, c)
	atomic.AddUint64(&s.env.stats.accepted, 1)

	if err := c.Run(ctx); err != nil {
		s.env.logger.Errorf("启动连接失败: %v", err)
		c.Close(ReasonTransportError)
		return
	}

	// 由连接处理握手本身，回应握手
	c.deliver(datagram, addr)
}

// cleanupLoop 关闭空闲连接
func (s *UDPServer) cleanupLoop(ctx context.Context) {
	defer s.wg.Done()

	interval := s.idleTimeout / 2
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	ticker := s.env.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.closeIdle(s.env.clock.Now())
		}
	}
}

func (s *UDPServer) closeIdle(now time.Time) {
	s.conns.Range(func(_, value interface{}) bool {
		c := value.(*UDPConn)
		if c.idleFor(now) > s.idleTimeout {
			c.Close(ReasonIdleTimeout)
		}
		return true
	})
}

// writeTo 通过共享套接字发送
func (s *UDPServer) writeTo(b []byte, addr *net.UDPAddr) (int, error) {
	if s.conn == nil || addr == nil {
		return 0, ErrConnClosed
	}
	return s.conn.WriteToUDP(b, addr)
}

// forget 从路由表移除并记入已关闭过滤器
func (s *UDPServer) forget(token protocol.SessionToken, c *UDPConn) {
	s.conns.CompareAndDelete(token, c)
	s.closed.Add(token)
}

// releaseConn 连接关闭完成后回收
func (s *UDPServer) releaseConn(c *UDPConn) {
	s.pool.Return(c)
}

// Connections 当前连接数
func (s *UDPServer) Connections() int {
	n := 0
	s.conns.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// Stop 停止服务器
//
// 先通知所有连接断开，再关闭套接字并等待读循环退出；读循环退出前
// 可能刚接入的连接在第二轮关闭。
func (s *UDPServer) Stop() error {
	if !atomic.CompareAndSwapInt32(&s.running, 1, 0) {
		return ErrServerClosed
	}
	close(s.stopCh)

	s.closeAll()

	var err error
	if s.conn != nil {
		if cerr := s.conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, fmt.Errorf("关闭套接字失败: %w", cerr))
		}
	}
	s.wg.Wait()

	s.closeAll()
	s.env.wg.Wait()
	s.pool.Close()

	if s.recvOp != nil {
		s.env.ops.Return(s.recvOp)
		s.recvOp = nil
	}

	s.env.logger.Infof("UDP 服务器已停止")
	return err
}

func (s *UDPServer) closeAll() {
	s.conns.Range(func(_, value interface{}) bool {
		value.(*UDPConn).Close(ReasonServerStop)
		return true
	})
}

// Stats 统计快照，附带所有连接跟踪器的积压
func (s *UDPServer) Stats() Stats {
	st := s.env.stats.snapshot(s.env.transport)
	s.conns.Range(func(_, value interface{}) bool {
		unacked, buffered := value.(*UDPConn).pending()
		st.Unacked += int64(unacked)
		st.ReorderBuffered += int64(buffered)
		return true
	})
	return st
}

// PoolStats 连接池统计
func (s *UDPServer) PoolStats() pool.ObjectStats {
	return s.pool.Stats()
}

// GetStats 获取统计
func (s *UDPServer) GetStats() map[string]interface{} {
	return statsMap(s.Stats())
}
