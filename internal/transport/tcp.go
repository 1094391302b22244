// =============================================================================
// 文件: internal/transport/tcp.go
// 描述: TCP 传输层 - 监听、连接池分配与长度前缀帧收发
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
	// 默认读写超时
	DefaultReadTimeout  = 5 * time.Minute
	DefaultWriteTimeout = 30 * time.Second
	// DefaultKeepAlivePeriod TCP KeepAlive 间隔
	DefaultKeepAlivePeriod = 30 * time.Second
)

// TCPServerConfig TCP 服务器配置
type TCPServerConfig struct {
	Addr            string
	MaxConnections  int
	RingCapacity    int
	MaxPacketSize   int
	NoDelay         bool
	KeepAlivePeriod time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
}

// DefaultTCPServerConfig 默认配置
func DefaultTCPServerConfig() TCPServerConfig {
	return TCPServerConfig{
		Addr:            ":7000",
		MaxConnections:  1024,
		RingCapacity:    64 * 1024,
		MaxPacketSize:   protocol.DefaultMaxPacketSize,
		NoDelay:         true,
		KeepAlivePeriod: DefaultKeepAlivePeriod,
		ReadTimeout:     DefaultReadTimeout,
		WriteTimeout:    DefaultWriteTimeout,
	}
}

// TCPServer TCP 服务器
type TCPServer struct {
	addr     string
	listener net.Listener
	sessions SessionFactory

	env  *connEnv
	pool *ConnPool[*TCPConn]

	// 连接管理
	conns   sync.Map // uint64 -> *TCPConn
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running int32
}

// NewTCPServer 创建 TCP 服务器
func NewTCPServer(cfg TCPServerConfig, slabs *pool.SlabBufferPool, ops *pool.OperationContextPool, sessions SessionFactory, opts ...ServerOption) *TCPServer {
	o := defaultServerOptions()
	for _, opt := range opts {
		opt(o)
	}

	s := &TCPServer{
		addr:     cfg.Addr,
		sessions: sessions,
		stopCh:   make(chan struct{}),
		env: &connEnv{
			transport:     "tcp",
			slabs:         slabs,
			ops:           ops,
			maxPacketSize: cfg.MaxPacketSize,
			ringCapacity:  cfg.RingCapacity,
			writeTimeout:  cfg.WriteTimeout,
			logger:        o.logger,
			observer:      o.observer,
			clock:         o.clock,
			onSent:        o.onSent,
			stats:         &transportStats{},
		},
	}

	connOpts := &TCPConnOptions{
		NoDelay:         cfg.NoDelay,
		KeepAlivePeriod: cfg.KeepAlivePeriod,
		ReadTimeout:     cfg.ReadTimeout,
	}
	s.pool = NewConnPool(func() *TCPConn {
		return newTCPConn(s.env, connOpts, s.releaseConn)
	}, ops, cfg.MaxConnections, true)

	return s
}

// Start 启动服务器
func (s *TCPServer) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("监听失败: %w", err)
	}
	s.listener = listener
	atomic.StoreInt32(&s.running, 1)

	s.wg.Add(1)
	go s.acceptLoop(ctx)

	s.env.logger.Infof("TCP 服务器已启动: %s", listener.Addr())
	return nil
}

// Addr 实际监听地址
func (s *TCPServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// acceptLoop 接受连接循环
func (s *TCPServer) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		// 设置 accept 超时
		if tcpListener, ok := s.listener.(*net.TCPListener); ok {
			_ = tcpListener.SetDeadline(time.Now().Add(time.Second))
		}

		conn, err := s.listener.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			select {
			case <-s.stopCh:
				return
			default:
				s.env.logger.Debugf("Accept 错误: %v", err)
				continue
			}
		}

		s.handleAccept(ctx, conn)
	}
}

// handleAccept 从连接池取出连接并绑定
func (s *TCPServer) handleAccept(ctx context.Context, conn net.Conn) {
	c, err := s.pool.Rent()
	if err != nil {
		// 连接数或缓冲耗尽时拒绝
		atomic.AddUint64(&s.env.stats.refused, 1)
		s.env.logger.Warnf("拒绝连接 %v: %v", conn.RemoteAddr(), err)
		_ = conn.Close()
		return
	}

	if err := c.Bind(conn, s.sessions(conn.RemoteAddr())); err != nil {
		s.env.logger.Errorf("绑定连接失败: %v", err)
		_ = conn.Close()
		s.pool.Return(c)
		return
	}

	s.conns.Store(c.ID(), c)
	atomic.AddUint64(&s.env.stats.accepted, 1)

	if err := c.Run(ctx); err != nil {
		s.env.logger.Errorf("启动连接失败: %v", err)
		c.Close(ReasonTransportError)
	}
}

// releaseConn 连接关闭完成后回收
func (s *TCPServer) releaseConn(c *TCPConn, id uint64) {
	s.conns.Delete(id)
	s.pool.Return(c)
}

// Connections 当前连接数
func (s *TCPServer) Connections() int {
	n := 0
	s.conns.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// Stop 停止服务器
//
// 先停止接受新连接，再关闭所有连接并等待回收，最后关闭连接池。
func (s *TCPServer) Stop() error {
	if !atomic.CompareAndSwapInt32(&s.running, 1, 0) {
		return ErrServerClosed
	}
	close(s.stopCh)

	var err error
	if s.listener != nil {
		if cerr := s.listener.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, fmt.Errorf("关闭监听失败: %w", cerr))
		}
	}
	s.wg.Wait()

	// 关闭所有连接
	s.conns.Range(func(_, value interface{}) bool {
		value.(*TCPConn).Close(ReasonServerStop)
		return true
	})
	s.env.wg.Wait()
	s.pool.Close()

	s.env.logger.Infof("TCP 服务器已停止")
	return err
}

// Stats 统计快照
func (s *TCPServer) Stats() Stats {
	return s.env.stats.snapshot(s.env.transport)
}

// PoolStats 连接池统计
func (s *TCPServer) PoolStats() pool.ObjectStats {
	return s.pool.Stats()
}

// GetStats 获取统计
func (s *TCPServer) GetStats() map[string]interface{} {
	return statsMap(s.Stats())
}
