// =============================================================================
// 文件: internal/handler/session.go
// 描述: 回显会话 - transport.Session 的最小实现
// =============================================================================
package handler

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/mrcgq/netcore/internal/transport"
)

// EchoSession 回显会话，每个连接生命周期一个
type EchoSession struct {
	registry  *Registry
	transport string
	remote    net.Addr

	id uint64

	mu   sync.Mutex
	conn transport.Conn
}

var _ transport.Session = (*EchoSession)(nil)

func (s *EchoSession) OnConnected(conn transport.Conn) {
	atomic.StoreUint64(&s.id, conn.ID())
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.registry.register(s)
	s.registry.logger.Debugf("会话建立: %s id=%d from %s", s.transport, conn.ID(), s.remote)
}

func (s *EchoSession) OnDisconnected(graceful bool, reason transport.DisconnectReason) {
	s.registry.unregister(s)

	s.mu.Lock()
	s.conn = nil
	s.mu.Unlock()

	s.registry.logger.Debugf("会话结束: %s id=%d graceful=%v reason=%s", s.transport, s.ID(), graceful, reason)
}

func (s *EchoSession) OnError(err error) {
	atomic.AddUint64(&s.registry.stats.sessionErrors, 1)
	s.registry.logger.Debugf("会话错误: %s id=%d - %v", s.transport, s.ID(), err)
}

func (s *EchoSession) OnReceived(pkt *transport.Packet) {
	defer pkt.Release()

	atomic.AddUint64(&s.registry.stats.packetsIn, 1)
	atomic.AddUint64(&s.registry.stats.bytesIn, uint64(len(pkt.Payload)))

	if !s.registry.echo {
		return
	}
	if err := s.send(pkt.Type, pkt.Payload); err != nil {
		s.registry.logger.Debugf("回显失败: %s id=%d - %v", s.transport, s.ID(), err)
	}
}

// ID 连接 ID
func (s *EchoSession) ID() uint64 {
	return atomic.LoadUint64(&s.id)
}

// Transport 所属传输
func (s *EchoSession) Transport() string {
	return s.transport
}

// RemoteAddr 对端地址
func (s *EchoSession) RemoteAddr() net.Addr {
	return s.remote
}

func (s *EchoSession) send(packetType uint16, payload []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return transport.ErrConnClosed
	}

	if err := conn.Send(packetType, payload); err != nil {
		atomic.AddUint64(&s.registry.stats.sendErrors, 1)
		return err
	}
	atomic.AddUint64(&s.registry.stats.packetsOut, 1)
	atomic.AddUint64(&s.registry.stats.bytesOut, uint64(len(payload)))
	return nil
}

func (s *EchoSession) close() error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return transport.ErrConnClosed
	}
	return conn.Close()
}
