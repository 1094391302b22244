// =============================================================================
// 文件: internal/handler/handler.go
// 描述: 会话注册表 - 为传输层创建回显会话，统计会话流量，支持广播与全部关闭
// =============================================================================
package handler

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/mrcgq/netcore/internal/transport"
)

// Registry 会话注册表
type Registry struct {
	logger *zap.SugaredLogger
	echo   bool

	sessions sync.Map // conn id -> *EchoSession

	stats registryStats
}

// registryStats 统计信息
type registryStats struct {
	totalSessions  uint64
	activeSessions int64
	packetsIn      uint64
	packetsOut     uint64
	bytesIn        uint64
	bytesOut       uint64
	sendErrors     uint64
	sessionErrors  uint64
}

// NewRegistry 创建会话注册表，echo 为真时会话原样回发收到的数据包
func NewRegistry(echo bool, logger *zap.SugaredLogger) *Registry {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Registry{
		logger: logger,
		echo:   echo,
	}
}

// Factory 返回传输层会话工厂
func (r *Registry) Factory(transportName string) transport.SessionFactory {
	return func(remote net.Addr) transport.Session {
		return &EchoSession{
			registry:  r,
			transport: transportName,
			remote:    remote,
		}
	}
}

// Broadcast 向所有在线会话发送数据包，返回成功数
func (r *Registry) Broadcast(packetType uint16, payload []byte) int {
	sent := 0
	r.sessions.Range(func(_, value interface{}) bool {
		if value.(*EchoSession).send(packetType, payload) == nil {
			sent++
		}
		return true
	})
	return sent
}

// CloseAll 关闭所有在线会话
func (r *Registry) CloseAll() error {
	var err error
	r.sessions.Range(func(_, value interface{}) bool {
		if cerr := value.(*EchoSession).close(); cerr != nil && !errors.Is(cerr, transport.ErrConnClosed) {
			err = multierr.Append(err, cerr)
		}
		return true
	})
	return err
}

// Lookup 按连接 ID 查找会话
func (r *Registry) Lookup(id uint64) (*EchoSession, bool) {
	v, ok := r.sessions.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*EchoSession), true
}

func (r *Registry) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"total_sessions":  atomic.LoadUint64(&r.stats.totalSessions),
		"active_sessions": atomic.LoadInt64(&r.stats.activeSessions),
		"packets_in":      atomic.LoadUint64(&r.stats.packetsIn),
		"packets_out":     atomic.LoadUint64(&r.stats.packetsOut),
		"bytes_in":        atomic.LoadUint64(&r.stats.bytesIn),
		"bytes_out":       atomic.LoadUint64(&r.stats.bytesOut),
		"send_errors":     atomic.LoadUint64(&r.stats.sendErrors),
		"session_errors":  atomic.LoadUint64(&r.stats.sessionErrors),
	}
}

func (r *Registry) GetActiveSessions() int64 {
	return atomic.LoadInt64(&r.stats.activeSessions)
}

func (r *Registry) GetTotalSessions() uint64 {
	return atomic.LoadUint64(&r.stats.totalSessions)
}

func (r *Registry) GetPacketsIn() uint64 {
	return atomic.LoadUint64(&r.stats.packetsIn)
}

func (r *Registry) GetPacketsOut() uint64 {
	return atomic.LoadUint64(&r.stats.packetsOut)
}

func (r *Registry) GetBytesIn() uint64 {
	return atomic.LoadUint64(&r.stats.bytesIn)
}

func (r *Registry) GetBytesOut() uint64 {
	return atomic.LoadUint64(&r.stats.bytesOut)
}

func (r *Registry) GetSendErrors() uint64 {
	return atomic.LoadUint64(&r.stats.sendErrors)
}

func (r *Registry) register(s *EchoSession) {
	r.sessions.Store(s.ID(), s)
	atomic.AddUint64(&r.stats.totalSessions, 1)
	atomic.AddInt64(&r.stats.activeSessions, 1)
}

func (r *Registry) unregister(s *EchoSession) {
	if _, ok := r.sessions.LoadAndDelete(s.ID()); ok {
		atomic.AddInt64(&r.stats.activeSessions, -1)
	}
}
