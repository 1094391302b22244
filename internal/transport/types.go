// =============================================================================
// 文件: internal/transport/types.go
// 描述: 传输层公共类型 - 会话回调接口、连接状态、断开原因、错误定义
// =============================================================================
package transport

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/mrcgq/netcore/internal/pool"
	"github.com/mrcgq/netcore/internal/protocol"
)

var (
	ErrNeedMoreData       = errors.New("数据不足，等待更多数据")
	ErrInvalidLength      = errors.New("包长度非法")
	ErrBufferUnavailable  = errors.New("无可用缓冲区")
	ErrConnClosed         = errors.New("连接已关闭")
	ErrPacketTooLarge     = errors.New("数据包超过最大长度")
	ErrReservedType       = errors.New("保留的包类型")
	ErrPipelineClosed     = errors.New("管道已关闭")
	ErrTooManyConnections = errors.New("连接数已达上限")
	ErrServerClosed       = errors.New("服务器已关闭")
)

// =============================================================================
// 连接状态
// =============================================================================

// ConnState 连接状态
type ConnState int32

const (
	StateIdle ConnState = iota
	StateBound
	StateReceiving
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBound:
		return "bound"
	case StateReceiving:
		return "receiving"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// DisconnectReason 断开原因
type DisconnectReason int

const (
	ReasonNone DisconnectReason = iota
	ReasonLocalClose
	ReasonRemoteClosed
	ReasonInvalidData
	ReasonTransportError
	ReasonResourceExhausted
	ReasonIdleTimeout
	ReasonServerStop
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonLocalClose:
		return "local_close"
	case ReasonRemoteClosed:
		return "remote_closed"
	case ReasonInvalidData:
		return "invalid_data"
	case ReasonTransportError:
		return "transport_error"
	case ReasonResourceExhausted:
		return "resource_exhausted"
	case ReasonIdleTimeout:
		return "idle_timeout"
	case ReasonServerStop:
		return "server_stop"
	default:
		return "none"
	}
}

// =============================================================================
// 会话接口
// =============================================================================

// Conn 会话持有的连接句柄
//
// 句柄绑定一次连接生命周期，连接归还到池后句柄上的操作返回 ErrConnClosed。
type Conn interface {
	ID() uint64
	RemoteAddr() net.Addr
	Send(packetType uint16, payload []byte) error
	Close() error
}

// Session 会话回调，由上层实现
type Session interface {
	OnConnected(conn Conn)
	OnDisconnected(graceful bool, reason DisconnectReason)
	OnError(err error)
	// OnReceived 投递数据包，消费者负责调用 pkt.Release()
	OnReceived(pkt *Packet)
}

// SessionFactory 为新连接创建会话
type SessionFactory func(remote net.Addr) Session

// Observer 传输事件观察者
type Observer interface {
	OnDisconnect(transport string, reason DisconnectReason)
	OnAckLatency(d time.Duration)
	OnResend(n int)
}

type nopObserver struct{}

func (nopObserver) OnDisconnect(string, DisconnectReason) {}
func (nopObserver) OnAckLatency(time.Duration)            {}
func (nopObserver) OnResend(int)                          {}

// =============================================================================
// 数据包与发送上下文
// =============================================================================

// Packet 解析出的数据包，Payload 指向池化缓冲块
type Packet struct {
	Type    uint16
	Seq     uint16
	Ack     uint16
	Token   protocol.SessionToken
	Payload []byte

	block *pool.Block
}

// Release 归还负载缓冲块
func (p *Packet) Release() {
	if p == nil {
		return
	}
	if p.block != nil {
		p.block.Release()
		p.block = nil
	}
	p.Payload = nil
}

// SendContext 待发送数据
type SendContext struct {
	Data      []byte
	SessionID uint64
	Type      uint16
	Seq       uint16
	Ack       uint16
	Addr      *net.UDPAddr

	block *pool.Block
}

func (s *SendContext) release() {
	if s.block != nil {
		s.block.Release()
		s.block = nil
	}
	s.Data = nil
}

// =============================================================================
// 服务器选项
// =============================================================================

// ServerOption 服务器选项
type ServerOption func(*serverOptions)

type serverOptions struct {
	logger   *zap.SugaredLogger
	observer Observer
	clock    clock.Clock
	onSent   func(op *pool.OperationContext)
}

func defaultServerOptions() *serverOptions {
	return &serverOptions{
		logger:   zap.NewNop().Sugar(),
		observer: nopObserver{},
		clock:    clock.New(),
	}
}

// WithLogger 设置日志
func WithLogger(logger *zap.SugaredLogger) ServerOption {
	return func(o *serverOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithObserver 设置事件观察者
func WithObserver(observer Observer) ServerOption {
	return func(o *serverOptions) {
		if observer != nil {
			o.observer = observer
		}
	}
}

// WithClock 设置时钟 (测试用 clock.NewMock)
func WithClock(c clock.Clock) ServerOption {
	return func(o *serverOptions) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithSendCompletion 设置发送完成回调
func WithSendCompletion(fn func(op *pool.OperationContext)) ServerOption {
	return func(o *serverOptions) {
		o.onSent = fn
	}
}

// connEnv 连接共享依赖
type connEnv struct {
	transport     string
	slabs         *pool.SlabBufferPool
	ops           *pool.OperationContextPool
	maxPacketSize int
	ringCapacity  int
	writeTimeout  time.Duration

	logger   *zap.SugaredLogger
	observer Observer
	clock    clock.Clock
	onSent   func(op *pool.OperationContext)

	stats *transportStats
	wg    sync.WaitGroup
}

var connIDSeq uint64

func nextConnID() uint64 {
	return atomic.AddUint64(&connIDSeq, 1)
}

// =============================================================================
// 统计
// =============================================================================

// Stats 传输层统计快照
type Stats struct {
	Transport     string
	Active        int64
	Accepted      uint64
	Refused       uint64
	Closed        uint64
	PacketsIn     uint64
	PacketsOut    uint64
	BytesIn       uint64
	BytesOut      uint64
	InvalidFrames uint64
	Dropped       uint64
	Resends       uint64
	Acks          uint64
	Duplicates    uint64

	// 可靠 UDP 当前积压，TCP 恒为 0
	Unacked         int64
	ReorderBuffered int64
}

type transportStats struct {
	active        int64
	accepted      uint64
	refused       uint64
	closed        uint64
	packetsIn     uint64
	packetsOut    uint64
	bytesIn       uint64
	bytesOut      uint64
	invalidFrames uint64
	dropped       uint64
	resends       uint64
	acks          uint64
	duplicates    uint64
}

func (s *transportStats) snapshot(transport string) Stats {
	return Stats{
		Transport:     transport,
		Active:        atomic.LoadInt64(&s.active),
		Accepted:      atomic.LoadUint64(&s.accepted),
		Refused:       atomic.LoadUint64(&s.refused),
		Closed:        atomic.LoadUint64(&s.closed),
		PacketsIn:     atomic.LoadUint64(&s.packetsIn),
		PacketsOut:    atomic.LoadUint64(&s.packetsOut),
		BytesIn:       atomic.LoadUint64(&s.bytesIn),
		BytesOut:      atomic.LoadUint64(&s.bytesOut),
		InvalidFrames: atomic.LoadUint64(&s.invalidFrames),
		Dropped:       atomic.LoadUint64(&s.dropped),
		Resends:       atomic.LoadUint64(&s.resends),
		Acks:          atomic.LoadUint64(&s.acks),
		Duplicates:    atomic.LoadUint64(&s.duplicates),
	}
}

func statsMap(s Stats) map[string]interface{} {
	return map[string]interface{}{
		"transport":      s.Transport,
		"active":         s.Active,
		"accepted":       s.Accepted,
		"refused":        s.Refused,
		"closed":         s.Closed,
		"packets_in":     s.PacketsIn,
		"packets_out":    s.PacketsOut,
		"bytes_in":       s.BytesIn,
		"bytes_out":      s.BytesOut,
		"invalid_frames": s.InvalidFrames,
		"dropped":        s.Dropped,
		"resends":        s.Resends,
		"acks":           s.Acks,
		"duplicates":     s.Duplicates,
		"unacked":        s.Unacked,
		"reorder_buffer": s.ReorderBuffered,
	}
}
