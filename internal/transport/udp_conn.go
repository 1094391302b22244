// =============================================================================
// 文件: internal/transport/udp_conn.go
// 描述: UDP 逻辑连接 - 远端地址 + 会话令牌 + 可靠 UDP 跟踪器，共享服务器套接字
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

	"github.com/mrcgq/netcore/internal/pool"
	"github.com/mrcgq/netcore/internal/protocol"
)

// minResendTick 重发定时器最小周期
const minResendTick = time.Millisecond

// UDPConn UDP 逻辑连接
type UDPConn struct {
	srv *UDPServer
	env *connEnv

	mu      sync.RWMutex
	state   int32
	id      uint64
	token   protocol.SessionToken
	remote  *net.UDPAddr
	session Session
	op      *pool.OperationContext
	sendQ   *Pipeline[*SendContext]
	recvQ   *Pipeline[*Packet]
	running bool

	// 接收路径: 由服务器读循环串行访问，recvMu 只用于与回收互斥
	recvMu  sync.Mutex
	ring    *RingPacketBuffer
	tracker *RudpTracker

	lastActive int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	graceful bool
	reason   DisconnectReason
}

func newUDPConn(srv *UDPServer) *UDPConn {
	return &UDPConn{
		srv:     srv,
		env:     srv.env,
		ring:    NewRingPacketBuffer(srv.env.ringCapacity, srv.env.maxPacketSize, srv.env.slabs),
		tracker: NewRudpTracker(srv.resendInterval),
	}
}

func (c *UDPConn) attach(op *pool.OperationContext) {
	op.Kind = pool.OpSendTo
	c.op = op
}

func (c *UDPConn) detach() *pool.OperationContext {
	op := c.op
	c.op = nil
	return op
}

// ID 连接 ID
func (c *UDPConn) ID() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

// Token 会话令牌
func (c *UDPConn) Token() protocol.SessionToken {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// State 当前状态
func (c *UDPConn) State() ConnState {
	return ConnState(atomic.LoadInt32(&c.state))
}

// RemoteAddr 对端地址
func (c *UDPConn) RemoteAddr() net.Addr {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.remote == nil {
		return nil
	}
	return c.remote
}

// newHandle 创建绑定当前生命周期的句柄，调用方持有 mu
func (c *UDPConn) newHandle() *udpHandle {
	return &udpHandle{c: c, id: c.id, remote: c.remote}
}

// pending 未确认与乱序缓存中的包数
func (c *UDPConn) pending() (unacked, buffered int) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	return c.tracker.Send.Stats().Unacked, c.tracker.Recv.Stats().Buffered
}

// Bind 绑定远端地址、令牌与会话
func (c *UDPConn) Bind(remote *net.UDPAddr, token protocol.SessionToken, session Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if st := c.State(); st != StateIdle {
		return fmt.Errorf("绑定失败，连接状态: %s", st)
	}
	if c.op == nil {
		return fmt.Errorf("绑定失败: 未附加操作上下文")
	}

	c.id = nextConnID()
	c.token = token
	c.remote = remote
	c.session = session
	c.op.Remote = remote
	c.sendQ = NewPipeline[*SendContext]()
	c.recvQ = NewPipeline[*Packet]()
	c.graceful = false
	c.reason = ReasonNone
	c.touch()
	c.env.wg.Add(1)
	atomic.StoreInt32(&c.state, int32(StateBound))
	return nil
}

// Run 挂上跟踪器回调，启动重发定时器与收发管道
//
// OnConnected 在投递协程上先于第一个数据包调用，共享读循环不等待会话。
func (c *UDPConn) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.State() != StateBound {
		st := c.State()
		c.mu.Unlock()
		return fmt.Errorf("启动失败，连接状态: %s", st)
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.running = true
	c.wg.Add(3)
	atomic.StoreInt32(&c.state, int32(StateReceiving))
	handle := c.newHandle()
	runCtx, session, sendQ, recvQ := c.ctx, c.session, c.sendQ, c.recvQ
	c.mu.Unlock()

	c.recvMu.Lock()
	c.tracker.Arm(c.resendFrame, c.enqueueDelivery)
	c.recvMu.Unlock()

	atomic.AddInt64(&c.env.stats.active, 1)

	go c.resendLoop()
	go func() {
		defer c.wg.Done()
		sendQ.Run(runCtx, c.write)
	}()
	go func() {
		defer c.wg.Done()
		session.OnConnected(handle)
		recvQ.Run(runCtx, c.dispatch)
	}()
	return nil
}

// Send 可靠发送数据包
func (c *UDPConn) Send(packetType uint16, payload []byte) error {
	return c.send(c.ID(), packetType, payload)
}

// Close 关闭连接，重复调用无副作用
func (c *UDPConn) Close(reason DisconnectReason) {
	c.closeWith(0, reason == ReasonLocalClose || reason == ReasonServerStop, reason)
}

func (c *UDPConn) isOpen() bool {
	st := c.State()
	return st == StateBound || st == StateReceiving
}

func (c *UDPConn) touch() {
	atomic.StoreInt64(&c.lastActive, c.env.clock.Now().UnixNano())
}

// idleFor 距最后一次收到数据的时长
func (c *UDPConn) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, atomic.LoadInt64(&c.lastActive)))
}

func (c *UDPConn) send(id uint64, packetType uint16, payload []byte) error {
	if protocol.IsReservedType(packetType) {
		return ErrReservedType
	}
	if protocol.UDPFrameSize(len(payload)) > c.env.maxPacketSize {
		return ErrPacketTooLarge
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if id == 0 || id != c.id || !c.isOpen() {
		return ErrConnClosed
	}

	block, ok := c.env.slabs.Allocate()
	if !ok {
		return pool.ErrPoolExhausted
	}
	seq := c.tracker.Send.NextSequence()
	n, err := protocol.PutUDPFrame(block.Bytes(), c.token, seq, 0, packetType, payload)
	if err != nil {
		block.Release()
		return fmt.Errorf("构建信封失败: %w", err)
	}

	// 原帧交给跟踪器之前先复制出线上副本：跟踪后确认随时可能到达并归还原帧。
	// 入队必须在跟踪之后，否则确认可能先于跟踪到达而被当作未知序列号。
	// 复制失败时等待超时重发。
	sc := c.copyFrame(block.Bytes()[:n], seq, packetType)
	c.tracker.Send.Track(seq, block, n, c.env.clock.Now())
	c.enqueue(sc)
	return nil
}

// copyFrame 复制帧到新缓冲块
func (c *UDPConn) copyFrame(frame []byte, seq, packetType uint16) *SendContext {
	block, ok := c.env.slabs.Allocate()
	if !ok {
		atomic.AddUint64(&c.env.stats.dropped, 1)
		return nil
	}
	n := copy(block.Bytes(), frame)
	return &SendContext{
		Data:      block.Bytes()[:n],
		SessionID: c.id,
		Type:      packetType,
		Seq:       seq,
		Addr:      c.remote,
		block:     block,
	}
}

// enqueue 送入发送管道，失败时归还缓冲
func (c *UDPConn) enqueue(sc *SendContext) {
	if sc == nil {
		return
	}
	if err := c.sendQ.Enqueue(sc); err != nil {
		sc.release()
	}
}

// sendControl 发送不跟踪的控制包 (确认、握手回应)
func (c *UDPConn) sendControl(packetType, ack uint16, payload []byte) {
	block, ok := c.env.slabs.Allocate()
	if !ok {
		atomic.AddUint64(&c.env.stats.dropped, 1)
		return
	}
	n, err := protocol.PutUDPFrame(block.Bytes(), c.token, 0, ack, packetType, payload)
	if err != nil {
		block.Release()
		return
	}
	sc := &SendContext{
		Data:      block.Bytes()[:n],
		SessionID: c.id,
		Type:      packetType,
		Ack:       ack,
		Addr:      c.remote,
		block:     block,
	}
	if err := c.sendQ.Enqueue(sc); err != nil {
		sc.release()
	}
}

func (c *UDPConn) resendFrame(seq uint16, frame []byte) {
	c.enqueue(c.copyFrame(frame, seq, 0))
}

func (c *UDPConn) enqueueDelivery(pkt *Packet) {
	if err := c.recvQ.Enqueue(pkt); err != nil {
		pkt.Release()
	}
}

// closeWith 关闭连接
//
// 立即从服务器路由表移除，随后在独立协程中等待连接协程退出、清空跟踪器、
// 通知会话，最后归还到连接池。
func (c *UDPConn) closeWith(id uint64, graceful bool, reason DisconnectReason) bool {
	c.mu.Lock()
	if (id != 0 && id != c.id) || !c.isOpen() {
		c.mu.Unlock()
		return false
	}
	atomic.StoreInt32(&c.state, int32(StateClosed))
	c.graceful = graceful
	c.reason = reason
	cancel := c.cancel
	token := c.token
	remote := c.remote
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.srv.forget(token, c)

	// 本端主动关闭时通知对端
	if reason == ReasonLocalClose || reason == ReasonServerStop {
		_, _ = c.srv.writeTo(protocol.BuildUDPFrame(token, 0, 0, protocol.TypeDisconnect, nil), remote)
	}

	c.env.logger.Debugf("UDP 连接关闭: token=%s, remote=%v, graceful=%v, reason=%s", token, remote, graceful, reason)

	go c.finalize()
	return true
}

func (c *UDPConn) finalize() {
	defer c.env.wg.Done()

	c.wg.Wait()
	c.recvQ.Close(func(p *Packet) { p.Release() })
	c.sendQ.Close(func(s *SendContext) { s.release() })

	c.recvMu.Lock()
	c.tracker.Clear()
	c.ring.Reset()
	c.recvMu.Unlock()

	c.mu.Lock()
	session, graceful, reason, running := c.session, c.graceful, c.reason, c.running
	c.id = 0
	c.token = protocol.SessionToken{}
	c.remote = nil
	c.session = nil
	c.sendQ = nil
	c.recvQ = nil
	c.ctx = nil
	c.cancel = nil
	c.running = false
	if c.op != nil {
		c.op.Remote = nil
	}
	c.mu.Unlock()

	atomic.AddUint64(&c.env.stats.closed, 1)
	c.env.observer.OnDisconnect(c.env.transport, reason)
	if running {
		atomic.AddInt64(&c.env.stats.active, -1)
		session.OnDisconnected(graceful, reason)
	}

	atomic.StoreInt32(&c.state, int32(StateIdle))
	c.srv.releaseConn(c)
}

// =============================================================================
// 接收路径
// =============================================================================

// deliver 处理路由到本连接的数据报，只由服务器读循环调用
func (c *UDPConn) deliver(datagram []byte, from *net.UDPAddr) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	if !c.isOpen() {
		return
	}
	if !udpAddrEqual(from, c.remote) {
		atomic.AddUint64(&c.env.stats.dropped, 1)
		return
	}
	c.touch()

	if !c.ring.Append(datagram) {
		atomic.AddUint64(&c.env.stats.dropped, 1)
		return
	}

	for {
		pkt, err := c.ring.ExtractUDPPacket()
		switch {
		case err == nil:
			if !c.handlePacket(pkt) {
				c.ring.Skip(c.ring.DataSize())
				return
			}
		case errors.Is(err, ErrNeedMoreData):
			if c.ring.DataSize() == 0 {
				return
			}
			// 数据报内残留半个信封
			c.rejectDatagram(err)
			return
		case errors.Is(err, ErrBufferUnavailable):
			// 丢弃剩余部分，对端会超时重发
			atomic.AddUint64(&c.env.stats.dropped, 1)
			c.ring.Skip(c.ring.DataSize())
			return
		default:
			c.rejectDatagram(err)
			return
		}
	}
}

func (c *UDPConn) rejectDatagram(err error) {
	atomic.AddUint64(&c.env.stats.invalidFrames, 1)
	c.env.logger.Debugf("UDP 非法信封: token=%s, err=%v", c.token, err)
	c.ring.Skip(c.ring.DataSize())
	c.closeWith(0, false, ReasonInvalidData)
}

// handlePacket 处理单个信封，返回 false 表示停止处理该数据报
func (c *UDPConn) handlePacket(pkt *Packet) bool {
	if pkt.Token != c.token {
		pkt.Release()
		atomic.AddUint64(&c.env.stats.invalidFrames, 1)
		c.closeWith(0, false, ReasonInvalidData)
		return false
	}

	switch pkt.Type {
	case protocol.TypeAck:
		if rtt, ok := c.tracker.Send.Acknowledge(pkt.Ack, c.env.clock.Now()); ok {
			atomic.AddUint64(&c.env.stats.acks, 1)
			if rtt > 0 {
				c.env.observer.OnAckLatency(rtt)
			}
		}
		pkt.Release()

	case protocol.TypeGreeting:
		pkt.Release()
		c.sendControl(protocol.TypeGreeting, 0, protocol.GreetingMagic)

	case protocol.TypeDisconnect:
		pkt.Release()
		c.closeWith(0, true, ReasonRemoteClosed)
		return false

	default:
		if protocol.IsReservedType(pkt.Type) {
			pkt.Release()
			return true
		}
		atomic.AddUint64(&c.env.stats.packetsIn, 1)
		// 重复包同样回确认，否则对端会一直重发
		c.sendControl(protocol.TypeAck, pkt.Seq, nil)
		if c.tracker.Recv.UpdateReceived(pkt) == ReceiveDuplicate {
			atomic.AddUint64(&c.env.stats.duplicates, 1)
		}
	}
	return true
}

func (c *UDPConn) dispatch(pkt *Packet) {
	c.session.OnReceived(pkt)
}

// =============================================================================
// 发送路径
// =============================================================================

func (c *UDPConn) resendLoop() {
	defer c.wg.Done()

	tick := c.tracker.Send.Interval() / 2
	if tick < minResendTick {
		tick = minResendTick
	}
	ticker := c.env.clock.Ticker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if n := c.tracker.Send.ResendUnacked(c.env.clock.Now()); n > 0 {
				atomic.AddUint64(&c.env.stats.resends, uint64(n))
				c.env.observer.OnResend(n)
			}
		}
	}
}

// write 由发送管道的唯一消费者调用
func (c *UDPConn) write(sc *SendContext) {
	defer sc.release()

	op, err := c.env.ops.RentWithoutBuffer()
	if err != nil {
		atomic.AddUint64(&c.env.stats.dropped, 1)
		return
	}
	op.Kind = pool.OpSendTo
	op.Remote = sc.Addr
	op.UserToken = sc
	op.OnComplete = c.env.onSent

	n, werr := c.srv.writeTo(sc.Data, sc.Addr)
	op.Complete(n, werr)
	c.env.ops.Return(op)

	if werr != nil {
		if errors.Is(werr, net.ErrClosed) || !c.isOpen() {
			return
		}
		c.session.OnError(fmt.Errorf("发送失败: %w", werr))
		c.closeWith(0, false, ReasonTransportError)
		return
	}
	atomic.AddUint64(&c.env.stats.packetsOut, 1)
	atomic.AddUint64(&c.env.stats.bytesOut, uint64(n))
}

func udpAddrEqual(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return false
	}
	return a.Port == b.Port && a.IP.Equal(b.IP) && a.Zone == b.Zone
}

// =============================================================================
// 会话句柄
// =============================================================================

type udpHandle struct {
	c      *UDPConn
	id     uint64
	remote *net.UDPAddr
}

func (h *udpHandle) ID() uint64 {
	return h.id
}

func (h *udpHandle) RemoteAddr() net.Addr {
	return h.remote
}

func (h *udpHandle) Send(packetType uint16, payload []byte) error {
	return h.c.send(h.id, packetType, payload)
}

func (h *udpHandle) Close() error {
	if !h.c.closeWith(h.id, true, ReasonLocalClose) {
		return ErrConnClosed
	}
	return nil
}
