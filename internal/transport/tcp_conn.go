// =============================================================================
// 文件: internal/transport/tcp_conn.go
// 描述: TCP 连接状态机 - Idle → Bound → Receiving → Closed
// =============================================================================
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mrcgq/netcore/internal/pool"
	"github.com/mrcgq/netcore/internal/protocol"
)

const (
	// bufferRetryDelay 缓冲池耗尽时重试解析的间隔
	bufferRetryDelay = 5 * time.Millisecond
	// defaultDrainTimeout 未配置写超时时，优雅关闭等待发送队列清空的上限
	defaultDrainTimeout = 5 * time.Second
)

// TCPConnOptions TCP 套接字选项
type TCPConnOptions struct {
	NoDelay         bool
	KeepAlivePeriod time.Duration
	ReadTimeout     time.Duration
}

// TCPConn TCP 连接
type TCPConn struct {
	env     *connEnv
	opts    *TCPConnOptions
	release func(c *TCPConn, id uint64)

	mu      sync.RWMutex
	state   int32
	id      uint64
	conn    net.Conn
	remote  net.Addr
	session Session
	op      *pool.OperationContext
	ring    *RingPacketBuffer
	sendQ   *Pipeline[*SendContext]
	recvQ   *Pipeline[*Packet]
	running bool

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	sendDone chan struct{}

	graceful bool
	reason   DisconnectReason
}

func newTCPConn(env *connEnv, opts *TCPConnOptions, release func(c *TCPConn, id uint64)) *TCPConn {
	return &TCPConn{
		env:     env,
		opts:    opts,
		release: release,
		ring:    NewRingPacketBuffer(env.ringCapacity, env.maxPacketSize, env.slabs),
	}
}

func (c *TCPConn) attach(op *pool.OperationContext) {
	op.Kind = pool.OpReceive
	c.op = op
}

func (c *TCPConn) detach() *pool.OperationContext {
	op := c.op
	c.op = nil
	return op
}

// ID 连接 ID，每次绑定重新分配
func (c *TCPConn) ID() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

// State 当前状态
func (c *TCPConn) State() ConnState {
	return ConnState(atomic.LoadInt32(&c.state))
}

// RemoteAddr 对端地址
func (c *TCPConn) RemoteAddr() net.Addr {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.remote
}

// newHandle 创建绑定当前生命周期的句柄，调用方持有 mu
func (c *TCPConn) newHandle() *tcpHandle {
	return &tcpHandle{c: c, id: c.id, remote: c.remote}
}

// Bind 绑定套接字与会话，并设置 NoDelay / KeepAlive
func (c *TCPConn) Bind(conn net.Conn, session Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if st := c.State(); st != StateIdle {
		return fmt.Errorf("绑定失败，连接状态: %s", st)
	}
	if c.op == nil || !c.op.HasBuffer() {
		return fmt.Errorf("绑定失败: 未附加接收缓冲")
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(c.opts.NoDelay)
		if c.opts.KeepAlivePeriod > 0 {
			_ = tcpConn.SetKeepAlive(true)
			_ = tcpConn.SetKeepAlivePeriod(c.opts.KeepAlivePeriod)
		}
	}

	c.id = nextConnID()
	c.conn = conn
	c.remote = conn.RemoteAddr()
	c.session = session
	c.op.Conn = conn
	c.sendQ = NewPipeline[*SendContext]()
	c.recvQ = NewPipeline[*Packet]()
	c.graceful = false
	c.reason = ReasonNone
	c.env.wg.Add(1)
	atomic.StoreInt32(&c.state, int32(StateBound))
	return nil
}

// Run 进入接收状态，启动接收循环与收发管道
//
// OnConnected 在投递协程上先于第一个数据包调用，不阻塞 accept 循环。
func (c *TCPConn) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.State() != StateBound {
		st := c.State()
		c.mu.Unlock()
		return fmt.Errorf("启动失败，连接状态: %s", st)
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.running = true
	c.sendDone = make(chan struct{})
	c.wg.Add(3)
	atomic.StoreInt32(&c.state, int32(StateReceiving))
	handle := c.newHandle()
	runCtx, session, sendQ, recvQ, sendDone := c.ctx, c.session, c.sendQ, c.recvQ, c.sendDone
	c.mu.Unlock()

	atomic.AddInt64(&c.env.stats.active, 1)

	go c.receiveLoop()
	go func() {
		defer c.wg.Done()
		defer close(sendDone)
		sendQ.Run(runCtx, c.write)
	}()
	go func() {
		defer c.wg.Done()
		session.OnConnected(handle)
		recvQ.Run(runCtx, c.dispatch)
	}()
	return nil
}

// Send 发送数据包
func (c *TCPConn) Send(packetType uint16, payload []byte) error {
	return c.send(c.ID(), packetType, payload)
}

// Close 关闭连接，重复调用无副作用
func (c *TCPConn) Close(reason DisconnectReason) {
	c.closeWith(0, reason == ReasonLocalClose || reason == ReasonServerStop, reason)
}

func (c *TCPConn) isOpen() bool {
	st := c.State()
	return st == StateBound || st == StateReceiving
}

func (c *TCPConn) send(id uint64, packetType uint16, payload []byte) error {
	if protocol.TCPFrameSize(len(payload)) > c.env.maxPacketSize {
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
	n, err := protocol.PutTCPFrame(block.Bytes(), packetType, payload)
	if err != nil {
		block.Release()
		return fmt.Errorf("构建帧失败: %w", err)
	}

	sc := &SendContext{
		Data:      block.Bytes()[:n],
		SessionID: id,
		Type:      packetType,
		block:     block,
	}
	if err := c.sendQ.Enqueue(sc); err != nil {
		sc.release()
		return ErrConnClosed
	}
	return nil
}

// closeWith 关闭连接
//
// 非优雅关闭同步关闭套接字；优雅关闭先封住发送管道，在独立协程中等待
// 已排队的帧写完 (最长 writeTimeout)，半关闭写方向后再关闭套接字。
// 之后等待连接协程退出、通知会话，最后归还到连接池。
// id 非 0 时只关闭对应生命周期的连接。
func (c *TCPConn) closeWith(id uint64, graceful bool, reason DisconnectReason) bool {
	c.mu.Lock()
	if (id != 0 && id != c.id) || !c.isOpen() {
		c.mu.Unlock()
		return false
	}
	atomic.StoreInt32(&c.state, int32(StateClosed))
	c.graceful = graceful
	c.reason = reason
	cancel := c.cancel
	conn := c.conn
	remote := c.remote
	sendQ, sendDone := c.sendQ, c.sendDone
	c.mu.Unlock()

	c.env.logger.Debugf("TCP 连接关闭: remote=%v, graceful=%v, reason=%s", remote, graceful, reason)

	if graceful && sendDone != nil {
		sendQ.Seal()
		go func() {
			c.awaitSendDrain(sendDone)
			shutdownSocket(cancel, conn, true)
			c.finalize()
		}()
		return true
	}

	shutdownSocket(cancel, conn, false)
	go c.finalize()
	return true
}

// awaitSendDrain 等待发送协程写完已排队的帧
func (c *TCPConn) awaitSendDrain(done <-chan struct{}) {
	timeout := c.env.writeTimeout
	if timeout <= 0 {
		timeout = defaultDrainTimeout
	}
	timer := c.env.clock.Timer(timeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		atomic.AddUint64(&c.env.stats.dropped, 1)
		c.env.logger.Debugf("TCP 优雅关闭超时，放弃未写出的帧: remote=%v", c.RemoteAddr())
	}
}

// shutdownSocket 取消连接上下文并关闭套接字，halfClose 时先发送 FIN
func shutdownSocket(cancel context.CancelFunc, conn net.Conn, halfClose bool) {
	if halfClose {
		if cw, ok := conn.(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
		}
	}
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *TCPConn) finalize() {
	defer c.env.wg.Done()

	c.wg.Wait()
	c.recvQ.Close(func(p *Packet) { p.Release() })
	c.sendQ.Close(func(s *SendContext) { s.release() })

	c.mu.Lock()
	id, session, graceful, reason, running := c.id, c.session, c.graceful, c.reason, c.running
	c.id = 0
	c.conn = nil
	c.remote = nil
	c.session = nil
	c.sendQ = nil
	c.recvQ = nil
	c.ctx = nil
	c.cancel = nil
	c.sendDone = nil
	c.running = false
	if c.op != nil {
		c.op.Conn = nil
	}
	c.ring.Reset()
	c.mu.Unlock()

	atomic.AddUint64(&c.env.stats.closed, 1)
	c.env.observer.OnDisconnect(c.env.transport, reason)
	if running {
		atomic.AddInt64(&c.env.stats.active, -1)
		session.OnDisconnected(graceful, reason)
	}

	atomic.StoreInt32(&c.state, int32(StateIdle))
	if c.release != nil {
		c.release(c, id)
	}
}

// =============================================================================
// 接收路径
// =============================================================================

func (c *TCPConn) receiveLoop() {
	defer c.wg.Done()

	buf := c.op.Buffer()
	for {
		if c.ctx.Err() != nil {
			return
		}

		n := min(len(buf), c.ring.FreeSize())
		if n == 0 {
			// 缓冲区满却解析不出完整帧
			atomic.AddUint64(&c.env.stats.invalidFrames, 1)
			c.closeWith(0, false, ReasonInvalidData)
			return
		}

		if c.opts.ReadTimeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		}
		nr, err := c.conn.Read(buf[:n])
		if nr > 0 {
			atomic.AddUint64(&c.env.stats.bytesIn, uint64(nr))
			c.ring.Append(buf[:nr])
			if !c.drain() {
				return
			}
		}
		if err != nil {
			c.handleReadError(err)
			return
		}
	}
}

// drain 取出所有完整帧并送入接收管道
func (c *TCPConn) drain() bool {
	for {
		pkt, err := c.ring.ExtractPacket()
		switch {
		case err == nil:
			atomic.AddUint64(&c.env.stats.packetsIn, 1)
			if err := c.recvQ.Enqueue(pkt); err != nil {
				pkt.Release()
				return false
			}
		case errors.Is(err, ErrNeedMoreData):
			return true
		case errors.Is(err, ErrBufferUnavailable):
			if !c.waitForBuffer() {
				return false
			}
		default:
			atomic.AddUint64(&c.env.stats.invalidFrames, 1)
			c.env.logger.Debugf("TCP 非法帧: remote=%v, err=%v", c.remote, err)
			c.closeWith(0, false, ReasonInvalidData)
			return false
		}
	}
}

func (c *TCPConn) waitForBuffer() bool {
	atomic.AddUint64(&c.env.stats.dropped, 1)
	timer := c.env.clock.Timer(bufferRetryDelay)
	defer timer.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *TCPConn) handleReadError(err error) {
	if !c.isOpen() {
		return
	}
	var ne net.Error
	switch {
	case errors.Is(err, io.EOF):
		c.closeWith(0, true, ReasonRemoteClosed)
	case errors.As(err, &ne) && ne.Timeout():
		c.closeWith(0, false, ReasonIdleTimeout)
	default:
		c.session.OnError(fmt.Errorf("读取失败: %w", err))
		c.closeWith(0, false, ReasonTransportError)
	}
}

func (c *TCPConn) dispatch(pkt *Packet) {
	c.session.OnReceived(pkt)
}

// =============================================================================
// 发送路径
// =============================================================================

// write 由发送管道的唯一消费者调用，保证同一套接字不会并发写
func (c *TCPConn) write(sc *SendContext) {
	defer sc.release()

	op, err := c.env.ops.RentWithoutBuffer()
	if err != nil {
		atomic.AddUint64(&c.env.stats.dropped, 1)
		c.env.logger.Warnf("TCP 发送丢弃，操作上下文耗尽: remote=%v", c.remote)
		return
	}
	op.Kind = pool.OpSend
	op.Conn = c.conn
	op.UserToken = sc
	op.OnComplete = c.env.onSent

	if c.env.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.env.writeTimeout))
	}
	n, werr := c.conn.Write(sc.Data)
	op.Complete(n, werr)
	c.env.ops.Return(op)

	if werr != nil {
		if c.isOpen() {
			c.session.OnError(fmt.Errorf("写入失败: %w", werr))
			c.closeWith(0, false, ReasonTransportError)
		}
		return
	}
	atomic.AddUint64(&c.env.stats.packetsOut, 1)
	atomic.AddUint64(&c.env.stats.bytesOut, uint64(n))
}

// =============================================================================
// 会话句柄
// =============================================================================

type tcpHandle struct {
	c      *TCPConn
	id     uint64
	remote net.Addr
}

func (h *tcpHandle) ID() uint64 {
	return h.id
}

func (h *tcpHandle) RemoteAddr() net.Addr {
	return h.remote
}

func (h *tcpHandle) Send(packetType uint16, payload []byte) error {
	return h.c.send(h.id, packetType, payload)
}

func (h *tcpHandle) Close() error {
	if !h.c.closeWith(h.id, true, ReasonLocalClose) {
		return ErrConnClosed
	}
	return nil
}
