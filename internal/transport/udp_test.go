// =============================================================================
// 文件: internal/transport/udp_test.go
// 描述: UDP 传输层测试 (本地回环 + 模拟时钟)
// =============================================================================
package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrcgq/netcore/internal/pool"
	"github.com/mrcgq/netcore/internal/protocol"
)

const testResendInterval = 100 * time.Millisecond

type udpFixture struct {
	srv   *UDPServer
	slabs *pool.SlabBufferPool
	ops   *pool.OperationContextPool
	clock *clock.Mock
	q     *sessionQueue
}

func newUDPFixture(t *testing.T, idleTimeout time.Duration, echo bool, opts ...ServerOption) *udpFixture {
	t.Helper()
	q := &sessionQueue{echo: echo}
	f := startUDPFixture(t, idleTimeout, q.factory, opts...)
	f.q = q
	return f
}

func startUDPFixture(t *testing.T, idleTimeout time.Duration, sessions SessionFactory, opts ...ServerOption) *udpFixture {
	t.Helper()

	slabs := newTestSlabs(t, 256, 128)
	ops := pool.NewOperationContextPool(slabs, 0, nil)
	mock := clock.NewMock()

	cfg := DefaultUDPServerConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.MaxConnections = 4
	cfg.RingCapacity = 1024
	cfg.MaxPacketSize = 256
	cfg.ResendInterval = testResendInterval
	cfg.IdleTimeout = idleTimeout
	cfg.ClosedFilterSize = 64
	cfg.ReadBufferSize = 0
	cfg.WriteBufferSize = 0

	s := NewUDPServer(cfg, slabs, ops, sessions, append([]ServerOption{WithClock(mock)}, opts...)...)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		if err := s.Stop(); err != nil && !errors.Is(err, ErrServerClosed) {
			t.Errorf("停止服务器失败: %v", err)
		}
	})
	return &udpFixture{srv: s, slabs: slabs, ops: ops, clock: mock}
}

type udpClient struct {
	t      *testing.T
	conn   *net.UDPConn
	server *net.UDPAddr
	token  protocol.SessionToken
}

func (f *udpFixture) dial(t *testing.T) *udpClient {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &udpClient{
		t:      t,
		conn:   conn,
		server: f.srv.Addr().(*net.UDPAddr),
		token:  protocol.NewSessionToken(),
	}
}

func (c *udpClient) write(b []byte) {
	c.t.Helper()
	_, err := c.conn.WriteToUDP(b, c.server)
	require.NoError(c.t, err)
}

func (c *udpClient) send(seq, packetType uint16, payload []byte) {
	c.t.Helper()
	c.write(protocol.BuildUDPFrame(c.token, seq, 0, packetType, payload))
}

// tryRead 在 wait 内读取一个信封
func (c *udpClient) tryRead(wait time.Duration) (protocol.UDPHeader, []byte, bool) {
	buf := make([]byte, 2048)
	_ = c.conn.SetReadDeadline(time.Now().Add(wait))
	n, _, err := c.conn.ReadFromUDP(buf)
	if err != nil {
		return protocol.UDPHeader{}, nil, false
	}
	h, err := protocol.ParseUDPHeader(buf[:n])
	if err != nil {
		return protocol.UDPHeader{}, nil, false
	}
	return h, buf[protocol.UDPHeaderSize:n], true
}

func (c *udpClient) read() (protocol.UDPHeader, []byte) {
	c.t.Helper()
	h, payload, ok := c.tryRead(testWait)
	require.True(c.t, ok, "等待服务器数据报超时")
	return h, payload
}

// greet 完成握手并返回服务器侧会话
func (c *udpClient) greet(f *udpFixture, index int) *recordingSession {
	c.t.Helper()
	c.write(protocol.BuildGreeting(c.token))

	h, payload := c.read()
	assert.Equal(c.t, protocol.TypeGreeting, h.Type)
	assert.Equal(c.t, c.token, h.Token)
	assert.Equal(c.t, protocol.GreetingMagic, payload)

	sess := f.q.get(c.t, index)
	sess.waitConnected(c.t)
	return sess
}

func TestUDPServer_GreetingAndData(t *testing.T) {
	f := newUDPFixture(t, 0, false)
	client := f.dial(t)
	sess := client.greet(f, 0)
	assert.Equal(t, 1, f.srv.Connections())

	client.send(0, 7, []byte("ping"))

	h, _ := client.read()
	assert.Equal(t, protocol.TypeAck, h.Type)
	assert.Equal(t, uint16(0), h.Ack)

	r := sess.waitPacket(t)
	assert.Equal(t, uint16(7), r.typ)
	assert.Equal(t, []byte("ping"), r.payload)
}

func TestUDPServer_ReorderedDelivery(t *testing.T) {
	f := newUDPFixture(t, 0, false)
	client := f.dial(t)
	sess := client.greet(f, 0)

	for _, seq := range []uint16{1, 0, 2, 1} {
		client.send(seq, 3, []byte{byte(seq)})
		h, _ := client.read()
		require.Equal(t, protocol.TypeAck, h.Type)
		assert.Equal(t, seq, h.Ack, "重复包同样需要确认")
	}

	for want := uint16(0); want < 3; want++ {
		r := sess.waitPacket(t)
		assert.Equal(t, want, r.seq)
		assert.Equal(t, []byte{byte(want)}, r.payload)
	}
	select {
	case r := <-sess.packets:
		t.Fatalf("重复包不应投递: seq=%d", r.seq)
	case <-time.After(50 * time.Millisecond):
	}

	require.Eventually(t, func() bool {
		return f.srv.Stats().Duplicates == 1
	}, testWait, 5*time.Millisecond)
}

func TestUDPServer_ResendUntilAcked(t *testing.T) {
	f := newUDPFixture(t, 0, false)
	client := f.dial(t)
	sess := client.greet(f, 0)
	h := sess.conn

	require.NoError(t, h.Send(9, []byte("pong")))
	first, payload := client.read()
	assert.Equal(t, uint16(9), first.Type)
	assert.Equal(t, []byte("pong"), payload)

	// 不确认，推进时钟直到收到重发
	var resent protocol.UDPHeader
	require.Eventually(t, func() bool {
		f.clock.Add(testResendInterval)
		hdr, _, ok := client.tryRead(20 * time.Millisecond)
		if ok && hdr.Type == 9 {
			resent = hdr
			return true
		}
		return false
	}, testWait, time.Millisecond)
	assert.Equal(t, first.Seq, resent.Seq)
	assert.GreaterOrEqual(t, f.srv.Stats().Resends, uint64(1))
	assert.Equal(t, int64(1), f.srv.Stats().Unacked)

	client.write(protocol.BuildAck(client.token, first.Seq))
	require.Eventually(t, func() bool {
		st := f.srv.Stats()
		return st.Acks == 1 && st.Unacked == 0
	}, testWait, 5*time.Millisecond)

	// 确认后不再重发
	for i := 0; i < 3; i++ {
		f.clock.Add(2 * testResendInterval)
	}
	for {
		hdr, _, ok := client.tryRead(50 * time.Millisecond)
		if !ok {
			break
		}
		assert.NotEqual(t, uint16(9), hdr.Type, "已确认的包被重发")
	}
}

func TestUDPServer_ReservedTypeRejected(t *testing.T) {
	f := newUDPFixture(t, 0, false)
	client := f.dial(t)
	sess := client.greet(f, 0)

	assert.ErrorIs(t, sess.conn.Send(protocol.TypeGreeting, nil), ErrReservedType)
	assert.ErrorIs(t, sess.conn.Send(1, make([]byte, 300)), ErrPacketTooLarge)
}

func TestUDPServer_UnknownTokenDropped(t *testing.T) {
	f := newUDPFixture(t, 0, false)
	client := f.dial(t)

	client.send(0, 1, []byte("no session"))
	_, _, ok := client.tryRead(100 * time.Millisecond)
	assert.False(t, ok)

	require.Eventually(t, func() bool {
		return f.srv.Stats().Dropped == 1
	}, testWait, 5*time.Millisecond)
	assert.Equal(t, 0, f.srv.Connections())
}

func TestUDPServer_RemoteDisconnectBlocksToken(t *testing.T) {
	f := newUDPFixture(t, 0, false)
	client := f.dial(t)
	sess := client.greet(f, 0)

	client.send(0, protocol.TypeDisconnect, nil)
	d := sess.waitDisconnected(t)
	assert.True(t, d.graceful)
	assert.Equal(t, ReasonRemoteClosed, d.reason)

	// 同一令牌不能重新握手
	client.write(protocol.BuildGreeting(client.token))
	_, _, ok := client.tryRead(100 * time.Millisecond)
	assert.False(t, ok)
	require.Eventually(t, func() bool {
		return f.srv.Stats().Refused == 1
	}, testWait, 5*time.Millisecond)

	// 新令牌可以复用回收的连接
	require.Eventually(t, func() bool {
		return f.srv.PoolStats().Pooled == 1
	}, testWait, 5*time.Millisecond)
	client.token = protocol.NewSessionToken()
	client.greet(f, 1)
	assert.Equal(t, 1, f.srv.PoolStats().Created)
}

func TestUDPServer_IdleTimeout(t *testing.T) {
	f := newUDPFixture(t, time.Second, false)
	client := f.dial(t)
	sess := client.greet(f, 0)

	var d disconnected
	require.Eventually(t, func() bool {
		f.clock.Add(500 * time.Millisecond)
		select {
		case d = <-sess.disconnected:
			return true
		default:
			return false
		}
	}, testWait, 5*time.Millisecond)

	assert.False(t, d.graceful)
	assert.Equal(t, ReasonIdleTimeout, d.reason)
	assert.Equal(t, 0, f.srv.Connections())
}

func TestUDPServer_InvalidEnvelopeCloses(t *testing.T) {
	f := newUDPFixture(t, 0, false)
	client := f.dial(t)
	sess := client.greet(f, 0)

	// 信封长度字段超过最大包
	frame := protocol.BuildUDPFrame(client.token, 0, 0, 1, []byte("x"))
	frame[20], frame[21] = 0xFF, 0xFF
	client.write(frame)

	d := sess.waitDisconnected(t)
	assert.False(t, d.graceful)
	assert.Equal(t, ReasonInvalidData, d.reason)
}

func TestUDPServer_StopNotifiesPeers(t *testing.T) {
	f := newUDPFixture(t, 0, false)
	client := f.dial(t)
	sess := client.greet(f, 0)

	require.NoError(t, f.srv.Stop())

	d := sess.waitDisconnected(t)
	assert.Equal(t, ReasonServerStop, d.reason)

	h, _ := client.read()
	assert.Equal(t, protocol.TypeDisconnect, h.Type)
	assert.Equal(t, 0, f.slabs.Stats().InUse)
}

func TestUDPServer_ReorderBacklogInStats(t *testing.T) {
	f := newUDPFixture(t, 0, false)
	client := f.dial(t)
	client.greet(f, 0)

	client.send(1, 3, []byte("early"))
	client.read()
	require.Eventually(t, func() bool {
		return f.srv.Stats().ReorderBuffered == 1
	}, testWait, 5*time.Millisecond)
	assert.Equal(t, int64(1), f.srv.GetStats()["reorder_buffer"])

	client.send(0, 3, []byte("first"))
	client.read()
	require.Eventually(t, func() bool {
		return f.srv.Stats().ReorderBuffered == 0
	}, testWait, 5*time.Millisecond)
}

// 对端立即确认时，每个确认都应命中已跟踪的包
func TestUDPServer_ImmediateAcksAllMatched(t *testing.T) {
	f := newUDPFixture(t, 0, false)
	client := f.dial(t)
	sess := client.greet(f, 0)
	h := sess.conn

	const rounds, batch = 10, 20
	for r := 0; r < rounds; r++ {
		for i := 0; i < batch; i++ {
			require.NoError(t, h.Send(5, []byte{byte(i)}))
		}
		for i := 0; i < batch; i++ {
			hdr, _ := client.read()
			require.Equal(t, uint16(5), hdr.Type)
			client.write(protocol.BuildAck(client.token, hdr.Seq))
		}
	}

	require.Eventually(t, func() bool {
		st := f.srv.Stats()
		return st.Acks == rounds*batch && st.Unacked == 0
	}, testWait, 5*time.Millisecond, "确认未命中跟踪: %+v", f.srv.Stats())
	assert.Zero(t, f.srv.Stats().Resends)
}

func TestUDPServer_SendCompletion(t *testing.T) {
	rec := &sendRecorder{}
	f := newUDPFixture(t, 0, false, WithSendCompletion(rec.onSent))
	client := f.dial(t)
	sess := client.greet(f, 0)

	require.NoError(t, sess.conn.Send(9, []byte("pong")))
	hdr, payload := client.read()
	require.Equal(t, uint16(9), hdr.Type)

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 2 && f.ops.Stats().Rented == 2
	}, testWait, 5*time.Millisecond, "只剩服务器接收上下文与连接上下文")

	records := rec.snapshot()
	wantSizes := []int{
		protocol.UDPFrameSize(len(protocol.GreetingMagic)),
		protocol.UDPFrameSize(len(payload)),
	}
	wantTypes := []uint16{protocol.TypeGreeting, 9}
	local := client.conn.LocalAddr().(*net.UDPAddr)
	for i, r := range records {
		assert.Equal(t, pool.OpSendTo, r.kind)
		assert.NoError(t, r.err)
		assert.Equal(t, wantSizes[i], r.n)
		require.True(t, r.hasSC, "UserToken 应为 *SendContext")
		assert.Equal(t, wantTypes[i], r.typ)
		assert.Equal(t, r.n, r.dataLen)
		require.NotNil(t, r.remote)
		assert.Equal(t, local.Port, r.remote.Port)
	}

	require.NoError(t, f.srv.Stop())
	assert.Equal(t, 0, f.ops.Stats().Rented)
	assert.Len(t, rec.snapshot(), 2, "每帧只回调一次")
}

// gatedSession 在 gate 关闭前阻塞 OnConnected
type gatedSession struct {
	*recordingSession
	gate chan struct{}
}

func (s *gatedSession) OnConnected(conn Conn) {
	<-s.gate
	s.recordingSession.OnConnected(conn)
}

func TestUDPServer_SlowOnConnectedDoesNotStallPeers(t *testing.T) {
	gate := make(chan struct{})
	q := &sessionQueue{}
	var calls int32
	f := startUDPFixture(t, 0, func(addr net.Addr) Session {
		s := q.factory(addr).(*recordingSession)
		if atomic.AddInt32(&calls, 1) == 1 {
			return &gatedSession{recordingSession: s, gate: gate}
		}
		return s
	})
	f.q = q
	var once sync.Once
	release := func() { once.Do(func() { close(gate) }) }
	t.Cleanup(release)

	slow := f.dial(t)
	slow.write(protocol.BuildGreeting(slow.token))
	h, _ := slow.read()
	assert.Equal(t, protocol.TypeGreeting, h.Type)
	slow.send(0, 4, []byte("queued"))
	h, _ = slow.read()
	assert.Equal(t, protocol.TypeAck, h.Type)

	// 第一个会话仍阻塞时，其他对端照常握手收发
	fast := f.dial(t)
	fastSess := fast.greet(f, 1)
	fast.send(0, 4, []byte("fast"))
	assert.Equal(t, []byte("fast"), fastSess.waitPacket(t).payload)

	slowSess := q.get(t, 0)
	select {
	case <-slowSess.connected:
		t.Fatal("gate 关闭前不应回调 OnConnected")
	default:
	}

	release()
	slowSess.waitConnected(t)
	assert.Equal(t, []byte("queued"), slowSess.waitPacket(t).payload, "OnConnected 先于首个数据包")
}
