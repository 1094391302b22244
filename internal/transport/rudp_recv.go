// =============================================================================
// 文件: internal/transport/rudp_recv.go
// 描述: 可靠 UDP - 接收端乱序缓存与按序投递
// =============================================================================
package transport

import "sync/atomic"

// seqHalfRange 16 位序列号的一半，超过即视为旧包
const seqHalfRange = 0x8000

// DeliverFunc 按序投递回调
type DeliverFunc func(pkt *Packet)

// ReceiveResult 接收结果
type ReceiveResult int

const (
	ReceiveDelivered ReceiveResult = iota
	ReceiveBuffered
	ReceiveDuplicate
)

func (r ReceiveResult) String() string {
	switch r {
	case ReceiveDelivered:
		return "delivered"
	case ReceiveBuffered:
		return "buffered"
	default:
		return "duplicate"
	}
}

// RecvTracker 接收端跟踪器
//
// 只在所属连接的接收路径上使用，不加锁。丢失的包完全依赖发送端超时重发，
// 乱序缓存没有上限。
type RecvTracker struct {
	expected   uint16
	outOfOrder map[uint16]*Packet
	deliver    DeliverFunc

	delivered  uint64
	buffered   uint64
	duplicates uint64
}

// NewRecvTracker 创建接收端跟踪器
func NewRecvTracker() *RecvTracker {
	return &RecvTracker{
		outOfOrder: make(map[uint16]*Packet),
	}
}

// SetDeliverFunc 设置投递回调
func (t *RecvTracker) SetDeliverFunc(fn DeliverFunc) {
	t.deliver = fn
}

// Expected 下一个期望的序列号
func (t *RecvTracker) Expected() uint16 {
	return t.expected
}

// Buffered 乱序缓存中的包数
func (t *RecvTracker) Buffered() int {
	return len(t.outOfOrder)
}

// UpdateReceived 处理收到的数据包
//
// 旧包或重复包被丢弃并归还缓冲；期望的包立即投递，并连续投递缓存中
// 紧随其后的包；其余包按序列号缓存 (先到者保留)。
func (t *RecvTracker) UpdateReceived(pkt *Packet) ReceiveResult {
	delta := pkt.Seq - t.expected
	if delta > seqHalfRange {
		atomic.AddUint64(&t.duplicates, 1)
		pkt.Release()
		return ReceiveDuplicate
	}

	if delta != 0 {
		if _, exists := t.outOfOrder[pkt.Seq]; exists {
			atomic.AddUint64(&t.duplicates, 1)
			pkt.Release()
			return ReceiveDuplicate
		}
		t.outOfOrder[pkt.Seq] = pkt
		atomic.AddUint64(&t.buffered, 1)
		return ReceiveBuffered
	}

	t.emit(pkt)
	for {
		next, ok := t.outOfOrder[t.expected]
		if !ok {
			break
		}
		delete(t.outOfOrder, t.expected)
		t.emit(next)
	}
	return ReceiveDelivered
}

func (t *RecvTracker) emit(pkt *Packet) {
	t.expected++
	atomic.AddUint64(&t.delivered, 1)
	if t.deliver != nil {
		t.deliver(pkt)
	} else {
		pkt.Release()
	}
}

// Clear 清空缓存并归还缓冲，期望序列号归零
func (t *RecvTracker) Clear() {
	for seq, pkt := range t.outOfOrder {
		pkt.Release()
		delete(t.outOfOrder, seq)
	}
	t.expected = 0
	t.deliver = nil
}

// RecvTrackerStats 接收端统计
type RecvTrackerStats struct {
	Expected   uint16
	Buffered   int
	Delivered  uint64
	Reordered  uint64
	Duplicates uint64
}

// Stats 统计快照，与 UpdateReceived 同一协程调用
func (t *RecvTracker) Stats() RecvTrackerStats {
	return RecvTrackerStats{
		Expected:   t.expected,
		Buffered:   len(t.outOfOrder),
		Delivered:  atomic.LoadUint64(&t.delivered),
		Reordered:  atomic.LoadUint64(&t.buffered),
		Duplicates: atomic.LoadUint64(&t.duplicates),
	}
}
