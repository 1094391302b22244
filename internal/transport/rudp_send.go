// =============================================================================
// 文件: internal/transport/rudp_send.go
// 描述: 可靠 UDP - 发送端未确认包跟踪与超时重发
// =============================================================================
package transport

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/mrcgq/netcore/internal/pool"
)

// DefaultResendInterval 默认重发间隔
const DefaultResendInterval = 200 * time.Millisecond

// ResendFunc 重发回调，frame 仅在回调期间有效
type ResendFunc func(seq uint16, frame []byte)

// unackedEntry 未确认包
type unackedEntry struct {
	block     *pool.Block
	size      int
	firstSent time.Time
	lastSent  time.Time
	resends   int
}

// SendTracker 发送端跟踪器
//
// 纯数据结构，自身没有定时器，由所属连接周期调用 ResendUnacked。
// 发送路径、接收路径 (确认) 与重发定时器分属不同协程，因此加短锁。
type SendTracker struct {
	mu              sync.Mutex
	currentSequence uint16
	unacked         map[uint16]*unackedEntry
	interval        time.Duration
	resend          ResendFunc

	totalTracked uint64
	totalAcked   uint64
	totalResent  uint64
}

// NewSendTracker 创建发送端跟踪器
func NewSendTracker(interval time.Duration) *SendTracker {
	if interval <= 0 {
		interval = DefaultResendInterval
	}
	return &SendTracker{
		unacked:  make(map[uint16]*unackedEntry),
		interval: interval,
	}
}

// SetResendFunc 设置重发回调
func (t *SendTracker) SetResendFunc(fn ResendFunc) {
	t.mu.Lock()
	t.resend = fn
	t.mu.Unlock()
}

// Interval 重发间隔
func (t *SendTracker) Interval() time.Duration {
	return t.interval
}

// NextSequence 返回当前序列号并自增 (16 位回绕)
func (t *SendTracker) NextSequence() uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	seq := t.currentSequence
	t.currentSequence++
	return seq
}

// Track 跟踪已发送的包，block 的所有权转移给跟踪器
//
// 重复跟踪同一序列号只刷新发送时间，多余的缓冲块被归还。
func (t *SendTracker) Track(seq uint16, block *pool.Block, size int, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.unacked[seq]; ok {
		e.lastSent = now
		if block != e.block {
			block.Release()
		}
		return
	}

	t.unacked[seq] = &unackedEntry{
		block:     block,
		size:      size,
		firstSent: now,
		lastSent:  now,
	}
	atomic.AddUint64(&t.totalTracked, 1)
}

// Acknowledge 确认序列号并归还其缓冲块
//
// rtt 只对未重发过的包有效；重复确认返回 ok=false。
func (t *SendTracker) Acknowledge(seq uint16, now time.Time) (rtt time.Duration, ok bool) {
	t.mu.Lock()
	e, exists := t.unacked[seq]
	if exists {
		delete(t.unacked, seq)
	}
	t.mu.Unlock()

	if !exists {
		return 0, false
	}

	if e.resends == 0 {
		rtt = now.Sub(e.firstSent)
	}
	e.block.Release()
	atomic.AddUint64(&t.totalAcked, 1)
	return rtt, true
}

// ResendUnacked 重发超过间隔仍未确认的包，返回重发数量
func (t *SendTracker) ResendUnacked(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	count := 0
	for seq, e := range t.unacked {
		if now.Sub(e.lastSent) <= t.interval {
			continue
		}
		if t.resend != nil {
			t.resend(seq, e.block.Bytes()[:e.size])
		}
		e.lastSent = now
		e.resends++
		count++
	}

	if count > 0 {
		atomic.AddUint64(&t.totalResent, uint64(count))
	}
	return count
}

// Len 未确认包数量
func (t *SendTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.unacked)
}

// Clear 清空并归还全部缓冲块，序列号归零
func (t *SendTracker) Clear() {
	t.mu.Lock()
	entries := t.unacked
	t.unacked = make(map[uint16]*unackedEntry)
	t.currentSequence = 0
	t.resend = nil
	t.mu.Unlock()

	for _, e := range entries {
		e.block.Release()
	}
}

// SendTrackerStats 发送端统计
type SendTrackerStats struct {
	Unacked int
	Tracked uint64
	Acked   uint64
	Resent  uint64
}

// Stats 统计快照
func (t *SendTracker) Stats() SendTrackerStats {
	return SendTrackerStats{
		Unacked: t.Len(),
		Tracked: atomic.LoadUint64(&t.totalTracked),
		Acked:   atomic.LoadUint64(&t.totalAcked),
		Resent:  atomic.LoadUint64(&t.totalResent),
	}
}
