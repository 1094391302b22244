// =============================================================================
// 文件: internal/transport/ring_buffer.go
// 描述: 环形包缓冲区 - 字节流切分为带类型的数据包 (TCP 帧 / UDP 信封)
// =============================================================================
package transport

import (
	"encoding/binary"

	"github.com/mrcgq/netcore/internal/pool"
	"github.com/mrcgq/netcore/internal/protocol"
)

// RingPacketBuffer 环形包缓冲区
//
// 始终保留一个空槽区分满与空：writePos == readPos 表示空。
// 只由所属连接的接收路径访问，不加锁。
type RingPacketBuffer struct {
	buf      []byte
	capacity int
	readPos  int
	writePos int

	maxPacketSize int
	slabs         *pool.SlabBufferPool
}

// NewRingPacketBuffer 创建环形缓冲区，容量至少能容纳一个最大包
func NewRingPacketBuffer(capacity, maxPacketSize int, slabs *pool.SlabBufferPool) *RingPacketBuffer {
	if capacity <= maxPacketSize {
		capacity = maxPacketSize + 1
	}
	return &RingPacketBuffer{
		buf:           make([]byte, capacity),
		capacity:      capacity,
		maxPacketSize: maxPacketSize,
		slabs:         slabs,
	}
}

// Capacity 底层容量 (可存储 Capacity-1 字节)
func (r *RingPacketBuffer) Capacity() int {
	return r.capacity
}

// DataSize 已缓冲字节数
func (r *RingPacketBuffer) DataSize() int {
	return (r.writePos - r.readPos + r.capacity) % r.capacity
}

// FreeSize 可写入字节数
func (r *RingPacketBuffer) FreeSize() int {
	return r.capacity - r.DataSize() - 1
}

// Append 写入数据，空间不足时整体失败
func (r *RingPacketBuffer) Append(p []byte) bool {
	if len(p) > r.FreeSize() {
		return false
	}
	n := copy(r.buf[r.writePos:], p)
	if n < len(p) {
		copy(r.buf, p[n:])
	}
	r.writePos = (r.writePos + len(p)) % r.capacity
	return true
}

// Peek 从 readPos+offset 处复制 len(dst) 字节，不移动读指针
func (r *RingPacketBuffer) Peek(dst []byte, offset int) bool {
	if offset < 0 || offset+len(dst) > r.DataSize() {
		return false
	}
	start := (r.readPos + offset) % r.capacity
	n := copy(dst, r.buf[start:])
	if n < len(dst) {
		copy(dst[n:], r.buf)
	}
	return true
}

// PeekUint16 读取大端 uint16
func (r *RingPacketBuffer) PeekUint16(offset int) (uint16, bool) {
	var b [2]byte
	if !r.Peek(b[:], offset) {
		return 0, false
	}
	return binary.BigEndian.Uint16(b[:]), true
}

// Skip 丢弃 n 字节
func (r *RingPacketBuffer) Skip(n int) bool {
	if n < 0 || n > r.DataSize() {
		return false
	}
	r.readPos = (r.readPos + n) % r.capacity
	return true
}

// Reset 清空缓冲区
func (r *RingPacketBuffer) Reset() {
	clear(r.buf)
	r.readPos = 0
	r.writePos = 0
}

// ExtractPacket 取出一个 TCP 帧
// 格式: bodyLength(2) + packetType(2) + payload
func (r *RingPacketBuffer) ExtractPacket() (*Packet, error) {
	return r.extract(0)
}

// ExtractUDPPacket 取出一个 UDP 信封
// 格式: token(16) + seq(2) + ack(2) + bodyLength(2) + packetType(2) + payload
func (r *RingPacketBuffer) ExtractUDPPacket() (*Packet, error) {
	return r.extract(protocol.UDPPrefixSize)
}

// extract 按 prefix 字节的前缀解析一帧
//
// 头不完整或包体未到齐返回 ErrNeedMoreData；长度非法返回 ErrInvalidLength；
// 申请不到负载缓冲块返回 ErrBufferUnavailable，此时缓冲区不变，可稍后重试。
func (r *RingPacketBuffer) extract(prefix int) (*Packet, error) {
	if r.DataSize() < prefix+protocol.LengthFieldSize {
		return nil, ErrNeedMoreData
	}

	bodyLen, _ := r.PeekUint16(prefix)
	frameLen := prefix + protocol.LengthFieldSize + int(bodyLen)
	if int(bodyLen) < protocol.MinBodyLength || frameLen > r.maxPacketSize {
		return nil, ErrInvalidLength
	}
	if r.DataSize() < frameLen {
		return nil, ErrNeedMoreData
	}

	pkt := &Packet{}
	pkt.Type, _ = r.PeekUint16(prefix + protocol.LengthFieldSize)
	if prefix > 0 {
		r.Peek(pkt.Token[:], 0)
		pkt.Seq, _ = r.PeekUint16(protocol.SessionTokenSize)
		pkt.Ack, _ = r.PeekUint16(protocol.SessionTokenSize + 2)
	}

	payloadLen := int(bodyLen) - protocol.TypeFieldSize
	if payloadLen > 0 {
		if payloadLen > r.slabs.BlockSize() {
			return nil, ErrInvalidLength
		}
		block, ok := r.slabs.Allocate()
		if !ok {
			return nil, ErrBufferUnavailable
		}
		pkt.block = block
		pkt.Payload = block.Bytes()[:payloadLen]
		r.Peek(pkt.Payload, prefix+protocol.TCPHeaderSize)
	}

	r.Skip(frameLen)
	return pkt, nil
}
