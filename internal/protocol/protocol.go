// =============================================================================
// 文件: internal/protocol/protocol.go
// 描述: 线路格式 - TCP 长度前缀帧与可靠 UDP 信封 (全部大端序)
// =============================================================================

package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// =============================================================================
// 帧格式常量
// =============================================================================

const (
	// LengthFieldSize 长度字段 (2 字节，不含自身)
	LengthFieldSize = 2
	// TypeFieldSize 包类型字段
	TypeFieldSize = 2
	// TCPHeaderSize TCP 帧头: bodyLength(2) + packetType(2)
	TCPHeaderSize = LengthFieldSize + TypeFieldSize
	// MinBodyLength bodyLength 至少包含类型字段
	MinBodyLength = TypeFieldSize
	// MaxBodyLength bodyLength 字段上限
	MaxBodyLength = math.MaxUint16

	// SessionTokenSize 会话令牌长度
	SessionTokenSize = 16
	// UDPPrefixSize 信封前缀: token(16) + seq(2) + ack(2)
	UDPPrefixSize = SessionTokenSize + 2 + 2
	// UDPHeaderSize 完整 UDP 头: 前缀 + TCP 风格子头
	UDPHeaderSize = UDPPrefixSize + TCPHeaderSize

	// DefaultMaxPacketSize 默认最大包大小 (含帧头)
	DefaultMaxPacketSize = 4096
)

// 保留包类型
const (
	// TypeAck 纯确认包，不向上层投递
	TypeAck uint16 = 0xFFFF
	// TypeGreeting 会话建立握手
	TypeGreeting uint16 = 0xFFFE
	// TypeDisconnect 对端主动断开
	TypeDisconnect uint16 = 0xFFFD
	// MinReservedType 大于等于该值的类型保留给传输层
	MinReservedType uint16 = 0xFFF0
)

// IsReservedType 是否为传输层保留类型
func IsReservedType(t uint16) bool {
	return t >= MinReservedType
}

// GreetingMagic 握手包负载
var GreetingMagic = []byte("NCKNOCK\x01")

var (
	ErrShortBuffer  = errors.New("目标缓冲区不足")
	ErrBodyTooLarge = errors.New("包体超过长度字段上限")
	ErrTruncated    = errors.New("数据不完整")
)

// =============================================================================
// TCP 帧
// =============================================================================

// TCPFrameSize 负载对应的完整帧长度
func TCPFrameSize(payloadLen int) int {
	return TCPHeaderSize + payloadLen
}

// PutTCPFrame 写入 TCP 帧
// 格式: bodyLength(2) + packetType(2) + payload
func PutTCPFrame(dst []byte, packetType uint16, payload []byte) (int, error) {
	bodyLen := TypeFieldSize + len(payload)
	if bodyLen > MaxBodyLength {
		return 0, ErrBodyTooLarge
	}
	n := LengthFieldSize + bodyLen
	if len(dst) < n {
		return 0, fmt.Errorf("%w: need %d, have %d", ErrShortBuffer, n, len(dst))
	}
	binary.BigEndian.PutUint16(dst[0:2], uint16(bodyLen))
	binary.BigEndian.PutUint16(dst[2:4], packetType)
	copy(dst[TCPHeaderSize:], payload)
	return n, nil
}

// BuildTCPFrame 构建 TCP 帧
func BuildTCPFrame(packetType uint16, payload []byte) []byte {
	frame := make([]byte, TCPFrameSize(len(payload)))
	if _, err := PutTCPFrame(frame, packetType, payload); err != nil {
		return nil
	}
	return frame
}

// =============================================================================
// UDP 信封
// =============================================================================

// UDPHeader UDP 信封头
type UDPHeader struct {
	Token      SessionToken
	Seq        uint16
	Ack        uint16
	BodyLength uint16
	Type       uint16
}

// PayloadLength 负载长度
func (h *UDPHeader) PayloadLength() int {
	return int(h.BodyLength) - TypeFieldSize
}

// UDPFrameSize 负载对应的完整信封长度
func UDPFrameSize(payloadLen int) int {
	return UDPHeaderSize + payloadLen
}

// PutUDPFrame 写入 UDP 信封
// 格式: token(16) + seq(2) + ack(2) + bodyLength(2) + packetType(2) + payload
func PutUDPFrame(dst []byte, token SessionToken, seq, ack, packetType uint16, payload []byte) (int, error) {
	bodyLen := TypeFieldSize + len(payload)
	if bodyLen > MaxBodyLength {
		return 0, ErrBodyTooLarge
	}
	n := UDPPrefixSize + LengthFieldSize + bodyLen
	if len(dst) < n {
		return 0, fmt.Errorf("%w: need %d, have %d", ErrShortBuffer, n, len(dst))
	}
	copy(dst[:SessionTokenSize], token[:])
	binary.BigEndian.PutUint16(dst[16:18], seq)
	binary.BigEndian.PutUint16(dst[18:20], ack)
	binary.BigEndian.PutUint16(dst[20:22], uint16(bodyLen))
	binary.BigEndian.PutUint16(dst[22:24], packetType)
	copy(dst[UDPHeaderSize:], payload)
	return n, nil
}

// BuildUDPFrame 构建 UDP 信封
func BuildUDPFrame(token SessionToken, seq, ack, packetType uint16, payload []byte) []byte {
	frame := make([]byte, UDPFrameSize(len(payload)))
	if _, err := PutUDPFrame(frame, token, seq, ack, packetType, payload); err != nil {
		return nil
	}
	return frame
}

// BuildAck 构建纯确认包
func BuildAck(token SessionToken, seq uint16) []byte {
	return BuildUDPFrame(token, 0, seq, TypeAck, nil)
}

// BuildGreeting 构建握手包
func BuildGreeting(token SessionToken) []byte {
	return BuildUDPFrame(token, 0, 0, TypeGreeting, GreetingMagic)
}

// ParseUDPHeader 解析 UDP 信封头 (不校验包体是否完整)
func ParseUDPHeader(data []byte) (UDPHeader, error) {
	var h UDPHeader
	if len(data) < UDPHeaderSize {
		return h, fmt.Errorf("%w: %d < %d", ErrTruncated, len(data), UDPHeaderSize)
	}
	copy(h.Token[:], data[:SessionTokenSize])
	h.Seq = binary.BigEndian.Uint16(data[16:18])
	h.Ack = binary.BigEndian.Uint16(data[18:20])
	h.BodyLength = binary.BigEndian.Uint16(data[20:22])
	h.Type = binary.BigEndian.Uint16(data[22:24])
	return h, nil
}

// IsGreeting 检查是否为握手包
func IsGreeting(datagram []byte) bool {
	h, err := ParseUDPHeader(datagram)
	if err != nil || h.Type != TypeGreeting {
		return false
	}
	if h.PayloadLength() != len(GreetingMagic) || len(datagram) < UDPHeaderSize+len(GreetingMagic) {
		return false
	}
	return bytes.Equal(datagram[UDPHeaderSize:UDPHeaderSize+len(GreetingMagic)], GreetingMagic)
}

// PeekToken 读取数据报中的会话令牌
func PeekToken(datagram []byte) (SessionToken, bool) {
	var t SessionToken
	if len(datagram) < SessionTokenSize {
		return t, false
	}
	copy(t[:], datagram[:SessionTokenSize])
	return t, true
}
