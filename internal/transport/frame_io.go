// =============================================================================
// 文件: internal/transport/frame_io.go
// 描述: 阻塞式 TCP 帧读写器 - 用于探测与测试客户端
// =============================================================================
package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/mrcgq/netcore/internal/protocol"
)

// FrameReader 帧读取器
type FrameReader struct {
	conn    net.Conn
	timeout time.Duration
	maxSize int
}

// NewFrameReader 创建帧读取器，maxSize 为含帧头的最大帧长
func NewFrameReader(conn net.Conn, timeout time.Duration, maxSize int) *FrameReader {
	return &FrameReader{
		conn:    conn,
		timeout: timeout,
		maxSize: maxSize,
	}
}

// ReadFrame 读取一帧，返回包类型与负载
func (r *FrameReader) ReadFrame() (uint16, []byte, error) {
	if r.timeout > 0 {
		_ = r.conn.SetReadDeadline(time.Now().Add(r.timeout))
	}

	var hdr [protocol.TCPHeaderSize]byte
	if _, err := io.ReadFull(r.conn, hdr[:]); err != nil {
		return 0, nil, err
	}

	bodyLen := int(binary.BigEndian.Uint16(hdr[:2]))
	if bodyLen < protocol.MinBodyLength || protocol.LengthFieldSize+bodyLen > r.maxSize {
		return 0, nil, fmt.Errorf("%w: %d", ErrInvalidLength, bodyLen)
	}

	payload := make([]byte, bodyLen-protocol.TypeFieldSize)
	if _, err := io.ReadFull(r.conn, payload); err != nil {
		return 0, nil, err
	}
	return binary.BigEndian.Uint16(hdr[2:]), payload, nil
}

// FrameWriter 帧写入器
type FrameWriter struct {
	conn    net.Conn
	timeout time.Duration
	maxSize int
}

// NewFrameWriter 创建帧写入器
func NewFrameWriter(conn net.Conn, timeout time.Duration, maxSize int) *FrameWriter {
	return &FrameWriter{
		conn:    conn,
		timeout: timeout,
		maxSize: maxSize,
	}
}

// WriteFrame 写入一帧
func (w *FrameWriter) WriteFrame(packetType uint16, payload []byte) error {
	if protocol.TCPFrameSize(len(payload)) > w.maxSize {
		return fmt.Errorf("%w: %d > %d", ErrPacketTooLarge, protocol.TCPFrameSize(len(payload)), w.maxSize)
	}

	if w.timeout > 0 {
		_ = w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	}

	// 帧头与负载一次写出
	_, err := w.conn.Write(protocol.BuildTCPFrame(packetType, payload))
	return err
}
