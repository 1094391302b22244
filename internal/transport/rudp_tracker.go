// =============================================================================
// 文件: internal/transport/rudp_tracker.go
// 描述: 可靠 UDP - 每个对端一份的收发跟踪器
// =============================================================================
package transport

import "time"

// RudpTracker 组合发送端与接收端跟踪
type RudpTracker struct {
	Send *SendTracker
	Recv *RecvTracker
}

// NewRudpTracker 创建跟踪器
func NewRudpTracker(resendInterval time.Duration) *RudpTracker {
	return &RudpTracker{
		Send: NewSendTracker(resendInterval),
		Recv: NewRecvTracker(),
	}
}

// Arm 设置重发与投递回调
func (t *RudpTracker) Arm(resend ResendFunc, deliver DeliverFunc) {
	t.Send.SetResendFunc(resend)
	t.Recv.SetDeliverFunc(deliver)
}

// Clear 清空两端状态并归还所有缓冲
func (t *RudpTracker) Clear() {
	t.Send.Clear()
	t.Recv.Clear()
}
