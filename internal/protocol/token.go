// =============================================================================
// 文件: internal/protocol/token.go
// 描述: UDP 会话令牌
// =============================================================================

package protocol

import (
	"fmt"

	"github.com/google/uuid"
)

// SessionToken 会话令牌，由客户端在握手时生成
type SessionToken [SessionTokenSize]byte

// NewSessionToken 生成随机令牌
func NewSessionToken() SessionToken {
	return SessionToken(uuid.New())
}

// ParseSessionToken 从字节解析令牌
func ParseSessionToken(b []byte) (SessionToken, error) {
	var t SessionToken
	if len(b) != SessionTokenSize {
		return t, fmt.Errorf("令牌长度错误: %d", len(b))
	}
	copy(t[:], b)
	return t, nil
}

// IsZero 是否为空令牌
func (t SessionToken) IsZero() bool {
	return t == SessionToken{}
}

func (t SessionToken) String() string {
	return uuid.UUID(t).String()
}
