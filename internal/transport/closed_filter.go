// =============================================================================
// 文件: internal/transport/closed_filter.go
// 描述: 已关闭会话过滤器 - 拒绝使用已关闭令牌重新握手
// =============================================================================
package transport

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/mrcgq/netcore/internal/protocol"
)

const (
	// DefaultClosedFilterSize 每代容量
	DefaultClosedFilterSize = 100000
	// closedFilterFPRate 误判率
	closedFilterFPRate = 0.0001
)

// ClosedFilter 两代轮换的布隆过滤器
//
// 当前代写满后整体降为上一代，查询同时检查两代。误判只会让极少数新令牌
// 握手失败，客户端换一个令牌重试即可。
type ClosedFilter struct {
	mu       sync.Mutex
	current  *bloom.BloomFilter
	previous *bloom.BloomFilter
	capacity uint
	count    uint
}

// NewClosedFilter 创建过滤器
func NewClosedFilter(capacity uint) *ClosedFilter {
	if capacity == 0 {
		capacity = DefaultClosedFilterSize
	}
	return &ClosedFilter{
		current:  bloom.NewWithEstimates(capacity, closedFilterFPRate),
		previous: bloom.NewWithEstimates(capacity, closedFilterFPRate),
		capacity: capacity,
	}
}

// Add 记录已关闭的令牌
func (f *ClosedFilter) Add(token protocol.SessionToken) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.count >= f.capacity {
		f.previous, f.current = f.current, f.previous
		f.current.ClearAll()
		f.count = 0
	}
	f.current.Add(token[:])
	f.count++
}

// Contains 令牌是否可能已关闭
func (f *ClosedFilter) Contains(token protocol.SessionToken) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current.Test(token[:]) || f.previous.Test(token[:])
}
