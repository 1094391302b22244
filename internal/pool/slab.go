// =============================================================================
// 文件: internal/pool/slab.go
// 描述: 固定块缓冲池 - 单块连续内存切分为等长块，按索引分配/回收
// =============================================================================
package pool

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	ErrPoolExhausted     = errors.New("缓冲池已耗尽")
	ErrForeignBlock      = errors.New("缓冲块不属于该池")
	ErrBlockSizeMismatch = errors.New("缓冲块大小不匹配")
	ErrDoubleFree        = errors.New("缓冲块重复归还")
)

// Block 缓冲块所有权句柄
//
// 句柄由 (池, 索引, 代数) 唯一确定。归还后句柄失效：Bytes 返回 nil，
// 再次归还会因代数不匹配被识别为重复归还。
type Block struct {
	pool  *SlabBufferPool
	index int
	gen   uint32
	buf   []byte
}

// Bytes 返回块的完整字节切片，已归还的块返回 nil
func (b *Block) Bytes() []byte {
	if b == nil {
		return nil
	}
	return b.buf
}

// Index 块索引
func (b *Block) Index() int {
	return b.index
}

// Release 归还到所属池
func (b *Block) Release() {
	if b == nil || b.pool == nil {
		return
	}
	if err := b.pool.Free(b); err != nil {
		b.pool.logger.Errorf("归还缓冲块失败: index=%d, err=%v", b.index, err)
	}
}

// SlabStats 缓冲池统计
type SlabStats struct {
	BlockSize   int
	TotalBlocks int
	InUse       int
	FreeList    int
	Unallocated int
	Allocs      uint64
	Frees       uint64
	Exhausted   uint64
	BadFrees    uint64
}

// SlabBufferPool 固定块缓冲池
type SlabBufferPool struct {
	arena       []byte
	blockSize   int
	totalBlocks int

	mu           sync.Mutex
	freeIndex    []int
	currentIndex int
	inUse        int
	gens         []uint32

	allocs    uint64
	frees     uint64
	exhausted uint64
	badFrees  uint64

	logger *zap.SugaredLogger
}

// SlabOption 缓冲池选项
type SlabOption func(*SlabBufferPool)

// WithSlabLogger 设置日志
func WithSlabLogger(logger *zap.SugaredLogger) SlabOption {
	return func(p *SlabBufferPool) {
		p.logger = logger
	}
}

// NewSlabBufferPool 创建缓冲池
func NewSlabBufferPool(blockSize, totalBlocks int, opts ...SlabOption) (*SlabBufferPool, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("block_size 必须大于 0: %d", blockSize)
	}
	if totalBlocks <= 0 {
		return nil, fmt.Errorf("block_count 必须大于 0: %d", totalBlocks)
	}

	p := &SlabBufferPool{
		arena:       make([]byte, blockSize*totalBlocks),
		blockSize:   blockSize,
		totalBlocks: totalBlocks,
		freeIndex:   make([]int, 0, totalBlocks),
		gens:        make([]uint32, totalBlocks),
		logger:      zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// BlockSize 块大小
func (p *SlabBufferPool) BlockSize() int {
	return p.blockSize
}

// Allocate 分配一个块
//
// 优先复用回收块（复用前清零），其次从未分配的尾部切出新块，
// 都没有时返回 false，调用方应视为背压而不是致命错误。
func (p *SlabBufferPool) Allocate() (*Block, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var idx int
	if n := len(p.freeIndex); n > 0 {
		idx = p.freeIndex[n-1]
		p.freeIndex = p.freeIndex[:n-1]
		clear(p.slice(idx))
	} else if p.currentIndex < p.totalBlocks {
		idx = p.currentIndex
		p.currentIndex++
	} else {
		atomic.AddUint64(&p.exhausted, 1)
		return nil, false
	}

	p.inUse++
	atomic.AddUint64(&p.allocs, 1)

	return &Block{
		pool:  p,
		index: idx,
		gen:   p.gens[idx],
		buf:   p.slice(idx),
	}, true
}

// Free 回收块
func (p *SlabBufferPool) Free(b *Block) error {
	if b == nil || b.pool != p || b.index < 0 || b.index >= p.totalBlocks {
		atomic.AddUint64(&p.badFrees, 1)
		return ErrForeignBlock
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if b.gen != p.gens[b.index] {
		atomic.AddUint64(&p.badFrees, 1)
		return ErrDoubleFree
	}
	if cap(b.buf) != p.blockSize {
		atomic.AddUint64(&p.badFrees, 1)
		return ErrBlockSizeMismatch
	}

	p.gens[b.index]++
	b.buf = nil
	p.freeIndex = append(p.freeIndex, b.index)
	p.inUse--
	atomic.AddUint64(&p.frees, 1)
	return nil
}

func (p *SlabBufferPool) slice(idx int) []byte {
	off := idx * p.blockSize
	return p.arena[off : off+p.blockSize : off+p.blockSize]
}

// Stats 统计快照
func (p *SlabBufferPool) Stats() SlabStats {
	p.mu.Lock()
	s := SlabStats{
		BlockSize:   p.blockSize,
		TotalBlocks: p.totalBlocks,
		InUse:       p.inUse,
		FreeList:    len(p.freeIndex),
		Unallocated: p.totalBlocks - p.currentIndex,
	}
	p.mu.Unlock()

	s.Allocs = atomic.LoadUint64(&p.allocs)
	s.Frees = atomic.LoadUint64(&p.frees)
	s.Exhausted = atomic.LoadUint64(&p.exhausted)
	s.BadFrees = atomic.LoadUint64(&p.badFrees)
	return s
}

// GetStats 获取统计
func (p *SlabBufferPool) GetStats() map[string]interface{} {
	s := p.Stats()
	return map[string]interface{}{
		"block_size":   s.BlockSize,
		"total_blocks": s.TotalBlocks,
		"in_use":       s.InUse,
		"free_list":    s.FreeList,
		"unallocated":  s.Unallocated,
		"allocs":       s.Allocs,
		"frees":        s.Frees,
		"exhausted":    s.Exhausted,
		"bad_frees":    s.BadFrees,
	}
}
