// =============================================================================
// 文件: internal/transport/pipeline_test.go
// 描述: 管道与连接池测试
// =============================================================================
package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrcgq/netcore/internal/pool"
)

func TestPipeline_FIFOAcrossProducers(t *testing.T) {
	p := NewPipeline[int]()

	const producers, perProducer = 4, 500
	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for j := 0; j < perProducer; j++ {
				assert.NoError(t, p.Enqueue(base*perProducer+j))
			}
		}(i)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	last := make(map[int]int)
	count := 0
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx, func(v int) {
			producer := v / perProducer
			if prev, ok := last[producer]; ok {
				assert.Greater(t, v, prev, "同一生产者的元素必须保序")
			}
			last[producer] = v
			count++
			if count == producers*perProducer {
				cancel()
			}
		})
	}()

	wg.Wait()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("消费超时")
	}

	assert.Equal(t, producers*perProducer, count)
	enq, proc := p.Stats()
	assert.Equal(t, uint64(producers*perProducer), enq)
	assert.Equal(t, uint64(producers*perProducer), proc)
}

func TestPipeline_CloseReleasesRemaining(t *testing.T) {
	p := NewPipeline[int]()
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Enqueue(i))
	}

	var released []int
	p.Close(func(v int) { released = append(released, v) })

	assert.Equal(t, []int{0, 1, 2}, released)
	assert.ErrorIs(t, p.Enqueue(9), ErrPipelineClosed)
	assert.Equal(t, 0, p.Len())

	// 重复关闭无副作用
	p.Close(nil)
}

func TestPipeline_RunStopsOnClose(t *testing.T) {
	p := NewPipeline[int]()
	done := make(chan struct{})
	go func() {
		p.Run(context.Background(), func(int) {})
		close(done)
	}()

	p.Close(nil)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("管道关闭后 Run 未返回")
	}
}

func TestPipeline_SealDrainsQueued(t *testing.T) {
	p := NewPipeline[int]()
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Enqueue(i))
	}
	p.Seal()
	assert.ErrorIs(t, p.Enqueue(9), ErrPipelineClosed, "封口后拒绝新元素")

	var got []int
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(context.Background(), func(v int) { got = append(got, v) })
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("封口的管道消费完后 Run 未返回")
	}
	assert.Equal(t, []int{0, 1, 2}, got)

	// 封口后仍可 Close
	p.Close(nil)
}

type fakeConn struct {
	op *pool.OperationContext
}

func (c *fakeConn) attach(op *pool.OperationContext) { c.op = op }

func (c *fakeConn) detach() *pool.OperationContext {
	op := c.op
	c.op = nil
	return op
}

func TestConnPool_RentReturn(t *testing.T) {
	slabs := newTestSlabs(t, 32, 4)
	ops := pool.NewOperationContextPool(slabs, 0, nil)
	cp := NewConnPool(func() *fakeConn { return &fakeConn{} }, ops, 2, true)

	a, err := cp.Rent()
	require.NoError(t, err)
	require.NotNil(t, a.op)
	assert.True(t, a.op.HasBuffer())

	b, err := cp.Rent()
	require.NoError(t, err)

	_, err = cp.Rent()
	assert.ErrorIs(t, err, ErrTooManyConnections)

	cp.Return(a)
	assert.Nil(t, a.op)
	assert.Equal(t, 1, slabs.Stats().InUse)

	c, err := cp.Rent()
	require.NoError(t, err)
	assert.Same(t, a, c, "归还的连接应被复用")

	cp.Return(b)
	cp.Return(c)
	assert.Equal(t, 0, slabs.Stats().InUse)
	assert.Equal(t, 2, cp.Stats().Pooled)
}

func TestConnPool_BufferExhausted(t *testing.T) {
	slabs := newTestSlabs(t, 32, 1)
	ops := pool.NewOperationContextPool(slabs, 0, nil)
	cp := NewConnPool(func() *fakeConn { return &fakeConn{} }, ops, 0, true)

	a, err := cp.Rent()
	require.NoError(t, err)

	_, err = cp.Rent()
	assert.ErrorIs(t, err, pool.ErrPoolExhausted)
	assert.Equal(t, 1, cp.Stats().Rented, "失败的借用不应占用连接")

	cp.Return(a)
}

func TestConnPool_WithoutBuffer(t *testing.T) {
	slabs := newTestSlabs(t, 32, 1)
	ops := pool.NewOperationContextPool(slabs, 0, nil)
	cp := NewConnPool(func() *fakeConn { return &fakeConn{} }, ops, 0, false)

	a, err := cp.Rent()
	require.NoError(t, err)
	assert.False(t, a.op.HasBuffer())
	assert.Equal(t, 0, slabs.Stats().InUse)
	cp.Return(a)
}
