// =============================================================================
// 文件: internal/pool/object_test.go
// 描述: 泛型对象池与操作上下文池测试
// =============================================================================
package pool

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type widget struct {
	id     int
	closed bool
}

func TestObjectPool_RentReturn(t *testing.T) {
	next := 0
	p := NewObjectPool(func() *widget {
		next++
		return &widget{id: next}
	})

	a, ok := p.Rent()
	require.True(t, ok)
	b, ok := p.Rent()
	require.True(t, ok)
	assert.NotSame(t, a, b)

	p.Return(a)
	p.Return(b)

	// LIFO
	c, ok := p.Rent()
	require.True(t, ok)
	assert.Same(t, b, c)

	s := p.Stats()
	assert.Equal(t, 2, s.Created)
	assert.Equal(t, 1, s.Rented)
	assert.Equal(t, 1, s.Pooled)
	assert.Equal(t, s.Created, s.Rented+s.Pooled)
}

func TestObjectPool_Limit(t *testing.T) {
	p := NewObjectPool(func() *widget { return &widget{} }, WithLimit[*widget](2))

	a, ok := p.Rent()
	require.True(t, ok)
	_, ok = p.Rent()
	require.True(t, ok)

	_, ok = p.Rent()
	assert.False(t, ok, "超过上限应返回 false")
	assert.Equal(t, uint64(1), p.Stats().Refused)

	p.Return(a)
	_, ok = p.Rent()
	assert.True(t, ok)
}

func TestObjectPool_Close(t *testing.T) {
	var disposed []*widget
	p := NewObjectPool(
		func() *widget { return &widget{} },
		WithDispose(func(w *widget) {
			w.closed = true
			disposed = append(disposed, w)
		}),
	)

	pooled, _ := p.Rent()
	rented, _ := p.Rent()
	p.Return(pooled)

	p.Close()
	assert.True(t, pooled.closed, "池中对象应被销毁")
	assert.False(t, rented.closed, "借出对象在归还前保持有效")

	_, ok := p.Rent()
	assert.False(t, ok)

	p.Return(rented)
	assert.True(t, rented.closed, "关闭后归还应直接销毁")
	assert.Len(t, disposed, 2)

	s := p.Stats()
	assert.Equal(t, 0, s.Created)
	assert.Equal(t, 0, s.Pooled)
	assert.Equal(t, uint64(2), s.Disposed)

	// 重复关闭无副作用
	p.Close()
}

func TestObjectPool_Conservation(t *testing.T) {
	p := NewObjectPool(func() *widget { return &widget{} })
	var held []*widget
	for i := 0; i < 200; i++ {
		if i%3 == 2 && len(held) > 0 {
			p.Return(held[len(held)-1])
			held = held[:len(held)-1]
		} else {
			w, ok := p.Rent()
			require.True(t, ok)
			held = append(held, w)
		}
		s := p.Stats()
		require.Equal(t, s.Created, s.Rented+s.Pooled, "第 %d 步对象数不守恒", i)
		require.Equal(t, len(held), s.Rented)
	}
}

func TestOperationContextPool(t *testing.T) {
	slabs, err := NewSlabBufferPool(64, 2)
	require.NoError(t, err)
	ops := NewOperationContextPool(slabs, 0, nil)

	t.Run("带缓冲租用", func(t *testing.T) {
		op, err := ops.Rent()
		require.NoError(t, err)
		require.True(t, op.HasBuffer())
		assert.Len(t, op.Buffer(), 64)
		assert.Equal(t, 1, slabs.Stats().InUse)

		ops.Return(op)
		assert.False(t, op.HasBuffer())
		assert.Equal(t, 0, slabs.Stats().InUse)
	})

	t.Run("不带缓冲租用", func(t *testing.T) {
		op, err := ops.RentWithoutBuffer()
		require.NoError(t, err)
		assert.False(t, op.HasBuffer())
		assert.Nil(t, op.Buffer())
		ops.Return(op)
	})

	t.Run("归还时解绑套接字", func(t *testing.T) {
		op, err := ops.Rent()
		require.NoError(t, err)
		op.Kind = OpSendTo
		op.Remote = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9}
		op.UserToken = "token"
		ops.Return(op)

		again, err := ops.RentWithoutBuffer()
		require.NoError(t, err)
		assert.Same(t, op, again)
		assert.Nil(t, again.Remote)
		assert.Nil(t, again.UserToken)
		assert.Equal(t, OpNone, again.Kind)
		ops.Return(again)
	})

	t.Run("缓冲耗尽", func(t *testing.T) {
		a, err := ops.Rent()
		require.NoError(t, err)
		b, err := ops.Rent()
		require.NoError(t, err)

		_, err = ops.Rent()
		assert.ErrorIs(t, err, ErrPoolExhausted)

		s := ops.Stats()
		assert.Equal(t, 2, s.Rented, "失败的租用不应泄漏对象")

		ops.Return(a)
		ops.Return(b)
	})

	t.Run("完成回调", func(t *testing.T) {
		op, err := ops.RentWithoutBuffer()
		require.NoError(t, err)

		var got *OperationContext
		op.OnComplete = func(o *OperationContext) { got = o }
		sendErr := errors.New("boom")
		op.Complete(12, sendErr)

		assert.Same(t, op, got)
		assert.Equal(t, 12, op.N)
		assert.ErrorIs(t, op.Err, sendErr)
		ops.Return(op)
	})

	assert.Equal(t, 0, slabs.Stats().InUse)
}

func TestOperationContextPool_Limit(t *testing.T) {
	slabs, err := NewSlabBufferPool(16, 8)
	require.NoError(t, err)
	ops := NewOperationContextPool(slabs, 1, nil)

	op, err := ops.Rent()
	require.NoError(t, err)

	_, err = ops.RentWithoutBuffer()
	assert.ErrorIs(t, err, ErrPoolExhausted)

	ops.Return(op)
	ops.Close()

	_, err = ops.Rent()
	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.Equal(t, 0, slabs.Stats().InUse)
}

func TestOperationContextPool_LogsExhaustion(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	slabs, err := NewSlabBufferPool(16, 1)
	require.NoError(t, err)
	ops := NewOperationContextPool(slabs, 2, zap.New(core).Sugar())

	op, err := ops.Rent()
	require.NoError(t, err)

	_, err = ops.Rent()
	assert.ErrorIs(t, err, ErrPoolExhausted)
	require.Equal(t, 1, logs.FilterMessageSnippet("缓冲块耗尽").Len())
	assert.Equal(t, 1, ops.Stats().Rented, "缓冲不足时对象应归还")

	extra, err := ops.RentWithoutBuffer()
	require.NoError(t, err)
	_, err = ops.RentWithoutBuffer()
	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.Equal(t, 1, logs.FilterMessageSnippet("操作上下文耗尽").Len())

	ops.Return(extra)
	ops.Return(op)
	assert.Equal(t, 0, ops.Stats().Rented)
	assert.Equal(t, 0, slabs.Stats().InUse)
}
