package device

import (
	"context"
	"testing"

	"github.com/bytegrid/commfabric/task"
	"github.com/stretchr/testify/require"
)

func TestSimRuntimeCopyRoundTrip(t *testing.T) {
	r := NewSimRuntime(0)
	p, err := r.Alloc(4)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = r.CopyH2D(ctx, p, []byte{1, 2, 3, 4}, 4)
	require.NoError(t, err)

	out := make([]byte, 4)
	_, err = r.CopyD2H(ctx, out, p, 4)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4}, out)
}

func TestSimRuntimeReduceSum(t *testing.T) {
	r := NewSimRuntime(0)
	ctx := context.Background()

	dst, _ := r.Alloc(2)
	a, _ := r.Alloc(2)
	b, _ := r.Alloc(2)
	r.CopyH2D(ctx, dst, []byte{1, 1}, 2)
	r.CopyH2D(ctx, a, []byte{2, 2}, 2)
	r.CopyH2D(ctx, b, []byte{3, 3}, 2)

	_, err := r.Reduce(ctx, dst, []Pointer{a, b}, 2, task.ReduceSum)
	require.NoError(t, err)

	out := make([]byte, 2)
	r.CopyD2H(ctx, out, dst, 2)
	require.Equal(t, []byte{6, 6}, out)
}

func TestSimRuntimeBroadcast(t *testing.T) {
	r := NewSimRuntime(0)
	ctx := context.Background()

	src, _ := r.Alloc(2)
	d1, _ := r.Alloc(2)
	d2, _ := r.Alloc(2)
	r.CopyH2D(ctx, src, []byte{9, 9}, 2)

	_, err := r.Broadcast(ctx, []Pointer{d1, d2}, src, 2)
	require.NoError(t, err)

	out := make([]byte, 2)
	r.CopyD2H(ctx, out, d1, 2)
	require.Equal(t, []byte{9, 9}, out)
	r.CopyD2H(ctx, out, d2, 2)
	require.Equal(t, []byte{9, 9}, out)
}

func TestSimRuntimeUnknownPointerErrors(t *testing.T) {
	r := NewSimRuntime(0)
	_, err := r.CopyD2H(context.Background(), make([]byte, 2), Pointer(999), 2)
	require.Error(t, err)
}

func TestSimRuntimeGroupCallsInvokesFn(t *testing.T) {
	r := NewSimRuntime(0)
	called := false
	err := r.GroupCalls(func() { called = true })
	require.NoError(t, err)
	require.True(t, called)
}
