package ctxtable

import (
	"sync"
	"testing"

	"github.com/bytegrid/commfabric/task"
	"github.com/stretchr/testify/require"
)

func TestDeclareAssignsMonotonicKeysPerOpType(t *testing.T) {
	tbl := New(Config{})

	k1, err := tbl.Declare("grad.layer0", task.KindPushPull, nil, nil)
	require.NoError(t, err)
	k2, err := tbl.Declare("grad.layer1", task.KindPushPull, nil, nil)
	require.NoError(t, err)
	require.Equal(t, uint16(0), k1)
	require.Equal(t, uint16(1), k2)
}

func TestDeclareIsIdempotentByName(t *testing.T) {
	tbl := New(Config{})

	k1, err := tbl.Declare("grad.layer0", task.KindPushPull, nil, nil)
	require.NoError(t, err)
	k2, err := tbl.Declare("grad.layer0", task.KindPushPull, nil, nil)
	require.NoError(t, err)
	require.Equal(t, k1, k2)
	require.Equal(t, 1, tbl.Len())
}

func TestDeclareRejectsCollidingProvidedKey(t *testing.T) {
	tbl := New(Config{})
	key := uint16(7)

	_, err := tbl.Declare("grad.a", task.KindPushPull, &key, nil)
	require.NoError(t, err)
	_, err = tbl.Declare("grad.b", task.KindPushPull, &key, nil)
	require.Error(t, err)
}

func TestDeclareP2PForbidsSelfSendRecv(t *testing.T) {
	tbl := New(Config{})
	_, err := tbl.DeclareP2P("loopback", 3, 3)
	require.Error(t, err)
}

func TestDeclareP2PReusesKeyForSamePair(t *testing.T) {
	tbl := New(Config{})
	k1, err := tbl.DeclareP2P("a-to-b-chunk0", 1, 2)
	require.NoError(t, err)
	k2, err := tbl.DeclareP2P("a-to-b-chunk1", 1, 2)
	require.NoError(t, err)
	require.Equal(t, k1, k2)
}

func TestGetContextFromNameFailsForUndeclared(t *testing.T) {
	tbl := New(Config{})
	_, err := tbl.GetContextFromName("nope")
	require.Error(t, err)
}

func TestReDeclareReproducesIdenticalKeys(t *testing.T) {
	tbl := New(Config{})
	k1, _ := tbl.Declare("grad.layer0", task.KindPushPull, nil, nil)
	k2, _ := tbl.Declare("grad.layer1", task.KindPushPull, nil, nil)
	kp, _ := tbl.DeclareP2P("a-to-b", 1, 2)

	tbl.ReDeclare()

	ctx0, err := tbl.GetContextFromName("grad.layer0")
	require.NoError(t, err)
	ctx1, err := tbl.GetContextFromName("grad.layer1")
	require.NoError(t, err)
	ctxp, err := tbl.GetContextFromName("a-to-b")
	require.NoError(t, err)

	require.Equal(t, k1, ctx0.DeclaredKey)
	require.Equal(t, k2, ctx1.DeclaredKey)
	require.Equal(t, kp, ctxp.DeclaredKey)
}

func TestSessionedNameNamespacesAllToAllRounds(t *testing.T) {
	tbl := New(Config{})
	s0, s1 := 0, 1
	k0, err := tbl.Declare("a2a.buf", task.KindAllToAll, nil, &s0)
	require.NoError(t, err)
	k1, err := tbl.Declare("a2a.buf", task.KindAllToAll, nil, &s1)
	require.NoError(t, err)
	require.NotEqual(t, k0, k1, "distinct sessions of the same base name must not collide")
}

func TestEnsureInitializedRunsExactlyOnce(t *testing.T) {
	ctx := &Context{}
	var wg sync.WaitGroup
	var runs int
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx.EnsureInitialized(func(c *Context) error {
				runs++
				return nil
			})
		}()
	}
	wg.Wait()
	require.Equal(t, 1, runs)
	require.True(t, ctx.Initialized())
}

func TestPartitionTensorSumsToTotalLength(t *testing.T) {
	parts := PartitionTensor(100, 30)
	require.Len(t, parts, 4)
	var sum int64
	for i, p := range parts {
		require.Equal(t, i, p.Index)
		sum += p.Length
	}
	require.Equal(t, int64(100), sum)
	require.Equal(t, int64(10), parts[3].Length, "last partition is short")
}

func TestPartitionTensorExactMultipleHasNoShortTail(t *testing.T) {
	parts := PartitionTensor(90, 30)
	require.Len(t, parts, 3)
	for _, p := range parts {
		require.Equal(t, int64(30), p.Length)
	}
}

func TestPartitionTensorEmptyTensorHasNoPartitions(t *testing.T) {
	require.Empty(t, PartitionTensor(0, 30))
}
