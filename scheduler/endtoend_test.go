package scheduler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bytegrid/commfabric/bps"
	"github.com/bytegrid/commfabric/device"
	"github.com/bytegrid/commfabric/errs"
	"github.com/bytegrid/commfabric/keyenc"
	"github.com/bytegrid/commfabric/rtconfig"
	"github.com/bytegrid/commfabric/task"
	"github.com/stretchr/testify/require"
)

func TestPushPullRoundTripSingleRank(t *testing.T) {
	ctx := context.Background()
	cfg := rtconfig.Default()

	runtimes, err := bps.NewSimulatedJob(cfg, 1, nil, nil, nil)
	require.NoError(t, err)
	rt := runtimes[0]

	require.True(t, rt.Init(ctx).OK())
	rt.Start(ctx)
	defer func() {
		rt.Shutdown()
		require.True(t, rt.WaitForShutdown(2*time.Second))
	}()

	input := task.NewTensorHandle([]byte("reduce me please"), nil)
	output := task.NewTensorHandle(make([]byte, input.Len()), nil)

	done := make(chan errs.Status, 1)
	st := rt.EnqueueTensor(ctx, "grad0", input, output, 0, 0, 0, task.ReduceSum, false, nil, func(s errs.Status) {
		done <- s
	})
	require.True(t, st.OK())

	select {
	case s := <-done:
		require.True(t, s.OK(), "completion status: %v", s)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for push-pull completion")
	}
	require.Equal(t, input.Data, output.Data)
}

func TestP2PSendRecvBetweenTwoRanks(t *testing.T) {
	ctx := context.Background()
	cfg := rtconfig.Default()

	runtimes, err := bps.NewSimulatedJob(cfg, 2, nil, nil, nil)
	require.NoError(t, err)
	sender, receiver := runtimes[0], runtimes[1]

	var initWG sync.WaitGroup
	initWG.Add(2)
	go func() { defer initWG.Done(); require.True(t, sender.Init(ctx).OK()) }()
	go func() { defer initWG.Done(); require.True(t, receiver.Init(ctx).OK()) }()
	initWG.Wait()

	sender.Start(ctx)
	receiver.Start(ctx)
	defer func() {
		sender.Shutdown()
		receiver.Shutdown()
		require.True(t, sender.WaitForShutdown(2*time.Second))
		require.True(t, receiver.WaitForShutdown(2*time.Second))
	}()

	input := task.NewTensorHandle([]byte("peer to peer payload"), nil)
	output := task.NewTensorHandle(make([]byte, input.Len()), nil)

	sendDone := make(chan errs.Status, 1)
	recvDone := make(chan errs.Status, 1)

	st := receiver.EnqueueP2PTensor(ctx, "xfer", nil, output, 0, 1, false, func(s errs.Status) { recvDone <- s })
	require.True(t, st.OK())
	st = sender.EnqueueP2PTensor(ctx, "xfer", input, nil, 0, 1, true, func(s errs.Status) { sendDone <- s })
	require.True(t, st.OK())

	for _, d := range []chan errs.Status{sendDone, recvDone} {
		select {
		case s := <-d:
			require.True(t, s.OK(), "completion status: %v", s)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for p2p completion")
		}
	}
	require.Equal(t, input.Data, output.Data)
}

func TestShutdownUnblocksTaskBlockedOnRecv(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := rtconfig.Default()

	runtimes, err := bps.NewSimulatedJob(cfg, 2, nil, nil, nil)
	require.NoError(t, err)
	sender, receiver := runtimes[0], runtimes[1]

	var initWG sync.WaitGroup
	initWG.Add(2)
	go func() { defer initWG.Done(); require.True(t, sender.Init(ctx).OK()) }()
	go func() { defer initWG.Done(); require.True(t, receiver.Init(ctx).OK()) }()
	initWG.Wait()

	receiver.Start(ctx)

	output := task.NewTensorHandle(make([]byte, 8), nil)
	recvDone := make(chan errs.Status, 1)
	st := receiver.EnqueueP2PTensor(ctx, "never-sent", nil, output, 0, 1, false, func(s errs.Status) { recvDone <- s })
	require.True(t, st.OK())

	// No sender ever sends on this key, so the RECV stage worker blocks inside
	// Transport.Recv. Shutdown alone only closes queues; cancelling ctx is
	// what actually unblocks a worker already inside a stage function.
	cancel()
	receiver.Shutdown()
	require.True(t, receiver.WaitForShutdown(2*time.Second))
}

func TestReportTransportErrorDeliversWithoutWaitingForStage(t *testing.T) {
	ctx := context.Background()
	cfg := rtconfig.Default()

	runtimes, err := bps.NewSimulatedJob(cfg, 2, nil, nil, nil)
	require.NoError(t, err)
	sender, receiver := runtimes[0], runtimes[1]

	var initWG sync.WaitGroup
	initWG.Add(2)
	go func() { defer initWG.Done(); require.True(t, sender.Init(ctx).OK()) }()
	go func() { defer initWG.Done(); require.True(t, receiver.Init(ctx).OK()) }()
	initWG.Wait()

	// Deliberately do not Start receiver's stage loops, so the only way this
	// task's callback ever fires is through ReportTransportError.
	output := task.NewTensorHandle(make([]byte, 8), nil)
	recvDone := make(chan errs.Status, 1)
	st := receiver.EnqueueP2PTensor(ctx, "never-sent", nil, output, 0, 1, false, func(s errs.Status) { recvDone <- s })
	require.True(t, st.OK())

	key := keyenc.Encode(0, 0, keyenc.OpP2P, 0)
	receiver.ReportTransportError(key, errs.New(errs.DataLoss, "peer unreachable"))

	select {
	case s := <-recvDone:
		require.Equal(t, errs.DataLoss, s.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for out-of-band transport error delivery")
	}
}

// TestAllToAllPushBasedFourRanksNumPSRequests reproduces spec.md §8's
// all-to-all scenario: only ranks 2->1 (100 bytes) and 2->3 (200 bytes),
// plus 0->2 (50 bytes) and 3->2 (150 bytes), are non-empty. From rank 2's
// perspective that is num_ps_requests=2 (peers 1 and 3), a length-0
// self-slot memcpy, and 2 response tasks retrieving ranks 0 and 3's shards.
func TestAllToAllPushBasedFourRanksNumPSRequests(t *testing.T) {
	ctx := context.Background()
	cfg := rtconfig.Default()

	runtimes, err := bps.NewSimulatedJob(cfg, 4, nil, nil, nil)
	require.NoError(t, err)

	var initWG sync.WaitGroup
	initWG.Add(4)
	for _, rt := range runtimes {
		rt := rt
		go func() { defer initWG.Done(); require.True(t, rt.Init(ctx).OK()) }()
	}
	initWG.Wait()
	for _, rt := range runtimes {
		rt.Start(ctx)
	}
	defer func() {
		for _, rt := range runtimes {
			rt.Shutdown()
		}
		for _, rt := range runtimes {
			require.True(t, rt.WaitForShutdown(2*time.Second))
		}
	}()

	const (
		valSend0to2 = byte(3)
		valSend2to1 = byte(10)
		valSend2to3 = byte(12)
		valSend3to2 = byte(15)
	)

	sendOffsets := [][]int64{
		{0, 0, 0, 50, 50},
		{0, 0, 0, 0, 0},
		{0, 0, 100, 100, 300},
		{0, 0, 0, 150, 150},
	}
	recvOffsets := [][]int64{
		{0, 0, 0, 0, 0},
		{0, 0, 0, 100, 100},
		{0, 50, 50, 50, 200},
		{0, 0, 0, 200, 200},
	}

	in0 := task.NewTensorHandle(make([]byte, 50), nil)
	for i := range in0.Data {
		in0.Data[i] = valSend0to2
	}
	out0 := task.NewTensorHandle(nil, nil)

	in1 := task.NewTensorHandle(nil, nil)
	out1 := task.NewTensorHandle(make([]byte, 100), nil)

	in2 := task.NewTensorHandle(make([]byte, 300), nil)
	for i := 0; i < 100; i++ {
		in2.Data[i] = valSend2to1
	}
	for i := 100; i < 300; i++ {
		in2.Data[i] = valSend2to3
	}
	out2 := task.NewTensorHandle(make([]byte, 200), nil)

	in3 := task.NewTensorHandle(make([]byte, 150), nil)
	for i := range in3.Data {
		in3.Data[i] = valSend3to2
	}
	out3 := task.NewTensorHandle(make([]byte, 200), nil)

	ins := []*task.TensorHandle{in0, in1, in2, in3}
	outs := []*task.TensorHandle{out0, out1, out2, out3}

	done := make([]chan errs.Status, 4)
	for rank := 0; rank < 4; rank++ {
		done[rank] = make(chan errs.Status, 1)
		rank, ch := rank, done[rank]
		st := runtimes[rank].EnqueueAlltoAllTensor(ctx, "fanout", ins[rank], outs[rank],
			sendOffsets[rank], recvOffsets[rank], rank, true, func(s errs.Status) { ch <- s })
		require.True(t, st.OK())
	}

	for rank, ch := range done {
		select {
		case s := <-ch:
			require.True(t, s.OK(), "rank %d completion status: %v", rank, s)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for rank %d's all-to-all completion", rank)
		}
	}

	require.Equal(t, 0, out0.Len())
	require.Equal(t, bytesOf(100, valSend2to1), out1.Data)
	require.Equal(t, bytesOf(50, valSend0to2), out2.Data[0:50])
	require.Equal(t, bytesOf(150, valSend3to2), out2.Data[50:200])
	require.Equal(t, bytesOf(200, valSend2to3), out3.Data)
}

// TestPushPullGPUAllreduceTwoLocalRanksCombineOnDevice reproduces spec.md
// §8's scenario 1: single node, two local ranks, GPU all-reduce with
// identical input on both. Both ranks' device buffers must hold 2x the
// input once their submissions complete, which only happens if the local
// root's REDUCE/BROADCAST stages actually drive Device.Reduce/Device.Broadcast
// over both ranks' pointers rather than each rank reducing in isolation.
// Host-side Output.Data is not checked here: the non-root's own COPYD2H runs
// before the push-pull round trip and is never repeated afterward, so its
// host buffer does not reflect the final broadcast value by design; the
// device buffer is the only place that value is guaranteed to land.
func TestPushPullGPUAllreduceTwoLocalRanksCombineOnDevice(t *testing.T) {
	ctx := context.Background()
	cfg := rtconfig.Default()
	cfg.LocalSize = 2
	cfg.WorkerLocalRoot = 0

	runtimes, err := bps.NewSimulatedJob(cfg, 2, nil, nil, nil)
	require.NoError(t, err)
	root, peer := runtimes[0], runtimes[1]
	require.Same(t, root.Device, peer.Device, "local peers must share one device.Runtime")

	var initWG sync.WaitGroup
	initWG.Add(2)
	go func() { defer initWG.Done(); require.True(t, root.Init(ctx).OK()) }()
	go func() { defer initWG.Done(); require.True(t, peer.Init(ctx).OK()) }()
	initWG.Wait()

	root.Start(ctx)
	peer.Start(ctx)
	defer func() {
		root.Shutdown()
		peer.Shutdown()
		require.True(t, root.WaitForShutdown(2*time.Second))
		require.True(t, peer.WaitForShutdown(2*time.Second))
	}()

	const shardLen = int64(4)
	const inputVal = byte(5)

	devicePtrs := make([]device.Pointer, 2)
	for i, rt := range runtimes {
		_, err := rt.Contexts.Declare("grad0", task.KindPushPull, nil, nil)
		require.NoError(t, err)
		tctx, err := rt.Contexts.GetContextFromName("grad0")
		require.NoError(t, err)

		ptr, err := rt.Device.Alloc(shardLen)
		require.NoError(t, err)
		_, err = rt.Device.CopyH2D(ctx, ptr, bytesOf(int(shardLen), inputVal), shardLen)
		require.NoError(t, err)

		tctx.WithLock(func() {
			tctx.GPUPtr = uintptr(ptr)
			tctx.HasGPUPtr = true
		})
		devicePtrs[i] = ptr
	}

	done := make([]chan errs.Status, 2)
	for i, rt := range runtimes {
		done[i] = make(chan errs.Status, 1)
		ch := done[i]
		input := task.NewTensorHandle(bytesOf(int(shardLen), inputVal), nil)
		output := task.NewTensorHandle(make([]byte, shardLen), nil)
		st := rt.EnqueueTensor(ctx, "grad0", input, output, 0, 0, 0, task.ReduceSum, true, nil, func(s errs.Status) { ch <- s })
		require.True(t, st.OK())
	}

	for i, ch := range done {
		select {
		case s := <-ch:
			require.True(t, s.OK(), "rank %d completion status: %v", i, s)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for rank %d's push-pull completion", i)
		}
	}

	want := bytesOf(int(shardLen), 2*inputVal)
	for i, rt := range runtimes {
		got := make([]byte, shardLen)
		_, err := rt.Device.CopyD2H(ctx, got, devicePtrs[i], shardLen)
		require.NoError(t, err)
		require.Equal(t, want, got, "rank %d device buffer", i)
	}
}

func bytesOf(n int, v byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = v
	}
	return b
}

// TestAllGatherThreeNodesConcatenatesShardsInNodeOrder exercises the
// request/response architecture end to end: each node's own shard lands in
// its output via the request task's local copy, and the other two nodes'
// shards land via two response tasks pulling across the simulated transport.
func TestAllGatherThreeNodesConcatenatesShardsInNodeOrder(t *testing.T) {
	ctx := context.Background()
	cfg := rtconfig.Default()

	runtimes, err := bps.NewSimulatedJob(cfg, 3, nil, nil, nil)
	require.NoError(t, err)

	var initWG sync.WaitGroup
	initWG.Add(3)
	for _, rt := range runtimes {
		rt := rt
		go func() { defer initWG.Done(); require.True(t, rt.Init(ctx).OK()) }()
	}
	initWG.Wait()
	for _, rt := range runtimes {
		rt.Start(ctx)
	}
	defer func() {
		for _, rt := range runtimes {
			rt.Shutdown()
		}
		for _, rt := range runtimes {
			require.True(t, rt.WaitForShutdown(2*time.Second))
		}
	}()

	const shardLen = 4
	vals := []byte{0xAA, 0xBB, 0xCC}

	ins := make([]*task.TensorHandle, 3)
	outs := make([]*task.TensorHandle, 3)
	for node := 0; node < 3; node++ {
		ins[node] = task.NewTensorHandle(bytesOf(shardLen, vals[node]), nil)
		outs[node] = task.NewTensorHandle(make([]byte, shardLen*3), nil)
	}

	done := make([]chan errs.Status, 3)
	for node := 0; node < 3; node++ {
		done[node] = make(chan errs.Status, 1)
		ch := done[node]
		st := runtimes[node].EnqueueAllgatherTensor(ctx, "gathered", ins[node], outs[node], node, 3, false, func(s errs.Status) { ch <- s })
		require.True(t, st.OK())
	}

	for node, ch := range done {
		select {
		case s := <-ch:
			require.True(t, s.OK(), "node %d completion status: %v", node, s)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for node %d's all-gather completion", node)
		}
	}

	var want []byte
	for _, v := range vals {
		want = append(want, bytesOf(shardLen, v)...)
	}
	for node, out := range outs {
		require.Equal(t, want, out.Data, "node %d gathered buffer", node)
	}
}
