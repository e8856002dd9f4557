package scheduler

import (
	"context"
	"time"

	"github.com/bytegrid/commfabric/device"
	"github.com/bytegrid/commfabric/errs"
	"github.com/bytegrid/commfabric/keyenc"
	"github.com/bytegrid/commfabric/queue"
	"github.com/bytegrid/commfabric/task"
)

// The stage functions below implement the pipeline's actual work. Each
// reads/writes through entry.Header's Input/Output TensorHandle slices and
// calls at most one collaborator (device, transport, compress),
// matching the one-concern-per-stage structure of spec.md §6's stage table.
// Compression is applied for its side effects on the wire in a production
// transport; this reference pipeline always carries the uncompressed bytes
// end to end and uses COMPRESS/DECOMPRESS purely to exercise the compressor
// plugin boundary, since shrinking TensorHandle's buffer in place is a
// transport-layer concern outside this package's scope.

func outputSlice(h *task.Header) []byte {
	return h.Output.Data[h.Offset : h.Offset+h.Length]
}

func inputSlice(h *task.Header) []byte {
	return h.Input.Data[h.Offset : h.Offset+h.Length]
}

// sharedLocalKey derives the key local peers rendezvous on from a task's own
// routing key. keyenc.Encode embeds each rank's own global rank into the
// sender-rank field, so two local peers enqueuing the same logical partition
// compute two DIFFERENT raw keys; collapsing the sender-rank field to 0
// recovers a key shared by every peer, matching the "0 for broadcast-shared
// keys" convention keyenc's field layout documents for exactly this case.
func sharedLocalKey(key uint64) uint64 {
	_, declaredKey, op, partitionIndex := keyenc.Decode(key)
	return keyenc.Encode(0, declaredKey, op, partitionIndex)
}

// otherPointers returns ptrs without the entry at self, preserving order.
func otherPointers(ptrs []device.Pointer, self int) []device.Pointer {
	others := make([]device.Pointer, 0, len(ptrs)-1)
	for i, p := range ptrs {
		if i != self {
			others = append(others, p)
		}
	}
	return others
}

// devicePointerOf returns this task's device pointer, or 0 if the tensor has
// none, alongside the lookup error.
func devicePointerOf(rt *Runtime, h *task.Header) (device.Pointer, bool, errs.Status) {
	tctx, err := rt.Contexts.GetContextFromName(h.TensorName)
	if err != nil {
		return 0, false, errs.New(errs.UnknownError, "scheduler: %v", err)
	}
	if !tctx.HasGPUPtr || rt.Device == nil {
		return 0, false, errs.StatusOK
	}
	return device.Pointer(tctx.GPUPtr), true, errs.StatusOK
}

// CoordinateReduceStage is the non-root side of the cross-rank local reduce
// rendezvous (spec.md §1(b)): it hands this rank's device pointer, if any,
// to the shared ReduceGroup and blocks until the local root has combined
// every peer's contribution into its own buffer. With a single local device
// (the common case for this reference pipeline) ReduceGroup's quorum of 1 is
// met immediately and this returns without blocking.
func CoordinateReduceStage(ctx context.Context, entry queue.Entry, rt *Runtime) errs.Status {
	h := entry.Header
	ptr, _, st := devicePointerOf(rt, h)
	if !st.OK() {
		return st
	}
	if _, derr := rt.ReduceGroup.Join(sharedLocalKey(h.Key), rt.localRank(), ptr, nil); derr != nil {
		return errs.New(errs.UnknownError, "scheduler: local reduce: %v", derr)
	}
	return errs.StatusOK
}

// ReduceStage combines every local peer's contribution for this routing key.
// The local root's GPU template has no COORDINATE_REDUCE hop of its own, so
// this is where it joins the rendezvous its non-root peers already entered
// through CoordinateReduceStage; once every peer has joined, the root issues
// the actual Device.Reduce call, and LocalGroup.Join does not release any
// peer — including the root itself — until that call has returned. A
// non-root reaching this stage already rendezvoused in CoordinateReduceStage
// and its device buffer is untouched by design (the combined value lives on
// the root's buffer until PUSH/PULL and BROADCAST replicate it back), so it
// falls through to the plain host-side copy that stands in for "nothing
// local left to combine."
func ReduceStage(ctx context.Context, entry queue.Entry, rt *Runtime) errs.Status {
	h := entry.Header
	if !rt.isLocalRoot() {
		copy(outputSlice(h), inputSlice(h))
		return errs.StatusOK
	}

	ptr, hasPtr, st := devicePointerOf(rt, h)
	if !st.OK() {
		return st
	}
	if !hasPtr {
		copy(outputSlice(h), inputSlice(h))
		return errs.StatusOK
	}

	ownRank := rt.localRank()
	onQuorum := func(ptrs []device.Pointer) error {
		_, derr := rt.Device.Reduce(ctx, ptr, otherPointers(ptrs, ownRank), h.Length, h.ReduceOp)
		return derr
	}
	if _, derr := rt.ReduceGroup.Join(sharedLocalKey(h.Key), ownRank, ptr, onQuorum); derr != nil {
		return errs.New(errs.UnknownError, "scheduler: local reduce: %v", derr)
	}
	return errs.StatusOK
}

// CPUCopyStage stages a CPU-resident tensor into its local reduction buffer
// ahead of CPU_REDUCE — the CPU-tensor-path analogue of CopyD2HStage.
func CPUCopyStage(ctx context.Context, entry queue.Entry, rt *Runtime) errs.Status {
	copy(outputSlice(entry.Header), inputSlice(entry.Header))
	return errs.StatusOK
}

// CPUReduceStage performs the elementwise reduction across local peers for
// the CPU tensor path; CPU_COPY above already staged this partition's
// contribution into Output, so under a single local device there is nothing
// further to combine. When the CPU path is distributed it is the stage
// immediately before PUSH, so it marks the push gate ready.
func CPUReduceStage(ctx context.Context, entry queue.Entry, rt *Runtime) errs.Status {
	rt.markPushReady(entry.Header.Key)
	return errs.StatusOK
}

func copyD2H(ctx context.Context, h *task.Header, rt *Runtime) errs.Status {
	tctx, err := rt.Contexts.GetContextFromName(h.TensorName)
	if err != nil {
		return errs.New(errs.UnknownError, "scheduler: %v", err)
	}
	if !tctx.HasGPUPtr || rt.Device == nil {
		return errs.StatusOK
	}
	if _, derr := rt.Device.CopyD2H(ctx, outputSlice(h), device.Pointer(tctx.GPUPtr), h.Length); derr != nil {
		return errs.New(errs.UnknownError, "scheduler: copyd2h: %v", derr)
	}
	return errs.StatusOK
}

func copyH2D(ctx context.Context, h *task.Header, rt *Runtime) errs.Status {
	tctx, err := rt.Contexts.GetContextFromName(h.TensorName)
	if err != nil {
		return errs.New(errs.UnknownError, "scheduler: %v", err)
	}
	if !tctx.HasGPUPtr || rt.Device == nil {
		return errs.StatusOK
	}
	if _, derr := rt.Device.CopyH2D(ctx, device.Pointer(tctx.GPUPtr), outputSlice(h), h.Length); derr != nil {
		return errs.New(errs.UnknownError, "scheduler: copyh2d: %v", derr)
	}
	return errs.StatusOK
}

// CopyD2HStage stages a GPU-resident partition into its CPU-visible Output
// buffer ahead of PUSH. On the local-root path without a cross-PCIe hop
// after it, this is the last stage before PUSH, so it marks the push gate
// ready; PCIeReduceStage below re-marks it idempotently when that hop is
// present instead.
func CopyD2HStage(ctx context.Context, entry queue.Entry, rt *Runtime) errs.Status {
	h := entry.Header
	if st := copyD2H(ctx, h, rt); !st.OK() {
		return st
	}
	rt.markPushReady(h.Key)
	return errs.StatusOK
}

// PCIeReduceStage performs the cross-PCIe-link portion of the local
// reduction for GPUs not connected by NVLink, once COPYD2H has staged their
// shard to host memory. Already reduced into Output under a single local
// device; this is the on-device step a multi-GPU deployment's Device.Reduce
// call (grouped via Device.GroupCalls) would occupy. It is the stage
// immediately before PUSH whenever it runs, so it marks the push gate ready.
func PCIeReduceStage(ctx context.Context, entry queue.Entry, rt *Runtime) errs.Status {
	rt.markPushReady(entry.Header.Key)
	return errs.StatusOK
}

// CopyH2DStage stages the pulled/broadcast CPU buffer back onto the device.
// On the GPU local-root path this is the last stage before BROADCAST, so it
// marks the broadcast gate ready.
func CopyH2DStage(ctx context.Context, entry queue.Entry, rt *Runtime) errs.Status {
	h := entry.Header
	if st := copyH2D(ctx, h, rt); !st.OK() {
		return st
	}
	rt.markBcastReady(h.Key)
	return errs.StatusOK
}

// CoordinatePushStage is the host-local rendezvous point on the push side of
// the PS round trip. It is a no-op: unlike CoordinateReduceStage it joins
// no LocalGroup.
func CoordinatePushStage(ctx context.Context, entry queue.Entry, rt *Runtime) errs.Status {
	return errs.StatusOK
}

// CoordinateBroadcastStage is the non-root GPU path's rendezvous with its
// host's local root once the root's own BROADCAST is ready to replicate; with
// one local device there is only ever this one task occupying the key, so it
// also marks the broadcast gate ready for it.
func CoordinateBroadcastStage(ctx context.Context, entry queue.Entry, rt *Runtime) errs.Status {
	rt.markBcastReady(entry.Header.Key)
	return errs.StatusOK
}

// CompressStage and DecompressStage exercise the compressor plugin boundary.
func CompressStage(ctx context.Context, entry queue.Entry, rt *Runtime) errs.Status {
	h := entry.Header
	c, err := rt.Compress.Build(h.CompressorName, h.CompressorArgs)
	if err != nil {
		return errs.New(errs.InvalidArgument, "scheduler: compress: %v", err)
	}
	if _, err := c.Compress(outputSlice(h)); err != nil {
		return errs.New(errs.UnknownError, "scheduler: compress: %v", err)
	}
	return errs.StatusOK
}

func DecompressStage(ctx context.Context, entry queue.Entry, rt *Runtime) errs.Status {
	h := entry.Header
	c, err := rt.Compress.Build(h.CompressorName, h.CompressorArgs)
	if err != nil {
		return errs.New(errs.InvalidArgument, "scheduler: decompress: %v", err)
	}
	if _, err := c.Decompress(outputSlice(h), int(h.Length)); err != nil {
		return errs.New(errs.UnknownError, "scheduler: decompress: %v", err)
	}
	return errs.StatusOK
}

// PushStage ships Output's bytes to the server shard EncodeDefaultKey
// assigns this routing key to.
func PushStage(ctx context.Context, entry queue.Entry, rt *Runtime) errs.Status {
	h := entry.Header
	server := rt.Encoder.EncodeDefaultKey(h.Key, int(h.Length))
	return rt.Transport.Push(ctx, server, h.Key, outputSlice(h))
}

// PullStage fetches the value PushStage shipped back into Output.
func PullStage(ctx context.Context, entry queue.Entry, rt *Runtime) errs.Status {
	h := entry.Header
	server, ok := rt.Encoder.Lookup(h.Key)
	if !ok {
		server = rt.Encoder.EncodeDefaultKey(h.Key, int(h.Length))
	}
	return rt.Transport.Pull(ctx, server, h.Key, outputSlice(h))
}

// CPUBcastStage and CPUBcastFinishStage close out the CPU-only push-pull
// path; with the pull already in Output, broadcasting to local peers is the
// same no-op as CoordinateBroadcastStage under a single local device.
func CPUBcastStage(ctx context.Context, entry queue.Entry, rt *Runtime) errs.Status {
	return errs.StatusOK
}

func CPUBcastFinishStage(ctx context.Context, entry queue.Entry, rt *Runtime) errs.Status {
	return errs.StatusOK
}

// BroadcastStage replicates this host's final combined value to every local
// peer's device pointer. By the time the local root reaches this stage its
// own device buffer already holds that value (via COPYH2D, or directly on
// paths with no such hop), so the root is the peer whose onQuorum hook
// issues the actual Device.Broadcast; a non-root only needs its own pointer
// updated, and since LocalGroup.Join holds every peer back until onQuorum
// has returned, it is guaranteed that update already landed.
func BroadcastStage(ctx context.Context, entry queue.Entry, rt *Runtime) errs.Status {
	h := entry.Header
	ptr, hasPtr, st := devicePointerOf(rt, h)
	if !st.OK() {
		return st
	}
	if !hasPtr {
		return errs.StatusOK
	}

	ownRank := rt.localRank()
	var onQuorum func([]device.Pointer) error
	if rt.isLocalRoot() {
		onQuorum = func(ptrs []device.Pointer) error {
			_, derr := rt.Device.Broadcast(ctx, otherPointers(ptrs, ownRank), ptr, h.Length)
			return derr
		}
	}
	if _, derr := rt.BroadcastGroup.Join(sharedLocalKey(h.Key), ownRank, ptr, onQuorum); derr != nil {
		return errs.New(errs.UnknownError, "scheduler: local broadcast: %v", derr)
	}
	return errs.StatusOK
}

func peerRank(t any, forSend bool) (int, bool) {
	switch v := t.(type) {
	case *task.P2P:
		if forSend {
			return v.Receiver, true
		}
		return v.Sender, true
	case *task.AllToAll:
		return v.PeerRank, true
	}
	return 0, false
}

// SendStage transmits this task's Input shard to its peer.
func SendStage(ctx context.Context, entry queue.Entry, rt *Runtime) errs.Status {
	peer, ok := peerRank(entry.Task, true)
	if !ok {
		return errs.New(errs.UnknownError, "scheduler: send: task has no peer rank")
	}
	return rt.Transport.Send(ctx, peer, entry.Header.Key, inputSlice(entry.Header))
}

// RecvStage receives the peer's shard into this task's Output, then — unless
// acks are disabled — immediately acks back to the sender so its
// P2P_WAIT_ACK stage can unblock.
func RecvStage(ctx context.Context, entry queue.Entry, rt *Runtime) errs.Status {
	peer, ok := peerRank(entry.Task, false)
	if !ok {
		return errs.New(errs.UnknownError, "scheduler: recv: task has no peer rank")
	}
	if st := rt.Transport.Recv(ctx, peer, entry.Header.Key, outputSlice(entry.Header)); !st.OK() {
		return st
	}
	if !rt.Config.DisableP2PAck {
		return rt.Transport.Send(ctx, peer, entry.Header.Key+1, []byte{1})
	}
	return errs.StatusOK
}

// P2PGroupCopyH2DStage copies this task's received shard from Output onto
// the tensor's device pointer, if it has one, inside Device.GroupCalls.
func P2PGroupCopyH2DStage(ctx context.Context, entry queue.Entry, rt *Runtime) errs.Status {
	if rt.Device == nil {
		return errs.StatusOK
	}
	var copyErr error
	_ = rt.Device.GroupCalls(func() {
		tctx, err := rt.Contexts.GetContextFromName(entry.Header.TensorName)
		if err != nil || !tctx.HasGPUPtr {
			return
		}
		_, copyErr = rt.Device.CopyH2D(ctx, device.Pointer(tctx.GPUPtr), outputSlice(entry.Header), entry.Header.Length)
	})
	if copyErr != nil {
		return errs.New(errs.UnknownError, "scheduler: p2p group copy: %v", copyErr)
	}
	return errs.StatusOK
}

// P2PPullResponseStage is the pull-based P2P sender's passive role: publish
// Input to the server shard EncodeDefaultKey assigns this routing key to, so
// the receiver's P2P_PULL can retrieve it, mirroring AllgatherStage's
// publish side.
func P2PPullResponseStage(ctx context.Context, entry queue.Entry, rt *Runtime) errs.Status {
	h := entry.Header
	server := rt.Encoder.EncodeDefaultKey(h.Key, int(h.Length))
	return rt.Transport.Push(ctx, server, h.Key, inputSlice(h))
}

// P2PPullStage is the pull-based P2P receiver's active role: retrieve the
// sender's published shard into Output, mirroring AllgatherPullStage.
func P2PPullStage(ctx context.Context, entry queue.Entry, rt *Runtime) errs.Status {
	h := entry.Header
	server, ok := rt.Encoder.Lookup(h.Key)
	if !ok {
		server = rt.Encoder.EncodeDefaultKey(h.Key, int(h.Length))
	}
	return rt.Transport.Pull(ctx, server, h.Key, outputSlice(h))
}

// P2PWaitAckStage blocks for the receiver's application-level ack, used when
// BYTEPS_DISABLE_P2P_ACK is not set.
func P2PWaitAckStage(ctx context.Context, entry queue.Entry, rt *Runtime) errs.Status {
	peer, ok := peerRank(entry.Task, true)
	if !ok {
		return errs.StatusOK
	}
	return rt.Transport.Recv(ctx, peer, entry.Header.Key+1, make([]byte, 1))
}

// GDRV1PushPullStage and GDRV2PushPullStage collapse the CPU path's
// separate COMPRESS/PUSH/PULL/DECOMPRESS stages into the single GDR round
// trip operations.cc issues once RDMA can read straight out of GPU memory;
// this reference Transport has no RDMA distinction from a regular
// push/pull, so both levels share the same push-then-pull body.
func GDRV1PushPullStage(ctx context.Context, entry queue.Entry, rt *Runtime) errs.Status {
	h := entry.Header
	server := rt.Encoder.EncodeDefaultKey(h.Key, int(h.Length))
	if st := rt.Transport.Push(ctx, server, h.Key, outputSlice(h)); !st.OK() {
		return st
	}
	return rt.Transport.Pull(ctx, server, h.Key, outputSlice(h))
}

func GDRV2PushPullStage(ctx context.Context, entry queue.Entry, rt *Runtime) errs.Status {
	return GDRV1PushPullStage(ctx, entry, rt)
}

// GDRWaitPushPullStage is the rendezvous point the GDR path waits on before
// broadcasting; the push/pull above is already synchronous, so there is
// nothing further to wait for. It is the GDR path's stage immediately before
// BROADCAST, so it marks the broadcast gate ready.
func GDRWaitPushPullStage(ctx context.Context, entry queue.Entry, rt *Runtime) errs.Status {
	rt.markBcastReady(entry.Header.Key)
	return errs.StatusOK
}

// CoordinateAllgatherStage and CoordinateAllgatherBcastStage are the
// all-gather analogues of CoordinateReduceStage/CoordinateBroadcastStage:
// a host-local rendezvous that collapses to a no-op under a single local
// device.
func CoordinateAllgatherStage(ctx context.Context, entry queue.Entry, rt *Runtime) errs.Status {
	return errs.StatusOK
}

func CoordinateAllgatherBcastStage(ctx context.Context, entry queue.Entry, rt *Runtime) errs.Status {
	return errs.StatusOK
}

// AllgatherCopyD2HStage and AllgatherCopyH2DStage stage the local shard
// to/from the device, mirroring CopyD2HStage/CopyH2DStage.
func AllgatherCopyD2HStage(ctx context.Context, entry queue.Entry, rt *Runtime) errs.Status {
	return copyD2H(ctx, entry.Header, rt)
}

func AllgatherCopyH2DStage(ctx context.Context, entry queue.Entry, rt *Runtime) errs.Status {
	return copyH2D(ctx, entry.Header, rt)
}

// AllgatherStage publishes this node's local shard to its assigned server
// shard so every other node's AllgatherPullStage can retrieve it.
func AllgatherStage(ctx context.Context, entry queue.Entry, rt *Runtime) errs.Status {
	h := entry.Header
	server := rt.Encoder.EncodeDefaultKey(h.Key, int(h.Length))
	return rt.Transport.Push(ctx, server, h.Key, outputSlice(h))
}

// AllgatherPullStage retrieves one other node's published shard into that
// node's slot of Output. While the shard has not been published yet (Pull
// reports PreconditionError) it retries every millisecond until it appears
// or ctx is done. AllgatherPullRespStage/AllgatherPullAckStage occupy the
// response/ack slots that BYTEPS_DISABLE_ALLGATHER_ACK gates; they are
// no-ops and exchange no ack messages.
func AllgatherPullStage(ctx context.Context, entry queue.Entry, rt *Runtime) errs.Status {
	h := entry.Header
	server, ok := rt.Encoder.Lookup(h.Key)
	if !ok {
		server = rt.Encoder.EncodeDefaultKey(h.Key, int(h.Length))
	}
	for {
		st := rt.Transport.Pull(ctx, server, h.Key, outputSlice(h))
		if st.Code != errs.PreconditionError {
			return st
		}
		select {
		case <-ctx.Done():
			return errs.New(errs.Aborted, "scheduler: allgather pull: %v", ctx.Err())
		case <-time.After(time.Millisecond):
		}
	}
}

func AllgatherPullRespStage(ctx context.Context, entry queue.Entry, rt *Runtime) errs.Status {
	return errs.StatusOK
}

func AllgatherPullAckStage(ctx context.Context, entry queue.Entry, rt *Runtime) errs.Status {
	return errs.StatusOK
}

// AllgatherBcastStage replicates the gathered buffer back to local peers;
// already resident in Output, so under a single local device it is a no-op.
func AllgatherBcastStage(ctx context.Context, entry queue.Entry, rt *Runtime) errs.Status {
	return errs.StatusOK
}

// AllgatherPullWorkerLocalRootStage, AllgatherPullWorkerLocalRootRespStage,
// and AllgatherPullWorkerLocalRootAckStage implement the extra relay hop a
// cross-host gather uses to consolidate within a host before crossing to
// other hosts. In this reference Runtime they are no-ops whatever LocalSize
// is: no consolidation between local peers takes place. They are registered
// so AllGatherRequestStages(cfg, crossHost=true)
// resolves to registered stages rather than silently dropping the task.
func AllgatherPullWorkerLocalRootStage(ctx context.Context, entry queue.Entry, rt *Runtime) errs.Status {
	return errs.StatusOK
}

func AllgatherPullWorkerLocalRootRespStage(ctx context.Context, entry queue.Entry, rt *Runtime) errs.Status {
	return errs.StatusOK
}

func AllgatherPullWorkerLocalRootAckStage(ctx context.Context, entry queue.Entry, rt *Runtime) errs.Status {
	return errs.StatusOK
}
