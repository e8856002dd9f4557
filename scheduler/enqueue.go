package scheduler

import (
	"context"
	"fmt"

	"github.com/bytegrid/commfabric/compress"
	"github.com/bytegrid/commfabric/ctxtable"
	"github.com/bytegrid/commfabric/errs"
	"github.com/bytegrid/commfabric/keyenc"
	"github.com/bytegrid/commfabric/queue"
	"github.com/bytegrid/commfabric/rtconfig"
	"github.com/bytegrid/commfabric/task"
)

// rank is this process's worker/server rank as reported by Transport, or 0
// when no Transport is wired.
func (rt *Runtime) rank() uint32 {
	if rt.Transport == nil {
		return 0
	}
	return uint32(rt.Transport.Rank())
}

// localRank reports this rank's position (0..LocalSize-1) within its host,
// assuming the conventional layout of LocalSize consecutive global ranks per
// host (spec.md §6).
func (rt *Runtime) localRank() int {
	localSize := rt.Config.LocalSize
	if localSize <= 0 {
		localSize = 1
	}
	return int(rt.rank()) % localSize
}

// isLocalRoot reports whether this rank is the one rank per host that does
// cross-node PUSH/PULL on behalf of every local peer (spec.md §1, §6).
// WORKER_LOCAL_ROOT names a local rank (0..LocalSize-1); with the default
// LocalSize of 1 every rank's local rank is 0, so every rank is its own
// local root.
func (rt *Runtime) isLocalRoot() bool {
	return rt.localRank() == rt.Config.WorkerLocalRoot
}

func (rt *Runtime) compressorFor(ctx *ctxtable.Context, partitionLen int64) (string, map[string]string, bool) {
	if rt.Config.DisableCompress || ctx.CompressorName == "" {
		return "", nil, false
	}
	if !compress.ShouldCompress(partitionLen, rt.Config.MinCompressBytes) {
		return "", nil, false
	}
	return ctx.CompressorName, ctx.CompressorArgs, true
}

// stagesFor computes a partition's own stage list given its length, since
// spec.md §4.5 step 4 optionally rewrites it per partition rather than once
// per submission (see gdrStagesForPartition).
func (rt *Runtime) enqueuePartitions(ctx context.Context, stagesFor func(length int64) []task.StageName, total int, makeHeader func(idx int, parts []ctxtable.Partition) task.Header, parts []ctxtable.Partition, cb task.StatusCallback) errs.Status {
	completion := task.NewCompletionCounter(total, cb)
	for i := 0; i < total; i++ {
		h := makeHeader(i, parts)
		stages := stagesFor(h.Length)
		if len(stages) == 0 {
			return errs.New(errs.UnknownError, "scheduler: partition %d resolved no stages", i)
		}
		firstQueue, ok := rt.queues[stages[0]]
		if !ok {
			return errs.New(errs.UnknownError, "scheduler: first stage %s has no registered queue", stages[0])
		}
		h.QueueList = append([]task.StageName{}, stages...)
		h.Completion = completion
		entry := queue.Entry{Task: &task.PushPull{Header: h}, Header: &h}
		rt.errTable.Register(h.Key, func(s errs.Status) { completion.Arrive(s) })
		if err := firstQueue.AddTask(ctx, entry); err != nil {
			return errs.New(errs.Aborted, "scheduler: enqueue key=%d: %v", h.Key, err)
		}
	}
	return errs.StatusOK
}

// gdrStagesForPartition resolves one partition's stage list, honoring
// spec.md §4.5 step 4's per-partition GDR fast-path rewrite. PushPullStages'
// cfg.UseGDRAllreduce branch otherwise applies uniformly across an entire
// submission; here a copy of cfg with UseGDRAllreduce/GDRAllreduceLevel
// adjusted for this partition's own length is passed through unchanged,
// since that's the only state PushPullStages reads to pick the GDR path.
//
// spec.md §9 Open Question (b) decides the REDUCE_ROOTS/GDR-GPU2GPU
// interaction: GDR-GPU2GPU's size gating never applies while reduce-roots
// is forced, so a submission with REDUCE_ROOTS set always takes whatever
// path cfg.UseGDRAllreduce/cfg.GDRAllreduceLevel name verbatim, for every
// partition, regardless of length.
func gdrStagesForPartition(cfg rtconfig.Config, useGPU, compressed, isLocalRoot bool, length int64) []task.StageName {
	if cfg.UseGDRAllreduce && cfg.GDRAllreduceLevel == rtconfig.GDRGPU2GPU && len(cfg.ReduceRoots) == 0 {
		switch {
		case length <= cfg.GDRPhase1Thresh:
			cfg.GDRAllreduceLevel = rtconfig.GDRGPU2GPU
		case length <= cfg.GDRPhase2Thresh:
			cfg.GDRAllreduceLevel = rtconfig.GDRGPU2CPU
		default:
			cfg.UseGDRAllreduce = false
		}
	}
	return PushPullStages(cfg, useGPU, compressed, isLocalRoot)
}

// EnqueueTensor is the push-pull Enqueue Front-End (spec.md §4.5): it
// declares name on first use, partitions the tensor by the configured
// (rounded) partition bound, assigns one routing key per partition, and
// enqueues one PushPull task per partition onto the pipeline's first stage.
// readyEvent gates delivery to COPYD2H (spec.md §4.4); a nil readyEvent
// defaults to task.AlwaysReady{}.
func (rt *Runtime) EnqueueTensor(ctx context.Context, name string, input, output *task.TensorHandle, priority int, version int64, deviceID int, reduceOp task.ReduceOp, useGPU bool, readyEvent task.ReadyEvent, cb task.StatusCallback) errs.Status {
	if readyEvent == nil {
		readyEvent = task.AlwaysReady{}
	}
	declaredKey, err := rt.Contexts.Declare(name, task.KindPushPull, nil, nil)
	if err != nil {
		return errs.New(errs.InvalidArgument, "scheduler: declare %q: %v", name, err)
	}
	tctx, err := rt.Contexts.GetContextFromName(name)
	if err != nil {
		return errs.New(errs.UnknownError, "scheduler: %v", err)
	}

	length := int64(input.Len())
	bound := rt.Config.RoundedPartitionBound(rt.Config.LocalSize)

	initErr := tctx.EnsureInitialized(func(c *ctxtable.Context) error {
		if rt.Transport != nil {
			if st := rt.Transport.Barrier(ctx, rt.nextBarrierEpoch()); !st.OK() {
				return st
			}
		}
		parts := ctxtable.PartitionTensor(length, bound)
		c.KeyList = make([]uint64, len(parts))
		for _, p := range parts {
			c.KeyList[p.Index] = keyenc.Encode(rt.rank(), declaredKey, keyenc.OpPushPull, uint16(p.Index))
		}
		return nil
	})
	if initErr != nil {
		return errs.New(errs.UnknownError, "scheduler: init %q: %v", name, initErr)
	}

	parts := ctxtable.PartitionTensor(length, bound)
	for i := 1; i < len(parts); i++ {
		input.Retain()
		output.Retain()
	}

	compressorName, compressorArgs, compressed := rt.compressorFor(tctx, bound)
	isLocalRoot := rt.isLocalRoot()
	stagesFor := func(length int64) []task.StageName {
		return gdrStagesForPartition(rt.Config, useGPU, compressed, isLocalRoot, length)
	}

	return rt.enqueuePartitions(ctx, stagesFor, len(parts), func(i int, parts []ctxtable.Partition) task.Header {
		p := parts[i]
		return task.Header{
			Kind:           task.KindPushPull,
			TensorName:     name,
			Key:            tctx.KeyList[i],
			Offset:         p.Offset,
			Length:         p.Length,
			Input:          input,
			Output:         output,
			ReadyEvent:     readyEvent,
			Priority:       priority,
			Version:        version,
			DeviceID:       deviceID,
			ReduceOp:       reduceOp,
			CompressorName: compressorName,
			CompressorArgs: compressorArgs,
		}
	}, parts, cb)
}

// EnqueueP2PTensor is the Enqueue Front-End for one side of a direct
// peer-to-peer send/recv submission. The sending rank calls this with
// isSender=true and input populated; the receiving rank calls it with
// isSender=false and output sized to receive into. Both calls use the same
// name so DeclareP2P assigns them the same routing key.
func (rt *Runtime) EnqueueP2PTensor(ctx context.Context, name string, input, output *task.TensorHandle, sender, receiver int, isSender bool, cb task.StatusCallback) errs.Status {
	declaredKey, err := rt.Contexts.DeclareP2P(name, sender, receiver)
	if err != nil {
		return errs.New(errs.InvalidArgument, "scheduler: declareP2P %q: %v", name, err)
	}

	key := keyenc.Encode(uint32(sender), declaredKey, keyenc.OpP2P, 0)
	stages := P2PStages(rt.Config, isSender, false)

	length := int64(output.Len())
	if isSender {
		length = int64(input.Len())
	}

	h := task.Header{
		Kind:       task.KindP2P,
		TensorName: name,
		Key:        key,
		Length:     length,
		Input:      input,
		Output:     output,
		ReadyEvent: task.AlwaysReady{},
		QueueList:  append([]task.StageName{}, stages...),
		Completion: task.NewCompletionCounter(1, cb),
	}
	entry := queue.Entry{
		Task:   &task.P2P{Header: h, Sender: sender, Receiver: receiver},
		Header: &h,
	}
	rt.errTable.Register(h.Key, func(s errs.Status) { h.Completion.Arrive(s) })
	q := rt.queues[stages[0]]
	if q == nil {
		return errs.New(errs.UnknownError, "scheduler: p2p first stage %s has no queue", stages[0])
	}
	if aerr := q.AddTask(ctx, entry); aerr != nil {
		return errs.New(errs.Aborted, "scheduler: p2p enqueue: %v", aerr)
	}
	return errs.StatusOK
}

// enqueueP2PShapedTask is the shared plumbing behind one send-role or
// recv-role partition of an all-to-all round: declare the pair, assign its
// routing key, and push a P2P-shaped task onto stages[0]'s queue. The key is
// built from the round's declared key, the sender rank and the receiver rank
// (in the partition field), so both ends compute it without depending on the
// order in which each rank declared its pairs. arrive is called exactly once
// with the task's terminal status.
func (rt *Runtime) enqueueP2PShapedTask(ctx context.Context, pairName string, sender, receiver int, roundKey uint16, offset, length int64, input, output *task.TensorHandle, selfRank, peer int, pullBased bool, stages []task.StageName, arrive func(errs.Status)) {
	_, derr := rt.Contexts.DeclareP2P(pairName, sender, receiver)
	if derr != nil {
		arrive(errs.New(errs.InvalidArgument, "scheduler: alltoall declare %q: %v", pairName, derr))
		return
	}
	key := keyenc.Encode(uint32(sender), roundKey, keyenc.OpAllToAll, uint16(receiver))
	h := task.Header{
		Kind:       task.KindAllToAll,
		TensorName: pairName,
		Key:        key,
		Offset:     offset,
		Length:     length,
		Input:      input,
		Output:     output,
		ReadyEvent: task.AlwaysReady{},
		QueueList:  append([]task.StageName{}, stages...),
	}
	entry := queue.Entry{
		Task: &task.AllToAll{
			Header:    h,
			SelfRank:  selfRank,
			PeerRank:  peer,
			PullBased: pullBased,
		},
		Header: &h,
	}
	rt.errTable.Register(h.Key, arrive)
	q := rt.queues[stages[0]]
	if q == nil {
		arrive(errs.New(errs.UnknownError, "scheduler: alltoall first stage %s has no queue", stages[0]))
		return
	}
	if aerr := q.AddTask(ctx, entry); aerr != nil {
		arrive(errs.New(errs.Aborted, "scheduler: alltoall enqueue: %v", aerr))
	}
}

// EnqueueAlltoAllTensor is the Enqueue Front-End for one rank's full
// all-to-all round (spec.md §4.5). sendOffsets/recvOffsets are cumulative
// byte boundaries of length numRanks+1 (send_begin/recv_begin): rank p's
// outgoing shard is input[sendOffsets[p]:sendOffsets[p+1]] and its incoming
// shard lands at output[recvOffsets[p]:recvOffsets[p+1]].
//
// The self-rank slot is short-circuited to a local memcpy that never
// touches the network (spec.md §4.5, §8). Every other non-self, non-empty
// send slot becomes one send-role task under a single shared completion
// counter sized num_ps_requests — together they are "the request" — and
// every non-self, non-empty recv slot becomes one recv-role "response"
// task. The callback fires once, after the request and every response have
// completed.
//
// outputSizeUnknown is the output_size_unknown flag from spec.md §4.5: mode
// is chosen from it, not supplied directly, since pull-based delivery needs
// the recv side to already know how much to pull and push-based doesn't.
func (rt *Runtime) EnqueueAlltoAllTensor(ctx context.Context, name string, input, output *task.TensorHandle, sendOffsets, recvOffsets []int64, selfRank int, outputSizeUnknown bool, cb task.StatusCallback) errs.Status {
	pullBased := !outputSizeUnknown
	numRanks := len(sendOffsets) - 1
	if numRanks <= 0 || len(recvOffsets) != numRanks+1 {
		return errs.New(errs.InvalidArgument, "scheduler: alltoall offsets must have numRanks+1 entries")
	}
	roundKey, err := rt.Contexts.Declare(name, task.KindAllToAll, nil, nil)
	if err != nil {
		return errs.New(errs.InvalidArgument, "scheduler: declare %q: %v", name, err)
	}

	type slot struct {
		peer           int
		offset, length int64
	}
	var sendSlots, recvSlots []slot
	for peer := 0; peer < numRanks; peer++ {
		sendLen := sendOffsets[peer+1] - sendOffsets[peer]
		recvLen := recvOffsets[peer+1] - recvOffsets[peer]
		if peer == selfRank {
			if recvLen > 0 {
				copy(output.Data[recvOffsets[peer]:recvOffsets[peer]+recvLen],
					input.Data[sendOffsets[peer]:sendOffsets[peer]+recvLen])
			}
			continue
		}
		if sendLen > 0 {
			sendSlots = append(sendSlots, slot{peer, sendOffsets[peer], sendLen})
		}
		if recvLen > 0 {
			recvSlots = append(recvSlots, slot{peer, recvOffsets[peer], recvLen})
		}
	}

	numPSRequests := len(sendSlots)
	total := len(recvSlots)
	if numPSRequests > 0 {
		total++
	}
	if total == 0 {
		cb(errs.StatusOK)
		return errs.StatusOK
	}
	completion := task.NewCompletionCounter(total, cb)

	// Every task below needs its own retained reference to input and output,
	// since routeToNext releases both unconditionally on the task's terminal
	// stage; the first task reuses the caller's own starting reference
	// instead of taking an extra one, matching enqueuePartitions.
	retained := 0
	nextHandles := func() (*task.TensorHandle, *task.TensorHandle) {
		retained++
		if retained == 1 {
			return input, output
		}
		return input.Retain(), output.Retain()
	}

	if numPSRequests > 0 {
		requestCounter := task.NewCompletionCounter(numPSRequests, func(s errs.Status) { completion.Arrive(s) })
		sendStages := P2PStages(rt.Config, true, pullBased)
		for _, s := range sendSlots {
			in, out := nextHandles()
			pairName := fmt.Sprintf("%s#%d->%d", name, selfRank, s.peer)
			rt.enqueueP2PShapedTask(ctx, pairName, selfRank, s.peer, roundKey, s.offset, s.length,
				in, out, selfRank, s.peer, pullBased, sendStages, func(st errs.Status) { requestCounter.Arrive(st) })
		}
	}

	recvStages := P2PStages(rt.Config, false, pullBased)
	for _, r := range recvSlots {
		in, out := nextHandles()
		pairName := fmt.Sprintf("%s#%d->%d", name, r.peer, selfRank)
		rt.enqueueP2PShapedTask(ctx, pairName, r.peer, selfRank, roundKey, r.offset, r.length,
			in, out, selfRank, r.peer, pullBased, recvStages, func(st errs.Status) { completion.Arrive(st) })
	}
	return errs.StatusOK
}

// EnqueueAllgatherTensor is the Enqueue Front-End for an all-gather
// submission (spec.md §4.5): one request task publishes this node's own
// shard — and, since the request task's own output slot is already local
// data, copies it straight into Output, bypassing the network exactly like
// the all-to-all self-rank short-circuit — and num_physical_nodes-1
// response tasks each retrieve one other node's published shard, keyed by
// that node's physicalNode id. Every node's shard is assumed equal-length
// (len(input)); a deployment with ragged shard sizes would instead size
// each response slot from a ShapeList exchanged ahead of the gather.
func (rt *Runtime) EnqueueAllgatherTensor(ctx context.Context, name string, input, output *task.TensorHandle, physicalNode int, numNodes int, crossHost bool, cb task.StatusCallback) errs.Status {
	declaredKey, err := rt.Contexts.Declare(name, task.KindAllGather, nil, nil)
	if err != nil {
		return errs.New(errs.InvalidArgument, "scheduler: declare %q: %v", name, err)
	}

	shardLen := int64(input.Len())
	copy(output.Data[int64(physicalNode)*shardLen:int64(physicalNode)*shardLen+shardLen], input.Data)

	total := 1 + (numNodes - 1)
	completion := task.NewCompletionCounter(total, cb)

	reqKey := keyenc.Encode(rt.rank(), declaredKey, keyenc.OpAllGather, uint16(physicalNode))
	reqStages := AllGatherRequestStages(rt.Config, crossHost)
	reqH := task.Header{
		Kind:       task.KindAllGather,
		TensorName: name,
		Key:        reqKey,
		Offset:     int64(physicalNode) * shardLen,
		Length:     shardLen,
		Input:      input,
		Output:     output,
		ReadyEvent: task.AlwaysReady{},
		QueueList:  append([]task.StageName{}, reqStages...),
		Completion: completion,
	}
	reqEntry := queue.Entry{
		Task:   &task.AllGather{Header: reqH, PhysicalNode: physicalNode},
		Header: &reqH,
	}
	rt.errTable.Register(reqH.Key, func(s errs.Status) { completion.Arrive(s) })
	rq := rt.queues[reqStages[0]]
	if rq == nil {
		return errs.New(errs.UnknownError, "scheduler: allgather request stage %s has no queue", reqStages[0])
	}
	if aerr := rq.AddTask(ctx, reqEntry); aerr != nil {
		return errs.New(errs.Aborted, "scheduler: allgather request enqueue: %v", aerr)
	}

	respStages := AllGatherResponseStages(rt.Config)
	for node := 0; node < numNodes; node++ {
		if node == physicalNode {
			continue
		}
		key := keyenc.Encode(uint32(node), declaredKey, keyenc.OpAllGather, uint16(node))
		h := task.Header{
			Kind:       task.KindAllGather,
			TensorName: name,
			Key:        key,
			Offset:     int64(node) * shardLen,
			Length:     shardLen,
			Input:      input.Retain(),
			Output:     output.Retain(),
			ReadyEvent: task.AlwaysReady{},
			QueueList:  append([]task.StageName{}, respStages...),
			Completion: completion,
		}
		entry := queue.Entry{
			Task:   &task.AllGather{Header: h, PhysicalNode: node},
			Header: &h,
		}
		rt.errTable.Register(h.Key, func(s errs.Status) { completion.Arrive(s) })
		q := rt.queues[respStages[0]]
		if q == nil {
			completion.Arrive(errs.New(errs.UnknownError, "scheduler: allgather response stage %s has no queue", respStages[0]))
			continue
		}
		if aerr := q.AddTask(ctx, entry); aerr != nil {
			completion.Arrive(errs.New(errs.Aborted, "scheduler: allgather response enqueue: %v", aerr))
		}
	}
	return errs.StatusOK
}
