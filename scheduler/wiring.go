package scheduler

import (
	"github.com/bytegrid/commfabric/queue"
	"github.com/bytegrid/commfabric/task"
)

// RegisterDefaultStages wires every StageFunc defined in stages.go to its
// named stage, using a plain FIFO for the P2P stages and a priority queue for
// every other stage.
func (rt *Runtime) RegisterDefaultStages() {
	priority := func(name task.StageName, fn StageFunc) {
		rt.RegisterStage(name, fn, queue.Config{Priority: true})
	}
	fifo := func(name task.StageName, fn StageFunc) {
		rt.RegisterStage(name, fn, queue.Config{})
	}

	priority(task.StageCoordinateReduce, CoordinateReduceStage)
	priority(task.StageReduce, ReduceStage)
	priority(task.StageCPUCopy, CPUCopyStage)
	priority(task.StageCPUReduce, CPUReduceStage)
	priority(task.StageCopyD2H, CopyD2HStage)
	priority(task.StagePCIeReduce, PCIeReduceStage)
	priority(task.StageCopyH2D, CopyH2DStage)
	priority(task.StageCoordinatePush, CoordinatePushStage)
	priority(task.StageCoordinateBroadcast, CoordinateBroadcastStage)
	priority(task.StageCompress, CompressStage)
	priority(task.StageDecompress, DecompressStage)
	priority(task.StagePush, PushStage)
	priority(task.StagePull, PullStage)
	priority(task.StageCPUBcast, CPUBcastStage)
	priority(task.StageCPUBcastFinish, CPUBcastFinishStage)
	priority(task.StageBroadcast, BroadcastStage)

	fifo(task.StageSend, SendStage)
	fifo(task.StageRecv, RecvStage)
	fifo(task.StageP2PPull, P2PPullStage)
	fifo(task.StageP2PPullResponse, P2PPullResponseStage)
	fifo(task.StageP2PGroupCopyH2D, P2PGroupCopyH2DStage)
	fifo(task.StageP2PWaitAck, P2PWaitAckStage)

	// Peek-predicates for the three stages spec.md §4.4 names explicitly:
	// COPYD2H withholds delivery until the submission's own ReadyEvent says
	// the source buffer is ready, and PUSH/BROADCAST withhold until the
	// stage immediately ahead of them in whichever path was selected has
	// marked the corresponding gate (spec.md §6's stage-selection rules pick
	// different predecessor stages per path; see markPushReady/markBcastReady).
	rt.RegisterPredicate(task.StageCopyD2H, func(h *task.Header) bool {
		return h.ReadyEvent == nil || h.ReadyEvent.Ready()
	})
	rt.RegisterPredicate(task.StagePush, func(h *task.Header) bool {
		return rt.pushGate.Drain(h.Key)
	})
	rt.RegisterPredicate(task.StageBroadcast, func(h *task.Header) bool {
		return rt.bcastGate.Drain(h.Key)
	})

	priority(task.StageGDRV1PushPull, GDRV1PushPullStage)
	priority(task.StageGDRV2PushPull, GDRV2PushPullStage)
	priority(task.StageGDRWaitPushPull, GDRWaitPushPullStage)

	priority(task.StageCoordinateAllgather, CoordinateAllgatherStage)
	priority(task.StageCoordinateAllgatherBcast, CoordinateAllgatherBcastStage)
	priority(task.StageAllgatherCopyD2H, AllgatherCopyD2HStage)
	priority(task.StageAllgatherCopyH2D, AllgatherCopyH2DStage)
	priority(task.StageAllgather, AllgatherStage)
	priority(task.StageAllgatherPull, AllgatherPullStage)
	priority(task.StageAllgatherPullResp, AllgatherPullRespStage)
	priority(task.StageAllgatherPullAck, AllgatherPullAckStage)
	priority(task.StageAllgatherBcast, AllgatherBcastStage)
	priority(task.StageAllgatherPullWorkerLocalRoot, AllgatherPullWorkerLocalRootStage)
	priority(task.StageAllgatherPullWorkerLocalRootResp, AllgatherPullWorkerLocalRootRespStage)
	priority(task.StageAllgatherPullWorkerLocalRootAck, AllgatherPullWorkerLocalRootAckStage)
}
