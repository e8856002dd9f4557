// Package scheduler implements the stage-selection rules, the per-stage
// Loop Dispatcher, the Enqueue Front-End, and process lifecycle management
// that together form the scheduler described across spec.md §4 and §6.
package scheduler

import (
	"github.com/bytegrid/commfabric/rtconfig"
	"github.com/bytegrid/commfabric/task"
)

// PushPullStages selects the stage list for one partition of a push-pull
// (all-reduce) submission, following spec.md §6's four stage templates
// verbatim. The defining hard part of spec.md §1 is that exactly one rank
// per host — the local root, identified by rank()%LocalSize == WorkerLocalRoot
// — crosses the network on behalf of every local peer: a non-root GPU
// partition never runs PUSH/PULL at all, only the local reduce/copy plus the
// COORDINATE_* rendezvous with its host's root.
func PushPullStages(cfg rtconfig.Config, useGPU, compressEnabled, isLocalRoot bool) []task.StageName {
	if !useGPU || cfg.DisableGPUAllreduce {
		stages := []task.StageName{task.StageCPUCopy, task.StageCPUReduce}
		if cfg.NumWorker > 1 {
			if compressEnabled {
				stages = append(stages, task.StageCompress)
			}
			stages = append(stages, task.StagePush, task.StagePull)
			if compressEnabled {
				stages = append(stages, task.StageDecompress)
			}
		}
		stages = append(stages, task.StageCPUBcast)
		if isLocalRoot {
			stages = append(stages, task.StageCPUBcastFinish)
		}
		return stages
	}

	if cfg.UseGDRAllreduce {
		pushPull := task.StageGDRV1PushPull
		if cfg.GDRAllreduceLevel == rtconfig.GDRGPU2GPU {
			pushPull = task.StageGDRV2PushPull
		}
		var stages []task.StageName
		if !isLocalRoot {
			stages = append(stages, task.StageCoordinateReduce)
		}
		stages = append(stages, task.StageReduce, pushPull, task.StageGDRWaitPushPull)
		if !isLocalRoot {
			stages = append(stages, task.StageCoordinateBroadcast)
		}
		return append(stages, task.StageBroadcast)
	}

	if !isLocalRoot {
		return []task.StageName{
			task.StageCoordinateReduce, task.StageReduce, task.StageCopyD2H,
			task.StageCoordinatePush, task.StageCoordinateBroadcast, task.StageBroadcast,
		}
	}

	stages := []task.StageName{task.StageReduce, task.StageCopyD2H}
	if cfg.LocalSize > 1 {
		stages = append(stages, task.StagePCIeReduce)
	}
	if compressEnabled {
		stages = append(stages, task.StageCompress)
	}
	stages = append(stages, task.StagePush, task.StagePull)
	if compressEnabled {
		stages = append(stages, task.StageDecompress)
	}
	return append(stages, task.StageCopyH2D, task.StageBroadcast)
}

// P2PStages selects the stage list for one side of a peer-to-peer
// send/recv transfer. A send and its matching recv are two distinct Task
// instances living on two distinct ranks, rendezvousing over the same
// routing key through the Transport collaborator — isSender picks which
// side's stage list this call returns. pullBased switches the sending side
// from an active SEND into a passive P2P_PULL_RESPONSE publish, and the
// receiving side from a passive RECV into an active P2P_PULL, mirroring
// AllgatherStage/AllgatherPullStage's publish/pull split.
func P2PStages(cfg rtconfig.Config, isSender, pullBased bool) []task.StageName {
	if isSender {
		if pullBased {
			return []task.StageName{task.StageP2PPullResponse}
		}
		stages := []task.StageName{task.StageSend}
		if !cfg.DisableP2PAck {
			stages = append(stages, task.StageP2PWaitAck)
		}
		return stages
	}
	if pullBased {
		return []task.StageName{task.StageP2PPull, task.StageP2PGroupCopyH2D}
	}
	return []task.StageName{task.StageRecv, task.StageP2PGroupCopyH2D}
}

// AllToAllStages selects the stage list for one rank-pair partition of an
// all-to-all submission. All-to-all reuses the P2P stage catalog: a
// submission is materialized as one send-role task per non-self peer with a
// non-empty request slot and one recv-role task per non-self peer with a
// non-empty response slot, following BytePS's own all-to-all-as-decomposed-p2p
// design.
func AllToAllStages(cfg rtconfig.Config, isSender, pullBased bool) []task.StageName {
	return P2PStages(cfg, isSender, pullBased)
}

// AllGatherRequestStages selects the stage list for the one task per
// submission that publishes this node's own shard — the all-gather
// "request" task of spec.md §4.5. crossHost adds the extra worker-local-root
// relay hop used when the gather must first consolidate within a host
// before crossing hosts.
func AllGatherRequestStages(cfg rtconfig.Config, crossHost bool) []task.StageName {
	stages := []task.StageName{task.StageCoordinateAllgather, task.StageAllgatherCopyD2H}
	if crossHost {
		stages = append(stages, task.StageAllgatherPullWorkerLocalRoot, task.StageAllgatherPullWorkerLocalRootResp)
		if !cfg.DisableAllgatherAck {
			stages = append(stages, task.StageAllgatherPullWorkerLocalRootAck)
		}
	}
	return append(stages, task.StageAllgather)
}

// AllGatherResponseStages selects the stage list for each of the
// num_physical_nodes-1 tasks that retrieve one other node's published shard —
// the all-gather "response" tasks of spec.md §4.5.
func AllGatherResponseStages(cfg rtconfig.Config) []task.StageName {
	stages := []task.StageName{task.StageAllgatherPull, task.StageAllgatherPullResp}
	if !cfg.DisableAllgatherAck {
		stages = append(stages, task.StageAllgatherPullAck)
	}
	return append(stages, task.StageCoordinateAllgatherBcast, task.StageAllgatherBcast, task.StageAllgatherCopyH2D)
}
