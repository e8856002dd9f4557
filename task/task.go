// Package task defines the unit of work carried between scheduled queues.
// The base TensorTableEntry/P2PTensorTableEntry inheritance from the original
// implementation is modelled here as a tagged variant (spec.md §9): a shared
// Header plus one of PushPull, P2P, AllToAll, or AllGather.
package task

import (
	"github.com/bytegrid/commfabric/errs"
)

// StageName identifies one entry of the stage catalog (spec.md §6).
type StageName string

const (
	StageCoordinateReduce   StageName = "COORDINATE_REDUCE"
	StageReduce             StageName = "REDUCE"
	StageCopyD2H            StageName = "COPYD2H"
	StagePCIeReduce         StageName = "PCIE_REDUCE"
	StageCoordinatePush     StageName = "COORDINATE_PUSH"
	StageCompress           StageName = "COMPRESS"
	StagePush               StageName = "PUSH"
	StagePull               StageName = "PULL"
	StageGDRV1PushPull      StageName = "GDR_V1_PUSH_PULL"
	StageGDRV2PushPull      StageName = "GDR_V2_PUSH_PULL"
	StageGDRWaitPushPull    StageName = "GDR_WAIT_PUSH_PULL"
	StageDecompress         StageName = "DECOMPRESS"
	StageCopyH2D            StageName = "COPYH2D"
	StageCoordinateBroadcast StageName = "COORDINATE_BROADCAST"
	StageBroadcast          StageName = "BROADCAST"
	StageSend               StageName = "SEND"
	StageRecv               StageName = "RECV"
	StageP2PGroupCopyH2D    StageName = "P2P_GROUP_COPYH2D"
	StageP2PPull            StageName = "P2P_PULL"
	StageP2PPullResponse    StageName = "P2P_PULL_RESPONSE"
	StageP2PWaitAck         StageName = "P2P_WAIT_ACK"
	StageCPUCopy            StageName = "CPU_COPY"
	StageCPUReduce          StageName = "CPU_REDUCE"
	StageCPUBcast           StageName = "CPU_BCAST"
	StageCPUBcastFinish     StageName = "CPU_BCAST_FINISH"
	StageAllgather                      StageName = "ALLGATHER"
	StageCoordinateAllgather             StageName = "COORDINATE_ALLGATHER"
	StageAllgatherPull                   StageName = "ALLGATHER_PULL"
	StageAllgatherPullResp               StageName = "ALLGATHER_PULL_RESP"
	StageAllgatherBcast                  StageName = "ALLGATHER_BCAST"
	StageCoordinateAllgatherBcast        StageName = "COORDINATE_ALLGATHER_BCAST"
	StageAllgatherPullAck                StageName = "ALLGATHER_PULL_ACK"
	StageAllgatherCopyD2H                StageName = "ALLGATHER_COPYD2H"
	StageAllgatherCopyH2D                StageName = "ALLGATHER_COPYH2D"
	StageAllgatherPullWorkerLocalRoot     StageName = "ALLGATHER_PULL_WORKER_LOCAL_ROOT"
	StageAllgatherPullWorkerLocalRootResp StageName = "ALLGATHER_PULL_WORKER_LOCAL_ROOT_RESP"
	StageAllgatherPullWorkerLocalRootAck  StageName = "ALLGATHER_PULL_WORKER_LOCAL_ROOT_ACK"
)

// Kind identifies which variant a Task carries.
type Kind int

const (
	KindPushPull Kind = iota
	KindP2P
	KindAllToAll
	KindAllGather
)

func (k Kind) String() string {
	switch k {
	case KindPushPull:
		return "push-pull"
	case KindP2P:
		return "p2p"
	case KindAllToAll:
		return "all-to-all"
	case KindAllGather:
		return "all-gather"
	default:
		return "unknown"
	}
}

// ReduceOp names the elementwise reduction Device.Reduce applies at the REDUCE stage.
type ReduceOp int

const (
	ReduceSum ReduceOp = iota
	ReduceAvg
	ReduceMax
	ReduceMin
)

// Header carries the fields shared by every task variant (spec.md §3 Task).
type Header struct {
	Kind Kind

	TensorName string
	Key        uint64
	Offset     int64
	Length     int64

	Input  *TensorHandle
	Output *TensorHandle

	ReadyEvent ReadyEvent

	Priority int
	Version  int64
	DeviceID int
	ReduceOp ReduceOp

	QueueList []StageName

	Completion      *CompletionCounter
	PushPullCounter int32 // per-partition push-pull progress, e.g. acks received

	CompressorName string
	CompressorArgs map[string]string
}

// CurrentStage returns the next stage to execute, or "" if the list is empty.
func (h *Header) CurrentStage() StageName {
	if len(h.QueueList) == 0 {
		return ""
	}
	return h.QueueList[0]
}

// Advance pops the current stage from the queue list, reporting whether any
// stage remains.
func (h *Header) Advance() bool {
	if len(h.QueueList) == 0 {
		return false
	}
	h.QueueList = h.QueueList[1:]
	return len(h.QueueList) > 0
}

// Done reports whether the task has no remaining stages.
func (h *Header) Done() bool {
	return len(h.QueueList) == 0
}

// PushPull is the all-reduce (push-pull through the parameter-server fabric) variant.
type PushPull struct {
	Header
}

// P2P extends Header with peer-to-peer send/recv identity.
type P2P struct {
	Header
	Sender   int
	Receiver int
}

// AllToAll extends Header with the fan-out/fan-in bookkeeping a single
// submission needs across all ranks.
type AllToAll struct {
	Header

	OffsetList        []int64
	ShapeList         [][]int64
	AuxOutput         *TensorHandle
	RequestCounter    int32
	GroupTensors      []*TensorHandle
	GroupOutputs      []*TensorHandle
	OutputDevice      int
	OutputSizeUnknown bool
	WorkerLocalRootList []int

	PullBased bool
	SelfRank  int
	PeerRank  int
}

// AllGather extends Header with the physical-node bookkeeping all-gather needs.
type AllGather struct {
	Header

	OffsetList          []int64
	ShapeList           [][]int64
	PhysicalNode        int
	WorkerLocalRootList []int
}

// StatusCallback is re-exported for convenience so callers of package task
// need not also import errs for this common case.
type StatusCallback = errs.StatusCallback
