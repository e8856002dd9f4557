package telemetry

// MetricHook captures scheduler telemetry events: queue lifecycle, stage
// completions, and ready-table quorum waits. Mirrors the teacher's
// client.MetricHook shape, retargeted from RDMA send/receive to stage
// dispatch.
type MetricHook interface {
	QueueDepthObserved(stage string, depth int)
	StageStarted(stage string, attrs map[string]string)
	StageCompleted(stage string, attrs map[string]string)
	StageFailed(stage string, err error, attrs map[string]string)
	ReadyQuorumReached(name string, attrs map[string]string)
	DispatcherStarted(stage string)
	DispatcherStopped(stage string)
}

// Labels used across both metric backends.
const (
	LabelStage     = "stage"
	LabelOpType    = "op_type"
	LabelStatus    = "status"
	LabelTableName = "table"
)
