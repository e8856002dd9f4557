package task

import (
	"testing"

	"github.com/bytegrid/commfabric/errs"
	"github.com/stretchr/testify/require"
)

func TestHeaderAdvanceThroughStageList(t *testing.T) {
	h := Header{QueueList: []StageName{StageReduce, StageCopyD2H, StagePush}}
	require.Equal(t, StageReduce, h.CurrentStage())
	require.True(t, h.Advance())
	require.Equal(t, StageCopyD2H, h.CurrentStage())
	require.True(t, h.Advance())
	require.Equal(t, StagePush, h.CurrentStage())
	require.False(t, h.Advance())
	require.True(t, h.Done())
}

func TestCompletionCounterFiresExactlyOnce(t *testing.T) {
	var calls int
	var last errs.Status
	cc := NewCompletionCounter(3, func(s errs.Status) {
		calls++
		last = s
	})

	require.False(t, cc.Arrive(errs.StatusOK))
	require.False(t, cc.Arrive(errs.StatusOK))
	require.True(t, cc.Arrive(errs.StatusOK))
	require.Equal(t, 1, calls)
	require.True(t, last.OK())
}

func TestCompletionCounterReportsFirstNonOK(t *testing.T) {
	bad := errs.New(errs.DataLoss, "server shard unreachable")
	var last errs.Status
	cc := NewCompletionCounter(2, func(s errs.Status) { last = s })

	cc.Arrive(bad)
	cc.Arrive(errs.StatusOK)
	require.Equal(t, errs.DataLoss, last.Code)
}

func TestTensorHandleReleasesAtZeroRefs(t *testing.T) {
	released := false
	h := NewTensorHandle([]byte("x"), func() { released = true })
	h.Retain()
	h.Release()
	require.False(t, released)
	h.Release()
	require.True(t, released)
}
