package scheduler

import (
	"context"

	"github.com/bytegrid/commfabric/errs"
)

// Rank reports this process's rank within the job, as discovered from the
// Transport collaborator during Init.
func (rt *Runtime) Rank() int {
	if rt.Transport == nil {
		return 0
	}
	return rt.Transport.Rank()
}

// nextBarrierEpoch returns the next sequential epoch this process should
// pass to Transport.Barrier. Every rank must reach the same epoch number at
// the same logical point in its submission order for Barrier to release
// them together; this holds for BytePS-style training loops where every
// rank declares and initializes the same tensors in the same order.
func (rt *Runtime) nextBarrierEpoch() int {
	return int(rt.barrierEpoch.Add(1) - 1)
}

// Init performs the Global Lifecycle startup sequence: rank discovery
// (implicit in Transport.Rank), a startup barrier so no rank begins
// submitting tasks before every peer has attached, and registration of the
// default stage pipeline.
func (rt *Runtime) Init(ctx context.Context) errs.Status {
	if rt.Transport != nil {
		if st := rt.Transport.Barrier(ctx, rt.nextBarrierEpoch()); !st.OK() {
			return st
		}
	}
	rt.RegisterDefaultStages()
	return errs.StatusOK
}
