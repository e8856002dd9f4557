// Package device declares the GPU runtime collaborator: the boundary
// between the scheduler and whatever CUDA/ROCm/NCCL binding is linked in.
// The scheduler only ever sees this interface, never a concrete device
// library, matching the teacher's opaque-handle pattern for hardware
// transports (rocketbitz-libfabric-go's fi.Endpoint) generalized from RDMA
// NICs to accelerators.
package device

import (
	"context"

	"github.com/bytegrid/commfabric/task"
)

// Pointer is an opaque device-memory address. Its value is meaningful only
// to the Runtime that produced it.
type Pointer uintptr

// Event is a device-side completion signal. It satisfies task.ReadyEvent so
// a GDR_WAIT_PUSH_PULL-style stage can poll it the same way it polls any
// other precondition, without the queue package needing to know about
// devices at all.
type Event interface {
	task.ReadyEvent
	// Wait blocks until the event fires or ctx is done.
	Wait(ctx context.Context) error
}

// Runtime is the accelerator collaborator. Stage functions use the single
// Runtime wired into their scheduler; task.Header.DeviceID is carried but
// does not select among Runtimes.
type Runtime interface {
	// Alloc reserves length bytes of device memory, returning an opaque
	// pointer valid until Free.
	Alloc(length int64) (Pointer, error)
	Free(p Pointer)

	// CopyD2H stages length bytes from device memory into dst, returning an
	// Event that fires on completion (COPYD2H stage).
	CopyD2H(ctx context.Context, dst []byte, src Pointer, length int64) (Event, error)
	// CopyH2D stages length bytes from src into device memory (COPYH2D stage).
	CopyH2D(ctx context.Context, dst Pointer, src []byte, length int64) (Event, error)

	// Reduce applies op elementwise across count device buffers into dst,
	// used by the in-place on-device reduction ahead of COPYD2H (REDUCE stage).
	Reduce(ctx context.Context, dst Pointer, srcs []Pointer, length int64, op task.ReduceOp) (Event, error)
	// Broadcast replicates src to every buffer in dsts (BROADCAST stage).
	Broadcast(ctx context.Context, dsts []Pointer, src Pointer, length int64) (Event, error)

	// GroupCalls batches the NCCL-style collective calls issued inside fn
	// into a single group, avoiding one kernel-launch round trip per call.
	// Runtimes that have no notion of call grouping may simply invoke fn.
	GroupCalls(fn func()) error

	// NewReadyEvent returns an already-fired Event, for call sites that need
	// the Event interface but have no pending device work.
	NewReadyEvent() Event

	// DeviceID reports which local device slot this Runtime drives.
	DeviceID() int
}
