package device

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/bytegrid/commfabric/errs"
	"github.com/bytegrid/commfabric/task"
)

// firedEvent is an Event that has already completed.
type firedEvent struct{}

func (firedEvent) Ready() bool            { return true }
func (firedEvent) Wait(context.Context) error { return nil }

// chanEvent is an Event backed by a channel closed on completion, for
// SimRuntime operations that run on a background goroutine.
type chanEvent struct {
	done chan struct{}
	err  atomic.Value // error
}

func newChanEvent() *chanEvent {
	return &chanEvent{done: make(chan struct{})}
}

func (e *chanEvent) fire(err error) {
	if err != nil {
		e.err.Store(err)
	}
	close(e.done)
}

func (e *chanEvent) Ready() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

func (e *chanEvent) Wait(ctx context.Context) error {
	select {
	case <-e.done:
		if err, ok := e.err.Load().(error); ok {
			return err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SimRuntime is a reference Runtime backed by plain heap buffers. It
// performs every copy/reduce/broadcast synchronously and returns an
// already-fired Event, so it is suitable both for unit tests and for
// single-machine deployments with no real accelerator attached.
type SimRuntime struct {
	deviceID int

	mu   sync.Mutex
	mem  map[Pointer][]byte
	next uintptr
}

// NewSimRuntime constructs a SimRuntime driving local device slot deviceID.
func NewSimRuntime(deviceID int) *SimRuntime {
	return &SimRuntime{
		deviceID: deviceID,
		mem:      make(map[Pointer][]byte),
		next:     1,
	}
}

func (r *SimRuntime) DeviceID() int { return r.deviceID }

func (r *SimRuntime) Alloc(length int64) (Pointer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := Pointer(r.next)
	r.next++
	r.mem[p] = make([]byte, length)
	return p, nil
}

func (r *SimRuntime) Free(p Pointer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.mem, p)
}

func (r *SimRuntime) buf(p Pointer) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.mem[p]
	if !ok {
		return nil, errs.New(errs.PreconditionError, "device: unknown pointer %v", p)
	}
	return b, nil
}

func (r *SimRuntime) CopyD2H(ctx context.Context, dst []byte, src Pointer, length int64) (Event, error) {
	b, err := r.buf(src)
	if err != nil {
		return nil, err
	}
	copy(dst[:length], b[:length])
	return firedEvent{}, nil
}

func (r *SimRuntime) CopyH2D(ctx context.Context, dst Pointer, src []byte, length int64) (Event, error) {
	b, err := r.buf(dst)
	if err != nil {
		return nil, err
	}
	copy(b[:length], src[:length])
	return firedEvent{}, nil
}

func (r *SimRuntime) Reduce(ctx context.Context, dst Pointer, srcs []Pointer, length int64, op task.ReduceOp) (Event, error) {
	dstBuf, err := r.buf(dst)
	if err != nil {
		return nil, err
	}
	acc := make([]int32, length)
	for i := range acc {
		acc[i] = int32(dstBuf[i])
	}
	for _, s := range srcs {
		sb, err := r.buf(s)
		if err != nil {
			return nil, err
		}
		for i := int64(0); i < length; i++ {
			v := int32(sb[i])
			switch op {
			case task.ReduceMax:
				if v > acc[i] {
					acc[i] = v
				}
			case task.ReduceMin:
				if v < acc[i] {
					acc[i] = v
				}
			default:
				acc[i] += v
			}
		}
	}
	if op == task.ReduceAvg && len(srcs) > 0 {
		for i := range acc {
			acc[i] /= int32(len(srcs) + 1)
		}
	}
	for i := int64(0); i < length; i++ {
		dstBuf[i] = byte(acc[i])
	}
	return firedEvent{}, nil
}

func (r *SimRuntime) Broadcast(ctx context.Context, dsts []Pointer, src Pointer, length int64) (Event, error) {
	sb, err := r.buf(src)
	if err != nil {
		return nil, err
	}
	for _, d := range dsts {
		db, err := r.buf(d)
		if err != nil {
			return nil, err
		}
		copy(db[:length], sb[:length])
	}
	return firedEvent{}, nil
}

// GroupCalls has no batching effect for SimRuntime; it exists so callers
// exercise the same code path a real NCCL-backed Runtime would.
func (r *SimRuntime) GroupCalls(fn func()) error {
	fn()
	return nil
}

func (r *SimRuntime) NewReadyEvent() Event {
	return firedEvent{}
}
