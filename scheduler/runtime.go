package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytegrid/commfabric/compress"
	"github.com/bytegrid/commfabric/ctxtable"
	"github.com/bytegrid/commfabric/device"
	"github.com/bytegrid/commfabric/errs"
	"github.com/bytegrid/commfabric/keyenc"
	"github.com/bytegrid/commfabric/pstransport"
	"github.com/bytegrid/commfabric/queue"
	"github.com/bytegrid/commfabric/ready"
	"github.com/bytegrid/commfabric/rtconfig"
	"github.com/bytegrid/commfabric/shm"
	"github.com/bytegrid/commfabric/task"
	"github.com/bytegrid/commfabric/telemetry"
	"go.uber.org/multierr"
)

// StageFunc executes one stage's work for entry. It must not block on
// anything other than ctx cancellation and the collaborators it calls
// through; the dispatcher loop around it handles advancing the task to its
// next stage (or firing completion) once StageFunc returns.
type StageFunc func(ctx context.Context, entry queue.Entry, rt *Runtime) errs.Status

// Runtime is the process-wide scheduler: the queues, the collaborators
// (device, transport, shm, compressors), the context table, and the one
// worker goroutine per active stage that drains each queue.
type Runtime struct {
	Config    rtconfig.Config
	Contexts  *ctxtable.Table
	Encoder   *keyenc.Encoder
	Device    device.Runtime
	Transport pstransport.Transport
	Shm       shm.Allocator
	Compress  *compress.Registry
	Tracer    telemetry.Tracer
	Metrics   telemetry.MetricHook
	Logger    telemetry.Logger

	queues     map[task.StageName]*queue.Queue
	stageFuncs map[task.StageName]StageFunc
	predicates map[task.StageName]queue.Predicate

	// ReduceGroup/BroadcastGroup rendezvous the local peers sharing Device
	// around the reduce and broadcast phases of a push-pull submission
	// (spec.md §1(b)). New gives each Runtime its own size-1 instance, the
	// correct behavior for the common single-local-device case; a caller
	// wiring up multiple local ranks on one host (bps.NewSimulatedJob, or a
	// production binding) shares one pair of LocalGroup instances, sized to
	// Config.LocalSize, across every Runtime on that host.
	ReduceGroup    *LocalGroup
	BroadcastGroup *LocalGroup

	pushGate  *ready.Table
	bcastGate *ready.Table
	errTable  *errs.Table

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	monitorInterval time.Duration
	barrierEpoch    atomic.Int64

	shutdownMu   sync.Mutex
	shutdownErrs []error
}

// New constructs a Runtime. Callers populate Device/Transport/Shm/Compress
// with either reference (in-memory) or production implementations before
// calling Start.
func New(cfg rtconfig.Config, logger telemetry.Logger, metrics telemetry.MetricHook, tracer telemetry.Tracer) *Runtime {
	return &Runtime{
		Config:     cfg,
		Contexts:   ctxtable.New(ctxtable.Config{Logger: logger, Metrics: metrics}),
		Compress:   compress.NewRegistry(),
		Tracer:     tracer,
		Metrics:    metrics,
		Logger:     logger,
		queues:         make(map[task.StageName]*queue.Queue),
		stageFuncs:     make(map[task.StageName]StageFunc),
		predicates:     make(map[task.StageName]queue.Predicate),
		ReduceGroup:    NewLocalGroup(1),
		BroadcastGroup: NewLocalGroup(1),
		pushGate:      ready.New(ready.Config{Name: "push_gate", Quorum: 1, Logger: logger, Metrics: metrics}),
		bcastGate:     ready.New(ready.Config{Name: "bcast_gate", Quorum: 1, Logger: logger, Metrics: metrics}),
		errTable:        errs.NewTable(),
		monitorInterval: 300 * time.Second,
	}
}

// ReportTransportError delivers status to the submission currently occupying
// routing key, without waiting for that task to reach its own terminal stage.
// A production Transport calls this out-of-band when it learns a shard or
// peer is unreachable by some means other than a blocked Push/Pull/Send/Recv
// call returning — e.g. a connection-level callback — so the application is
// not left waiting on a task that will never naturally complete. If the task
// later does reach its terminal stage normally, its second arrival at the
// same CompletionCounter is a harmless no-op (spec.md §4.6: the first
// non-OK status wins and the callback fires exactly once).
func (rt *Runtime) ReportTransportError(key uint64, status errs.Status) {
	rt.errTable.Resolve(key, status)
}

// RegisterStage wires a StageFunc to a named pipeline stage, creating its
// backing Queue with qcfg (Name/Stage are filled in from name automatically).
func (rt *Runtime) RegisterStage(name task.StageName, fn StageFunc, qcfg queue.Config) {
	qcfg.Name = string(name)
	qcfg.Stage = name
	qcfg.Logger = rt.Logger
	qcfg.Metrics = rt.Metrics
	rt.queues[name] = queue.New(qcfg)
	rt.stageFuncs[name] = fn
}

// QueueFor returns the Queue backing a registered stage, or nil.
func (rt *Runtime) QueueFor(name task.StageName) *queue.Queue {
	return rt.queues[name]
}

// RegisterPredicate installs the peek-predicate a stage's queue consults
// before delivering an entry (spec.md §4.4's peek-and-conditionally-deliver
// discipline). Stages with no precondition beyond "a task is present" need
// not call this; runStageLoop falls back to queue.AlwaysDeliverable.
func (rt *Runtime) RegisterPredicate(name task.StageName, pred queue.Predicate) {
	rt.predicates[name] = pred
}

// markPushReady signals that the stage immediately preceding PUSH in this
// task's selected path has finished. Several distinct stages (CPU_REDUCE,
// COPYD2H, PCIE_REDUCE) occupy that position depending on which path
// PushPullStages chose, so this is idempotent per key: this reference
// Runtime only ever has one task occupying a given routing key at a time,
// so the calls are never concurrent and the guard is race-free.
func (rt *Runtime) markPushReady(key uint64) {
	if rt.pushGate.Count(key) < 1 {
		rt.pushGate.AddReadyCount(key)
	}
}

// markBcastReady is markPushReady's counterpart for the stage immediately
// preceding BROADCAST (COPYH2D, GDR_WAIT_PUSH_PULL, or COORDINATE_BROADCAST
// depending on path).
func (rt *Runtime) markBcastReady(key uint64) {
	if rt.bcastGate.Count(key) < 1 {
		rt.bcastGate.AddReadyCount(key)
	}
}

// routeToNext advances entry's header past the stage it just completed, then
// either pushes it onto the next stage's queue or — if no stage remains —
// fires the submission's CompletionCounter and releases its tensor handles.
// This is route_to_next from spec.md §4.6.
func (rt *Runtime) routeToNext(ctx context.Context, entry queue.Entry, status errs.Status) error {
	h := entry.Header
	if !status.OK() || !h.Advance() {
		rt.errTable.Forget(h.Key)
		if h.Completion != nil {
			h.Completion.Arrive(status)
		}
		h.Input.Release()
		h.Output.Release()
		return nil
	}

	next := h.CurrentStage()
	q, ok := rt.queues[next]
	if !ok {
		if rt.Logger != nil {
			rt.Logger.Debugf("scheduler: no queue registered for stage %s, dropping task key=%d", next, h.Key)
		}
		if h.Completion != nil {
			h.Completion.Arrive(errs.New(errs.UnknownError, "scheduler: stage %s has no registered queue", next))
		}
		return nil
	}
	return q.AddTask(ctx, entry)
}

// runStageLoop is the Loop Dispatcher for a single stage: it pulls the next
// deliverable entry, runs its StageFunc, and routes the result onward. Each
// registered stage gets exactly one such goroutine, matching spec.md §4.4's
// one-worker-per-stage discipline.
func (rt *Runtime) runStageLoop(ctx context.Context, name task.StageName) {
	defer rt.wg.Done()
	q := rt.queues[name]
	fn := rt.stageFuncs[name]
	pred := rt.predicates[name]
	if pred == nil {
		pred = queue.AlwaysDeliverable
	}
	if rt.Metrics != nil {
		rt.Metrics.DispatcherStarted(string(name))
	}
	defer func() {
		if rt.Metrics != nil {
			rt.Metrics.DispatcherStopped(string(name))
		}
	}()

	for {
		entry, err := q.GetTask(ctx, pred)
		if err != nil {
			if !errors.Is(err, queue.ErrClosed) && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				rt.recordShutdownErr(fmt.Errorf("stage %s: %w", name, err))
			}
			return
		}
		if rt.Metrics != nil {
			rt.Metrics.StageStarted(string(name), nil)
		}

		var span telemetry.Span
		if rt.Tracer != nil {
			span = rt.Tracer.StartSpan(string(name), telemetry.Attribute{Key: "key", Value: entry.Header.Key})
		}
		status := fn(ctx, entry, rt)
		if status.OK() {
			if rt.Metrics != nil {
				rt.Metrics.StageCompleted(string(name), nil)
			}
			telemetry.SpanEnd(span, nil)
		} else {
			if rt.Metrics != nil {
				rt.Metrics.StageFailed(string(name), status, nil)
			}
			telemetry.SpanRecordError(span, status)
			telemetry.SpanEnd(span, status)
		}

		if err := rt.routeToNext(ctx, entry, status); err != nil && rt.Logger != nil {
			rt.Logger.Debugf("scheduler: routeToNext for key=%d failed: %v", entry.Header.Key, err)
		}
	}
}

// Start launches one Loop Dispatcher goroutine per registered stage, plus
// the Monitor straggler-reporting loop, all bound to ctx's lifetime.
func (rt *Runtime) Start(ctx context.Context) {
	rt.mu.Lock()
	if rt.started {
		rt.mu.Unlock()
		return
	}
	rt.started = true
	rt.stopCh = make(chan struct{})
	rt.mu.Unlock()

	for name := range rt.stageFuncs {
		rt.wg.Add(1)
		go rt.runStageLoop(ctx, name)
	}

	rt.wg.Add(1)
	go rt.monitorLoop(ctx)
}

// flusher is satisfied by telemetry.ChromeTraceWriter; Shutdown flushes any
// Tracer that implements it so a trace file actually lands on disk.
type flusher interface {
	Flush() error
}

// Shutdown closes every stage queue, unblocking blocked GetTask/AddTask
// callers, stops the monitor loop, and flushes the Tracer if it buffers
// output (e.g. telemetry.ChromeTraceWriter).
func (rt *Runtime) Shutdown() {
	rt.mu.Lock()
	if !rt.started {
		rt.mu.Unlock()
		return
	}
	close(rt.stopCh)
	rt.mu.Unlock()

	for _, q := range rt.queues {
		q.Close()
	}

	if f, ok := rt.Tracer.(flusher); ok {
		if err := f.Flush(); err != nil {
			rt.recordShutdownErr(fmt.Errorf("tracer flush: %w", err))
		}
	}
}

func (rt *Runtime) recordShutdownErr(err error) {
	rt.shutdownMu.Lock()
	rt.shutdownErrs = append(rt.shutdownErrs, err)
	rt.shutdownMu.Unlock()
}

// ShutdownErr aggregates every unexpected stage-loop exit error and tracer
// flush error recorded over this Runtime's lifetime, combined with multierr so a
// caller sees every failure at once rather than just the first. Call it
// after WaitForShutdown returns true; an empty result means every stage
// loop exited cleanly (queue closed or context cancelled).
func (rt *Runtime) ShutdownErr() error {
	rt.shutdownMu.Lock()
	defer rt.shutdownMu.Unlock()
	return multierr.Combine(rt.shutdownErrs...)
}

// WaitForShutdown blocks until every stage loop and the monitor loop have
// exited, or timeout elapses first, in which case it reports false.
func (rt *Runtime) WaitForShutdown(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		rt.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
