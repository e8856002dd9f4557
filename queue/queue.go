// Package queue implements the bounded FIFO each pipeline stage consumes
// from. Exactly one worker thread (the stage's loop, in package scheduler)
// calls GetTask on a given Queue. A task may be "withheld": present in the
// queue but not yet deliverable because its stage precondition (a ready
// event, a Ready Table quorum, an upstream counter) has not yet been
// satisfied. This peek-and-conditionally-deliver discipline is the
// scheduler's core scheduling mechanism (spec.md §4.4): queues poll
// preconditions rather than busy-waiting on the tables themselves.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bytegrid/commfabric/task"
	"github.com/bytegrid/commfabric/telemetry"
)

// defaultPollInterval bounds how long GetTask can go without re-checking a
// withheld entry's predicate when no new entry has been added — a ready
// table reaching quorum, for instance, does not itself signal this queue.
const defaultPollInterval = 2 * time.Millisecond

// ErrClosed is returned by AddTask/GetTask once the queue has been closed.
var ErrClosed = errors.New("queue: closed")

// Entry pairs a task variant (one of *task.PushPull, *task.P2P,
// *task.AllToAll, *task.AllGather) with the Header used for scheduling
// decisions common to all variants.
type Entry struct {
	Task   any
	Header *task.Header
}

// Predicate decides whether an Entry is deliverable right now. It must not block.
type Predicate func(*task.Header) bool

// AlwaysDeliverable is the trivial Predicate used by stages with no
// precondition beyond "a task is present".
func AlwaysDeliverable(*task.Header) bool { return true }

// Config configures a Queue.
type Config struct {
	Name       string
	Stage      task.StageName
	Capacity   int // 0 means unbounded
	Priority   bool
	Logger     telemetry.Logger
	Metrics    telemetry.MetricHook
}

// Queue is a bounded FIFO of task references with exactly one consumer.
type Queue struct {
	name     string
	stage    task.StageName
	capacity int
	priority bool
	logger   telemetry.Logger
	metrics  telemetry.MetricHook

	mu      sync.Mutex
	entries []Entry
	closed  bool

	itemAdded  chan struct{}
	spaceFreed chan struct{}
}

// New constructs a Queue per cfg.
func New(cfg Config) *Queue {
	return &Queue{
		name:       cfg.Name,
		stage:      cfg.Stage,
		capacity:   cfg.Capacity,
		priority:   cfg.Priority,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		itemAdded:  make(chan struct{}, 1),
		spaceFreed: make(chan struct{}, 1),
	}
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// AddTask appends entry to the queue, blocking if the queue is at capacity
// until space frees or ctx is done.
func (q *Queue) AddTask(ctx context.Context, entry Entry) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrClosed
		}
		if q.capacity <= 0 || len(q.entries) < q.capacity {
			q.entries = append(q.entries, entry)
			depth := len(q.entries)
			q.mu.Unlock()
			if q.logger != nil {
				q.logger.Debugf("queue %s: added task key=%d depth=%d", q.name, entry.Header.Key, depth)
			}
			if q.metrics != nil {
				q.metrics.QueueDepthObserved(string(q.stage), depth)
			}
			notify(q.itemAdded)
			return nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.spaceFreed:
		}
	}
}

// TryGetTask makes one non-blocking attempt to find and remove a deliverable
// entry. It returns ok=false when nothing currently satisfies pred, so that
// callers (the stage worker loop) can back off without holding the queue
// lock — the "yield the thread when none are deliverable" behavior from
// spec.md §4.4.
func (q *Queue) TryGetTask(pred Predicate) (Entry, bool) {
	if pred == nil {
		pred = AlwaysDeliverable
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := -1
	if q.priority {
		bestPriority := 0
		for i, e := range q.entries {
			if !pred(e.Header) {
				continue
			}
			if idx == -1 || e.Header.Priority > bestPriority {
				idx = i
				bestPriority = e.Header.Priority
			}
		}
	} else {
		for i, e := range q.entries {
			if pred(e.Header) {
				idx = i
				break
			}
		}
	}
	if idx == -1 {
		return Entry{}, false
	}

	entry := q.entries[idx]
	q.entries = append(q.entries[:idx], q.entries[idx+1:]...)
	depth := len(q.entries)
	if q.metrics != nil {
		q.metrics.QueueDepthObserved(string(q.stage), depth)
	}
	notify(q.spaceFreed)
	return entry, true
}

// GetTask blocks until an entry satisfying pred is available, the queue is
// closed, or ctx is done. It re-polls TryGetTask on every itemAdded signal
// and, as a fallback, every defaultPollInterval, so a withheld entry whose
// external condition later becomes true is delivered without the caller
// re-polling and without a new AddTask.
func (q *Queue) GetTask(ctx context.Context, pred Predicate) (Entry, error) {
	for {
		if entry, ok := q.TryGetTask(pred); ok {
			return entry, nil
		}
		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return Entry{}, ErrClosed
		}
		select {
		case <-ctx.Done():
			return Entry{}, ctx.Err()
		case <-q.itemAdded:
		case <-time.After(defaultPollInterval):
		}
	}
}

// Len reports the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Close marks the queue closed; blocked AddTask/GetTask callers observe ErrClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	notify(q.itemAdded)
	notify(q.spaceFreed)
}

// Name returns the queue's configured name.
func (q *Queue) Name() string {
	return q.name
}

// Stage returns the stage this queue feeds.
func (q *Queue) Stage() task.StageName {
	return q.stage
}
