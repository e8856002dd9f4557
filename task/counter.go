package task

import (
	"sync"
	"sync/atomic"

	"github.com/bytegrid/commfabric/errs"
)

// CompletionCounter is the shared completion counter across all partitions of
// the same submission (spec.md §3 Task, §4.6 route_to_next). Exactly one
// terminal callback fires, carrying the first non-OK status observed, or
// Status OK if every partition succeeded.
type CompletionCounter struct {
	total    int32
	done     atomic.Int32
	mu       sync.Mutex
	status   errs.Status
	fired    bool
	callback errs.StatusCallback
}

// NewCompletionCounter constructs a counter expecting total partition
// arrivals before invoking cb exactly once.
func NewCompletionCounter(total int, cb errs.StatusCallback) *CompletionCounter {
	return &CompletionCounter{total: int32(total), status: errs.StatusOK, callback: cb}
}

// Arrive records one partition's terminal status. When the Nth arrival (N ==
// total) occurs, the registered callback is invoked exactly once with the
// first non-OK status observed across all arrivals, or OK if none. Arrive
// reports whether this call was the one that triggered the callback.
func (c *CompletionCounter) Arrive(status errs.Status) bool {
	c.mu.Lock()
	c.status = errs.FirstNonOK(c.status, status)
	c.mu.Unlock()

	if c.done.Add(1) != c.total {
		return false
	}

	c.mu.Lock()
	final := c.status
	alreadyFired := c.fired
	c.fired = true
	cb := c.callback
	c.mu.Unlock()

	if alreadyFired || cb == nil {
		return false
	}
	cb(final)
	return true
}

// Total reports the number of partitions this counter expects.
func (c *CompletionCounter) Total() int {
	return int(c.total)
}

// Remaining reports how many arrivals are still outstanding.
func (c *CompletionCounter) Remaining() int {
	return int(c.total - c.done.Load())
}
