// Package ready implements the quorum-counter rendezvous primitive used to
// synchronize local peers (or pipeline stages) before a task advances.
package ready

import (
	"fmt"
	"sync"

	"github.com/bytegrid/commfabric/telemetry"
)

// Config configures a Table.
type Config struct {
	Name    string
	Quorum  int
	Logger  telemetry.Logger
	Metrics telemetry.MetricHook
}

// Table is a map from routing key to an integer count. AddReadyCount
// increments the count for a key; callers may poll or wait for the count to
// reach the table's quorum. Overflow beyond the quorum is a programming
// error and panics, per spec.md §4.3 ("Fairness is not required; overflow
// beyond the quorum is a programming error").
type Table struct {
	name    string
	quorum  int
	logger  telemetry.Logger
	metrics telemetry.MetricHook

	mu      sync.Mutex
	cond    *sync.Cond
	counts  map[uint64]int
	drained map[uint64]bool
}

// New constructs a Ready Table with the given name (for logging) and quorum.
func New(cfg Config) *Table {
	if cfg.Quorum <= 0 {
		cfg.Quorum = 1
	}
	t := &Table{
		name:    cfg.Name,
		quorum:  cfg.Quorum,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		counts:  make(map[uint64]int),
		drained: make(map[uint64]bool),
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// AddReadyCount increments the count for key and returns the count observed
// after the increment. It panics if the increment would exceed the
// configured quorum for a key that has not yet been drained, since that
// indicates a caller double-signalled.
func (t *Table) AddReadyCount(key uint64) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.drained[key] {
		// A new round for this key; start counting again.
		delete(t.drained, key)
		delete(t.counts, key)
	}

	next := t.counts[key] + 1
	if next > t.quorum {
		panic(fmt.Sprintf("ready: table %q key %d exceeded quorum %d", t.name, key, t.quorum))
	}
	t.counts[key] = next
	if t.logger != nil {
		t.logger.Debugf("ready table %s: key=%d count=%d/%d", t.name, key, next, t.quorum)
	}
	if next == t.quorum {
		if t.metrics != nil {
			t.metrics.ReadyQuorumReached(t.name, map[string]string{"key": fmt.Sprint(key)})
		}
		t.cond.Broadcast()
	}
	return next
}

// Count reports the current count for key without blocking.
func (t *Table) Count(key uint64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[key]
}

// Ready reports whether key has reached quorum without blocking.
func (t *Table) Ready(key uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[key] >= t.quorum
}

// Wait blocks until key reaches quorum, then marks it drained and permits
// exactly one such Wait (or Drain) to succeed per round; concurrent waiters
// past the first for the same key block until the next round restarts
// counting for that key.
func (t *Table) Wait(key uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for t.counts[key] < t.quorum || t.drained[key] {
		t.cond.Wait()
	}
	t.drained[key] = true
}

// Drain is the non-blocking counterpart to Wait: it reports whether key has
// reached quorum and, if so, atomically marks it drained so a second caller
// observing the same round does not also proceed. Used by queue
// peek-predicates, which must not block the polling thread.
func (t *Table) Drain(key uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.drained[key] || t.counts[key] < t.quorum {
		return false
	}
	t.drained[key] = true
	return true
}

// Reset clears the count and drained state for key, for re-use across rounds
// (e.g. a new submission reusing a previously-seen routing key).
func (t *Table) Reset(key uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.counts, key)
	delete(t.drained, key)
}

// Name returns the table's configured name.
func (t *Table) Name() string {
	return t.name
}

// Quorum returns the table's configured quorum.
func (t *Table) Quorum() int {
	return t.quorum
}
