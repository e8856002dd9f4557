package errs

import "sync"

// StatusCallback is invoked exactly once per submission with the terminal status.
type StatusCallback func(Status)

// Table remembers the first callback registered under each routing key so that
// an asynchronous transport-level error delivered by the parameter server can
// trigger the callback registered under that key without racing the normal
// completion path. One Table is shared process-wide; all mutation happens
// under a single mutex, mirroring the teacher's contextRegistry discipline of
// "register once, resolve once, remove on resolve".
type Table struct {
	mu        sync.Mutex
	callbacks map[uint64]StatusCallback
}

// NewTable constructs an empty error-handling table.
func NewTable() *Table {
	return &Table{callbacks: make(map[uint64]StatusCallback)}
}

// Register remembers cb under key if no callback is already registered there.
// It reports whether this call won the registration.
func (t *Table) Register(key uint64, cb StatusCallback) bool {
	if t == nil || cb == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.callbacks[key]; exists {
		return false
	}
	t.callbacks[key] = cb
	return true
}

// Resolve delivers status to the callback registered under key, if any, and
// removes it so a later transport error cannot re-trigger it.
func (t *Table) Resolve(key uint64, status Status) {
	if t == nil {
		return
	}
	t.mu.Lock()
	cb, ok := t.callbacks[key]
	if ok {
		delete(t.callbacks, key)
	}
	t.mu.Unlock()
	if ok {
		cb(status)
	}
}

// Forget removes the callback registered under key without invoking it, for
// use by the normal completion path once it has already delivered the status
// through its own channel.
func (t *Table) Forget(key uint64) {
	if t == nil {
		return
	}
	t.mu.Lock()
	delete(t.callbacks, key)
	t.mu.Unlock()
}

// Len reports the number of outstanding registrations, for tests and monitoring.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.callbacks)
}
