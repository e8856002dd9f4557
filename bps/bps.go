// Package bps provides the process-wide binding-layer convenience handle
// for the scheduler.Runtime. Every component is constructed explicitly
// through scheduler.New and its collaborators; this package only adds a
// single named slot so that thin language bindings (the kind that call into
// a process-wide global rather than threading a handle through every call)
// have exactly one place to store it. Global returns an error rather than
// auto-constructing a Runtime on first use — there is no implicit
// construction path.
package bps

import (
	"fmt"
	"sync"

	"github.com/bytegrid/commfabric/scheduler"
)

var (
	mu     sync.Mutex
	global *scheduler.Runtime
)

// SetGlobal registers rt as the process-wide Runtime handle. Calling it
// twice replaces the previous handle; callers that need multiple
// concurrent Runtimes in one process (e.g. tests) should use their own
// *scheduler.Runtime values directly instead of this package.
func SetGlobal(rt *scheduler.Runtime) {
	mu.Lock()
	defer mu.Unlock()
	global = rt
}

// Global returns the process-wide Runtime registered by SetGlobal, or an
// error if none has been registered yet.
func Global() (*scheduler.Runtime, error) {
	mu.Lock()
	defer mu.Unlock()
	if global == nil {
		return nil, fmt.Errorf("bps: no Runtime registered; call bps.SetGlobal after scheduler.New")
	}
	return global, nil
}

// Reset clears the registered handle. Used by tests; production callers
// should not need it.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	global = nil
}
