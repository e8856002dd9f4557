package task

// ReadyEvent is the capability interface a stage polls to learn whether data
// is ready on some device, mirroring spec.md §9 ("keep the capability
// interface {ready() -> bool}"). Concrete variants include a GPU-event-backed
// implementation (see package device) and AlwaysReady below for CPU tensors
// and tests.
type ReadyEvent interface {
	Ready() bool
}

// AlwaysReady is a ReadyEvent that is immediately satisfied, used for CPU
// tensors and for synthetic tasks in tests.
type AlwaysReady struct{}

// Ready always reports true.
func (AlwaysReady) Ready() bool { return true }
