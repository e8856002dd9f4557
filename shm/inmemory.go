package shm

import (
	"sync"
)

// InMemoryAllocator is the reference Allocator, backed by a process-local
// map. POSIX shared memory has no portable pure-Go binding in the example
// corpus (every real implementation requires cgo or a platform-specific
// syscall shim); this stands in for it on single-process deployments and in
// tests, while keeping the Segment/Allocator boundary a real host-level
// shm backend would sit behind unchanged.
type InMemoryAllocator struct {
	mu       sync.Mutex
	segments map[string][]byte
}

// NewInMemoryAllocator constructs an empty InMemoryAllocator.
func NewInMemoryAllocator() *InMemoryAllocator {
	return &InMemoryAllocator{segments: make(map[string][]byte)}
}

type inMemorySegment struct {
	name  string
	alloc *InMemoryAllocator
	buf   []byte
}

func (s *inMemorySegment) Name() string  { return s.name }
func (s *inMemorySegment) Bytes() []byte { return s.buf }
func (s *inMemorySegment) Close() error  { return nil }

// Create allocates a new zero-filled segment, replacing any existing
// segment of the same name (idempotent re-declaration).
func (a *InMemoryAllocator) Create(name string, size int64) (Segment, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf := make([]byte, size)
	a.segments[name] = buf
	return &inMemorySegment{name: name, alloc: a, buf: buf}, nil
}

// Open attaches to an existing segment by name.
func (a *InMemoryAllocator) Open(name string) (Segment, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf, ok := a.segments[name]
	if !ok {
		return nil, errNotFound(name)
	}
	return &inMemorySegment{name: name, alloc: a, buf: buf}, nil
}

// Unlink removes a segment so a later Open fails; existing Segment handles
// referencing it remain valid.
func (a *InMemoryAllocator) Unlink(name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.segments[name]; !ok {
		return errNotFound(name)
	}
	delete(a.segments, name)
	return nil
}
