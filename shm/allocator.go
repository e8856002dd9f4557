// Package shm declares the shared-memory allocator collaborator used to
// stage P2P and CPU-side push-pull buffers under named segments, matching
// BytePS's "BytePS_ShM_<job>_..." / "BytePS_P2P_ShM_<job>_<worker>_" naming.
package shm

import (
	"fmt"

	"github.com/bytegrid/commfabric/errs"
)

// Segment is a named region of memory shared across processes on the same
// host (or, for the reference Allocator, across goroutines in the same
// process).
type Segment interface {
	Name() string
	Bytes() []byte
	Close() error
}

// Allocator creates and opens named Segments.
type Allocator interface {
	Create(name string, size int64) (Segment, error)
	Open(name string) (Segment, error)
	Unlink(name string) error
}

// PushPullSegmentName returns the BytePS_ShM segment name for a push-pull
// context's CPU staging buffer.
func PushPullSegmentName(job string, declaredKey uint16, partition int) string {
	return fmt.Sprintf("BytePS_ShM_%s_%d_%d", job, declaredKey, partition)
}

// P2PSegmentName returns the BytePS_P2P_ShM segment name for a P2P staging buffer.
func P2PSegmentName(job string, worker int, declaredKey uint16) string {
	return fmt.Sprintf("BytePS_P2P_ShM_%s_%d_%d", job, worker, declaredKey)
}

// errNotFound builds the Status returned by Open when no segment with that
// name has been Created.
func errNotFound(name string) error {
	return errs.New(errs.PreconditionError, "shm: segment %q not found", name)
}
