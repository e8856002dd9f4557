// Package ctxtable implements the process-wide Context Table: the registry
// mapping a declared tensor name to its Context (spec.md §3, §4.1), plus the
// partitioning math that turns a tensor submission into fixed-size work items.
package ctxtable

import (
	"sync"
	"sync/atomic"

	"github.com/bytegrid/commfabric/task"
)

// Context is the per-tensor-name record persisting the assigned declared
// key, the partitioned routing keys, the staging buffers, and per-tensor
// telemetry state. The tensor data itself is never owned here — only the
// staging buffers are.
type Context struct {
	TensorName     string
	BaseTensorName string
	DeclaredKey    uint16
	OpType         task.Kind

	// KeyList is the ordered sequence of routing keys, one per partition (or
	// per rank-pair for all-to-all, per node for all-gather). Immutable once
	// Initialized is true.
	KeyList []uint64

	// Staging buffers, exclusively owned by the context.
	CPUBuff      []byte
	GPUPtr       uintptr
	HasGPUPtr    bool
	PCIeCPUBuff  [][]byte
	NumaCPUBuff  [][]byte
	CPUBuffList  [][]byte

	// BoundsForRanks is the per-rank pre-sized allocation ceiling for all-to-all.
	BoundsForRanks []int64

	OpCount  atomic.Int64
	StepCnt  atomic.Int64
	ProfileFlag bool

	CompressorName string
	CompressorArgs map[string]string
	PartitionCompressors map[int]string

	mu         sync.Mutex
	initOnce   sync.Once
	initErr    error
	initialized atomic.Bool
}

// EnsureInitialized runs fn at most once for this context, even under
// concurrent first-use, per spec.md §4.1 ("guarded by a per-context init
// mutex + idempotent flag"). Once fn succeeds, KeyList, CPUBuff, and
// BoundsForRanks must not be mutated again.
func (c *Context) EnsureInitialized(fn func(*Context) error) error {
	c.initOnce.Do(func() {
		c.initErr = fn(c)
		if c.initErr == nil {
			c.initialized.Store(true)
		}
	})
	return c.initErr
}

// Initialized reports whether EnsureInitialized has already succeeded.
func (c *Context) Initialized() bool {
	return c.initialized.Load()
}

// WithLock runs fn holding the context's mutation mutex, for declaration and
// initialization bookkeeping that must not race with a concurrent Declare of
// the same name.
func (c *Context) WithLock(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn()
}

// SetCompressor attaches compressor configuration; applied at next initialization.
func (c *Context) SetCompressor(name string, kwargs map[string]string) {
	c.WithLock(func() {
		c.CompressorName = name
		c.CompressorArgs = kwargs
	})
}

// Partition describes one fixed-size slice of a tensor submission.
type Partition struct {
	Index  int
	Offset int64
	Length int64
}

// PartitionTensor splits a tensor of totalLen bytes into ceil(totalLen/bound)
// partitions of at most bound bytes each, with the last partition short.
// Partition lengths sum to exactly totalLen (spec.md §3 invariants).
func PartitionTensor(totalLen int64, bound int64) []Partition {
	if bound <= 0 {
		bound = totalLen
	}
	if totalLen <= 0 {
		return nil
	}
	count := (totalLen + bound - 1) / bound
	parts := make([]Partition, 0, count)
	var offset int64
	for i := int64(0); offset < totalLen; i++ {
		length := bound
		if remaining := totalLen - offset; remaining < length {
			length = remaining
		}
		parts = append(parts, Partition{Index: int(i), Offset: offset, Length: length})
		offset += length
	}
	return parts
}
