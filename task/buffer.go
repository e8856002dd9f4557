package task

import "sync/atomic"

// TensorHandle is a reference-counted handle to a caller-owned buffer. Tasks
// share handles to input/output tensors for their lifetime and release them
// on the terminal callback, per spec.md §9 ("Shared ownership of tensors").
// The context-owned staging buffers (pinned/shared memory) are a distinct,
// exclusively-owned concept handled by package ctxtable.
type TensorHandle struct {
	Data      []byte
	refs      atomic.Int32
	onRelease func()
}

// NewTensorHandle wraps data with an initial reference count of 1. onRelease,
// if non-nil, runs when the last reference is released.
func NewTensorHandle(data []byte, onRelease func()) *TensorHandle {
	h := &TensorHandle{Data: data, onRelease: onRelease}
	h.refs.Store(1)
	return h
}

// Retain increments the reference count and returns h for chaining.
func (h *TensorHandle) Retain() *TensorHandle {
	if h == nil {
		return nil
	}
	h.refs.Add(1)
	return h
}

// Release decrements the reference count, invoking onRelease when it reaches zero.
func (h *TensorHandle) Release() {
	if h == nil {
		return
	}
	if h.refs.Add(-1) == 0 && h.onRelease != nil {
		h.onRelease()
	}
}

// Len returns the handle's byte length, or 0 for a nil handle.
func (h *TensorHandle) Len() int {
	if h == nil {
		return 0
	}
	return len(h.Data)
}
