// Package compress declares the gradient compressor plugin collaborator
// exercised by the COMPRESS/DECOMPRESS stages, and a passthrough reference
// implementation for tensors too small to be worth compressing.
package compress

import (
	"github.com/bytegrid/commfabric/errs"
)

// Compressor transforms a partition's bytes before PUSH and reverses the
// transform after PULL. Implementations must be safe for concurrent use
// across distinct partitions, since COMPRESS/DECOMPRESS stages may run on
// several worker goroutines at once.
type Compressor interface {
	Name() string
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte, originalLength int) ([]byte, error)
}

// Factory builds a Compressor from per-context kwargs (e.g. {"k": "8",
// "scale": "true"} for a top-k or quantization compressor).
type Factory func(kwargs map[string]string) (Compressor, error)

// Registry maps a compressor name (ctxtable.Context.CompressorName) to its Factory.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns a Registry pre-populated with "none"/"" mapping to Passthrough.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("", func(map[string]string) (Compressor, error) { return Passthrough{}, nil })
	r.Register("none", func(map[string]string) (Compressor, error) { return Passthrough{}, nil })
	r.Register("onebit", newOneBit)
	return r
}

// Register associates name with factory, overwriting any prior registration.
func (r *Registry) Register(name string, factory Factory) {
	r.factories[name] = factory
}

// Build constructs the named Compressor with kwargs.
func (r *Registry) Build(name string, kwargs map[string]string) (Compressor, error) {
	factory, ok := r.factories[name]
	if !ok {
		return nil, errs.New(errs.InvalidArgument, "compress: unknown compressor %q", name)
	}
	return factory(kwargs)
}

// Passthrough is the identity Compressor, used whenever a partition is
// smaller than the configured MIN_COMPRESS_BYTES threshold or no compressor
// was registered for its context.
type Passthrough struct{}

func (Passthrough) Name() string { return "none" }

func (Passthrough) Compress(data []byte) ([]byte, error) {
	return data, nil
}

func (Passthrough) Decompress(data []byte, originalLength int) ([]byte, error) {
	return data, nil
}

// ShouldCompress reports whether a partition of length bytes clears the
// minBytes threshold below which compression overhead is not worth paying.
func ShouldCompress(length int64, minBytes int64) bool {
	if minBytes <= 0 {
		return true
	}
	return length >= minBytes
}
