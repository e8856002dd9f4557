package keyenc

import (
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// HashFn computes a non-negative spread value from a routing key; the
// encoder reduces it modulo the server count to pick a shard.
type HashFn func(key uint64) uint64

// Naive reproduces BytePS's default hash: ((k>>16)+(k%65536))*9973.
func Naive(key uint64) uint64 {
	return ((key >> 16) + (key % 65536)) * 9973
}

// BuiltIn uses xxhash over the key's decimal string, standing in for the
// stdlib string hash with a coefficient that the original documents.
func BuiltIn(key uint64) uint64 {
	return xxhash.Sum64String(strconv.FormatUint(key, 10))
}

// DJB2 is the classic Bernstein hash applied to the decimal-stringified key.
func DJB2(key uint64) uint64 {
	s := strconv.FormatUint(key, 10)
	var h uint64 = 5381
	for i := 0; i < len(s); i++ {
		h = ((h << 5) + h) + uint64(s[i])
	}
	return h
}

// SDBM is the sdbm string hash applied to the decimal-stringified key.
func SDBM(key uint64) uint64 {
	s := strconv.FormatUint(key, 10)
	var h uint64
	for i := 0; i < len(s); i++ {
		h = uint64(s[i]) + (h << 6) + (h << 16) - h
	}
	return h
}

// hashByName resolves a named hash function, returning an error for unknown names.
func hashByName(name string) (HashFn, error) {
	switch name {
	case "naive":
		return Naive, nil
	case "built_in":
		return BuiltIn, nil
	case "djb2", "djb2-colocate":
		return DJB2, nil
	case "sdbm":
		return SDBM, nil
	case "mixed":
		return DJB2, nil
	default:
		return nil, fmt.Errorf("keyenc: unknown hash function %q", name)
	}
}
