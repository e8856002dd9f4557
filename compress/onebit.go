package compress

import (
	"math"

	"github.com/bytegrid/commfabric/errs"
)

// OneBit packs each float32 element of a partition down to its sign bit,
// scaled by the mean absolute value of the partition — the "onebit"
// gradient compressor from BytePS's compressor plugin set, reimplemented
// here in pure Go rather than ported line-for-line.
type OneBit struct{}

func newOneBit(map[string]string) (Compressor, error) {
	return OneBit{}, nil
}

func (OneBit) Name() string { return "onebit" }

func (OneBit) Compress(data []byte) ([]byte, error) {
	n := len(data) / 4
	if n == 0 {
		return append([]byte{}, data...), nil
	}
	floats := bytesToFloat32s(data, n)

	var sum float32
	for _, f := range floats {
		if f < 0 {
			sum -= f
		} else {
			sum += f
		}
	}
	mean := sum / float32(n)

	packed := make([]byte, 4+(n+7)/8)
	putFloat32(packed[:4], mean)
	for i, f := range floats {
		if f >= 0 {
			packed[4+i/8] |= 1 << uint(i%8)
		}
	}
	return packed, nil
}

func (OneBit) Decompress(data []byte, originalLength int) ([]byte, error) {
	if len(data) < 4 {
		return nil, errs.New(errs.InvalidArgument, "compress: onebit payload too short")
	}
	mean := float32FromBytes(data[:4])
	bits := data[4:]
	n := originalLength / 4

	out := make([]byte, originalLength)
	for i := 0; i < n; i++ {
		var v float32
		if bits[i/8]&(1<<uint(i%8)) != 0 {
			v = mean
		} else {
			v = -mean
		}
		putFloat32(out[i*4:i*4+4], v)
	}
	return out, nil
}

func bytesToFloat32s(data []byte, n int) []float32 {
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = float32FromBytes(data[i*4 : i*4+4])
	}
	return out
}

func float32FromBytes(b []byte) float32 {
	bits := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	return math.Float32frombits(bits)
}

func putFloat32(dst []byte, f float32) {
	bits := math.Float32bits(f)
	dst[0] = byte(bits)
	dst[1] = byte(bits >> 8)
	dst[2] = byte(bits >> 16)
	dst[3] = byte(bits >> 24)
}
