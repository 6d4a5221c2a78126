package audiocore

import (
	"encoding/binary"
	"math"
)

// BytesPerFloat32 is the size of one 32-bit float sample.
const BytesPerFloat32 = 4

// EncodeFloat32 writes mono samples as little-endian float32 frames of the
// given channel count, duplicating each sample to every channel.
// dst must hold len(src)*channels*4 bytes.
func EncodeFloat32(dst []byte, src []float32, channels int) {
	frame := channels * BytesPerFloat32
	for i, v := range src {
		bits := math.Float32bits(v)
		for ch := range channels {
			binary.LittleEndian.PutUint32(dst[i*frame+ch*BytesPerFloat32:], bits)
		}
	}
}

// DecodeFloat32 extracts channel ch of little-endian float32 frames into dst.
// It returns the number of frames decoded.
func DecodeFloat32(dst []float32, src []byte, channels, ch int) int {
	frame := channels * BytesPerFloat32
	n := min(len(dst), len(src)/frame)
	for i := range n {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*frame+ch*BytesPerFloat32:]))
	}
	return n
}

// Float64To32 converts samples to the device format.
func Float64To32(src []float64) []float32 {
	out := make([]float32, len(src))
	for i, v := range src {
		out[i] = float32(v)
	}
	return out
}

// Float32To64 converts device samples for DSP.
func Float32To64(src []float32) []float64 {
	out := make([]float64, len(src))
	for i, v := range src {
		out[i] = float64(v)
	}
	return out
}
