package audiocore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFloat32RoundTripStereo(t *testing.T) {
	t.Parallel()

	src := []float32{0, 0.5, -0.25, 1, -1}
	buf := make([]byte, len(src)*2*BytesPerFloat32)
	EncodeFloat32(buf, src, 2)

	for ch := range 2 {
		dst := make([]float32, len(src))
		n := DecodeFloat32(dst, buf, 2, ch)
		require.Equal(t, len(src), n)
		assert.Equal(t, src, dst)
	}
}

func TestDecodeFloat32PartialFrame(t *testing.T) {
	t.Parallel()

	buf := make([]byte, 3*BytesPerFloat32+2)
	EncodeFloat32(buf, []float32{1, 2, 3}, 1)
	dst := make([]float32, 8)
	assert.Equal(t, 3, DecodeFloat32(dst, buf, 1, 0))
}

func TestDeviceConfigDefaultsAndPair(t *testing.T) {
	t.Parallel()

	cfg := DeviceConfig{CaptureDevice: "hw:1,0"}.WithDefaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultSampleRate, cfg.SampleRate)
	assert.Equal(t, DefaultFramesPerBuffer, cfg.FramesPerBuffer)
	assert.Equal(t, "default|hw:1,0", cfg.DevicePair())

	cfg.SampleRate = -1
	assert.Error(t, cfg.Validate())
}

func TestFloatConversions(t *testing.T) {
	t.Parallel()

	in := []float64{0.1, -0.7}
	out := Float32To64(Float64To32(in))
	assert.InDeltaSlice(t, in, out, 1e-7)
}
