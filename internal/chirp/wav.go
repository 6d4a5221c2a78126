package chirp

import (
	"fmt"
	"math"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/echopi/echopi-go/internal/errors"
)

const wavBitDepth = 16

// WriteWAV stores mono samples in [-1, 1] as 16-bit PCM.
func WriteWAV(path string, samples []float64, sampleRate int) error {
	f, err := os.Create(path) //nolint:gosec // path is user supplied on purpose
	if err != nil {
		return errors.New(err).Component("chirp").Category(errors.CategoryFileIO).
			Context("operation", "write_wav").Build()
	}

	const scale = float64(1<<(wavBitDepth-1)) - 1
	data := make([]int, len(samples))
	for i, v := range samples {
		data[i] = int(math.Round(math.Max(-1, math.Min(1, v)) * scale))
	}

	enc := wav.NewEncoder(f, sampleRate, wavBitDepth, 1, 1)
	buf := &audio.IntBuffer{Data: data, Format: &audio.Format{SampleRate: sampleRate, NumChannels: 1}}
	if err := enc.Write(buf); err != nil {
		_ = f.Close()
		return fmt.Errorf("encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		_ = f.Close()
		return fmt.Errorf("finalize wav: %w", err)
	}
	return f.Close()
}

// ReadWAV loads the first channel of a PCM WAV file as floats in [-1, 1].
func ReadWAV(path string) (samples []float64, sampleRate int, err error) {
	f, err := os.Open(path) //nolint:gosec // path is user supplied on purpose
	if err != nil {
		return nil, 0, errors.New(err).Component("chirp").Category(errors.CategoryFileIO).
			Context("operation", "read_wav").Build()
	}
	defer func() { _ = f.Close() }()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, 0, errors.Newf("%s is not a valid WAV file", path).
			Component("chirp").Category(errors.CategoryFileIO).Build()
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("decode wav: %w", err)
	}

	channels := max(buf.Format.NumChannels, 1)
	divisor := float64(int64(1) << (dec.BitDepth - 1))
	samples = make([]float64, len(buf.Data)/channels)
	for i := range samples {
		samples[i] = float64(buf.Data[i*channels]) / divisor
	}
	return samples, buf.Format.SampleRate, nil
}
