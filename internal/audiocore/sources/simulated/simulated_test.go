package simulated

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/echopi/echopi-go/internal/audiocore"
)

func openChannel(t *testing.T, p *Provider) audiocore.Channel {
	t.Helper()
	ch, err := p.OpenDuplex(context.Background(), audiocore.DeviceConfig{SampleRate: 1000, FramesPerBuffer: 8})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

func TestEchoPlacement(t *testing.T) {
	t.Parallel()

	p := NewProvider(Config{
		LatencySeconds: 0.002,
		Echoes:         []Echo{{DelaySeconds: 0.003, Gain: 0.5}},
	})
	ch := openChannel(t, p)

	out := make([]float32, 16)
	out[0] = 1
	require.NoError(t, ch.Write(out))

	got, err := ch.Read(16)
	require.NoError(t, err)
	for i, v := range got {
		if i == 5 {
			assert.InDelta(t, 0.5, v, 1e-6)
			continue
		}
		assert.Zero(t, v, "frame %d", i)
	}
}

func TestEchoAcrossReads(t *testing.T) {
	t.Parallel()

	p := NewProvider(Config{Echoes: []Echo{{DelaySeconds: 0.010, Gain: 1}}})
	ch := openChannel(t, p)

	block := make([]float32, 8)
	block[0] = 1
	require.NoError(t, ch.Write(block))
	require.NoError(t, ch.Write(make([]float32, 8)))

	first, err := ch.Read(8)
	require.NoError(t, err)
	assert.Equal(t, make([]float32, 8), first)

	second, err := ch.Read(8)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, second[2], 1e-6)
}

func TestReadBeyondOutputTimesOut(t *testing.T) {
	t.Parallel()

	ch := openChannel(t, NewProvider(Config{}))
	require.NoError(t, ch.Write(make([]float32, 4)))

	_, err := ch.Read(8)
	assert.ErrorIs(t, err, audiocore.ErrDeviceTimeout)
}

func TestNoiseIsSeeded(t *testing.T) {
	t.Parallel()

	read := func() []float32 {
		ch := openChannel(t, NewProvider(Config{NoiseLevel: 0.1, Seed: 42}))
		require.NoError(t, ch.Write(make([]float32, 32)))
		got, err := ch.Read(32)
		require.NoError(t, err)
		return got
	}
	a, b := read(), read()
	assert.Equal(t, a, b)
	assert.NotEqual(t, make([]float32, 32), a)
}

func TestFailAfterReads(t *testing.T) {
	t.Parallel()

	ch := openChannel(t, NewProvider(Config{FailAfterReads: 1}))
	require.NoError(t, ch.Write(make([]float32, 16)))

	_, err := ch.Read(8)
	require.NoError(t, err)
	_, err = ch.Read(8)
	assert.ErrorIs(t, err, ErrInjectedFault)
}

func TestLifecycleCounters(t *testing.T) {
	t.Parallel()

	p := NewProvider(Config{})
	a, err := p.OpenDuplex(context.Background(), audiocore.DeviceConfig{})
	require.NoError(t, err)
	b, err := p.OpenDuplex(context.Background(), audiocore.DeviceConfig{})
	require.NoError(t, err)
	assert.Equal(t, 2, p.Active())

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	require.NoError(t, b.Close())

	assert.Equal(t, 2, p.Opens())
	assert.Equal(t, 2, p.Closes())
	assert.Equal(t, 0, p.Active())
	assert.Equal(t, 2, p.MaxActive())

	assert.ErrorIs(t, a.Write([]float32{1}), audiocore.ErrChannelClosed)
}

func TestOpenErrAndCancelledContext(t *testing.T) {
	t.Parallel()

	_, err := NewProvider(Config{OpenErr: ErrInjectedFault}).
		OpenDuplex(context.Background(), audiocore.DeviceConfig{})
	assert.ErrorIs(t, err, ErrInjectedFault)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewProvider(Config{}).OpenDuplex(ctx, audiocore.DeviceConfig{})
	assert.ErrorIs(t, err, context.Canceled)
}
