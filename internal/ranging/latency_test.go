package ranging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/echopi/echopi-go/internal/audiocore"
	"github.com/echopi/echopi-go/internal/audiocore/sources/simulated"
	"github.com/echopi/echopi-go/internal/errors"
	"github.com/echopi/echopi-go/internal/stream"
)

func calibrate(t *testing.T, scene simulated.Config, repeats, discard int) (LatencyResult, error) {
	t.Helper()
	cfg := testConfig()
	p := simulated.NewProvider(scene)
	r := testRanger()

	var res LatencyResult
	err := WithSession(context.Background(), p, audiocore.DeviceConfig{SampleRate: cfg.SampleRate},
		func(s *stream.Session) error {
			var cerr error
			res, cerr = r.CalibrateLatency(context.Background(), cfg, s, repeats, discard)
			return cerr
		}, sessionOpts()...)
	return res, err
}

func TestCalibrateLatency(t *testing.T) {
	t.Parallel()

	res, err := calibrate(t, simulated.Config{
		LatencySeconds: 0.0021,
		Echoes: []simulated.Echo{
			{DelaySeconds: 0, Gain: 0.8},
			{DelaySeconds: roundTrip(1.2), Gain: 0.2},
		},
	}, 4, 1)
	require.NoError(t, err)

	assert.InDelta(t, 0.0021, res.LatencySeconds, 1.0/48000)
	assert.Len(t, res.Runs, 4)
	assert.Len(t, res.Used, 3)
	assert.InDelta(t, 0, res.StdSeconds, 1e-9)
	assert.Equal(t, 101, res.LagSamples)
	assert.True(t, PlausibleLatency(res.LatencySeconds))
}

func TestCalibrateLatencySilence(t *testing.T) {
	t.Parallel()

	_, err := calibrate(t, simulated.Config{}, 2, 0)
	require.ErrorIs(t, err, ErrNoEchoDetected)
}

func TestCalibrateLatencyArgs(t *testing.T) {
	t.Parallel()

	_, err := testRanger().CalibrateLatency(context.Background(), testConfig(), nil, 2, 2)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}

func TestPlausibleLatency(t *testing.T) {
	t.Parallel()

	assert.False(t, PlausibleLatency(0.0001))
	assert.True(t, PlausibleLatency(0.00121))
	assert.False(t, PlausibleLatency(0.02))
}

func TestMedianAndStddev(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 2.0, median([]float64{3, 1, 2}), 0)
	assert.InDelta(t, 2.5, median([]float64{4, 1, 3, 2}), 0)
	assert.InDelta(t, 1.0, stddev([]float64{1, 3}), 1e-12)
}
