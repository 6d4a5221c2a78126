package ranging

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/echopi/echopi-go/internal/audiocore"
	"github.com/echopi/echopi-go/internal/audiocore/sources/simulated"
	"github.com/echopi/echopi-go/internal/chirp"
	"github.com/echopi/echopi-go/internal/clock"
	"github.com/echopi/echopi-go/internal/correlate"
	"github.com/echopi/echopi-go/internal/errors"
	"github.com/echopi/echopi-go/internal/logger"
	"github.com/echopi/echopi-go/internal/stream"
)

const testLatency = 0.00121

// roundTrip is the acoustic delay to a reflector meters away in air.
func roundTrip(meters float64) float64 { return 2 * meters / SpeedOfSoundAir }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SystemLatencySeconds = testLatency
	return cfg
}

func testRanger() *Ranger {
	return New(WithLogger(logger.NewDiscardLogger()))
}

func sessionOpts() []stream.Option {
	return []stream.Option{
		stream.WithSettleDelay(0),
		stream.WithCooldown(0),
		stream.WithRegistry(stream.NewRegistry()),
		stream.WithLogger(logger.NewDiscardLogger()),
	}
}

func measure(t *testing.T, cfg Config, scene simulated.Config) (DistanceSample, error) {
	t.Helper()
	scene.LatencySeconds = testLatency
	p := simulated.NewProvider(scene)
	sample, err := testRanger().MeasureOneShot(context.Background(), cfg, p, audiocore.DeviceConfig{}, sessionOpts()...)
	assert.Equal(t, p.Opens(), p.Closes(), "session must be released")
	return sample, err
}

func TestOneMeterEndToEnd(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	sample, err := measure(t, cfg, simulated.Config{
		Echoes: []simulated.Echo{{DelaySeconds: roundTrip(1.0), Gain: 0.5}},
	})
	require.NoError(t, err)

	assert.InDelta(t, 1.0, sample.DistanceMeters, cfg.Resolution())
	assert.InDelta(t, roundTrip(1.0), sample.TimeOfFlightSeconds, 1.0/48000)
	assert.Equal(t, 338, sample.LagSamples)
	assert.Greater(t, sample.Confidence, 0.2)
	assert.LessOrEqual(t, sample.Confidence, 1.0)
	assert.InDelta(t, SpeedOfSoundAir, sample.SpeedOfSound, 1e-9)
}

func TestNoisyEchoStillResolved(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	sample, err := measure(t, cfg, simulated.Config{
		Echoes:     []simulated.Echo{{DelaySeconds: roundTrip(2.5), Gain: 0.2}},
		NoiseLevel: 0.02,
		Seed:       7,
	})
	require.NoError(t, err)
	assert.InDelta(t, 2.5, sample.DistanceMeters, 2*cfg.Resolution())
}

func TestDirectPathIsIgnored(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	sample, err := measure(t, cfg, simulated.Config{
		Echoes: []simulated.Echo{
			{DelaySeconds: 0, Gain: 0.9},
			{DelaySeconds: roundTrip(1.5), Gain: 0.3},
		},
	})
	require.NoError(t, err)
	assert.InDelta(t, 1.5, sample.DistanceMeters, cfg.Resolution())
}

func TestPeakStrategy(t *testing.T) {
	t.Parallel()

	scene := simulated.Config{Echoes: []simulated.Echo{
		{DelaySeconds: roundTrip(1.0), Gain: 0.4},
		{DelaySeconds: roundTrip(2.0), Gain: 0.6},
	}}

	earliest := testConfig()
	sample, err := measure(t, earliest, scene)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, sample.DistanceMeters, earliest.Resolution())

	strongest := testConfig()
	strongest.PeakStrategy = correlate.StrategyStrongest
	sample, err = measure(t, strongest, scene)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, sample.DistanceMeters, strongest.Resolution())
}

func TestNoEchoDetected(t *testing.T) {
	t.Parallel()

	_, err := measure(t, testConfig(), simulated.Config{})
	require.ErrorIs(t, err, ErrNoEchoDetected)
	assert.True(t, IsGap(err))
	assert.True(t, errors.IsCategory(err, errors.CategoryNoEcho))
	assert.Equal(t, OutcomeNoEcho, Outcome(err))
}

func TestOutOfRange(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MinDistanceMeters = 1.001
	sample, err := measure(t, cfg, simulated.Config{
		Echoes: []simulated.Echo{{DelaySeconds: roundTrip(1.0), Gain: 0.5}},
	})
	require.ErrorIs(t, err, ErrOutOfRange)
	assert.True(t, IsGap(err))
	assert.True(t, errors.IsCategory(err, errors.CategoryOutOfRange))
	assert.InDelta(t, 1.0, sample.DistanceMeters, cfg.Resolution())
}

func TestDeviceFailureReleasesSession(t *testing.T) {
	t.Parallel()

	_, err := measure(t, testConfig(), simulated.Config{FailAfterReads: 1})
	require.ErrorIs(t, err, stream.ErrDeviceIO)
	assert.False(t, IsGap(err))
	assert.Equal(t, OutcomeDeviceError, Outcome(err))
}

func TestMeasureOnceReusesSession(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	p := simulated.NewProvider(simulated.Config{
		LatencySeconds: testLatency,
		Echoes:         []simulated.Echo{{DelaySeconds: roundTrip(0.75), Gain: 0.5}},
	})
	devCfg := audiocore.DeviceConfig{SampleRate: cfg.SampleRate}
	r := testRanger()

	err := WithSession(context.Background(), p, devCfg, func(s *stream.Session) error {
		for range 3 {
			sample, err := r.MeasureOnce(context.Background(), cfg, s)
			if err != nil {
				return err
			}
			assert.InDelta(t, 0.75, sample.DistanceMeters, cfg.Resolution())
		}
		return nil
	}, sessionOpts()...)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Opens())
	assert.Equal(t, 1, p.Closes())
	assert.Equal(t, 2, r.Generator().Len(), "emitted chirp and reference are cached once")
}

func TestAnalyzeRecording(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	tx, err := chirp.Generate(cfg.TxSpec())
	require.NoError(t, err)

	lag := 500
	rec := make([]float64, len(tx)+int(cfg.ExtraRecord()*float64(cfg.SampleRate)))
	for i, v := range tx {
		rec[lag+i] += 0.4 * v
	}

	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r := New(WithLogger(logger.NewDiscardLogger()), WithClock(clock.NewFake(start)))
	sample, res, err := r.Analyze(cfg, rec)
	require.NoError(t, err)

	_, want := cfg.DistanceAt(float64(lag))
	assert.InDelta(t, want, sample.DistanceMeters, cfg.Resolution())
	assert.Equal(t, lag, res.PeakIndex)
	assert.Equal(t, start, sample.Timestamp)
	assert.True(t, cfg.Window().Contains(res.PeakIndex))

	_, _, err = r.Analyze(cfg, rec[:100])
	assert.ErrorIs(t, err, correlate.ErrInsufficientSignal)
}

func TestMetricsObserved(t *testing.T) {
	t.Parallel()

	m := &fakeMetrics{}
	cfg := testConfig()
	p := simulated.NewProvider(simulated.Config{
		LatencySeconds: testLatency,
		Echoes:         []simulated.Echo{{DelaySeconds: roundTrip(1.0), Gain: 0.5}},
	})
	r := New(WithLogger(logger.NewDiscardLogger()), WithMetrics(m))

	_, err := r.MeasureOneShot(context.Background(), cfg, p, audiocore.DeviceConfig{}, sessionOpts()...)
	require.NoError(t, err)

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Equal(t, []string{OutcomeOK}, m.outcomes)
	assert.InDelta(t, 1.0, m.lastDistance, cfg.Resolution())
	assert.Equal(t, 2, m.cacheSize)
}

type fakeMetrics struct {
	mu           sync.Mutex
	outcomes     []string
	lastDistance float64
	cacheSize    int
}

func (f *fakeMetrics) ObserveMeasurement(outcome string, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, outcome)
}

func (f *fakeMetrics) SetLastSample(distance, _ float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastDistance = distance
}

func (f *fakeMetrics) SetWaveformCacheSize(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cacheSize = n
}
