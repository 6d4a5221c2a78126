package correlate

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/echopi/echopi-go/internal/chirp"
	"github.com/echopi/echopi-go/internal/errors"
)

func reference(t *testing.T) []float64 {
	t.Helper()
	ref, err := chirp.Generate(chirp.Spec{
		SampleRate:      48000,
		StartFreqHz:     2000,
		EndFreqHz:       20000,
		DurationSeconds: 0.05,
		Amplitude:       0.8,
		FadeSeconds:     0.0025,
	})
	require.NoError(t, err)
	return ref
}

type echo struct {
	delay int
	gain  float64
}

func synthesize(ref []float64, length int, echoes ...echo) []float64 {
	out := make([]float64, length)
	for _, e := range echoes {
		for i, v := range ref {
			if j := e.delay + i; j < length {
				out[j] += e.gain * v
			}
		}
	}
	return out
}

func addNoise(x []float64, sigma float64, seed uint64) {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	for i := range x {
		x[i] += sigma * rng.NormFloat64()
	}
}

func newCorrelator(t *testing.T, mutate func(*Options)) *Correlator {
	t.Helper()
	opts := DefaultOptions()
	if mutate != nil {
		mutate(&opts)
	}
	c, err := New(opts)
	require.NoError(t, err)
	return c
}

func TestRecoversKnownDelay(t *testing.T) {
	t.Parallel()

	ref := reference(t)
	c := newCorrelator(t, nil)

	for _, delay := range []int{0, 1, 58, 338, 1001, 3599} {
		rec := synthesize(ref, 6000, echo{delay: delay, gain: 0.5})
		res, err := c.Correlate(rec, ref, FullWindow())
		require.NoError(t, err)
		require.True(t, res.Detected(), "delay %d", delay)

		assert.Equal(t, delay, res.PeakIndex)
		assert.InDelta(t, float64(delay), res.RefinedIndex, 1.0)
		assert.InDelta(t, 0.5, res.Confidence, 0.05)
	}
}

func TestConfidenceOfIdenticalCopyIsOne(t *testing.T) {
	t.Parallel()

	ref := reference(t)
	rec := synthesize(ref, len(ref)+500, echo{delay: 250, gain: 1})

	res, err := newCorrelator(t, nil).Correlate(rec, ref, FullWindow())
	require.NoError(t, err)
	require.True(t, res.Detected())
	assert.InDelta(t, 1.0, res.Confidence, 0.02)
	assert.LessOrEqual(t, res.Confidence, 1.0)
	assert.InDelta(t, res.SelfPeak, res.PeakMagnitude, res.SelfPeak*0.02)
}

func TestPeakStaysInsideWindow(t *testing.T) {
	t.Parallel()

	ref := reference(t)
	rec := synthesize(ref, 8000,
		echo{delay: 300, gain: 0.9},
		echo{delay: 2100, gain: 0.4},
		echo{delay: 4500, gain: 0.6})
	addNoise(rec, 0.02, 7)

	c := newCorrelator(t, func(o *Options) {
		o.Threshold = 0
		o.MinConfidence = 0
	})
	windows := []Window{
		{MinLag: 0, MaxLag: 100},
		{MinLag: 301, MaxLag: 2000},
		{MinLag: 1000, MaxLag: 1200},
		{MinLag: 2099, MaxLag: 2101},
		{MinLag: 4000, MaxLag: 99999},
		{MinLag: -50, MaxLag: 10},
	}
	for _, w := range windows {
		res, err := c.Correlate(rec, ref, w)
		require.NoError(t, err)
		if !res.Detected() {
			continue
		}
		assert.True(t, res.Window.Contains(res.PeakIndex), "window %+v peak %d", w, res.PeakIndex)
		assert.GreaterOrEqual(t, res.RefinedIndex, float64(res.Window.MinLag))
		assert.LessOrEqual(t, res.RefinedIndex, float64(res.Window.MaxLag))
		for _, p := range res.Candidates {
			assert.True(t, res.Window.Contains(p.Index))
		}
	}
}

func TestWindowExcludesDirectPath(t *testing.T) {
	t.Parallel()

	ref := reference(t)
	rec := synthesize(ref, 6000, echo{delay: 60, gain: 1}, echo{delay: 800, gain: 0.3})

	res, err := newCorrelator(t, nil).Correlate(rec, ref, Window{MinLag: 110, MaxLag: 3000})
	require.NoError(t, err)
	require.True(t, res.Detected())
	assert.Equal(t, 800, res.PeakIndex)
}

func TestStrategies(t *testing.T) {
	t.Parallel()

	ref := reference(t)
	rec := synthesize(ref, 6000, echo{delay: 400, gain: 0.3}, echo{delay: 1500, gain: 0.8})

	earliest, err := newCorrelator(t, nil).Correlate(rec, ref, FullWindow())
	require.NoError(t, err)
	assert.Equal(t, 400, earliest.PeakIndex)
	require.Len(t, earliest.Candidates, 2)
	assert.Less(t, earliest.Candidates[0].Index, earliest.Candidates[1].Index)

	strongest, err := newCorrelator(t, func(o *Options) { o.Strategy = StrategyStrongest }).
		Correlate(rec, ref, FullWindow())
	require.NoError(t, err)
	assert.Equal(t, 1500, strongest.PeakIndex)
}

func TestRelativeThresholdDropsWeakEarlyPeak(t *testing.T) {
	t.Parallel()

	ref := reference(t)
	rec := synthesize(ref, 6000, echo{delay: 400, gain: 0.1}, echo{delay: 1500, gain: 0.8})

	res, err := newCorrelator(t, nil).Correlate(rec, ref, FullWindow())
	require.NoError(t, err)
	require.True(t, res.Detected())
	assert.Equal(t, 1500, res.PeakIndex)
	assert.Len(t, res.Candidates, 1)
}

func TestNoEchoNotDetected(t *testing.T) {
	t.Parallel()

	ref := reference(t)
	c := newCorrelator(t, nil)

	silent := make([]float64, 6000)
	res, err := c.Correlate(silent, ref, FullWindow())
	require.NoError(t, err)
	assert.False(t, res.Detected())
	assert.Empty(t, res.Candidates)

	noisy := make([]float64, 6000)
	addNoise(noisy, 0.01, 42)
	res, err = c.Correlate(noisy, ref, FullWindow())
	require.NoError(t, err)
	assert.False(t, res.Detected())
}

func TestNormalizeToggle(t *testing.T) {
	t.Parallel()

	ref := reference(t)
	rec := synthesize(ref, 6000, echo{delay: 700, gain: 0.01})

	plain, err := newCorrelator(t, nil).Correlate(rec, ref, FullWindow())
	require.NoError(t, err)
	assert.False(t, plain.Detected())

	normalized, err := newCorrelator(t, func(o *Options) { o.Normalize = true }).
		Correlate(rec, ref, FullWindow())
	require.NoError(t, err)
	require.True(t, normalized.Detected())
	assert.Equal(t, 700, normalized.PeakIndex)
	assert.Greater(t, normalized.Confidence, 0.9)
}

func TestInsufficientSignal(t *testing.T) {
	t.Parallel()

	ref := reference(t)
	_, err := newCorrelator(t, nil).Correlate(make([]float64, len(ref)-1), ref, FullWindow())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientSignal)
	assert.True(t, errors.IsCategory(err, errors.CategorySignal))
}

func TestWindowBeyondRecording(t *testing.T) {
	t.Parallel()

	ref := reference(t)
	rec := synthesize(ref, 3000, echo{delay: 100, gain: 1})

	res, err := newCorrelator(t, nil).Correlate(rec, ref, Window{MinLag: 700, MaxLag: 900})
	require.NoError(t, err)
	assert.False(t, res.Detected())
}

func TestEnvelopeMatchesDirectCorrelationAtPeak(t *testing.T) {
	t.Parallel()

	ref := reference(t)
	rec := synthesize(ref, 4000, echo{delay: 123, gain: 0.7})
	env, err := newCorrelator(t, nil).Envelope(rec, ref)
	require.NoError(t, err)
	require.Len(t, env, len(rec))

	var direct float64
	for i, v := range ref {
		direct += rec[123+i] * v
	}
	assert.InDelta(t, direct, env[123], math.Abs(direct)*0.01)
}

func TestOptionsValidate(t *testing.T) {
	t.Parallel()

	bad := []func(*Options){
		func(o *Options) { o.Threshold = 1.5 },
		func(o *Options) { o.MinConfidence = -0.1 },
		func(o *Options) { o.MinSeparation = 0 },
		func(o *Options) { o.MaxCandidates = 0 },
		func(o *Options) { o.Strategy = "loudest" },
		func(o *Options) { o.Threshold = math.NaN() },
		func(o *Options) { o.MinConfidence = math.NaN() },
	}
	for _, mutate := range bad {
		opts := DefaultOptions()
		mutate(&opts)
		_, err := New(opts)
		assert.Error(t, err)
	}
}

func TestNextPowerOf2(t *testing.T) {
	t.Parallel()

	for in, want := range map[int]int{0: 1, 1: 1, 2: 2, 3: 4, 1024: 1024, 1025: 2048} {
		assert.Equal(t, want, nextPowerOf2(in), "n=%d", in)
	}
}
