// Package correlate implements the matched filter: FFT cross-correlation of a
// recording against the reference chirp and discrimination among the
// resulting echo peaks.
package correlate

import (
	"cmp"
	"fmt"
	"math"
	"math/bits"
	"slices"
	"sync"

	algofft "github.com/MeKo-Christian/algo-fft"
	"github.com/cwbudde/algo-vecmath"

	"github.com/echopi/echopi-go/internal/errors"
)

// ErrInsufficientSignal is returned when the recording is shorter than the reference.
var ErrInsufficientSignal = errors.NewStd("insufficient signal")

// Window is an inclusive lag range in samples.
type Window struct {
	MinLag int `json:"min_lag"`
	MaxLag int `json:"max_lag"`
}

// FullWindow admits every lag the recording can hold.
func FullWindow() Window {
	return Window{MinLag: 0, MaxLag: math.MaxInt}
}

// Contains reports whether lag lies inside the window.
func (w Window) Contains(lag int) bool {
	return lag >= w.MinLag && lag <= w.MaxLag
}

// Peak is a candidate echo.
type Peak struct {
	Index      int     `json:"index"`
	Magnitude  float64 `json:"magnitude"`
	Confidence float64 `json:"confidence"`
}

// Result describes the selected echo. When nothing cleared the thresholds
// Detected reports false and only Window and GlobalMax are meaningful.
type Result struct {
	PeakIndex     int     `json:"peak_index"`
	RefinedIndex  float64 `json:"refined_index"`
	PeakMagnitude float64 `json:"peak_magnitude"`
	Confidence    float64 `json:"confidence"`
	GlobalMax     float64 `json:"global_max"`
	SelfPeak      float64 `json:"self_peak"`
	// Candidates are the surviving peaks in ascending lag order.
	Candidates []Peak `json:"candidates"`
	// Window is the requested window after clamping to the valid lags.
	Window   Window `json:"window"`
	detected bool
}

// Detected reports whether a peak was selected.
func (r Result) Detected() bool { return r.detected }

type fftPlan struct {
	mu    sync.Mutex
	plan  *algofft.Plan[complex128]
	scale float64 // applied after Inverse so that Inverse(Forward(x)) == x

	in, xf, rf []complex128
}

// Correlator is safe for concurrent use. FFT plans are cached per size.
type Correlator struct {
	opts Options

	mu    sync.Mutex
	plans map[int]*fftPlan
}

// New creates a correlator. Options are validated.
func New(opts Options) (*Correlator, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Correlator{opts: opts, plans: make(map[int]*fftPlan)}, nil
}

// Options returns the tuning in use.
func (c *Correlator) Options() Options { return c.opts }

// Correlate matches reference against recorded and selects an echo inside window.
func (c *Correlator) Correlate(recorded, reference []float64, window Window) (Result, error) {
	if len(reference) == 0 {
		return Result{}, errors.Newf("empty reference waveform").
			Component("correlate").Category(errors.CategoryValidation).Build()
	}
	if len(recorded) < len(reference) {
		return Result{}, errors.New(fmt.Errorf("%w: recorded %d samples, reference %d",
			ErrInsufficientSignal, len(recorded), len(reference))).
			Component("correlate").
			Category(errors.CategorySignal).
			Context("recorded_samples", len(recorded)).
			Context("reference_samples", len(reference)).
			Build()
	}

	selfPeak := energy(reference)
	if selfPeak == 0 {
		return Result{}, errors.Newf("reference waveform is silent").
			Component("correlate").Category(errors.CategoryValidation).Build()
	}

	maxValid := len(recorded) - len(reference)
	lo := clamp(window.MinLag, 0, maxValid)
	hi := clamp(window.MaxLag, 0, maxValid)
	res := Result{Window: Window{MinLag: lo, MaxLag: hi}, SelfPeak: selfPeak}
	if window.MinLag > maxValid || window.MaxLag < 0 || hi < lo {
		return res, nil
	}

	if c.opts.Normalize {
		recorded = normalizeTo(recorded, peakAbs(reference))
	}

	env, err := c.envelope(recorded, reference)
	if err != nil {
		return Result{}, err
	}

	for i := lo; i <= hi; i++ {
		res.GlobalMax = math.Max(res.GlobalMax, env[i])
	}
	if res.GlobalMax <= 0 {
		return res, nil
	}

	res.Candidates = c.candidates(env, lo, hi, res.GlobalMax, selfPeak)
	if len(res.Candidates) == 0 {
		return res, nil
	}

	selected := res.Candidates[0]
	if c.opts.Strategy == StrategyStrongest {
		selected = slices.MaxFunc(res.Candidates, func(a, b Peak) int {
			return cmp.Compare(a.Magnitude, b.Magnitude)
		})
	}

	res.detected = true
	res.PeakIndex = selected.Index
	res.PeakMagnitude = selected.Magnitude
	res.Confidence = selected.Confidence
	res.RefinedIndex = math.Max(float64(lo), math.Min(float64(hi), refine(env, selected.Index)))
	return res, nil
}

// Envelope returns the correlation envelope for every lag in [0, len(recorded)).
func (c *Correlator) Envelope(recorded, reference []float64) ([]float64, error) {
	if len(reference) == 0 || len(recorded) < len(reference) {
		return nil, errors.New(ErrInsufficientSignal).Component("correlate").
			Category(errors.CategorySignal).Build()
	}
	return c.envelope(recorded, reference)
}

// envelope computes |analytic(x ⋆ ref)|. Keeping only the positive
// frequencies before the inverse transform gives the magnitude of the
// analytic signal, which removes carrier ripple from the correlation peak.
func (c *Correlator) envelope(recorded, reference []float64) ([]float64, error) {
	size := nextPowerOf2(len(recorded) + len(reference) - 1)
	p, err := c.plan(size)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	x, r := p.xf, p.rf
	loadReal(p.in, recorded)
	if err := p.plan.Forward(x, p.in); err != nil {
		return nil, fmt.Errorf("correlate: forward FFT failed: %w", err)
	}
	loadReal(p.in, reference)
	if err := p.plan.Forward(r, p.in); err != nil {
		return nil, fmt.Errorf("correlate: forward FFT failed: %w", err)
	}

	half := size / 2
	x[0] *= complex(real(r[0]), -imag(r[0]))
	x[half] *= complex(real(r[half]), -imag(r[half]))
	for k := 1; k < half; k++ {
		x[k] *= 2 * complex(real(r[k]), -imag(r[k]))
	}
	for k := half + 1; k < size; k++ {
		x[k] = 0
	}

	z := p.in
	if err := p.plan.Inverse(z, x); err != nil {
		return nil, fmt.Errorf("correlate: inverse FFT failed: %w", err)
	}

	n := len(recorded)
	re := make([]float64, n)
	im := make([]float64, n)
	for i := range n {
		re[i] = real(z[i]) * p.scale
		im[i] = imag(z[i]) * p.scale
	}
	env := make([]float64, n)
	vecmath.Magnitude(env, re, im)
	return env, nil
}

func (c *Correlator) plan(size int) (*fftPlan, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.plans[size]; ok {
		return p, nil
	}
	plan, err := algofft.NewPlan64(size)
	if err != nil {
		return nil, fmt.Errorf("correlate: failed to create FFT plan of size %d: %w", size, err)
	}

	// Measure the round-trip gain with an impulse so the result does not
	// depend on where the library puts the 1/N factor.
	impulse := make([]complex128, size)
	impulse[0] = 1
	spectrum := make([]complex128, size)
	if err := plan.Forward(spectrum, impulse); err != nil {
		return nil, fmt.Errorf("correlate: forward FFT failed: %w", err)
	}
	if err := plan.Inverse(impulse, spectrum); err != nil {
		return nil, fmt.Errorf("correlate: inverse FFT failed: %w", err)
	}
	gain := real(impulse[0])
	if gain == 0 {
		return nil, fmt.Errorf("correlate: degenerate FFT plan of size %d", size)
	}

	p := &fftPlan{
		plan:  plan,
		scale: 1 / gain,
		in:    impulse,
		xf:    spectrum,
		rf:    make([]complex128, size),
	}
	c.plans[size] = p
	return p, nil
}

// candidates returns local maxima in [lo, hi] that clear the relative
// threshold and the confidence gate, after non-maximum suppression,
// ordered by lag.
func (c *Correlator) candidates(env []float64, lo, hi int, globalMax, selfPeak float64) []Peak {
	floor := c.opts.Threshold * globalMax
	var maxima []Peak
	for i := lo; i <= hi; i++ {
		v := env[i]
		if v < floor || v <= 0 {
			continue
		}
		left := math.Inf(-1)
		if i > 0 {
			left = env[i-1]
		}
		right := math.Inf(-1)
		if i+1 < len(env) {
			right = env[i+1]
		}
		if v < left || v <= right {
			continue
		}
		conf := math.Min(1, v/selfPeak)
		if conf < c.opts.MinConfidence {
			continue
		}
		maxima = append(maxima, Peak{Index: i, Magnitude: v, Confidence: conf})
	}

	slices.SortFunc(maxima, func(a, b Peak) int {
		return cmp.Compare(b.Magnitude, a.Magnitude)
	})
	kept := make([]Peak, 0, min(len(maxima), c.opts.MaxCandidates))
	for _, p := range maxima {
		if len(kept) == c.opts.MaxCandidates {
			break
		}
		if !slices.ContainsFunc(kept, func(k Peak) bool {
			return abs(k.Index-p.Index) < c.opts.MinSeparation
		}) {
			kept = append(kept, p)
		}
	}
	slices.SortFunc(kept, func(a, b Peak) int { return cmp.Compare(a.Index, b.Index) })
	return kept
}

// refine fits a parabola through the peak and its neighbours.
func refine(env []float64, i int) float64 {
	if i <= 0 || i >= len(env)-1 {
		return float64(i)
	}
	left, center, right := env[i-1], env[i], env[i+1]
	denom := left - 2*center + right
	if math.Abs(denom) < 1e-12 {
		return float64(i)
	}
	delta := 0.5 * (left - right) / denom
	return float64(i) + math.Max(-0.5, math.Min(0.5, delta))
}

func loadReal(dst []complex128, src []float64) {
	for i, v := range src {
		dst[i] = complex(v, 0)
	}
	clear(dst[len(src):])
}

func energy(x []float64) float64 {
	var sum float64
	for _, v := range x {
		sum += v * v
	}
	return sum
}

func peakAbs(x []float64) float64 {
	var p float64
	for _, v := range x {
		p = math.Max(p, math.Abs(v))
	}
	return p
}

// normalizeTo returns a copy of x scaled so its peak equals target.
// Silent input is returned unchanged.
func normalizeTo(x []float64, target float64) []float64 {
	p := peakAbs(x)
	if p == 0 {
		return x
	}
	out := make([]float64, len(x))
	vecmath.ScaleBlock(out, x, target/p)
	return out
}

func nextPowerOf2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
