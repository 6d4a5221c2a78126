// Package chirp generates the linear frequency-modulated ranging pulse and
// caches waveforms by their full parameter fingerprint.
package chirp

import (
	"fmt"
	"math"

	"github.com/cwbudde/algo-vecmath"

	"github.com/echopi/echopi-go/internal/errors"
)

// Limits on a single waveform.
const (
	MaxSampleRate      = 384000
	MaxDurationSeconds = 10.0
	MaxToneSeconds     = 60.0
)

// ErrInvalidSpec is returned for chirp parameters that cannot produce a waveform.
var ErrInvalidSpec = errors.NewStd("invalid chirp spec")

// Spec fully identifies a waveform. Equal specs yield bit-identical samples.
type Spec struct {
	SampleRate      int     `json:"sample_rate"`
	StartFreqHz     float64 `json:"start_freq_hz"`
	EndFreqHz       float64 `json:"end_freq_hz"`
	DurationSeconds float64 `json:"duration_seconds"`
	Amplitude       float64 `json:"amplitude"`
	FadeSeconds     float64 `json:"fade_seconds"`
}

// Validate reports the first invalid parameter.
func (s Spec) Validate() error {
	nyquist := float64(s.SampleRate) / 2
	switch {
	case s.SampleRate <= 0 || s.SampleRate > MaxSampleRate:
		return invalid("sample rate %d must be within (0, %d]", s.SampleRate, MaxSampleRate)
	case !finite(s.StartFreqHz, s.EndFreqHz, s.DurationSeconds, s.Amplitude, s.FadeSeconds):
		return invalid("frequencies, duration, amplitude and fade must be finite")
	case s.StartFreqHz <= 0 || s.EndFreqHz <= 0:
		return invalid("frequencies must be positive (start %.1f Hz, end %.1f Hz)", s.StartFreqHz, s.EndFreqHz)
	case s.StartFreqHz >= nyquist || s.EndFreqHz >= nyquist:
		return invalid("frequencies must be below Nyquist %.1f Hz", nyquist)
	case s.StartFreqHz == s.EndFreqHz:
		return invalid("start and end frequency must differ")
	case s.DurationSeconds <= 0 || s.DurationSeconds > MaxDurationSeconds:
		return invalid("duration %.4f s must be within (0, %.0f]", s.DurationSeconds, MaxDurationSeconds)
	case s.Samples() < 2:
		return invalid("duration %.6f s yields fewer than 2 samples", s.DurationSeconds)
	case s.Amplitude <= 0 || s.Amplitude > 1:
		return invalid("amplitude %.3f must be in (0, 1]", s.Amplitude)
	case s.FadeSeconds < 0:
		return invalid("fade %.4f s must not be negative", s.FadeSeconds)
	}
	return nil
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func invalid(format string, args ...any) error {
	return errors.New(fmt.Errorf("%w: "+format, append([]any{ErrInvalidSpec}, args...)...)).
		Component("chirp").
		Category(errors.CategoryValidation).
		Build()
}

// Samples returns the waveform length, round(duration * sample rate).
func (s Spec) Samples() int {
	return int(math.Round(s.DurationSeconds * float64(s.SampleRate)))
}

// Bandwidth returns the absolute swept bandwidth in Hz.
func (s Spec) Bandwidth() float64 {
	return math.Abs(s.EndFreqHz - s.StartFreqHz)
}

// Key is the cache fingerprint over every field.
func (s Spec) Key() string {
	return fmt.Sprintf("%d/%x/%x/%x/%x/%x", s.SampleRate,
		math.Float64bits(s.StartFreqHz), math.Float64bits(s.EndFreqHz),
		math.Float64bits(s.DurationSeconds), math.Float64bits(s.Amplitude),
		math.Float64bits(s.FadeSeconds))
}

// Generate computes the sweep for spec. The instantaneous frequency moves
// linearly from StartFreqHz to EndFreqHz, so the phase is
// 2π(f0·t + (f1−f0)·t²/(2T)). A raised-cosine fade of FadeSeconds is applied
// at both ends, capped at half the length.
func Generate(spec Spec) ([]float64, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	n := spec.Samples()
	sr := float64(spec.SampleRate)
	sweepRate := (spec.EndFreqHz - spec.StartFreqHz) / spec.DurationSeconds

	out := make([]float64, n)
	for i := range out {
		t := float64(i) / sr
		phase := 2 * math.Pi * (spec.StartFreqHz*t + 0.5*sweepRate*t*t)
		out[i] = spec.Amplitude * math.Sin(phase)
	}

	if taper := fadeWindow(n, int(math.Round(spec.FadeSeconds*sr))); taper != nil {
		vecmath.MulBlockInPlace(out, taper)
	}
	return out, nil
}

// fadeWindow returns nil when no fade applies.
func fadeWindow(n, fadeLen int) []float64 {
	fadeLen = min(fadeLen, n/2)
	if fadeLen <= 0 {
		return nil
	}
	w := make([]float64, n)
	for i := range w {
		w[i] = 1
	}
	for i := range fadeLen {
		g := 0.5 * (1 - math.Cos(math.Pi*float64(i)/float64(fadeLen)))
		w[i] = g
		w[n-1-i] = g
	}
	return w
}

// Tone returns a sine test tone with a 5 ms fade at both ends.
func Tone(freqHz, seconds, amplitude float64, sampleRate int) ([]float64, error) {
	switch {
	case sampleRate <= 0 || sampleRate > MaxSampleRate,
		!(freqHz > 0 && freqHz < float64(sampleRate)/2),
		!(seconds > 0 && seconds <= MaxToneSeconds):
		return nil, invalid("tone %.1f Hz for %.3f s at %d Hz is not representable", freqHz, seconds, sampleRate)
	case !(amplitude > 0 && amplitude <= 1):
		return nil, invalid("tone amplitude %.3f must be in (0, 1]", amplitude)
	}
	n := int(math.Round(seconds * float64(sampleRate)))
	out := make([]float64, n)
	for i := range out {
		out[i] = amplitude * math.Sin(2*math.Pi*freqHz*float64(i)/float64(sampleRate))
	}
	if taper := fadeWindow(n, sampleRate/200); taper != nil {
		vecmath.MulBlockInPlace(out, taper)
	}
	return out, nil
}
