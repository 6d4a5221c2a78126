package ranging

import (
	"fmt"
	"math"

	"github.com/echopi/echopi-go/internal/chirp"
	"github.com/echopi/echopi-go/internal/correlate"
	"github.com/echopi/echopi-go/internal/errors"
	"github.com/echopi/echopi-go/internal/planning"
)

// Medium is the propagation environment.
type Medium string

const (
	MediumAir   Medium = "air"
	MediumWater Medium = "water"
)

// Reference speeds of sound in m/s at 20 °C.
const (
	SpeedOfSoundAir   = 343.0
	SpeedOfSoundWater = 1480.0
)

// SpeedOfSound returns the fixed reference speed for the medium, or 0 if unknown.
func (m Medium) SpeedOfSound() float64 {
	switch m {
	case MediumAir:
		return SpeedOfSoundAir
	case MediumWater:
		return SpeedOfSoundWater
	default:
		return 0
	}
}

// AirSpeedAt returns the speed of sound in dry air at tempC.
func AirSpeedAt(tempC float64) float64 {
	return 331.3 * math.Sqrt(1+tempC/273.15)
}

// Upper bounds that keep capture buffers and history allocations sane.
const (
	MaxEchoWindowSeconds    = 5.0
	MaxExtraRecordSeconds   = 5.0
	MaxSystemLatencySeconds = 1.0
	MaxUpdateRateHz         = 1000.0
	MaxHistorySize          = 100_000
	MaxSmoothingWindowSize  = 1000
)

// Config is everything one measurement needs. It is validated once per
// session and treated as immutable afterwards.
type Config struct {
	SampleRate int `json:"sample_rate"`

	StartFreqHz     float64 `json:"start_freq_hz"`
	EndFreqHz       float64 `json:"end_freq_hz"`
	DurationSeconds float64 `json:"duration_seconds"`
	Amplitude       float64 `json:"amplitude"`
	// FadeSeconds tapers the emitted chirp. Zero emits maximum energy.
	FadeSeconds float64 `json:"fade_seconds"`
	// ReferenceFadeSeconds tapers the correlation reference to lower range sidelobes.
	ReferenceFadeSeconds float64 `json:"reference_fade_seconds"`

	SystemLatencySeconds float64 `json:"system_latency_seconds"`
	MinDistanceMeters    float64 `json:"min_distance_meters"`
	MaxDistanceMeters    float64 `json:"max_distance_meters"`
	Medium               Medium  `json:"medium"`
	// TemperatureCelsius, when set, replaces the fixed speed of sound in air.
	TemperatureCelsius *float64 `json:"temperature_celsius,omitempty"`

	SmoothingWindowSize int     `json:"smoothing_window_size"`
	UpdateRateHz        float64 `json:"update_rate_hz"`
	HistorySize         int     `json:"history_size"`
	// ExtraRecordSeconds of tail after emission. Zero derives it from MaxDistanceMeters.
	ExtraRecordSeconds float64 `json:"extra_record_seconds"`

	NormalizeRecorded bool               `json:"normalize_recorded"`
	PeakThreshold     float64            `json:"peak_threshold"`
	MinConfidence     float64            `json:"min_confidence"`
	MinPeakSeparation int                `json:"min_peak_separation"`
	PeakStrategy      correlate.Strategy `json:"peak_strategy"`
	// DirectPathGuardSamples past the system latency are skipped so the
	// speaker-to-microphone leak is never taken for an echo.
	DirectPathGuardSamples int `json:"direct_path_guard_samples"`
}

// DefaultConfig returns settings for a small speaker and microphone pair in air.
func DefaultConfig() Config {
	opts := correlate.DefaultOptions()
	return Config{
		SampleRate:             48000,
		StartFreqHz:            2000,
		EndFreqHz:              20000,
		DurationSeconds:        0.05,
		Amplitude:              0.8,
		ReferenceFadeSeconds:   0.00125,
		SystemLatencySeconds:   0.00121,
		MinDistanceMeters:      0,
		MaxDistanceMeters:      17,
		Medium:                 MediumAir,
		SmoothingWindowSize:    3,
		UpdateRateHz:           2,
		HistorySize:            512,
		PeakThreshold:          opts.Threshold,
		MinConfidence:          opts.MinConfidence,
		MinPeakSeparation:      opts.MinSeparation,
		PeakStrategy:           opts.Strategy,
		DirectPathGuardSamples: 50,
	}
}

// Validate checks the configuration, including the chirp it describes.
func (c Config) Validate() error {
	if err := c.TxSpec().Validate(); err != nil {
		return err
	}
	if err := c.ReferenceSpec().Validate(); err != nil {
		return err
	}
	if _, err := correlate.New(c.CorrelateOptions()); err != nil {
		return err
	}

	switch {
	case !finite(c.SystemLatencySeconds, c.MinDistanceMeters, c.MaxDistanceMeters,
		c.UpdateRateHz, c.ExtraRecordSeconds, c.PeakThreshold, c.MinConfidence):
		return invalidConfig("latency, distances, update rate, extra record time and thresholds must be finite")
	case c.TemperatureCelsius != nil && !finite(*c.TemperatureCelsius):
		return invalidConfig("temperature must be finite")
	case c.Medium.SpeedOfSound() == 0:
		return invalidConfig("unknown medium %q", c.Medium)
	case c.SystemLatencySeconds < 0 || c.SystemLatencySeconds > MaxSystemLatencySeconds:
		return invalidConfig("system latency %.6fs must be within [0, %.0f]", c.SystemLatencySeconds, MaxSystemLatencySeconds)
	case c.MinDistanceMeters < 0:
		return invalidConfig("min distance %.3fm must not be negative", c.MinDistanceMeters)
	case c.MaxDistanceMeters <= c.MinDistanceMeters:
		return invalidConfig("max distance %.3fm must exceed min distance %.3fm",
			c.MaxDistanceMeters, c.MinDistanceMeters)
	case c.EchoWindow() > MaxEchoWindowSeconds:
		return invalidConfig("max distance %.1fm needs an echo window of %.2fs, limit is %.0fs",
			c.MaxDistanceMeters, c.EchoWindow(), MaxEchoWindowSeconds)
	case c.SmoothingWindowSize < 0 || c.SmoothingWindowSize > MaxSmoothingWindowSize:
		return invalidConfig("smoothing window %d must be within [0, %d]", c.SmoothingWindowSize, MaxSmoothingWindowSize)
	case c.UpdateRateHz <= 0 || c.UpdateRateHz > MaxUpdateRateHz:
		return invalidConfig("update rate %.2fHz must be within (0, %.0f]", c.UpdateRateHz, MaxUpdateRateHz)
	case c.HistorySize < 1 || c.HistorySize > MaxHistorySize:
		return invalidConfig("history size %d must be within [1, %d]", c.HistorySize, MaxHistorySize)
	case c.ExtraRecordSeconds < 0 || c.ExtraRecordSeconds > MaxExtraRecordSeconds:
		return invalidConfig("extra record time %.3fs must be within [0, %.0f]", c.ExtraRecordSeconds, MaxExtraRecordSeconds)
	case c.DirectPathGuardSamples < 0 || c.DirectPathGuardSamples > c.SampleRate:
		return invalidConfig("direct path guard %d must be within [0, %d]", c.DirectPathGuardSamples, c.SampleRate)
	case c.TemperatureCelsius != nil && (*c.TemperatureCelsius < -50 || *c.TemperatureCelsius > 60):
		return invalidConfig("temperature %.1f°C outside [-50, 60]", *c.TemperatureCelsius)
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

func invalidConfig(format string, args ...any) error {
	return errors.New(fmt.Errorf("invalid ranging config: "+format, args...)).
		Component(componentRanging).
		Category(errors.CategoryValidation).
		Build()
}

// TxSpec is the emitted chirp.
func (c Config) TxSpec() chirp.Spec {
	return chirp.Spec{
		SampleRate:      c.SampleRate,
		StartFreqHz:     c.StartFreqHz,
		EndFreqHz:       c.EndFreqHz,
		DurationSeconds: c.DurationSeconds,
		Amplitude:       c.Amplitude,
		FadeSeconds:     c.FadeSeconds,
	}
}

// ReferenceSpec is the unit-amplitude tapered chirp used as matched filter.
func (c Config) ReferenceSpec() chirp.Spec {
	s := c.TxSpec()
	s.Amplitude = 1
	s.FadeSeconds = c.ReferenceFadeSeconds
	return s
}

// CorrelateOptions maps the peak discrimination settings.
func (c Config) CorrelateOptions() correlate.Options {
	opts := correlate.DefaultOptions()
	opts.Threshold = c.PeakThreshold
	opts.MinConfidence = c.MinConfidence
	opts.MinSeparation = c.MinPeakSeparation
	opts.Normalize = c.NormalizeRecorded
	opts.Strategy = c.PeakStrategy
	return opts
}

// SpeedOfSound is the speed used for distance conversion.
func (c Config) SpeedOfSound() float64 {
	if c.Medium == MediumAir && c.TemperatureCelsius != nil {
		return AirSpeedAt(*c.TemperatureCelsius)
	}
	return c.Medium.SpeedOfSound()
}

// Window converts the distance range to correlation lags. The bounds are
// rounded outwards so an echo just outside the range is still seen and
// reported as out of range. The lower bound never precedes the direct path
// guard.
func (c Config) Window() correlate.Window {
	sr := float64(c.SampleRate)
	speed := c.SpeedOfSound()
	minLag := int(math.Floor((2*c.MinDistanceMeters/speed + c.SystemLatencySeconds) * sr))
	guard := int(math.Round(c.SystemLatencySeconds*sr)) + c.DirectPathGuardSamples
	maxLag := int(math.Ceil((2*c.MaxDistanceMeters/speed + c.SystemLatencySeconds) * sr))
	return correlate.Window{MinLag: max(minLag, guard), MaxLag: maxLag}
}

// ExtraRecord returns the capture tail after emission.
func (c Config) ExtraRecord() float64 {
	if c.ExtraRecordSeconds > 0 {
		return c.ExtraRecordSeconds
	}
	return c.EchoWindow()
}

// EchoWindow is the time the farthest echo needs to return.
func (c Config) EchoWindow() float64 {
	return planning.EchoWindowSeconds(c.MaxDistanceMeters, c.SpeedOfSound(), c.SystemLatencySeconds)
}

// EffectiveUpdateRate clamps UpdateRateHz so each period holds a pulse and its echo window.
func (c Config) EffectiveUpdateRate() float64 {
	return math.Min(c.UpdateRateHz, planning.MaxUpdateRate(c.DurationSeconds, c.ExtraRecord()))
}

// DistanceAt converts a fractional correlation lag to time of flight and distance.
func (c Config) DistanceAt(lag float64) (tof, distance float64) {
	tof = lag/float64(c.SampleRate) - c.SystemLatencySeconds
	return tof, tof * c.SpeedOfSound() / 2
}

// Resolution is the distance covered by one sample of round-trip delay.
func (c Config) Resolution() float64 {
	return c.SpeedOfSound() / float64(c.SampleRate) / 2
}
