// Package ranging turns one chirp transaction into a distance estimate.
package ranging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/echopi/echopi-go/internal/audiocore"
	"github.com/echopi/echopi-go/internal/chirp"
	"github.com/echopi/echopi-go/internal/clock"
	"github.com/echopi/echopi-go/internal/correlate"
	"github.com/echopi/echopi-go/internal/errors"
	"github.com/echopi/echopi-go/internal/logger"
	"github.com/echopi/echopi-go/internal/stream"
)

const componentRanging = "ranging"

var (
	// ErrNoEchoDetected means no correlation peak cleared the thresholds.
	ErrNoEchoDetected = errors.NewStd("no echo detected")
	// ErrOutOfRange means the selected echo converts to a distance outside the configured range.
	ErrOutOfRange = errors.NewStd("echo out of range")
)

// Measurement outcomes reported to Metrics.
const (
	OutcomeOK          = "ok"
	OutcomeNoEcho      = "no_echo"
	OutcomeOutOfRange  = "out_of_range"
	OutcomeDeviceError = "device_error"
	OutcomeError       = "error"
)

// IsGap reports whether err is a recoverable miss that is recorded as a
// history gap rather than stopping a continuous run.
func IsGap(err error) bool {
	return errors.Is(err, ErrNoEchoDetected) || errors.Is(err, ErrOutOfRange)
}

// Outcome classifies a MeasureOnce error for metrics and logs.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrNoEchoDetected):
		return OutcomeNoEcho
	case errors.Is(err, ErrOutOfRange):
		return OutcomeOutOfRange
	case errors.Is(err, stream.ErrDeviceIO):
		return OutcomeDeviceError
	default:
		return OutcomeError
	}
}

// DistanceSample is one measurement.
type DistanceSample struct {
	Timestamp           time.Time `json:"timestamp"`
	DistanceMeters      float64   `json:"distance_meters"`
	TimeOfFlightSeconds float64   `json:"time_of_flight_seconds"`
	Confidence          float64   `json:"confidence"`
	LagSamples          int       `json:"lag_samples"`
	RefinedLag          float64   `json:"refined_lag"`
	SpeedOfSound        float64   `json:"speed_of_sound"`
}

// Transactor plays a signal and returns the aligned capture.
type Transactor interface {
	Transact(ctx context.Context, signal []float32, extraRecordSeconds float64) ([]float32, error)
}

// Metrics receives per-measurement observations.
type Metrics interface {
	ObserveMeasurement(outcome string, d time.Duration)
	SetLastSample(distance, confidence float64)
	SetWaveformCacheSize(n int)
}

// Option configures a Ranger.
type Option func(*Ranger)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option { return func(r *Ranger) { r.log = l } }

// WithClock sets the timestamp source.
func WithClock(c clock.Clock) Option { return func(r *Ranger) { r.clock = c } }

// WithMetrics attaches a metrics recorder.
func WithMetrics(m Metrics) Option { return func(r *Ranger) { r.metrics = m } }

// WithGenerator shares a waveform cache between rangers.
func WithGenerator(g *chirp.Generator) Option { return func(r *Ranger) { r.gen = g } }

// Ranger runs measurements. It is safe for concurrent use; correlators are
// cached per peak discrimination setting and waveforms per chirp.
type Ranger struct {
	gen     *chirp.Generator
	log     logger.Logger
	clock   clock.Clock
	metrics Metrics

	mu          sync.Mutex
	correlators map[correlate.Options]*correlate.Correlator
}

// New creates a Ranger.
func New(opts ...Option) *Ranger {
	r := &Ranger{correlators: make(map[correlate.Options]*correlate.Correlator)}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = logger.Global().Module(componentRanging)
	}
	if r.clock == nil {
		r.clock = clock.Real()
	}
	if r.gen == nil {
		r.gen = chirp.NewGenerator(r.log.Module("chirp"))
	}
	return r
}

// Generator exposes the waveform cache, for invalidation on reconfigure.
func (r *Ranger) Generator() *chirp.Generator { return r.gen }

func (r *Ranger) correlator(opts correlate.Options) (*correlate.Correlator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.correlators[opts]; ok {
		return c, nil
	}
	c, err := correlate.New(opts)
	if err != nil {
		return nil, err
	}
	r.correlators[opts] = c
	return c, nil
}

// MeasureOnce emits the configured chirp through tx and converts the echo
// to a distance. On ErrOutOfRange the returned sample still carries the
// converted values.
func (r *Ranger) MeasureOnce(ctx context.Context, cfg Config, tx Transactor) (DistanceSample, error) {
	start := time.Now()
	sample, err := r.measure(ctx, cfg, tx)
	outcome := Outcome(err)

	if r.metrics != nil {
		r.metrics.ObserveMeasurement(outcome, time.Since(start))
		r.metrics.SetWaveformCacheSize(r.gen.Len())
		if err == nil {
			r.metrics.SetLastSample(sample.DistanceMeters, sample.Confidence)
		}
	}

	switch outcome {
	case OutcomeOK:
		r.log.Debug("measurement complete",
			logger.Float64("distance_m", sample.DistanceMeters),
			logger.Float64("confidence", sample.Confidence),
			logger.Int("lag_samples", sample.LagSamples))
	case OutcomeNoEcho, OutcomeOutOfRange:
		r.log.Debug("measurement gap", logger.String("outcome", outcome), logger.Error(err))
	default:
		r.log.Warn("measurement failed", logger.String("outcome", outcome), logger.Error(err))
	}
	return sample, err
}

func (r *Ranger) measure(ctx context.Context, cfg Config, tx Transactor) (DistanceSample, error) {
	if err := cfg.Validate(); err != nil {
		return DistanceSample{}, err
	}
	emit, err := r.gen.Waveform(cfg.TxSpec())
	if err != nil {
		return DistanceSample{}, err
	}
	ref, err := r.gen.Waveform(cfg.ReferenceSpec())
	if err != nil {
		return DistanceSample{}, err
	}

	rec, err := tx.Transact(ctx, emit.Float32(), cfg.ExtraRecord())
	if err != nil {
		return DistanceSample{}, err
	}
	sample, _, err := r.convert(cfg, audiocore.Float32To64(rec), ref.Samples())
	return sample, err
}

// Analyze runs the correlation and conversion on an existing recording that
// starts at the emission instant.
func (r *Ranger) Analyze(cfg Config, recorded []float64) (DistanceSample, correlate.Result, error) {
	if err := cfg.Validate(); err != nil {
		return DistanceSample{}, correlate.Result{}, err
	}
	ref, err := r.gen.Waveform(cfg.ReferenceSpec())
	if err != nil {
		return DistanceSample{}, correlate.Result{}, err
	}
	return r.convert(cfg, recorded, ref.Samples())
}

func (r *Ranger) convert(cfg Config, recorded, reference []float64) (DistanceSample, correlate.Result, error) {
	c, err := r.correlator(cfg.CorrelateOptions())
	if err != nil {
		return DistanceSample{}, correlate.Result{}, err
	}
	window := cfg.Window()
	res, err := c.Correlate(recorded, reference, window)
	if err != nil {
		return DistanceSample{}, res, err
	}

	sample := DistanceSample{Timestamp: r.clock.Now(), SpeedOfSound: cfg.SpeedOfSound()}
	if !res.Detected() {
		return sample, res, errors.New(ErrNoEchoDetected).
			Component(componentRanging).
			Category(errors.CategoryNoEcho).
			Context("window_min_lag", res.Window.MinLag).
			Context("window_max_lag", res.Window.MaxLag).
			Context("global_max", res.GlobalMax).
			Build()
	}

	sample.LagSamples = res.PeakIndex
	sample.RefinedLag = res.RefinedIndex
	sample.Confidence = res.Confidence
	sample.TimeOfFlightSeconds, sample.DistanceMeters = cfg.DistanceAt(res.RefinedIndex)

	if sample.DistanceMeters < cfg.MinDistanceMeters || sample.DistanceMeters > cfg.MaxDistanceMeters {
		return sample, res, errors.New(fmt.Errorf("%w: %.3fm not in [%.3f, %.3f]",
			ErrOutOfRange, sample.DistanceMeters, cfg.MinDistanceMeters, cfg.MaxDistanceMeters)).
			Component(componentRanging).
			Category(errors.CategoryOutOfRange).
			Context("distance_m", sample.DistanceMeters).
			Context("lag_samples", res.PeakIndex).
			Build()
	}
	return sample, res, nil
}

// WithSession opens a transient stream session for fn and releases it on
// every exit path. A close failure is reported only if fn succeeded.
func WithSession(ctx context.Context, provider audiocore.DuplexProvider, devCfg audiocore.DeviceConfig, fn func(*stream.Session) error, opts ...stream.Option) (err error) {
	s := stream.New(provider, devCfg, opts...)
	if err := s.Open(ctx); err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(s)
}

// MeasureOneShot measures once on a session that exists only for this call.
func (r *Ranger) MeasureOneShot(ctx context.Context, cfg Config, provider audiocore.DuplexProvider, devCfg audiocore.DeviceConfig, opts ...stream.Option) (DistanceSample, error) {
	if err := cfg.Validate(); err != nil {
		return DistanceSample{}, err
	}
	devCfg.SampleRate = cfg.SampleRate

	var sample DistanceSample
	err := WithSession(ctx, provider, devCfg, func(s *stream.Session) error {
		var merr error
		sample, merr = r.MeasureOnce(ctx, cfg, s)
		return merr
	}, opts...)
	return sample, err
}
