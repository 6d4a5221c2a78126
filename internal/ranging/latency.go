package ranging

import (
	"context"
	"math"
	"slices"

	"github.com/echopi/echopi-go/internal/audiocore"
	"github.com/echopi/echopi-go/internal/correlate"
	"github.com/echopi/echopi-go/internal/errors"
	"github.com/echopi/echopi-go/internal/logger"
)

// Bounds of a believable speaker-to-microphone latency with the pair a few
// centimetres apart. Values outside usually mean an echo was locked onto.
const (
	MinPlausibleLatency = 0.0005
	MaxPlausibleLatency = 0.01

	DefaultLatencyRepeats = 7
	DefaultLatencyDiscard = 2
)

// PlausibleLatency reports whether seconds lies in the believable range.
func PlausibleLatency(seconds float64) bool {
	return seconds >= MinPlausibleLatency && seconds <= MaxPlausibleLatency
}

// LatencyResult summarises a loopback calibration.
type LatencyResult struct {
	LatencySeconds float64   `json:"latency_seconds"`
	StdSeconds     float64   `json:"std_seconds"`
	LagSamples     int       `json:"lag_samples"`
	Runs           []float64 `json:"runs"`
	Used           []float64 `json:"used"`
	Repeats        int       `json:"repeats"`
	Discard        int       `json:"discard"`
}

// CalibrateLatency emits the chirp repeats times and measures the delay of
// the strongest arrival, which with the speaker next to the microphone is
// the direct path. The first discard runs warm the device up and are ignored;
// the result is the median of the rest.
func (r *Ranger) CalibrateLatency(ctx context.Context, cfg Config, tx Transactor, repeats, discard int) (LatencyResult, error) {
	if repeats < 1 || discard < 0 || discard >= repeats {
		return LatencyResult{}, invalidConfig("latency calibration needs repeats > discard >= 0 (repeats %d, discard %d)",
			repeats, discard)
	}
	if err := cfg.Validate(); err != nil {
		return LatencyResult{}, err
	}

	opts := cfg.CorrelateOptions()
	opts.Strategy = correlate.StrategyStrongest
	c, err := r.correlator(opts)
	if err != nil {
		return LatencyResult{}, err
	}
	emit, err := r.gen.Waveform(cfg.TxSpec())
	if err != nil {
		return LatencyResult{}, err
	}
	ref, err := r.gen.Waveform(cfg.ReferenceSpec())
	if err != nil {
		return LatencyResult{}, err
	}
	window := correlate.Window{
		MinLag: 0,
		MaxLag: int(math.Ceil(MaxPlausibleLatency * 2 * float64(cfg.SampleRate))),
	}
	extra := math.Max(cfg.ExtraRecord(), 2*MaxPlausibleLatency+0.01)

	res := LatencyResult{Repeats: repeats, Discard: discard}
	for i := range repeats {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		rec, err := tx.Transact(ctx, emit.Float32(), extra)
		if err != nil {
			return res, err
		}
		corr, err := c.Correlate(audiocore.Float32To64(rec), ref.Samples(), window)
		if err != nil {
			return res, err
		}
		if !corr.Detected() {
			r.log.Warn("latency run found no arrival", logger.Int("run", i+1))
			continue
		}
		seconds := corr.RefinedIndex / float64(cfg.SampleRate)
		res.Runs = append(res.Runs, seconds)
		if i >= discard {
			res.Used = append(res.Used, seconds)
		}
	}

	if len(res.Used) == 0 {
		return res, errors.New(ErrNoEchoDetected).
			Component(componentRanging).
			Category(errors.CategoryNoEcho).
			Context("operation", "calibrate_latency").
			Context("repeats", repeats).
			Build()
	}

	res.LatencySeconds = median(res.Used)
	res.StdSeconds = stddev(res.Used)
	res.LagSamples = int(math.Round(res.LatencySeconds * float64(cfg.SampleRate)))
	r.log.Info("latency calibrated",
		logger.Float64("latency_ms", res.LatencySeconds*1000),
		logger.Float64("std_ms", res.StdSeconds*1000),
		logger.Int("runs_used", len(res.Used)))
	return res, nil
}

func median(v []float64) float64 {
	s := slices.Clone(v)
	slices.Sort(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

func stddev(v []float64) float64 {
	var mean float64
	for _, x := range v {
		mean += x
	}
	mean /= float64(len(v))
	var ss float64
	for _, x := range v {
		ss += (x - mean) * (x - mean)
	}
	return math.Sqrt(ss / float64(len(v)))
}
