package correlate

import (
	"fmt"

	"github.com/echopi/echopi-go/internal/errors"
)

// Strategy selects among the candidate peaks that clear both thresholds.
type Strategy string

const (
	// StrategyEarliest picks the smallest lag. Later peaks are usually
	// higher-order reflections of the nearest surface.
	StrategyEarliest Strategy = "earliest"
	// StrategyStrongest picks the largest envelope magnitude.
	StrategyStrongest Strategy = "strongest"
)

// Options tunes peak discrimination.
type Options struct {
	// Threshold is the fraction of the window's global maximum a local
	// maximum must reach to be a candidate.
	Threshold float64
	// MinConfidence is the absolute gate on magnitude / reference self-peak.
	MinConfidence float64
	// MinSeparation is the non-maximum suppression radius in samples.
	MinSeparation int
	// MaxCandidates bounds the candidates kept after suppression.
	MaxCandidates int
	// Normalize scales the recording so its peak matches the reference peak.
	Normalize bool
	Strategy  Strategy
}

// DefaultOptions returns the tuning used by the ranging pipeline.
func DefaultOptions() Options {
	return Options{
		Threshold:     0.3,
		MinConfidence: 0.02,
		MinSeparation: 50,
		MaxCandidates: 15,
		Strategy:      StrategyEarliest,
	}
}

// Validate checks option ranges.
func (o Options) Validate() error {
	var msg string
	switch {
	case !(o.Threshold >= 0 && o.Threshold <= 1):
		msg = fmt.Sprintf("threshold %.3f must be within [0, 1]", o.Threshold)
	case !(o.MinConfidence >= 0 && o.MinConfidence <= 1):
		msg = fmt.Sprintf("min confidence %.3f must be within [0, 1]", o.MinConfidence)
	case o.MinSeparation < 1:
		msg = fmt.Sprintf("min separation %d must be at least one sample", o.MinSeparation)
	case o.MaxCandidates < 1:
		msg = fmt.Sprintf("max candidates %d must be positive", o.MaxCandidates)
	case o.Strategy != StrategyEarliest && o.Strategy != StrategyStrongest:
		msg = fmt.Sprintf("unknown peak strategy %q", o.Strategy)
	default:
		return nil
	}
	return errors.Newf("invalid correlator options: %s", msg).
		Component("correlate").
		Category(errors.CategoryValidation).
		Build()
}
