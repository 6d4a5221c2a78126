// Package planning derives chirp and scheduling parameters from the physics
// of a matched-filter sonar: spreading loss, absorption, time-bandwidth
// product and echo travel time.
package planning

import (
	"math"

	"github.com/echopi/echopi-go/internal/errors"
)

const (
	// MinChirpSeconds and MaxChirpSeconds bound OptimizeChirpDuration.
	MinChirpSeconds = 0.001
	MaxChirpSeconds = 0.200

	// EchoMarginSeconds is recorded past the farthest expected echo so the
	// correlation peak and its neighbours fit in the capture.
	EchoMarginSeconds = 0.005

	// DefaultAbsorptionDBPerMeter is typical for air around 10 kHz.
	DefaultAbsorptionDBPerMeter = 0.1
	// DefaultAmbientNoiseDB is the assumed noise floor in dBFS.
	DefaultAmbientNoiseDB = -60.0

	detectionMarginDB = 6.0
)

// DurationPlan is the result of OptimizeChirpDuration.
type DurationPlan struct {
	DurationSeconds   float64 `json:"duration_seconds"`
	EstimatedSNRDB    float64 `json:"estimated_snr_db"`
	ResolutionMeters  float64 `json:"resolution_meters"`
	ProcessingGainDB  float64 `json:"processing_gain_db"`
	PropagationLossDB float64 `json:"propagation_loss_db"`
}

// OptimizeChirpDuration returns the shortest chirp whose processing gain lifts
// an echo from distance meters to targetSNRDB, clamped to the practical limits.
func OptimizeChirpDuration(distance, targetSNRDB, bandwidthHz, speedOfSound, absorptionDBPerMeter, ambientNoiseDB float64) (DurationPlan, error) {
	if distance <= 0 || bandwidthHz <= 0 || speedOfSound <= 0 {
		return DurationPlan{}, errors.Newf("distance, bandwidth and speed of sound must be positive").
			Component("planning").
			Category(errors.CategoryValidation).
			Context("distance_m", distance).
			Context("bandwidth_hz", bandwidthHz).
			Build()
	}

	roundTrip := 2 * distance
	loss := 40*math.Log10(roundTrip) + absorptionDBPerMeter*roundTrip
	snrIn := -loss - ambientNoiseDB
	requiredTBP := math.Pow(10, (targetSNRDB-snrIn)/10)

	duration := math.Min(math.Max(requiredTBP/bandwidthHz, MinChirpSeconds), MaxChirpSeconds)
	_, gain := ProcessingGain(duration, bandwidthHz)

	return DurationPlan{
		DurationSeconds:   duration,
		EstimatedSNRDB:    snrIn + gain,
		ResolutionMeters:  RangeResolution(bandwidthHz, speedOfSound),
		ProcessingGainDB:  gain,
		PropagationLossDB: loss,
	}, nil
}

// ThresholdPlan is the result of CorrelationThreshold.
type ThresholdPlan struct {
	Threshold        float64 `json:"threshold"`
	MainlobeSamples  float64 `json:"mainlobe_samples"`
	ProcessingGainDB float64 `json:"processing_gain_db"`
	NoiseFloor       float64 `json:"noise_floor"`
	SidelobeReliefDB float64 `json:"sidelobe_relief_db"`
}

// CorrelationThreshold estimates a normalised detection threshold 6 dB above
// the matched-filter noise floor. windowAlpha is the taper fraction.
func CorrelationThreshold(durationSeconds, bandwidthHz float64, sampleRate int, windowAlpha float64) ThresholdPlan {
	tbp, gain := ProcessingGain(durationSeconds, bandwidthHz)
	noise := 1 / math.Sqrt(tbp)
	return ThresholdPlan{
		Threshold:        noise * math.Pow(10, detectionMarginDB/20),
		MainlobeSamples:  (1 / bandwidthHz) * (1 + windowAlpha/2) * float64(sampleRate),
		ProcessingGainDB: gain,
		NoiseFloor:       noise,
		SidelobeReliefDB: 40 * windowAlpha / 0.25,
	}
}

// OptimalBandwidth is the sweep width needed for a range resolution (Rayleigh).
func OptimalBandwidth(resolutionMeters, speedOfSound float64) float64 {
	return speedOfSound / (2 * resolutionMeters)
}

// RangeResolution is the Rayleigh range resolution of a sweep.
func RangeResolution(bandwidthHz, speedOfSound float64) float64 {
	return speedOfSound / (2 * bandwidthHz)
}

// MaxUnambiguousDistance is the farthest target whose echo returns within one
// chirp period.
func MaxUnambiguousDistance(durationSeconds, speedOfSound float64) float64 {
	return speedOfSound * durationSeconds / 2
}

// ProcessingGain returns the time-bandwidth product and its gain in dB.
func ProcessingGain(durationSeconds, bandwidthHz float64) (tbp, gainDB float64) {
	tbp = durationSeconds * bandwidthHz
	return tbp, 10 * math.Log10(tbp)
}

// EchoWindowSeconds is how long to keep recording after emission ends for an
// echo from maxDistance to arrive, including the system latency.
func EchoWindowSeconds(maxDistance, speedOfSound, latencySeconds float64) float64 {
	return 2*maxDistance/speedOfSound + max(latencySeconds, 0) + EchoMarginSeconds
}

// MaxUpdateRate is the highest measurement rate at which one period still
// holds the pulse and its echo window.
func MaxUpdateRate(durationSeconds, echoWindowSeconds float64) float64 {
	period := durationSeconds + echoWindowSeconds
	if period <= 0 {
		return math.Inf(1)
	}
	return 1 / period
}
