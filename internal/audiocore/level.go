package audiocore

import (
	"math"

	"github.com/cwbudde/algo-vecmath"
)

// SilenceDBFS is reported for an empty or all-zero buffer.
const SilenceDBFS = -120.0

// Level summarises the loudness of a buffer relative to full scale.
type Level struct {
	RMS      float64 `json:"rms"`
	Peak     float64 `json:"peak"`
	RMSDBFS  float64 `json:"rms_dbfs"`
	PeakDBFS float64 `json:"peak_dbfs"`
}

// MeasureLevel computes the RMS and peak level of samples.
func MeasureLevel(samples []float32) Level {
	if len(samples) == 0 {
		return Level{RMSDBFS: SilenceDBFS, PeakDBFS: SilenceDBFS}
	}
	x := Float32To64(samples)
	rms := math.Sqrt(vecmath.DotProduct(x, x) / float64(len(x)))
	peak := vecmath.MaxAbs(x)
	return Level{RMS: rms, Peak: peak, RMSDBFS: dbfs(rms), PeakDBFS: dbfs(peak)}
}

func dbfs(v float64) float64 {
	if v <= 0 {
		return SilenceDBFS
	}
	return math.Max(20*math.Log10(v), SilenceDBFS)
}
