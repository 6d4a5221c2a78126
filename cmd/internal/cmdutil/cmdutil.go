// Package cmdutil holds flag and provider helpers shared by the subcommands.
package cmdutil

import (
	"context"
	"encoding/json"
	"io"

	"github.com/spf13/pflag"

	"github.com/echopi/echopi-go/internal/audiocore"
	"github.com/echopi/echopi-go/internal/audiocore/sources"
	"github.com/echopi/echopi-go/internal/conf"
	"github.com/echopi/echopi-go/internal/logger"
	"github.com/echopi/echopi-go/internal/ranging"
	"github.com/echopi/echopi-go/internal/stream"
)

// AddDeviceFlags defines the audio provider and device selection flags.
func AddDeviceFlags(fs *pflag.FlagSet) {
	d := conf.Defaults()
	fs.String("provider", d.Audio.Provider, "Audio provider (soundcard, simulated)")
	fs.String("playback-device", d.Audio.PlaybackDevice, "Playback device name or ID (empty for system default)")
	fs.String("capture-device", d.Audio.CaptureDevice, "Capture device name or ID (empty for system default)")
	fs.Int("sample-rate", d.Ranging.SampleRate, "Sample rate in Hz")
	fs.String("simulate", "", "Use the simulated provider and its configured scene")
	fs.Lookup("simulate").NoOptDefVal = sources.TypeSimulated
	conf.MarkFlagKey(fs, "provider", "audio.provider")
	conf.MarkFlagKey(fs, "simulate", "audio.provider")
	conf.MarkFlagKey(fs, "playback-device", "audio.playback_device")
	conf.MarkFlagKey(fs, "capture-device", "audio.capture_device")
	conf.MarkFlagKey(fs, "sample-rate", "ranging.sample_rate")
}

// AddChirpFlags defines the sweep flags.
func AddChirpFlags(fs *pflag.FlagSet) {
	c := conf.Defaults().Ranging.Chirp
	fs.Float64("start-freq", c.StartFreqHz, "Sweep start frequency in Hz")
	fs.Float64("end-freq", c.EndFreqHz, "Sweep end frequency in Hz")
	fs.Float64("duration", c.DurationSeconds, "Sweep duration in seconds")
	fs.Float64("amplitude", c.Amplitude, "Peak amplitude in (0, 1]")
	fs.Float64("fade", c.FadeSeconds, "Raised-cosine fade of the emitted chirp in seconds")
	fs.Float64("ref-fade", c.ReferenceFadeSeconds, "Raised-cosine fade of the correlation reference in seconds")
	conf.MarkFlagKey(fs, "start-freq", "ranging.chirp.start_freq_hz")
	conf.MarkFlagKey(fs, "end-freq", "ranging.chirp.end_freq_hz")
	conf.MarkFlagKey(fs, "duration", "ranging.chirp.duration_seconds")
	conf.MarkFlagKey(fs, "amplitude", "ranging.chirp.amplitude")
	conf.MarkFlagKey(fs, "fade", "ranging.chirp.fade_seconds")
	conf.MarkFlagKey(fs, "ref-fade", "ranging.chirp.reference_fade_seconds")
}

// AddRangingFlags defines the measurement flags.
func AddRangingFlags(fs *pflag.FlagSet) {
	d := conf.Defaults()
	fs.Float64("min-distance", d.Ranging.MinDistanceMeters, "Minimum reported distance in meters")
	fs.Float64("max-distance", d.Ranging.MaxDistanceMeters, "Maximum reported distance in meters")
	fs.Float64("latency", d.Ranging.LatencySeconds, "System latency in seconds")
	fs.String("medium", d.Ranging.Medium, "Propagation medium (air, water)")
	fs.Float64("temperature", 20, "Air temperature in Celsius for speed of sound compensation")
	fs.String("strategy", d.Ranging.Correlation.PeakStrategy, "Echo selection (earliest, strongest)")
	fs.Float64("min-confidence", d.Ranging.Correlation.MinConfidence, "Minimum correlation confidence")
	conf.MarkFlagKey(fs, "min-distance", "ranging.min_distance_meters")
	conf.MarkFlagKey(fs, "max-distance", "ranging.max_distance_meters")
	conf.MarkFlagKey(fs, "latency", "ranging.latency_seconds")
	conf.MarkFlagKey(fs, "medium", "ranging.medium")
	conf.MarkFlagKey(fs, "temperature", "ranging.temperature_celsius")
	conf.MarkFlagKey(fs, "strategy", "ranging.correlation.peak_strategy")
	conf.MarkFlagKey(fs, "min-confidence", "ranging.correlation.min_confidence")
}

// NewProvider builds the configured duplex provider.
func NewProvider(settings *conf.Settings, log logger.Logger) (audiocore.DuplexProvider, error) {
	return sources.NewProvider(settings.Audio.Provider, settings.SimulatedScene(), log)
}

// WithSession opens a transient stream session on the configured device pair
// for fn. A positive sampleRate replaces the configured one.
func WithSession(ctx context.Context, settings *conf.Settings, log logger.Logger, sampleRate int, fn func(*stream.Session) error) error {
	provider, err := NewProvider(settings, log)
	if err != nil {
		return err
	}
	devCfg := settings.DeviceConfig()
	if sampleRate > 0 {
		devCfg.SampleRate = sampleRate
	}
	return ranging.WithSession(ctx, provider, devCfg, fn, stream.WithLogger(log))
}

// WriteJSON prints v as indented JSON.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
