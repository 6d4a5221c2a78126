package conf

import (
	"github.com/spf13/viper"

	"github.com/echopi/echopi-go/internal/audiocore"
	"github.com/echopi/echopi-go/internal/audiocore/sources"
	"github.com/echopi/echopi-go/internal/logger"
	"github.com/echopi/echopi-go/internal/ranging"
)

// setDefaultConfig registers a default for every key so environment
// overrides resolve during Unmarshal.
func setDefaultConfig(v *viper.Viper) {
	r := ranging.DefaultConfig()

	v.SetDefault("debug", false)

	v.SetDefault("logging.default_level", logger.DefaultLogLevel)
	v.SetDefault("logging.timezone", "Local")
	v.SetDefault("logging.console.enabled", true)
	v.SetDefault("logging.console.level", logger.DefaultLogLevel)
	v.SetDefault("logging.file_output.enabled", false)
	v.SetDefault("logging.file_output.path", logger.DefaultLogPath)
	v.SetDefault("logging.file_output.level", logger.DefaultLogLevel)

	v.SetDefault("audio.provider", sources.TypeSoundcard)
	v.SetDefault("audio.playback_device", "")
	v.SetDefault("audio.capture_device", "")
	v.SetDefault("audio.frames_per_buffer", audiocore.DefaultFramesPerBuffer)
	v.SetDefault("audio.playback_channels", 1)
	v.SetDefault("audio.capture_channels", 1)
	v.SetDefault("audio.simulated.latency_seconds", r.SystemLatencySeconds)
	v.SetDefault("audio.simulated.noise_level", 0.01)
	v.SetDefault("audio.simulated.seed", 1)
	v.SetDefault("audio.simulated.pace", true)
	v.SetDefault("audio.simulated.reflectors", []map[string]any{
		{"distance_meters": 1.0, "gain": 0.5},
	})

	v.SetDefault("ranging.sample_rate", r.SampleRate)
	v.SetDefault("ranging.chirp.start_freq_hz", r.StartFreqHz)
	v.SetDefault("ranging.chirp.end_freq_hz", r.EndFreqHz)
	v.SetDefault("ranging.chirp.duration_seconds", r.DurationSeconds)
	v.SetDefault("ranging.chirp.amplitude", r.Amplitude)
	v.SetDefault("ranging.chirp.fade_seconds", r.FadeSeconds)
	v.SetDefault("ranging.chirp.reference_fade_seconds", r.ReferenceFadeSeconds)
	v.SetDefault("ranging.latency_seconds", r.SystemLatencySeconds)
	v.SetDefault("ranging.min_distance_meters", r.MinDistanceMeters)
	v.SetDefault("ranging.max_distance_meters", r.MaxDistanceMeters)
	v.SetDefault("ranging.medium", string(r.Medium))
	v.SetDefault("ranging.extra_record_seconds", r.ExtraRecordSeconds)
	v.SetDefault("ranging.correlation.normalize", r.NormalizeRecorded)
	v.SetDefault("ranging.correlation.peak_threshold", r.PeakThreshold)
	v.SetDefault("ranging.correlation.min_confidence", r.MinConfidence)
	v.SetDefault("ranging.correlation.min_peak_separation", r.MinPeakSeparation)
	v.SetDefault("ranging.correlation.peak_strategy", string(r.PeakStrategy))
	v.SetDefault("ranging.correlation.direct_path_guard_samples", r.DirectPathGuardSamples)

	v.SetDefault("sonar.update_rate_hz", r.UpdateRateHz)
	v.SetDefault("sonar.smoothing_window", r.SmoothingWindowSize)
	v.SetDefault("sonar.history_size", r.HistorySize)
	v.SetDefault("sonar.autostart", true)

	v.SetDefault("webserver.enabled", true)
	v.SetDefault("webserver.host", "")
	v.SetDefault("webserver.port", "8080")
	v.SetDefault("webserver.allowed_origins", []string{"*"})

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "echopi")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.topic", "echopi")
	v.SetDefault("mqtt.qos", 0)
	v.SetDefault("mqtt.retain", false)
	v.SetDefault("mqtt.queue_size", 64)

	v.SetDefault("sentry.enabled", false)
	v.SetDefault("sentry.dsn", "")
	v.SetDefault("sentry.environment", "production")
}

// Defaults returns the settings Load produces without a config file or
// environment overrides.
func Defaults() *Settings {
	v := viper.New()
	setDefaultConfig(v)
	s := &Settings{}
	if err := v.Unmarshal(s); err != nil {
		// defaults are static; a failure here is a programming error
		panic(err)
	}
	return s
}
