// Package conf loads, validates and saves echopi settings.
package conf

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/echopi/echopi-go/internal/errors"
	"github.com/echopi/echopi-go/internal/logger"
)

// ConfigFileName is the file searched for in the default config paths.
const ConfigFileName = "config.yaml"

// EnvPrefix prefixes environment overrides, e.g. ECHOPI_RANGING_MAX_DISTANCE_METERS.
const EnvPrefix = "ECHOPI"

// Settings is the complete application configuration.
type Settings struct {
	Debug     bool                 `yaml:"debug" mapstructure:"debug"`
	Logging   logger.LoggingConfig `yaml:"logging" mapstructure:"logging"`
	Audio     AudioSettings        `yaml:"audio" mapstructure:"audio"`
	Ranging   RangingSettings      `yaml:"ranging" mapstructure:"ranging"`
	Sonar     SonarSettings        `yaml:"sonar" mapstructure:"sonar"`
	WebServer WebServerSettings    `yaml:"webserver" mapstructure:"webserver"`
	MQTT      MQTTSettings         `yaml:"mqtt" mapstructure:"mqtt"`
	Sentry    SentrySettings       `yaml:"sentry" mapstructure:"sentry"`

	// ConfigFile is the file the settings were loaded from, if any.
	ConfigFile string `yaml:"-" mapstructure:"-"`
}

// AudioSettings selects the duplex device provider and its devices.
type AudioSettings struct {
	Provider         string            `yaml:"provider" mapstructure:"provider"` // soundcard or simulated
	PlaybackDevice   string            `yaml:"playback_device" mapstructure:"playback_device"`
	CaptureDevice    string            `yaml:"capture_device" mapstructure:"capture_device"`
	FramesPerBuffer  int               `yaml:"frames_per_buffer" mapstructure:"frames_per_buffer"`
	PlaybackChannels int               `yaml:"playback_channels" mapstructure:"playback_channels"`
	CaptureChannels  int               `yaml:"capture_channels" mapstructure:"capture_channels"`
	Simulated        SimulatedSettings `yaml:"simulated" mapstructure:"simulated"`
}

// SimulatedSettings describes the scene of the simulated provider.
type SimulatedSettings struct {
	LatencySeconds float64        `yaml:"latency_seconds" mapstructure:"latency_seconds"`
	NoiseLevel     float64        `yaml:"noise_level" mapstructure:"noise_level"`
	Seed           uint64         `yaml:"seed" mapstructure:"seed"`
	Pace           bool           `yaml:"pace" mapstructure:"pace"`
	Reflectors     []SimReflector `yaml:"reflectors" mapstructure:"reflectors"`
}

// SimReflector is a simulated reflecting surface at a one-way distance.
type SimReflector struct {
	DistanceMeters float64 `yaml:"distance_meters" mapstructure:"distance_meters"`
	Gain           float64 `yaml:"gain" mapstructure:"gain"`
}

// RangingSettings holds the measurement parameters.
type RangingSettings struct {
	SampleRate         int                 `yaml:"sample_rate" mapstructure:"sample_rate"`
	Chirp              ChirpSettings       `yaml:"chirp" mapstructure:"chirp"`
	LatencySeconds     float64             `yaml:"latency_seconds" mapstructure:"latency_seconds"`
	MinDistanceMeters  float64             `yaml:"min_distance_meters" mapstructure:"min_distance_meters"`
	MaxDistanceMeters  float64             `yaml:"max_distance_meters" mapstructure:"max_distance_meters"`
	Medium             string              `yaml:"medium" mapstructure:"medium"`
	TemperatureCelsius *float64            `yaml:"temperature_celsius,omitempty" mapstructure:"temperature_celsius"`
	ExtraRecordSeconds float64             `yaml:"extra_record_seconds" mapstructure:"extra_record_seconds"`
	Correlation        CorrelationSettings `yaml:"correlation" mapstructure:"correlation"`
}

// ChirpSettings describes the transmitted sweep.
type ChirpSettings struct {
	StartFreqHz          float64 `yaml:"start_freq_hz" mapstructure:"start_freq_hz"`
	EndFreqHz            float64 `yaml:"end_freq_hz" mapstructure:"end_freq_hz"`
	DurationSeconds      float64 `yaml:"duration_seconds" mapstructure:"duration_seconds"`
	Amplitude            float64 `yaml:"amplitude" mapstructure:"amplitude"`
	FadeSeconds          float64 `yaml:"fade_seconds" mapstructure:"fade_seconds"`
	ReferenceFadeSeconds float64 `yaml:"reference_fade_seconds" mapstructure:"reference_fade_seconds"`
}

// CorrelationSettings tunes echo detection.
type CorrelationSettings struct {
	Normalize              bool    `yaml:"normalize" mapstructure:"normalize"`
	PeakThreshold          float64 `yaml:"peak_threshold" mapstructure:"peak_threshold"`
	MinConfidence          float64 `yaml:"min_confidence" mapstructure:"min_confidence"`
	MinPeakSeparation      int     `yaml:"min_peak_separation" mapstructure:"min_peak_separation"`
	PeakStrategy           string  `yaml:"peak_strategy" mapstructure:"peak_strategy"`
	DirectPathGuardSamples int     `yaml:"direct_path_guard_samples" mapstructure:"direct_path_guard_samples"`
}

// SonarSettings configures continuous mode.
type SonarSettings struct {
	UpdateRateHz    float64 `yaml:"update_rate_hz" mapstructure:"update_rate_hz"`
	SmoothingWindow int     `yaml:"smoothing_window" mapstructure:"smoothing_window"`
	HistorySize     int     `yaml:"history_size" mapstructure:"history_size"`
	AutoStart       bool    `yaml:"autostart" mapstructure:"autostart"`
}

// WebServerSettings configures the HTTP API.
type WebServerSettings struct {
	Enabled        bool     `yaml:"enabled" mapstructure:"enabled"`
	Host           string   `yaml:"host" mapstructure:"host"`
	Port           string   `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// MQTTSettings configures sample publishing.
type MQTTSettings struct {
	Enabled   bool   `yaml:"enabled" mapstructure:"enabled"`
	Broker    string `yaml:"broker" mapstructure:"broker"`
	ClientID  string `yaml:"client_id" mapstructure:"client_id"`
	Username  string `yaml:"username" mapstructure:"username"`
	Password  string `yaml:"password" mapstructure:"password"`
	Topic     string `yaml:"topic" mapstructure:"topic"`
	QoS       int    `yaml:"qos" mapstructure:"qos"`
	Retain    bool   `yaml:"retain" mapstructure:"retain"`
	QueueSize int    `yaml:"queue_size" mapstructure:"queue_size"`
}

// SentrySettings configures error telemetry.
type SentrySettings struct {
	Enabled     bool   `yaml:"enabled" mapstructure:"enabled"`
	DSN         string `yaml:"dsn" mapstructure:"dsn"`
	Environment string `yaml:"environment" mapstructure:"environment"`
}

// Load reads settings from configPath, or from the first config.yaml in the
// default config paths when configPath is empty. A missing default config is
// created from the defaults. Environment variables override file values and
// flags bound with WithFlag override both.
func Load(configPath string, opts ...LoadOption) (*Settings, error) {
	v := viper.New()
	setDefaultConfig(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, opt := range opts {
		if err := opt(v); err != nil {
			return nil, err
		}
	}

	file, err := readConfig(v, configPath)
	if err != nil {
		return nil, err
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, errors.New(fmt.Errorf("error unmarshaling config into struct: %w", err)).
			Component("configuration").
			Category(errors.CategoryConfiguration).
			Context("config_file", file).
			Build()
	}
	settings.ConfigFile = file

	if err := ValidateSettings(settings); err != nil {
		return nil, errors.New(fmt.Errorf("error validating settings: %w", err)).
			Component("configuration").
			Category(errors.CategoryValidation).
			Context("config_file", file).
			Build()
	}
	return settings, nil
}

func readConfig(v *viper.Viper, configPath string) (string, error) {
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return "", errors.New(fmt.Errorf("error reading config file: %w", err)).
				Component("configuration").
				Category(errors.CategoryFileIO).
				Context("config_file", configPath).
				Build()
		}
		return configPath, nil
	}

	if found, err := FindConfigFile(); err == nil {
		v.SetConfigFile(found)
		if err := v.ReadInConfig(); err != nil {
			return "", errors.New(fmt.Errorf("error reading config file: %w", err)).
				Component("configuration").
				Category(errors.CategoryFileIO).
				Context("config_file", found).
				Build()
		}
		return found, nil
	}

	return createDefaultConfig(v)
}

// createDefaultConfig writes the defaults to the first default config path.
// Failing to write is not fatal: the defaults are already loaded.
func createDefaultConfig(v *viper.Viper) (string, error) {
	paths, err := GetDefaultConfigPaths()
	if err != nil || len(paths) == 0 {
		return "", nil
	}
	configPath := filepath.Join(paths[0], ConfigFileName)

	defaults := &Settings{}
	if err := v.Unmarshal(defaults); err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		GetLogger().Warn("could not create config directory", logger.String("path", configPath), logger.Error(err))
		return "", nil
	}
	if err := SaveYAMLConfig(configPath, defaults); err != nil {
		GetLogger().Warn("could not write default config", logger.String("path", configPath), logger.Error(err))
		return "", nil
	}
	GetLogger().Info("created default config file", logger.String("path", configPath))
	return configPath, nil
}

// SaveYAMLConfig writes settings to configPath through a temporary file and
// a rename, so readers never see a partial file.
func SaveYAMLConfig(configPath string, settings *Settings) error {
	yamlData, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("error marshaling settings to YAML: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(configPath), "config-*.yaml")
	if err != nil {
		return fmt.Errorf("error creating temporary file: %w", err)
	}
	tempFileName := tempFile.Name()
	defer os.Remove(tempFileName)

	if _, err := tempFile.Write(yamlData); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("error writing to temporary file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("error closing temporary file: %w", err)
	}

	if err := os.Rename(tempFileName, configPath); err != nil {
		if err := moveFile(tempFileName, configPath); err != nil {
			return fmt.Errorf("error copying config file: %w", err)
		}
	}
	return nil
}

// SaveLatency stores a calibrated system latency in the file settings were
// loaded from, or in the default config path. The file is reloaded first so
// command line overrides in settings are not persisted. It returns the path
// written.
func SaveLatency(settings *Settings, seconds float64) (string, error) {
	target := settings
	path := settings.ConfigFile
	if path != "" {
		fromFile, err := Load(path)
		if err != nil {
			return "", err
		}
		target = fromFile
	} else {
		paths, err := GetDefaultConfigPaths()
		if err != nil || len(paths) == 0 {
			return "", errors.Newf("no config path to save to").
				Component("configuration").
				Category(errors.CategoryConfiguration).
				Build()
		}
		path = filepath.Join(paths[0], ConfigFileName)
		if err := os.MkdirAll(paths[0], 0o755); err != nil {
			return "", errors.New(err).
				Component("configuration").
				Category(errors.CategoryFileIO).
				Context("path", paths[0]).
				Build()
		}
	}

	cfg := target.RangingConfig()
	cfg.SystemLatencySeconds = seconds
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	target.ApplyRangingConfig(cfg)
	if err := SaveYAMLConfig(path, target); err != nil {
		return "", err
	}
	settings.Ranging.LatencySeconds = seconds
	return path, nil
}
