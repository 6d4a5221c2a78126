package conf

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/echopi/echopi-go/internal/audiocore/sources"
)

// ValidationError collects every problem found in the settings.
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("validation errors: %s", strings.Join(ve.Errors, "; "))
}

// ValidateSettings validates the entire Settings struct
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}
	check := func(err error) {
		if err != nil {
			ve.Errors = append(ve.Errors, err.Error())
		}
	}

	check(validateLoggingSettings(settings))
	check(validateAudioSettings(&settings.Audio))
	check(settings.RangingConfig().Validate())
	check(settings.DeviceConfig().WithDefaults().Validate())
	check(validateWebServerSettings(&settings.WebServer))
	if settings.MQTT.Enabled {
		cfg := settings.MQTTConfig()
		check(cfg.Validate())
	}
	check(validateSentrySettings(&settings.Sentry))

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

var validLogLevels = map[string]bool{
	"trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true,
}

func validateLoggingSettings(settings *Settings) error {
	l := settings.Logging
	if l.DefaultLevel != "" && !validLogLevels[strings.ToLower(l.DefaultLevel)] {
		return fmt.Errorf("invalid log level %q", l.DefaultLevel)
	}
	for module, level := range l.ModuleLevels {
		if !validLogLevels[strings.ToLower(level)] {
			return fmt.Errorf("invalid log level %q for module %s", level, module)
		}
	}
	return nil
}

// maxSimulatedDistance keeps simulated echoes inside a few seconds of audio.
const maxSimulatedDistance = 1000.0

func validateAudioSettings(settings *AudioSettings) error {
	switch settings.Provider {
	case sources.TypeSoundcard, sources.TypeSimulated:
	default:
		return fmt.Errorf("audio provider must be %q or %q, got %q",
			sources.TypeSoundcard, sources.TypeSimulated, settings.Provider)
	}
	if settings.FramesPerBuffer < 0 {
		return fmt.Errorf("frames per buffer must not be negative")
	}
	for i, r := range settings.Simulated.Reflectors {
		if !(r.DistanceMeters > 0 && r.DistanceMeters <= maxSimulatedDistance) {
			return fmt.Errorf("simulated reflector %d: distance must be within (0, %.0f]", i, maxSimulatedDistance)
		}
	}
	if !(settings.Simulated.NoiseLevel >= 0) || math.IsInf(settings.Simulated.NoiseLevel, 0) {
		return fmt.Errorf("simulated noise level must not be negative")
	}
	return nil
}

func validateWebServerSettings(settings *WebServerSettings) error {
	if !settings.Enabled {
		return nil
	}
	port, err := strconv.Atoi(settings.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("webserver port %q must be a number between 1 and 65535", settings.Port)
	}
	return nil
}

func validateSentrySettings(settings *SentrySettings) error {
	if settings.Enabled && settings.DSN == "" {
		return fmt.Errorf("sentry is enabled but no DSN is set")
	}
	return nil
}
