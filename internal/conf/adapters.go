package conf

import (
	"time"

	"github.com/echopi/echopi-go/internal/api"
	"github.com/echopi/echopi-go/internal/audiocore"
	"github.com/echopi/echopi-go/internal/audiocore/sources/simulated"
	"github.com/echopi/echopi-go/internal/correlate"
	"github.com/echopi/echopi-go/internal/mqtt"
	"github.com/echopi/echopi-go/internal/ranging"
)

// RangingConfig converts the ranging and sonar sections.
func (s *Settings) RangingConfig() ranging.Config {
	r, c := s.Ranging, s.Ranging.Correlation
	cfg := ranging.Config{
		SampleRate:             r.SampleRate,
		StartFreqHz:            r.Chirp.StartFreqHz,
		EndFreqHz:              r.Chirp.EndFreqHz,
		DurationSeconds:        r.Chirp.DurationSeconds,
		Amplitude:              r.Chirp.Amplitude,
		FadeSeconds:            r.Chirp.FadeSeconds,
		ReferenceFadeSeconds:   r.Chirp.ReferenceFadeSeconds,
		SystemLatencySeconds:   r.LatencySeconds,
		MinDistanceMeters:      r.MinDistanceMeters,
		MaxDistanceMeters:      r.MaxDistanceMeters,
		Medium:                 ranging.Medium(r.Medium),
		SmoothingWindowSize:    s.Sonar.SmoothingWindow,
		UpdateRateHz:           s.Sonar.UpdateRateHz,
		HistorySize:            s.Sonar.HistorySize,
		ExtraRecordSeconds:     r.ExtraRecordSeconds,
		NormalizeRecorded:      c.Normalize,
		PeakThreshold:          c.PeakThreshold,
		MinConfidence:          c.MinConfidence,
		MinPeakSeparation:      c.MinPeakSeparation,
		PeakStrategy:           correlate.Strategy(c.PeakStrategy),
		DirectPathGuardSamples: c.DirectPathGuardSamples,
	}
	if r.TemperatureCelsius != nil {
		t := *r.TemperatureCelsius
		cfg.TemperatureCelsius = &t
	}
	return cfg
}

// ApplyRangingConfig stores cfg back into the ranging and sonar sections.
func (s *Settings) ApplyRangingConfig(cfg ranging.Config) {
	s.Ranging.SampleRate = cfg.SampleRate
	s.Ranging.Chirp = ChirpSettings{
		StartFreqHz:          cfg.StartFreqHz,
		EndFreqHz:            cfg.EndFreqHz,
		DurationSeconds:      cfg.DurationSeconds,
		Amplitude:            cfg.Amplitude,
		FadeSeconds:          cfg.FadeSeconds,
		ReferenceFadeSeconds: cfg.ReferenceFadeSeconds,
	}
	s.Ranging.LatencySeconds = cfg.SystemLatencySeconds
	s.Ranging.MinDistanceMeters = cfg.MinDistanceMeters
	s.Ranging.MaxDistanceMeters = cfg.MaxDistanceMeters
	s.Ranging.Medium = string(cfg.Medium)
	s.Ranging.TemperatureCelsius = nil
	if cfg.TemperatureCelsius != nil {
		t := *cfg.TemperatureCelsius
		s.Ranging.TemperatureCelsius = &t
	}
	s.Ranging.ExtraRecordSeconds = cfg.ExtraRecordSeconds
	s.Ranging.Correlation = CorrelationSettings{
		Normalize:              cfg.NormalizeRecorded,
		PeakThreshold:          cfg.PeakThreshold,
		MinConfidence:          cfg.MinConfidence,
		MinPeakSeparation:      cfg.MinPeakSeparation,
		PeakStrategy:           string(cfg.PeakStrategy),
		DirectPathGuardSamples: cfg.DirectPathGuardSamples,
	}
	s.Sonar.UpdateRateHz = cfg.UpdateRateHz
	s.Sonar.SmoothingWindow = cfg.SmoothingWindowSize
	s.Sonar.HistorySize = cfg.HistorySize
}

// DeviceConfig converts the audio section at the ranging sample rate.
func (s *Settings) DeviceConfig() audiocore.DeviceConfig {
	return audiocore.DeviceConfig{
		PlaybackDevice:   s.Audio.PlaybackDevice,
		CaptureDevice:    s.Audio.CaptureDevice,
		SampleRate:       s.Ranging.SampleRate,
		FramesPerBuffer:  s.Audio.FramesPerBuffer,
		PlaybackChannels: s.Audio.PlaybackChannels,
		CaptureChannels:  s.Audio.CaptureChannels,
	}
}

// SimulatedScene converts the simulated reflectors to echo delays in the
// configured medium.
func (s *Settings) SimulatedScene() simulated.Config {
	sim := s.Audio.Simulated
	speed := s.RangingConfig().SpeedOfSound()
	scene := simulated.Config{
		LatencySeconds: sim.LatencySeconds,
		NoiseLevel:     sim.NoiseLevel,
		Seed:           sim.Seed,
		Pace:           sim.Pace,
	}
	for _, r := range sim.Reflectors {
		scene.Echoes = append(scene.Echoes, simulated.Echo{
			DelaySeconds: 2 * r.DistanceMeters / speed,
			Gain:         r.Gain,
		})
	}
	return scene
}

// APIConfig converts the webserver section.
func (s *Settings) APIConfig() *api.Config {
	cfg := api.DefaultConfig()
	cfg.Host = s.WebServer.Host
	cfg.Port = s.WebServer.Port
	if len(s.WebServer.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = s.WebServer.AllowedOrigins
	}
	return cfg
}

// MQTTConfig converts the mqtt section.
func (s *Settings) MQTTConfig() mqtt.Config {
	cfg := mqtt.DefaultConfig()
	cfg.Broker = s.MQTT.Broker
	cfg.ClientID = s.MQTT.ClientID
	cfg.Username = s.MQTT.Username
	cfg.Password = s.MQTT.Password
	cfg.Topic = s.MQTT.Topic
	cfg.QoS = byte(s.MQTT.QoS)
	cfg.Retain = s.MQTT.Retain
	cfg.QueueSize = s.MQTT.QueueSize
	cfg.PublishTimeout = 5 * time.Second
	return cfg
}
