package audiocore

import (
	"context"
	"fmt"

	"github.com/echopi/echopi-go/internal/errors"
)

// ComponentAudioCore tags errors raised by device providers.
const ComponentAudioCore = "audiocore"

const (
	DefaultSampleRate      = 48000
	DefaultFramesPerBuffer = 2048
)

var (
	// ErrChannelClosed is returned by Write or Read after Close.
	ErrChannelClosed = errors.NewStd("duplex channel closed")
	// ErrDeviceStopped is returned when the driver stops the device on its own.
	ErrDeviceStopped = errors.NewStd("audio device stopped unexpectedly")
	// ErrDeviceTimeout is returned when the device stops delivering frames.
	ErrDeviceTimeout = errors.NewStd("audio device timed out")
	// ErrOverrun is returned when captured frames were dropped.
	ErrOverrun = errors.NewStd("capture overrun")
)

// DeviceConfig selects the device pair and stream format.
type DeviceConfig struct {
	PlaybackDevice   string `json:"playback_device"`
	CaptureDevice    string `json:"capture_device"`
	SampleRate       int    `json:"sample_rate"`
	FramesPerBuffer  int    `json:"frames_per_buffer"`
	PlaybackChannels int    `json:"playback_channels"`
	CaptureChannels  int    `json:"capture_channels"`
}

// WithDefaults fills zero fields.
func (c DeviceConfig) WithDefaults() DeviceConfig {
	if c.SampleRate == 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.FramesPerBuffer == 0 {
		c.FramesPerBuffer = DefaultFramesPerBuffer
	}
	if c.PlaybackChannels == 0 {
		c.PlaybackChannels = 1
	}
	if c.CaptureChannels == 0 {
		c.CaptureChannels = 1
	}
	return c
}

// Validate checks the format fields.
func (c DeviceConfig) Validate() error {
	switch {
	case c.SampleRate <= 0:
		return invalidConfig("sample rate %d must be positive", c.SampleRate)
	case c.FramesPerBuffer <= 0:
		return invalidConfig("frames per buffer %d must be positive", c.FramesPerBuffer)
	case c.PlaybackChannels <= 0 || c.CaptureChannels <= 0:
		return invalidConfig("channel counts must be positive (playback %d, capture %d)",
			c.PlaybackChannels, c.CaptureChannels)
	}
	return nil
}

func invalidConfig(format string, args ...any) error {
	return errors.New(fmt.Errorf("invalid device config: "+format, args...)).
		Component(ComponentAudioCore).
		Category(errors.CategoryValidation).
		Build()
}

// DevicePair identifies the physical playback/capture pair a channel occupies.
func (c DeviceConfig) DevicePair() string {
	playback, capture := c.PlaybackDevice, c.CaptureDevice
	if playback == "" {
		playback = "default"
	}
	if capture == "" {
		capture = "default"
	}
	return playback + "|" + capture
}

// DuplexProvider opens duplex channels.
type DuplexProvider interface {
	// OpenDuplex opens and starts a channel. ctx bounds the open only.
	OpenDuplex(ctx context.Context, cfg DeviceConfig) (Channel, error)
}

// Channel is an open duplex stream.
type Channel interface {
	// Write queues mono samples for playback, blocking while the queue is full.
	Write(samples []float32) error
	// Read blocks until frames captured mono samples are available.
	Read(frames int) ([]float32, error)
	// Close stops the stream and releases the device.
	Close() error
}
