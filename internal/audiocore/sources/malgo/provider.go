// Package malgo drives a full-duplex soundcard stream through miniaudio.
package malgo

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/smallnest/ringbuffer"

	"github.com/echopi/echopi-go/internal/audiocore"
	"github.com/echopi/echopi-go/internal/errors"
	"github.com/echopi/echopi-go/internal/logger"
)

const (
	// ringBlocks is the playback and capture queue depth in device buffers
	ringBlocks = 8
	// ioGrace is added to the physical duration of a Read or Write before
	// the device is declared dead.
	ioGrace = time.Second
)

// Provider opens miniaudio duplex channels.
type Provider struct {
	log logger.Logger
}

// NewProvider creates a miniaudio duplex provider.
func NewProvider(log logger.Logger) *Provider {
	if log == nil {
		log = logger.Global().Module("audiocore").Module("malgo")
	}
	return &Provider{log: log}
}

// OpenDuplex initialises and starts a duplex device for the configured pair.
func (p *Provider) OpenDuplex(ctx context.Context, cfg audiocore.DeviceConfig) (audiocore.Channel, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mctx, err := initContext()
	if err != nil {
		return nil, err
	}

	ch := &duplexChannel{
		cfg:       cfg,
		log:       p.log.With(logger.String("device_pair", cfg.DevicePair())),
		mctx:      mctx,
		pbFrame:   cfg.PlaybackChannels * audiocore.BytesPerFloat32,
		capFrame:  cfg.CaptureChannels * audiocore.BytesPerFloat32,
		notify:    make(chan struct{}, 1),
		playback:  ringbuffer.New(ringBlocks * cfg.FramesPerBuffer * cfg.PlaybackChannels * audiocore.BytesPerFloat32),
		capture:   ringbuffer.New(ringBlocks * cfg.FramesPerBuffer * cfg.CaptureChannels * audiocore.BytesPerFloat32),
		frameTime: time.Second / time.Duration(cfg.SampleRate),
	}

	devCfg := malgo.DefaultDeviceConfig(malgo.Duplex)
	devCfg.SampleRate = uint32(cfg.SampleRate)
	devCfg.PeriodSizeInFrames = uint32(cfg.FramesPerBuffer)
	devCfg.Playback.Format = malgo.FormatF32
	devCfg.Playback.Channels = uint32(cfg.PlaybackChannels)
	devCfg.Capture.Format = malgo.FormatF32
	devCfg.Capture.Channels = uint32(cfg.CaptureChannels)
	devCfg.Alsa.NoMMap = 1

	if err := ch.resolveDevices(&devCfg); err != nil {
		freeContext(mctx)
		return nil, err
	}

	device, err := malgo.InitDevice(mctx.Context, devCfg, malgo.DeviceCallbacks{
		Data: ch.onData,
		Stop: ch.onStop,
	})
	if err != nil {
		freeContext(mctx)
		return nil, deviceError(err, "init_device", cfg)
	}
	ch.device = device

	if err := device.Start(); err != nil {
		device.Uninit()
		freeContext(mctx)
		return nil, deviceError(err, "start_device", cfg)
	}
	ch.running.Store(true)

	ch.log.Debug("duplex device started",
		logger.Int("sample_rate", cfg.SampleRate),
		logger.Int("frames_per_buffer", cfg.FramesPerBuffer))
	return ch, nil
}

func deviceError(err error, op string, cfg audiocore.DeviceConfig) error {
	return errors.New(err).
		Component(audiocore.ComponentAudioCore).
		Category(errors.CategoryAudioDevice).
		Context("operation", op).
		Context("device_pair", cfg.DevicePair()).
		Build()
}

// duplexChannel pairs each written frame with the frame captured in the same
// device period. Input is only recorded while written output is playing, so
// the capture stream stays aligned with the playback stream.
type duplexChannel struct {
	cfg  audiocore.DeviceConfig
	log  logger.Logger
	mctx *malgo.AllocatedContext

	device   *malgo.Device
	playback *ringbuffer.RingBuffer
	capture  *ringbuffer.RingBuffer

	pbFrame   int
	capFrame  int
	frameTime time.Duration

	notify  chan struct{}
	running atomic.Bool
	failure atomic.Pointer[error]

	closeOnce sync.Once
	closeErr  error
}

func (c *duplexChannel) resolveDevices(devCfg *malgo.DeviceConfig) error {
	playbacks, err := c.mctx.Devices(malgo.Playback)
	if err != nil {
		return deviceError(err, "enumerate_playback", c.cfg)
	}
	pb, err := selectDevice(playbacks, c.cfg.PlaybackDevice)
	if err != nil {
		return err
	}
	captures, err := c.mctx.Devices(malgo.Capture)
	if err != nil {
		return deviceError(err, "enumerate_capture", c.cfg)
	}
	cp, err := selectDevice(captures, c.cfg.CaptureDevice)
	if err != nil {
		return err
	}
	devCfg.Playback.DeviceID = pb.ID.Pointer()
	devCfg.Capture.DeviceID = cp.ID.Pointer()
	return nil
}

// onData runs on the driver's audio thread and must not block.
func (c *duplexChannel) onData(pOutput, pInput []byte, frameCount uint32) {
	frames := min(int(frameCount), c.playback.Length()/c.pbFrame)
	n := 0
	if frames > 0 {
		n, _ = c.playback.Read(pOutput[:frames*c.pbFrame])
	}
	clear(pOutput[n:])

	if frames > 0 && len(pInput) >= frames*c.capFrame {
		if c.capture.Free() < frames*c.capFrame {
			c.fail(audiocore.ErrOverrun)
		} else {
			_, _ = c.capture.Write(pInput[:frames*c.capFrame])
		}
	}

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *duplexChannel) onStop() {
	if c.running.Load() {
		c.fail(audiocore.ErrDeviceStopped)
	}
}

func (c *duplexChannel) fail(err error) {
	c.failure.CompareAndSwap(nil, &err)
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *duplexChannel) failed() error {
	if p := c.failure.Load(); p != nil {
		return deviceError(*p, "stream_io", c.cfg)
	}
	if !c.running.Load() {
		return audiocore.ErrChannelClosed
	}
	return nil
}

// wait blocks until ready reports true, the device fails, or the deadline passes.
func (c *duplexChannel) wait(ready func() bool, budget time.Duration, op string) error {
	timer := time.NewTimer(budget)
	defer timer.Stop()
	for {
		if err := c.failed(); err != nil {
			return err
		}
		if ready() {
			return nil
		}
		select {
		case <-c.notify:
		case <-timer.C:
			return errors.New(audiocore.ErrDeviceTimeout).
				Component(audiocore.ComponentAudioCore).
				Category(errors.CategoryAudioDevice).
				Context("operation", op).
				Context("device_pair", c.cfg.DevicePair()).
				Context("budget_ms", budget.Milliseconds()).
				Build()
		}
	}
}

// Write queues samples in chunks of at most one ring's worth.
func (c *duplexChannel) Write(samples []float32) error {
	maxFrames := c.playback.Capacity() / c.pbFrame
	buf := make([]byte, min(len(samples), maxFrames)*c.pbFrame)
	for len(samples) > 0 {
		chunk := samples[:min(len(samples), maxFrames)]
		need := len(chunk) * c.pbFrame
		budget := time.Duration(len(samples))*c.frameTime + ioGrace
		if err := c.wait(func() bool { return c.playback.Free() >= need }, budget, "write"); err != nil {
			return err
		}
		audiocore.EncodeFloat32(buf[:need], chunk, c.cfg.PlaybackChannels)
		if _, err := c.playback.Write(buf[:need]); err != nil {
			return deviceError(err, "queue_playback", c.cfg)
		}
		samples = samples[len(chunk):]
	}
	return nil
}

// Read returns the first capture channel of the next frames captured frames.
func (c *duplexChannel) Read(frames int) ([]float32, error) {
	out := make([]float32, frames)
	maxFrames := c.capture.Capacity() / c.capFrame
	raw := make([]byte, min(frames, maxFrames)*c.capFrame)
	for got := 0; got < frames; {
		chunk := min(frames-got, maxFrames)
		need := chunk * c.capFrame
		budget := time.Duration(chunk)*c.frameTime + ioGrace
		if err := c.wait(func() bool { return c.capture.Length() >= need }, budget, "read"); err != nil {
			return nil, err
		}
		n, err := c.capture.Read(raw[:need])
		if err != nil {
			return nil, deviceError(err, "read_capture", c.cfg)
		}
		got += audiocore.DecodeFloat32(out[got:], raw[:n], c.cfg.CaptureChannels, 0)
	}
	return out, nil
}

// Close stops and releases the device. Subsequent calls return the first result.
func (c *duplexChannel) Close() error {
	c.closeOnce.Do(func() {
		c.running.Store(false)
		if err := c.device.Stop(); err != nil {
			c.closeErr = deviceError(err, "stop_device", c.cfg)
		}
		c.device.Uninit()
		freeContext(c.mctx)
		c.log.Debug("duplex device released")
	})
	return c.closeErr
}
