// Package simulated provides a deterministic acoustic duplex channel.
//
// Every captured frame is the sum of delayed, scaled copies of the frames
// written so far plus optional seeded Gaussian noise, so a scene with known
// reflectors yields a recording with known echo positions.
package simulated

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/echopi/echopi-go/internal/audiocore"
	"github.com/echopi/echopi-go/internal/errors"
)

// ErrInjectedFault is returned by Read once FailAfterReads is reached.
var ErrInjectedFault = errors.NewStd("simulated device fault")

// Echo is one reflector: a copy of the output arriving DelaySeconds after
// emission (on top of the system latency) scaled by Gain.
type Echo struct {
	DelaySeconds float64
	Gain         float64
}

// Config describes the simulated scene and device behaviour.
type Config struct {
	Echoes         []Echo
	LatencySeconds float64
	NoiseLevel     float64 // standard deviation of additive noise
	Seed           uint64

	// Pace makes Read sleep for the physical duration of the frames it returns.
	Pace bool
	// ReadDelay is added to every Read.
	ReadDelay time.Duration
	// FailAfterReads makes every Read after the first N fail. Zero disables.
	FailAfterReads int
	// OpenErr is returned by OpenDuplex when set.
	OpenErr error

	// OnWrite and OnRead observe channel traffic. They run on the caller's goroutine.
	OnWrite func(samples int)
	OnRead  func(frames int)
}

// Provider opens simulated channels and counts their lifecycle.
type Provider struct {
	cfg Config

	opens  atomic.Int64
	closes atomic.Int64
	active atomic.Int64
	peak   atomic.Int64
}

// NewProvider returns a provider for the given scene.
func NewProvider(cfg Config) *Provider {
	return &Provider{cfg: cfg}
}

// Opens reports how many channels were opened.
func (p *Provider) Opens() int { return int(p.opens.Load()) }

// Closes reports how many channels were released.
func (p *Provider) Closes() int { return int(p.closes.Load()) }

// Active reports the number of channels currently open.
func (p *Provider) Active() int { return int(p.active.Load()) }

// MaxActive reports the highest number of simultaneously open channels seen.
func (p *Provider) MaxActive() int { return int(p.peak.Load()) }

// OpenDuplex implements audiocore.DuplexProvider.
func (p *Provider) OpenDuplex(ctx context.Context, cfg audiocore.DeviceConfig) (audiocore.Channel, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.cfg.OpenErr != nil {
		return nil, p.cfg.OpenErr
	}

	taps := make([]tap, 0, len(p.cfg.Echoes))
	maxDelay := 0
	for _, e := range p.cfg.Echoes {
		d := int(math.Round((p.cfg.LatencySeconds + e.DelaySeconds) * float64(cfg.SampleRate)))
		if d < 0 {
			continue
		}
		taps = append(taps, tap{delay: d, gain: e.Gain})
		maxDelay = max(maxDelay, d)
	}

	p.opens.Add(1)
	n := p.active.Add(1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	return &channel{
		p:          p,
		sampleRate: cfg.SampleRate,
		taps:       taps,
		maxDelay:   maxDelay,
		rng:        rand.New(rand.NewPCG(p.cfg.Seed, p.cfg.Seed^0x9e3779b97f4a7c15)),
	}, nil
}

type tap struct {
	delay int
	gain  float64
}

type channel struct {
	p          *Provider
	sampleRate int
	taps       []tap
	maxDelay   int

	mu      sync.Mutex
	played  []float32 // output history starting at absolute frame base
	base    int
	written int
	readPos int
	reads   int
	rng     *rand.Rand
	closed  bool
}

func (c *channel) Write(samples []float32) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return audiocore.ErrChannelClosed
	}
	c.played = append(c.played, samples...)
	c.written += len(samples)
	c.mu.Unlock()

	if c.p.cfg.OnWrite != nil {
		c.p.cfg.OnWrite(len(samples))
	}
	return nil
}

func (c *channel) Read(frames int) ([]float32, error) {
	if c.p.cfg.OnRead != nil {
		c.p.cfg.OnRead(frames)
	}
	if d := c.pacing(frames); d > 0 {
		time.Sleep(d)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, audiocore.ErrChannelClosed
	}
	c.reads++
	if n := c.p.cfg.FailAfterReads; n > 0 && c.reads > n {
		return nil, ErrInjectedFault
	}
	// capture only runs while output is playing
	if c.readPos+frames > c.written {
		return nil, audiocore.ErrDeviceTimeout
	}

	out := make([]float32, frames)
	for i := range out {
		pos := c.readPos + i
		var v float64
		for _, t := range c.taps {
			src := pos - t.delay
			if src >= c.base && src < c.written {
				v += t.gain * float64(c.played[src-c.base])
			}
		}
		if c.p.cfg.NoiseLevel > 0 {
			v += c.rng.NormFloat64() * c.p.cfg.NoiseLevel
		}
		out[i] = float32(v)
	}
	c.readPos += frames
	c.compact()
	return out, nil
}

// compact drops output history no tap can reach any more.
func (c *channel) compact() {
	keepFrom := c.readPos - c.maxDelay
	if drop := keepFrom - c.base; drop > 4096 {
		c.played = append(c.played[:0], c.played[drop:]...)
		c.base = keepFrom
	}
}

func (c *channel) pacing(frames int) time.Duration {
	d := c.p.cfg.ReadDelay
	if c.p.cfg.Pace {
		d += time.Duration(frames) * time.Second / time.Duration(c.sampleRate)
	}
	return d
}

func (c *channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.played = nil
	c.p.closes.Add(1)
	c.p.active.Add(-1)
	return nil
}
