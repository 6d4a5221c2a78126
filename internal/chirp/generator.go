package chirp

import (
	"sync"

	"github.com/patrickmn/go-cache"

	"github.com/echopi/echopi-go/internal/logger"
)

// Waveform is an immutable generated chirp shared by every measurement using
// the same Spec. Callers must not modify the returned slices.
type Waveform struct {
	spec    Spec
	samples []float64

	f32Once sync.Once
	f32     []float32
}

// Spec returns the parameters the waveform was generated from.
func (w *Waveform) Spec() Spec { return w.spec }

// Samples returns the waveform samples.
func (w *Waveform) Samples() []float64 { return w.samples }

// Len returns the number of samples.
func (w *Waveform) Len() int { return len(w.samples) }

// Float32 returns the samples converted once to the device sample format.
func (w *Waveform) Float32() []float32 {
	w.f32Once.Do(func() {
		w.f32 = make([]float32, len(w.samples))
		for i, v := range w.samples {
			w.f32[i] = float32(v)
		}
	})
	return w.f32
}

// Generator hands out cached waveforms keyed by the full Spec.
type Generator struct {
	cache *cache.Cache
	log   logger.Logger
	// guards generate-and-insert so concurrent first calls share one instance
	mu sync.Mutex
}

// NewGenerator creates a generator with an unbounded, non-expiring cache.
// A zero cleanup interval keeps go-cache from starting its janitor goroutine.
func NewGenerator(log logger.Logger) *Generator {
	if log == nil {
		log = logger.Global().Module("chirp")
	}
	return &Generator{
		cache: cache.New(cache.NoExpiration, 0),
		log:   log,
	}
}

// Waveform returns the waveform for spec, generating it on first use.
// Repeated calls with an equal spec return the same instance.
func (g *Generator) Waveform(spec Spec) (*Waveform, error) {
	key := spec.Key()
	if w, ok := g.cache.Get(key); ok {
		return w.(*Waveform), nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if w, ok := g.cache.Get(key); ok {
		return w.(*Waveform), nil
	}

	samples, err := Generate(spec)
	if err != nil {
		return nil, err
	}
	w := &Waveform{spec: spec, samples: samples}
	g.cache.Set(key, w, cache.NoExpiration)
	g.log.Debug("generated chirp waveform",
		logger.Int("samples", len(samples)),
		logger.Float64("start_hz", spec.StartFreqHz),
		logger.Float64("end_hz", spec.EndFreqHz),
		logger.Float64("duration_s", spec.DurationSeconds))
	return w, nil
}

// Invalidate drops the cached waveform for spec.
func (g *Generator) Invalidate(spec Spec) {
	g.cache.Delete(spec.Key())
}

// Flush drops every cached waveform.
func (g *Generator) Flush() {
	g.cache.Flush()
}

// Len returns the number of cached waveforms.
func (g *Generator) Len() int {
	return g.cache.ItemCount()
}
