package sonar

import (
	"sync"
	"time"

	"github.com/echopi/echopi-go/internal/ranging"
)

// Entry is one scheduled measurement: a sample or a gap.
type Entry struct {
	Seq       uint64                  `json:"seq"`
	Timestamp time.Time               `json:"timestamp"`
	Sample    *ranging.DistanceSample `json:"sample,omitempty"`
	// SmoothedDistanceMeters is the moving average including this sample.
	SmoothedDistanceMeters float64 `json:"smoothed_distance_meters,omitempty"`
	// Gap holds the miss outcome when Sample is nil.
	Gap    string `json:"gap,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// IsGap reports whether the entry records a miss.
func (e Entry) IsGap() bool { return e.Sample == nil }

// History is a bounded, oldest-evicted sequence of entries.
type History struct {
	mu    sync.RWMutex
	buf   []Entry
	start int
	n     int
	seq   uint64
}

// NewHistory creates a history holding at most capacity entries.
func NewHistory(capacity int) *History {
	return &History{buf: make([]Entry, max(capacity, 1))}
}

// Append stores e, assigning the next sequence number, and returns it.
func (h *History) Append(e Entry) Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	e.Seq = h.seq
	if h.n < len(h.buf) {
		h.buf[(h.start+h.n)%len(h.buf)] = e
		h.n++
	} else {
		h.buf[h.start] = e
		h.start = (h.start + 1) % len(h.buf)
	}
	return e
}

// Snapshot returns the entries oldest first.
func (h *History) Snapshot() []Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.tail(h.n)
}

// Last returns up to limit newest entries, oldest first. limit <= 0 returns all.
func (h *History) Last(limit int) []Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if limit <= 0 || limit > h.n {
		limit = h.n
	}
	return h.tail(limit)
}

func (h *History) tail(k int) []Entry {
	out := make([]Entry, k)
	for i := range k {
		out[i] = h.buf[(h.start+h.n-k+i)%len(h.buf)]
	}
	return out
}

// Latest returns the newest non-gap entry.
func (h *History) Latest() (Entry, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for i := h.n - 1; i >= 0; i-- {
		e := h.buf[(h.start+i)%len(h.buf)]
		if !e.IsGap() {
			return e, true
		}
	}
	return Entry{}, false
}

// Len returns the number of stored entries.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.n
}

// Cap returns the capacity.
func (h *History) Cap() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.buf)
}

// Resize changes the capacity keeping the newest entries.
func (h *History) Resize(capacity int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	capacity = max(capacity, 1)
	if capacity == len(h.buf) {
		return
	}
	keep := h.tail(min(h.n, capacity))
	h.buf = make([]Entry, capacity)
	copy(h.buf, keep)
	h.start = 0
	h.n = len(keep)
}

// Clear drops every entry. Sequence numbers keep increasing.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	clear(h.buf)
	h.start, h.n = 0, 0
}

// smoother is a moving average over the last size raw distances.
// It is owned by the measurement goroutine.
type smoother struct {
	size   int
	window []float64
}

func newSmoother(size int) *smoother {
	size = max(size, 1)
	return &smoother{size: size, window: make([]float64, 0, size)}
}

func (s *smoother) add(v float64) float64 {
	if len(s.window) == s.size {
		copy(s.window, s.window[1:])
		s.window = s.window[:s.size-1]
	}
	s.window = append(s.window, v)
	var sum float64
	for _, x := range s.window {
		sum += x
	}
	return sum / float64(len(s.window))
}
