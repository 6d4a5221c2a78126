package stream

import (
	"time"

	"github.com/echopi/echopi-go/internal/logger"
)

const (
	// DefaultSettleDelay is the pause after open and around close that lets
	// the driver finish its own state transition.
	DefaultSettleDelay = 50 * time.Millisecond
	// DefaultCooldown is the minimum gap between two transactions.
	DefaultCooldown = 5 * time.Millisecond
	// DefaultFirstPrimingBlocks of silence lead the first transaction after open.
	DefaultFirstPrimingBlocks = 3
	// DefaultPrimingBlocks of silence lead every later transaction.
	DefaultPrimingBlocks = 1
	// MaxTransactionSeconds bounds the signal plus tail of one transaction.
	MaxTransactionSeconds = 60.0
	// writeAhead is how many blocks playback is kept ahead of capture.
	writeAhead = 2
)

// Metrics receives session lifecycle and transaction observations.
type Metrics interface {
	RecordStreamTransition(from, to string)
	ObserveTransaction(d time.Duration, err error)
}

// Option configures a Session.
type Option func(*Session)

// WithSettleDelay overrides DefaultSettleDelay.
func WithSettleDelay(d time.Duration) Option {
	return func(s *Session) { s.settle = d }
}

// WithCooldown overrides DefaultCooldown.
func WithCooldown(d time.Duration) Option {
	return func(s *Session) { s.cooldown = d }
}

// WithPriming sets the number of leading silent blocks for the first and
// subsequent transactions.
func WithPriming(first, later int) Option {
	return func(s *Session) {
		s.firstPriming = max(first, 0)
		s.priming = max(later, 0)
	}
}

// WithRegistry scopes device pair exclusivity to r instead of DefaultRegistry.
func WithRegistry(r *Registry) Option {
	return func(s *Session) { s.registry = r }
}

// WithLogger sets the session logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(m Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithStateHook registers fn to run on every state transition, for example
// to switch an amplifier with the stream.
func WithStateHook(fn func(from, to State)) Option {
	return func(s *Session) { s.hook = fn }
}
