// Package stream owns the lifetime of a single duplex audio channel.
//
// A Session is opened once, reused for any number of transactions and closed
// exactly once. Opening a second session on a device pair that is already
// held fails immediately.
package stream

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/echopi/echopi-go/internal/audiocore"
	"github.com/echopi/echopi-go/internal/errors"
	"github.com/echopi/echopi-go/internal/logger"
)

const componentStream = "stream"

var (
	// ErrSessionAlreadyOpen is returned by Open on an open session or a held device pair.
	ErrSessionAlreadyOpen = errors.NewStd("stream session already open")
	// ErrSessionNotOpen is returned by Transact outside the Open state.
	ErrSessionNotOpen = errors.NewStd("stream session not open")
	// ErrDeviceIO wraps every failure reported by the device provider.
	ErrDeviceIO = errors.NewStd("device I/O error")
)

// State is the session lifecycle state.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Session wraps one duplex channel on one device pair.
type Session struct {
	id       string
	provider audiocore.DuplexProvider
	cfg      audiocore.DeviceConfig

	settle       time.Duration
	cooldown     time.Duration
	firstPriming int
	priming      int
	registry     *Registry
	log          logger.Logger
	metrics      Metrics
	hook         func(from, to State)

	lifeMu sync.Mutex // serialises Open and Close
	txMu   sync.Mutex // serialises Transact and lets Close wait for it

	state   atomic.Int32
	faulted atomic.Bool
	ch      audiocore.Channel

	// guarded by txMu
	transactions int
	lastEnd      time.Time
}

// New creates a closed session for cfg on provider.
func New(provider audiocore.DuplexProvider, cfg audiocore.DeviceConfig, opts ...Option) *Session {
	s := &Session{
		id:           uuid.NewString(),
		provider:     provider,
		cfg:          cfg.WithDefaults(),
		settle:       DefaultSettleDelay,
		cooldown:     DefaultCooldown,
		firstPriming: DefaultFirstPrimingBlocks,
		priming:      DefaultPrimingBlocks,
		registry:     defaultRegistry,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.Global().Module(componentStream)
	}
	s.log = s.log.With(
		logger.String("session_id", s.id),
		logger.String("device_pair", s.cfg.DevicePair()))
	return s
}

// ID returns the session identifier used in logs.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// DeviceConfig returns the normalised device configuration.
func (s *Session) DeviceConfig() audiocore.DeviceConfig { return s.cfg }

// Faulted reports whether a device error occurred since the last Open.
func (s *Session) Faulted() bool { return s.faulted.Load() }

func (s *Session) setState(to State) {
	from := State(s.state.Swap(int32(to)))
	if from == to {
		return
	}
	s.log.Debug("stream state changed",
		logger.String("from", from.String()),
		logger.String("to", to.String()))
	if s.metrics != nil {
		s.metrics.RecordStreamTransition(from.String(), to.String())
	}
	if s.hook != nil {
		s.hook(from, to)
	}
}

// Open acquires the device pair and starts the duplex channel. ctx bounds
// the open only.
func (s *Session) Open(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if st := s.State(); st != StateClosed {
		return errors.New(ErrSessionAlreadyOpen).
			Component(componentStream).
			Category(errors.CategoryStreamSession).
			Context("session_id", s.id).
			Context("state", st.String()).
			Build()
	}
	if err := s.cfg.Validate(); err != nil {
		return err
	}

	pair := s.cfg.DevicePair()
	if err := s.registry.acquire(pair, s.id); err != nil {
		return err
	}

	start := time.Now()
	ch, err := s.provider.OpenDuplex(ctx, s.cfg)
	if err != nil {
		s.registry.release(pair, s.id)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return s.deviceError(err, "open").Timing("open", time.Since(start)).Build()
	}

	s.ch = ch
	s.faulted.Store(false)
	s.transactions = 0
	s.lastEnd = time.Time{}

	time.Sleep(s.settle)
	s.setState(StateOpen)
	s.log.Info("stream session opened",
		logger.Int("sample_rate", s.cfg.SampleRate),
		logger.Int("frames_per_buffer", s.cfg.FramesPerBuffer),
		logger.Duration("open_duration", time.Since(start)))
	return nil
}

// Close waits for any in-flight transaction, then releases the channel between
// two settle delays. Closing a closed session is a no-op.
func (s *Session) Close() error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if s.State() == StateClosed {
		return nil
	}
	s.setState(StateClosing)

	s.txMu.Lock()
	defer s.txMu.Unlock()

	time.Sleep(s.settle)
	err := s.ch.Close()
	s.ch = nil
	time.Sleep(s.settle)

	s.registry.release(s.cfg.DevicePair(), s.id)
	s.setState(StateClosed)

	if err != nil {
		s.log.Warn("stream channel close failed", logger.Error(err))
		return s.deviceError(err, "close").Build()
	}
	s.log.Info("stream session closed", logger.Int("transactions", s.transactions))
	return nil
}

// Transact plays signal and returns the capture aligned with it, extended by
// extraRecordSeconds of tail. Calls are serialised; ctx is only checked before
// the physical I/O begins because a duplex transfer cannot be aborted safely.
func (s *Session) Transact(ctx context.Context, signal []float32, extraRecordSeconds float64) ([]float32, error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if st := s.State(); st != StateOpen {
		return nil, errors.New(ErrSessionNotOpen).
			Component(componentStream).
			Category(errors.CategoryStreamSession).
			Context("session_id", s.id).
			Context("state", st.String()).
			Build()
	}
	if s.faulted.Load() {
		return nil, errors.New(ErrDeviceIO).
			Component(componentStream).
			Category(errors.CategoryAudioDevice).
			Context("session_id", s.id).
			Context("reason", "session faulted").
			Build()
	}
	total := float64(len(signal))/float64(s.cfg.SampleRate) + extraRecordSeconds
	if !(extraRecordSeconds >= 0) || !(total <= MaxTransactionSeconds) {
		return nil, errors.Newf("transaction of %.3fs (%.3fs tail) must be within [0, %.0f]s",
			total, extraRecordSeconds, MaxTransactionSeconds).
			Component(componentStream).
			Category(errors.CategoryValidation).
			Build()
	}

	if wait := s.cooldown - time.Since(s.lastEnd); !s.lastEnd.IsZero() && wait > 0 {
		time.Sleep(wait)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	primingBlocks := s.priming
	if s.transactions == 0 {
		primingBlocks = s.firstPriming
	}

	start := time.Now()
	rec, err := s.run(signal, extraRecordSeconds, primingBlocks)
	s.lastEnd = time.Now()
	s.transactions++
	if s.metrics != nil {
		s.metrics.ObserveTransaction(s.lastEnd.Sub(start), err)
	}
	if err != nil {
		s.faulted.Store(true)
		s.log.Error("stream transaction failed, session faulted",
			logger.Error(err),
			logger.Int("transaction", s.transactions))
		return nil, s.deviceError(err, "transact").Timing("transact", s.lastEnd.Sub(start)).Build()
	}

	s.log.Trace("stream transaction complete",
		logger.Int("frames", len(rec)),
		logger.Duration("duration", s.lastEnd.Sub(start)))
	return rec, nil
}

// run streams priming silence, the signal and the tail block by block,
// keeping playback writeAhead blocks ahead of capture.
func (s *Session) run(signal []float32, extraRecordSeconds float64, primingBlocks int) ([]float32, error) {
	block := s.cfg.FramesPerBuffer
	lead := primingBlocks * block
	wanted := len(signal) + int(math.Round(extraRecordSeconds*float64(s.cfg.SampleRate)))
	blocks := (lead + wanted + block - 1) / block

	play := make([]float32, blocks*block)
	copy(play[lead:], signal)
	captured := make([]float32, 0, len(play))

	for i := range min(writeAhead, blocks) {
		if err := s.ch.Write(play[i*block : (i+1)*block]); err != nil {
			return nil, err
		}
	}
	for i := range blocks {
		in, err := s.ch.Read(block)
		if err != nil {
			return nil, err
		}
		captured = append(captured, in...)
		if next := i + writeAhead; next < blocks {
			if err := s.ch.Write(play[next*block : (next+1)*block]); err != nil {
				return nil, err
			}
		}
	}
	return captured[lead : lead+wanted], nil
}

// deviceError starts a critical error for a provider failure; callers add
// timing and build it.
func (s *Session) deviceError(err error, op string) *errors.ErrorBuilder {
	return errors.New(errors.Join(ErrDeviceIO, err)).
		Component(componentStream).
		Category(errors.CategoryAudioDevice).
		Priority(errors.PriorityCritical).
		Context("session_id", s.id).
		Context("device_pair", s.cfg.DevicePair()).
		Context("operation", op)
}
