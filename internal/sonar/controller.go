// Package sonar runs ranging measurements continuously on one long-lived
// stream session.
//
// Control calls (Start, Stop, Reconfigure) run on the caller's goroutine.
// Measurements run on a dedicated loop goroutine, and a supervisor goroutine
// releases the stream once the loop has finished its last transaction.
package sonar

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/echopi/echopi-go/internal/audiocore"
	"github.com/echopi/echopi-go/internal/clock"
	"github.com/echopi/echopi-go/internal/errors"
	"github.com/echopi/echopi-go/internal/logger"
	"github.com/echopi/echopi-go/internal/ranging"
	"github.com/echopi/echopi-go/internal/stream"
)

const componentSonar = "sonar"

var (
	// ErrControllerNotIdle is returned by Start unless the controller is idle.
	ErrControllerNotIdle = errors.NewStd("controller is not idle")
	// ErrControllerNotRunning is returned by Stop unless the controller is running.
	ErrControllerNotRunning = errors.NewStd("controller is not running")
	// ErrReconfigureNeedsRestart is returned when a running controller is asked
	// to change the sample rate its open stream is bound to.
	ErrReconfigureNeedsRestart = errors.NewStd("sample rate change requires restart")
)

// State is the controller state.
type State int32

const (
	StateIdle State = iota
	// StateStarting covers the stream open. Control calls other than reads
	// are rejected until it resolves to Running or back to Idle.
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Metrics receives controller state changes.
type Metrics interface {
	SetControllerState(state string)
}

// Status is a point-in-time view for display layers.
type Status struct {
	State           string                 `json:"state"`
	RunID           string                 `json:"run_id,omitempty"`
	StartedAt       time.Time              `json:"started_at,omitzero"`
	Config          ranging.Config         `json:"config"`
	DeviceConfig    audiocore.DeviceConfig `json:"device"`
	EffectiveRateHz float64                `json:"effective_rate_hz"`
	Samples         uint64                 `json:"samples"`
	Gaps            uint64                 `json:"gaps"`
	HistoryLen      int                    `json:"history_len"`
	Current         *Entry                 `json:"current,omitempty"`
	LastError       string                 `json:"last_error,omitempty"`
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock sets the tick and timestamp source.
func WithClock(c clock.Clock) Option { return func(ctl *Controller) { ctl.clock = c } }

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option { return func(ctl *Controller) { ctl.log = l } }

// WithRanger shares a ranger, and with it the waveform cache.
func WithRanger(r *ranging.Ranger) Option { return func(ctl *Controller) { ctl.ranger = r } }

// WithStreamOptions passes options to every stream session the controller opens.
func WithStreamOptions(opts ...stream.Option) Option {
	return func(ctl *Controller) { ctl.streamOpts = append(ctl.streamOpts, opts...) }
}

// WithStateObserver registers fn to be called on every state transition.
// fn runs with the controller locked and must not call back into it.
func WithStateObserver(fn func(from, to State)) Option {
	return func(ctl *Controller) { ctl.observers = append(ctl.observers, fn) }
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(m Metrics) Option { return func(ctl *Controller) { ctl.metrics = m } }

// Controller drives measurements at the configured rate.
type Controller struct {
	provider   audiocore.DuplexProvider
	devCfg     audiocore.DeviceConfig
	ranger     *ranging.Ranger
	clock      clock.Clock
	log        logger.Logger
	streamOpts []stream.Option
	observers  []func(from, to State)
	metrics    Metrics
	history    *History

	mu        sync.Mutex
	state     State
	cfg       ranging.Config
	pending   *ranging.Config
	session   *stream.Session
	stopCh    chan struct{}
	runDone   chan struct{}
	runID     string
	startedAt time.Time
	lastErr   error
	samples   uint64
	gaps      uint64

	subMu  sync.Mutex
	subs   map[int]chan Entry
	nextID int
}

// New creates an idle controller. cfg is validated here and on every Reconfigure.
func New(provider audiocore.DuplexProvider, devCfg audiocore.DeviceConfig, cfg ranging.Config, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Controller{
		provider: provider,
		devCfg:   devCfg,
		cfg:      cfg,
		history:  NewHistory(cfg.HistorySize),
		subs:     make(map[int]chan Entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logger.Global().Module(componentSonar)
	}
	if c.clock == nil {
		c.clock = clock.Real()
	}
	if c.ranger == nil {
		c.ranger = ranging.New(ranging.WithLogger(c.log.Module("ranging")), ranging.WithClock(c.clock))
	}
	c.devCfg.SampleRate = cfg.SampleRate
	return c, nil
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Config returns the configuration measurements currently use, including a
// pending reconfiguration.
func (c *Controller) Config() ranging.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != nil {
		return *c.pending
	}
	return c.cfg
}

// History returns the read-only history accessor.
func (c *Controller) History() *History { return c.history }

// LastError returns the error that ended the previous run, if any.
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Done is closed when the current run has fully stopped and its stream is
// released. It returns a closed channel when idle.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runDone == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return c.runDone
}

// Status returns a snapshot for display layers.
func (c *Controller) Status() Status {
	c.mu.Lock()
	cfg := c.cfg
	if c.pending != nil {
		cfg = *c.pending
	}
	st := Status{
		State:           c.state.String(),
		RunID:           c.runID,
		StartedAt:       c.startedAt,
		Config:          cfg,
		EffectiveRateHz: cfg.EffectiveUpdateRate(),
		Samples:         c.samples,
		Gaps:            c.gaps,
		DeviceConfig:    c.devCfg,
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	c.mu.Unlock()

	st.HistoryLen = c.history.Len()
	if e, ok := c.history.Latest(); ok {
		st.Current = &e
	}
	return st
}

func (c *Controller) setStateLocked(to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	c.log.Info("controller state changed",
		logger.String("from", from.String()),
		logger.String("to", to.String()),
		logger.String("run_id", c.runID))
	if c.metrics != nil {
		c.metrics.SetControllerState(to.String())
	}
	for _, fn := range c.observers {
		fn(from, to)
	}
}

// Start opens the stream and begins measuring. ctx bounds the open only.
// The controller lock is not held while the device opens.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		st := c.state
		c.mu.Unlock()
		return errors.New(ErrControllerNotIdle).
			Component(componentSonar).
			Category(errors.CategoryController).
			Context("state", st.String()).
			Build()
	}
	if c.pending != nil {
		c.cfg, c.pending = *c.pending, nil
	}
	c.devCfg.SampleRate = c.cfg.SampleRate
	devCfg := c.devCfg
	c.setStateLocked(StateStarting)
	c.mu.Unlock()

	session := stream.New(c.provider, devCfg, c.streamOpts...)
	openErr := session.Open(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if openErr != nil {
		c.setStateLocked(StateIdle)
		return openErr
	}

	c.session = session
	c.runID = uuid.NewString()
	c.startedAt = c.clock.Now()
	c.lastErr = nil
	c.stopCh = make(chan struct{})
	c.runDone = make(chan struct{})
	c.setStateLocked(StateRunning)

	cfg, stopCh, runDone := c.cfg, c.stopCh, c.runDone
	loopDone := make(chan error, 1)
	go func() { loopDone <- c.loop(session, cfg, stopCh) }()
	go c.supervise(session, loopDone, runDone)
	return nil
}

// Stop lets the in-flight measurement finish, closes the stream and returns
// to idle. It blocks until the stream is released.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.state != StateRunning {
		st := c.state
		c.mu.Unlock()
		return errors.New(ErrControllerNotRunning).
			Component(componentSonar).
			Category(errors.CategoryController).
			Context("state", st.String()).
			Build()
	}
	c.setStateLocked(StateStopping)
	close(c.stopCh)
	done := c.runDone
	c.mu.Unlock()

	<-done
	return nil
}

// Reconfigure replaces the configuration. While running it takes effect on
// the next tick; a sample rate change is rejected because the open stream is
// bound to it.
func (c *Controller) Reconfigure(cfg ranging.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateIdle {
		c.cfg, c.pending = cfg, nil
		c.history.Resize(cfg.HistorySize)
		return nil
	}
	if cfg.SampleRate != c.devCfg.SampleRate {
		return errors.New(ErrReconfigureNeedsRestart).
			Component(componentSonar).
			Category(errors.CategoryController).
			Context("running_sample_rate", c.devCfg.SampleRate).
			Context("requested_sample_rate", cfg.SampleRate).
			Build()
	}
	c.pending = &cfg
	return nil
}

// takePending returns a reconfiguration queued since the last tick.
func (c *Controller) takePending() (ranging.Config, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return ranging.Config{}, false
	}
	c.cfg, c.pending = *c.pending, nil
	return c.cfg, true
}

func tickPeriod(cfg ranging.Config) time.Duration {
	return time.Duration(math.Round(float64(time.Second) / cfg.EffectiveUpdateRate()))
}

// loop measures on every tick until stopCh closes or the device fails.
func (c *Controller) loop(session *stream.Session, cfg ranging.Config, stopCh <-chan struct{}) error {
	log := c.log.With(logger.String("session_id", session.ID()))
	if rate := cfg.EffectiveUpdateRate(); rate < cfg.UpdateRateHz {
		log.Warn("update rate clamped to fit pulse and echo window",
			logger.Float64("requested_hz", cfg.UpdateRateHz),
			logger.Float64("effective_hz", rate))
	}

	period := tickPeriod(cfg)
	ticker := c.clock.NewTicker(period)
	defer ticker.Stop()
	smooth := newSmoother(cfg.SmoothingWindowSize)

	for {
		select {
		case <-stopCh:
			return nil
		case <-ticker.C():
		}
		// a stop that raced the tick wins
		select {
		case <-stopCh:
			return nil
		default:
		}

		if next, ok := c.takePending(); ok {
			c.applyConfig(cfg, next)
			if p := tickPeriod(next); p != period {
				period = p
				ticker.Reset(period)
			}
			if next.SmoothingWindowSize != cfg.SmoothingWindowSize || next.TxSpec() != cfg.TxSpec() || next.Medium != cfg.Medium {
				smooth = newSmoother(next.SmoothingWindowSize)
			}
			cfg = next
		}

		sample, err := c.ranger.MeasureOnce(context.Background(), cfg, session)
		switch {
		case err == nil:
			c.record(Entry{
				Timestamp:              sample.Timestamp,
				Sample:                 &sample,
				SmoothedDistanceMeters: smooth.add(sample.DistanceMeters),
			})
		case ranging.IsGap(err):
			c.record(Entry{
				Timestamp: c.clock.Now(),
				Gap:       ranging.Outcome(err),
				Reason:    err.Error(),
			})
		default:
			log.Error("measurement loop ending on error", logger.Error(err))
			return err
		}
	}
}

// applyConfig drops cached waveforms the new configuration no longer uses
// and resizes the history.
func (c *Controller) applyConfig(prev, next ranging.Config) {
	gen := c.ranger.Generator()
	if prev.TxSpec() != next.TxSpec() {
		gen.Invalidate(prev.TxSpec())
	}
	if prev.ReferenceSpec() != next.ReferenceSpec() {
		gen.Invalidate(prev.ReferenceSpec())
	}
	c.history.Resize(next.HistorySize)
	c.log.Info("configuration applied",
		logger.Float64("update_rate_hz", next.EffectiveUpdateRate()),
		logger.String("medium", string(next.Medium)),
		logger.Float64("max_distance_m", next.MaxDistanceMeters))
}

func (c *Controller) record(e Entry) {
	e = c.history.Append(e)

	c.mu.Lock()
	if e.IsGap() {
		c.gaps++
	} else {
		c.samples++
	}
	c.mu.Unlock()

	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// supervise waits for the loop, then releases the stream exactly once.
func (c *Controller) supervise(session *stream.Session, loopDone <-chan error, runDone chan<- struct{}) {
	loopErr := <-loopDone

	c.mu.Lock()
	if c.state == StateRunning {
		// the loop ended on its own after a device fault
		c.setStateLocked(StateStopping)
	}
	c.mu.Unlock()

	runErr := errors.Join(loopErr, session.Close())

	c.mu.Lock()
	c.lastErr = runErr
	c.session = nil
	c.setStateLocked(StateIdle)
	c.mu.Unlock()

	if runErr != nil {
		c.log.Error("run ended with error", logger.Error(runErr))
	}
	close(runDone)
}

// Subscribe returns a channel receiving every new entry. Entries are dropped
// for a subscriber whose buffer is full. Call cancel to unsubscribe.
func (c *Controller) Subscribe(buffer int) (entries <-chan Entry, cancel func()) {
	ch := make(chan Entry, max(buffer, 1))
	c.subMu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = ch
	c.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subs, id)
			c.subMu.Unlock()
			close(ch)
		})
	}
}
