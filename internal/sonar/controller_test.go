package sonar

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/echopi/echopi-go/internal/audiocore"
	"github.com/echopi/echopi-go/internal/audiocore/sources/simulated"
	"github.com/echopi/echopi-go/internal/clock"
	"github.com/echopi/echopi-go/internal/logger"
	"github.com/echopi/echopi-go/internal/ranging"
	"github.com/echopi/echopi-go/internal/stream"
)

const (
	testLatency = 0.00121
	waitTimeout = 5 * time.Second
)

var oneMeter = simulated.Echo{DelaySeconds: 2.0 / ranging.SpeedOfSoundAir, Gain: 0.5}

type harness struct {
	ctl      *Controller
	provider *simulated.Provider
	clock    *clock.Fake

	mu          sync.Mutex
	transitions []string
	closes      int
}

func newHarness(t *testing.T, scene simulated.Config) *harness {
	t.Helper()
	scene.LatencySeconds = testLatency

	cfg := ranging.DefaultConfig()
	cfg.SystemLatencySeconds = testLatency
	cfg.UpdateRateHz = 2

	h := &harness{
		provider: simulated.NewProvider(scene),
		clock:    clock.NewFake(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)),
	}
	ctl, err := New(h.provider, audiocore.DeviceConfig{}, cfg,
		WithClock(h.clock),
		WithLogger(logger.NewDiscardLogger()),
		WithStreamOptions(
			stream.WithSettleDelay(0),
			stream.WithCooldown(0),
			stream.WithRegistry(stream.NewRegistry()),
			stream.WithLogger(logger.NewDiscardLogger()),
			stream.WithStateHook(func(_, to stream.State) {
				if to == stream.StateClosed {
					h.mu.Lock()
					h.closes++
					h.mu.Unlock()
				}
			}),
		),
		WithStateObserver(func(from, to State) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.transitions = append(h.transitions, from.String()+">"+to.String())
		}),
	)
	require.NoError(t, err)
	h.ctl = ctl
	t.Cleanup(func() {
		if ctl.State() == StateRunning {
			_ = ctl.Stop()
		}
		<-ctl.Done()
	})
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.ctl.Start(context.Background()))
	select {
	case <-h.clock.TickerCreated():
	case <-time.After(waitTimeout):
		t.Fatal("measurement loop did not start")
	}
}

func (h *harness) tick() {
	h.clock.Advance(tickPeriod(h.ctl.Config()))
}

func (h *harness) snapshot() (transitions []string, closes int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.transitions...), h.closes
}

func next(t *testing.T, entries <-chan Entry) Entry {
	t.Helper()
	select {
	case e := <-entries:
		return e
	case <-time.After(waitTimeout):
		t.Fatal("no entry recorded")
		return Entry{}
	}
}

func TestStartThenImmediateStop(t *testing.T) {
	t.Parallel()

	h := newHarness(t, simulated.Config{Echoes: []simulated.Echo{oneMeter}})
	require.NoError(t, h.ctl.Start(context.Background()))
	require.NoError(t, h.ctl.Stop())

	transitions, closes := h.snapshot()
	assert.Equal(t, []string{"idle>starting", "starting>running", "running>stopping", "stopping>idle"}, transitions)
	assert.Equal(t, 1, closes)
	assert.Equal(t, StateIdle, h.ctl.State())
	assert.Zero(t, h.ctl.History().Len())
	assert.Equal(t, 1, h.provider.Opens())
	assert.Equal(t, 1, h.provider.Closes())
	assert.NoError(t, h.ctl.LastError())
}

func TestMeasuresOnEveryTick(t *testing.T) {
	t.Parallel()

	h := newHarness(t, simulated.Config{Echoes: []simulated.Echo{oneMeter}})
	entries, cancel := h.ctl.Subscribe(4)
	defer cancel()
	h.start(t)

	for i := range 3 {
		h.tick()
		e := next(t, entries)
		require.False(t, e.IsGap(), "entry %d: %s", i, e.Reason)
		assert.InDelta(t, 1.0, e.Sample.DistanceMeters, 0.0036)
		assert.InDelta(t, 1.0, e.SmoothedDistanceMeters, 0.0036)
		assert.Equal(t, uint64(i+1), e.Seq)
	}

	require.NoError(t, h.ctl.Stop())
	snap := h.ctl.History().Snapshot()
	require.Len(t, snap, 3)
	for i := 1; i < len(snap); i++ {
		assert.False(t, snap[i].Timestamp.Before(snap[i-1].Timestamp))
	}
	assert.Equal(t, 1, h.provider.Opens(), "one stream for the whole run")

	st := h.ctl.Status()
	assert.Equal(t, "idle", st.State)
	assert.Equal(t, uint64(3), st.Samples)
	require.NotNil(t, st.Current)
	assert.InDelta(t, 1.0, st.Current.Sample.DistanceMeters, 0.0036)
}

func TestNoEchoRecordsGap(t *testing.T) {
	t.Parallel()

	h := newHarness(t, simulated.Config{})
	entries, cancel := h.ctl.Subscribe(4)
	defer cancel()
	h.start(t)

	h.tick()
	e := next(t, entries)
	assert.True(t, e.IsGap())
	assert.Equal(t, ranging.OutcomeNoEcho, e.Gap)
	assert.Equal(t, StateRunning, h.ctl.State())

	h.tick()
	assert.True(t, next(t, entries).IsGap())
	assert.Equal(t, StateRunning, h.ctl.State())
	assert.Equal(t, uint64(2), h.ctl.Status().Gaps)

	require.NoError(t, h.ctl.Stop())
	assert.Equal(t, 2, h.ctl.History().Len())
}

func TestDeviceFaultReturnsToIdle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, simulated.Config{FailAfterReads: 1})
	h.start(t)
	h.tick()

	select {
	case <-h.ctl.Done():
	case <-time.After(waitTimeout):
		t.Fatal("controller did not stop after device fault")
	}

	assert.Equal(t, StateIdle, h.ctl.State())
	assert.ErrorIs(t, h.ctl.LastError(), stream.ErrDeviceIO)
	assert.Equal(t, 1, h.provider.Closes())
	assert.Equal(t, 1, h.provider.Opens(), "no automatic reopen")
	assert.ErrorIs(t, h.ctl.Stop(), ErrControllerNotRunning)

	transitions, closes := h.snapshot()
	assert.Equal(t, []string{"idle>starting", "starting>running", "running>stopping", "stopping>idle"}, transitions)
	assert.Equal(t, 1, closes)
}

func TestStopWaitsForInFlightTransaction(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h := newHarness(t, simulated.Config{
		Echoes: []simulated.Echo{oneMeter},
		OnRead: func(int) {
			once.Do(func() {
				close(entered)
				<-release
			})
		},
	})
	h.start(t)
	h.tick()
	<-entered

	stopped := make(chan error, 1)
	go func() { stopped <- h.ctl.Stop() }()

	select {
	case <-stopped:
		t.Fatal("stop returned while a transaction was in flight")
	case <-time.After(20 * time.Millisecond):
	}
	assert.Equal(t, StateStopping, h.ctl.State())
	_, closes := h.snapshot()
	assert.Zero(t, closes)

	close(release)
	require.NoError(t, <-stopped)

	assert.Equal(t, 1, h.ctl.History().Len(), "the in-flight measurement completes")
	_, closes = h.snapshot()
	assert.Equal(t, 1, closes)
	assert.Equal(t, StateIdle, h.ctl.State())
}

func TestInvalidTransitions(t *testing.T) {
	t.Parallel()

	h := newHarness(t, simulated.Config{})
	assert.ErrorIs(t, h.ctl.Stop(), ErrControllerNotRunning)

	h.start(t)
	assert.ErrorIs(t, h.ctl.Start(context.Background()), ErrControllerNotIdle)
	require.NoError(t, h.ctl.Stop())

	// a stopped controller can run again on a fresh stream
	h.start(t)
	require.NoError(t, h.ctl.Stop())
	assert.Equal(t, 2, h.provider.Opens())
	assert.Equal(t, 2, h.provider.Closes())
}

func TestReconfigureAppliesOnNextTick(t *testing.T) {
	t.Parallel()

	h := newHarness(t, simulated.Config{Echoes: []simulated.Echo{oneMeter}})
	entries, cancel := h.ctl.Subscribe(4)
	defer cancel()
	h.start(t)

	h.tick()
	assert.InDelta(t, 1.0, next(t, entries).Sample.DistanceMeters, 0.0036)

	cfg := h.ctl.Config()
	cfg.Medium = ranging.MediumWater
	cfg.HistorySize = 8
	require.NoError(t, h.ctl.Reconfigure(cfg))
	assert.Equal(t, ranging.MediumWater, h.ctl.Config().Medium)

	h.tick()
	e := next(t, entries)
	require.False(t, e.IsGap(), e.Reason)
	want := 1.0 * ranging.SpeedOfSoundWater / ranging.SpeedOfSoundAir
	assert.InDelta(t, want, e.Sample.DistanceMeters, 0.02)
	assert.InDelta(t, want, e.SmoothedDistanceMeters, 0.02, "smoothing restarts on a medium change")
	assert.Equal(t, 8, h.ctl.History().Cap())

	bad := h.ctl.Config()
	bad.SampleRate = 44100
	assert.ErrorIs(t, h.ctl.Reconfigure(bad), ErrReconfigureNeedsRestart)

	invalid := h.ctl.Config()
	invalid.MaxDistanceMeters = -1
	assert.Error(t, h.ctl.Reconfigure(invalid))

	require.NoError(t, h.ctl.Stop())
	assert.Equal(t, 1, h.provider.Opens(), "reconfigure never reopens the stream")
}

func TestReconfigureWhileIdle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, simulated.Config{})
	cfg := h.ctl.Config()
	cfg.SampleRate = 44100
	cfg.HistorySize = 16
	require.NoError(t, h.ctl.Reconfigure(cfg))
	assert.Equal(t, 44100, h.ctl.Config().SampleRate)
	assert.Equal(t, 16, h.ctl.History().Cap())
}

func TestUpdateRateIsClamped(t *testing.T) {
	t.Parallel()

	cfg := ranging.DefaultConfig()
	cfg.UpdateRateHz = 100
	assert.Less(t, cfg.EffectiveUpdateRate(), 100.0)
	assert.Greater(t, tickPeriod(cfg), 10*time.Millisecond)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()

	h := newHarness(t, simulated.Config{})
	entries, cancel := h.ctl.Subscribe(1)
	cancel()
	cancel()
	_, ok := <-entries
	assert.False(t, ok)
}

// gatedProvider holds OpenDuplex until release is closed.
type gatedProvider struct {
	audiocore.DuplexProvider
	entered chan struct{}
	release chan struct{}
}

func (g *gatedProvider) OpenDuplex(ctx context.Context, cfg audiocore.DeviceConfig) (audiocore.Channel, error) {
	close(g.entered)
	<-g.release
	return g.DuplexProvider.OpenDuplex(ctx, cfg)
}

func TestReadsDoNotBlockWhileStarting(t *testing.T) {
	t.Parallel()

	p := &gatedProvider{
		DuplexProvider: simulated.NewProvider(simulated.Config{LatencySeconds: testLatency}),
		entered:        make(chan struct{}),
		release:        make(chan struct{}),
	}
	cfg := ranging.DefaultConfig()
	cfg.SystemLatencySeconds = testLatency
	ctl, err := New(p, audiocore.DeviceConfig{}, cfg,
		WithClock(clock.NewFake(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))),
		WithLogger(logger.NewDiscardLogger()),
		WithStreamOptions(
			stream.WithSettleDelay(0),
			stream.WithCooldown(0),
			stream.WithRegistry(stream.NewRegistry()),
			stream.WithLogger(logger.NewDiscardLogger()),
		),
	)
	require.NoError(t, err)

	startErr := make(chan error, 1)
	go func() { startErr <- ctl.Start(context.Background()) }()
	<-p.entered

	reads := make(chan struct{})
	go func() {
		defer close(reads)
		assert.Equal(t, StateStarting, ctl.State())
		assert.Equal(t, "starting", ctl.Status().State)
		assert.ErrorIs(t, ctl.Stop(), ErrControllerNotRunning)
		assert.ErrorIs(t, ctl.Start(context.Background()), ErrControllerNotIdle)

		update := ctl.Config()
		update.MaxDistanceMeters = 5
		assert.NoError(t, ctl.Reconfigure(update))
		update.SampleRate = 44100
		assert.ErrorIs(t, ctl.Reconfigure(update), ErrReconfigureNeedsRestart)
	}()
	select {
	case <-reads:
	case <-time.After(waitTimeout):
		t.Fatal("controller calls blocked while the stream was opening")
	}

	close(p.release)
	require.NoError(t, <-startErr)
	assert.Equal(t, StateRunning, ctl.State())
	assert.InDelta(t, 5.0, ctl.Config().MaxDistanceMeters, 0)
	require.NoError(t, ctl.Stop())
	<-ctl.Done()
}

func TestStartFailureReturnsToIdle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, simulated.Config{OpenErr: stream.ErrDeviceIO})
	require.Error(t, h.ctl.Start(context.Background()))
	assert.Equal(t, StateIdle, h.ctl.State())

	transitions, _ := h.snapshot()
	assert.Equal(t, []string{"idle>starting", "starting>idle"}, transitions)
}
