package stream

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/echopi/echopi-go/internal/audiocore"
	"github.com/echopi/echopi-go/internal/audiocore/sources/simulated"
	"github.com/echopi/echopi-go/internal/errors"
	"github.com/echopi/echopi-go/internal/logger"
)

const testRate = 8000

func testDevice(name string) audiocore.DeviceConfig {
	return audiocore.DeviceConfig{
		PlaybackDevice:  name,
		CaptureDevice:   name,
		SampleRate:      testRate,
		FramesPerBuffer: 64,
	}
}

func newTestSession(t *testing.T, p audiocore.DuplexProvider, opts ...Option) *Session {
	t.Helper()
	base := []Option{
		WithSettleDelay(time.Millisecond),
		WithCooldown(0),
		WithRegistry(NewRegistry()),
		WithLogger(logger.NewDiscardLogger()),
	}
	s := New(p, testDevice(t.Name()), append(base, opts...)...)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func impulse(n int) []float32 {
	sig := make([]float32, n)
	sig[0] = 1
	return sig
}

func TestTransactAlignsEcho(t *testing.T) {
	t.Parallel()

	p := simulated.NewProvider(simulated.Config{
		LatencySeconds: 0.001,
		Echoes:         []simulated.Echo{{DelaySeconds: 0.004, Gain: 0.5}},
	})
	s := newTestSession(t, p)
	require.NoError(t, s.Open(context.Background()))

	// first and second transactions use different priming lengths
	for range 2 {
		rec, err := s.Transact(context.Background(), impulse(100), 0.01)
		require.NoError(t, err)
		require.Len(t, rec, 100+80)

		want := int(0.005 * testRate)
		for i, v := range rec {
			if i == want {
				assert.InDelta(t, 0.5, v, 1e-6)
				continue
			}
			assert.Zero(t, v, "sample %d", i)
		}
	}
	assert.Equal(t, 1, p.Opens())
}

func TestOpenTwiceFails(t *testing.T) {
	t.Parallel()

	p := simulated.NewProvider(simulated.Config{})
	s := newTestSession(t, p)
	require.NoError(t, s.Open(context.Background()))

	err := s.Open(context.Background())
	require.ErrorIs(t, err, ErrSessionAlreadyOpen)
	assert.True(t, errors.IsCategory(err, errors.CategoryStreamSession))
	assert.Equal(t, 1, p.Opens())
}

func TestDevicePairExclusive(t *testing.T) {
	t.Parallel()

	p := simulated.NewProvider(simulated.Config{})
	reg := NewRegistry()
	opts := []Option{WithSettleDelay(0), WithRegistry(reg), WithLogger(logger.NewDiscardLogger())}

	a := New(p, testDevice("hw:1,0"), opts...)
	b := New(p, testDevice("hw:1,0"), opts...)
	c := New(p, testDevice("hw:2,0"), opts...)

	require.NoError(t, a.Open(context.Background()))
	require.ErrorIs(t, b.Open(context.Background()), ErrSessionAlreadyOpen)
	require.NoError(t, c.Open(context.Background()))

	holder, ok := reg.Holder(testDevice("hw:1,0").DevicePair())
	require.True(t, ok)
	assert.Equal(t, a.ID(), holder)

	require.NoError(t, a.Close())
	require.NoError(t, b.Open(context.Background()))
	require.NoError(t, b.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, 0, p.Active())
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	p := simulated.NewProvider(simulated.Config{})
	s := newTestSession(t, p)

	require.NoError(t, s.Close())
	require.NoError(t, s.Open(context.Background()))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 1, p.Closes())
}

func TestTransactRequiresOpen(t *testing.T) {
	t.Parallel()

	s := newTestSession(t, simulated.NewProvider(simulated.Config{}))
	_, err := s.Transact(context.Background(), impulse(10), 0)
	assert.ErrorIs(t, err, ErrSessionNotOpen)
}

func TestTransactRejectsUnboundedTail(t *testing.T) {
	t.Parallel()

	p := simulated.NewProvider(simulated.Config{})
	s := newTestSession(t, p)
	require.NoError(t, s.Open(context.Background()))

	for _, tail := range []float64{-0.1, math.NaN(), math.Inf(1), MaxTransactionSeconds + 1} {
		_, err := s.Transact(context.Background(), impulse(10), tail)
		require.Error(t, err, "tail %v", tail)
		assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
	}
	assert.False(t, s.Faulted())

	_, err := s.Transact(context.Background(), impulse(10), 0.01)
	require.NoError(t, err)
}

func TestOpenSettlesBeforeAcceptingTransactions(t *testing.T) {
	t.Parallel()

	const settle = 40 * time.Millisecond
	var openedAt atomic.Int64
	s := newTestSession(t, simulated.NewProvider(simulated.Config{}),
		WithSettleDelay(settle),
		WithStateHook(func(_, to State) {
			if to == StateOpen {
				openedAt.Store(time.Now().UnixNano())
			}
		}))

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- s.Open(context.Background()) }()

	time.Sleep(settle / 4)
	_, err := s.Transact(context.Background(), impulse(10), 0)
	assert.ErrorIs(t, err, ErrSessionNotOpen, "transactions wait for the settle delay")

	require.NoError(t, <-done)
	assert.GreaterOrEqual(t, time.Duration(openedAt.Load()-start.UnixNano()), settle)
}

func TestTransactionsNeverOverlap(t *testing.T) {
	t.Parallel()

	var inFlight, peak atomic.Int32
	p := simulated.NewProvider(simulated.Config{
		OnRead: func(int) {
			n := inFlight.Add(1)
			for {
				m := peak.Load()
				if n <= m || peak.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(200 * time.Microsecond)
			inFlight.Add(-1)
		},
	})
	s := newTestSession(t, p)
	require.NoError(t, s.Open(context.Background()))

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			_, err := s.Transact(context.Background(), impulse(200), 0.005)
			assert.NoError(t, err)
		})
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak.Load())
}

func TestDeviceErrorFaultsSession(t *testing.T) {
	t.Parallel()

	p := simulated.NewProvider(simulated.Config{FailAfterReads: 2})
	var recorded metricsRecorder
	s := newTestSession(t, p, WithMetrics(&recorded))
	require.NoError(t, s.Open(context.Background()))

	_, err := s.Transact(context.Background(), impulse(64), 0)
	require.ErrorIs(t, err, ErrDeviceIO)
	require.ErrorIs(t, err, simulated.ErrInjectedFault)
	assert.True(t, errors.IsCategory(err, errors.CategoryAudioDevice))
	assert.True(t, s.Faulted())

	var ee *errors.EnhancedError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, errors.PriorityCritical, ee.Priority)
	assert.Equal(t, "transact", ee.GetContext()["operation"])
	assert.Contains(t, ee.GetContext(), "duration_ms")

	_, err = s.Transact(context.Background(), impulse(64), 0)
	require.ErrorIs(t, err, ErrDeviceIO)

	require.NoError(t, s.Close())
	assert.Equal(t, 1, p.Opens(), "faulted session must not reopen")
	assert.Equal(t, 1, recorded.failures())
}

func TestOpenFailureReleasesPair(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	bad := New(simulated.NewProvider(simulated.Config{OpenErr: simulated.ErrInjectedFault}),
		testDevice("usb"), WithRegistry(reg), WithSettleDelay(0), WithLogger(logger.NewDiscardLogger()))

	err := bad.Open(context.Background())
	require.ErrorIs(t, err, ErrDeviceIO)
	assert.Equal(t, StateClosed, bad.State())

	_, held := reg.Holder(testDevice("usb").DevicePair())
	assert.False(t, held)
}

func TestCloseWaitsForTransaction(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	var once sync.Once
	p := simulated.NewProvider(simulated.Config{
		ReadDelay: 2 * time.Millisecond,
		OnRead:    func(int) { once.Do(func() { close(started) }) },
	})

	var mu sync.Mutex
	var txDone, closed time.Time
	rec := &metricsRecorder{onTransaction: func() {
		mu.Lock()
		defer mu.Unlock()
		txDone = time.Now()
	}}
	s := newTestSession(t, p, WithPriming(0, 0), WithMetrics(rec), WithStateHook(func(_, to State) {
		if to == StateClosed {
			mu.Lock()
			defer mu.Unlock()
			closed = time.Now()
		}
	}))
	require.NoError(t, s.Open(context.Background()))

	done := make(chan error, 1)
	go func() {
		_, err := s.Transact(context.Background(), impulse(640), 0)
		done <- err
	}()

	<-started
	require.NoError(t, s.Close())
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	require.False(t, txDone.IsZero())
	assert.True(t, closed.After(txDone))
	assert.Equal(t, 1, p.Closes())
}

func TestCancelledContextSkipsIO(t *testing.T) {
	t.Parallel()

	var reads atomic.Int32
	p := simulated.NewProvider(simulated.Config{OnRead: func(int) { reads.Add(1) }})
	s := newTestSession(t, p)
	require.NoError(t, s.Open(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Transact(ctx, impulse(10), 0)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, s.Faulted())
	assert.Zero(t, reads.Load())
}

func TestStateHookSequence(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var seen []string
	s := newTestSession(t, simulated.NewProvider(simulated.Config{}), WithStateHook(func(from, to State) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, from.String()+">"+to.String())
	}))

	require.NoError(t, s.Open(context.Background()))
	require.NoError(t, s.Close())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"closed>open", "open>closing", "closing>closed"}, seen)
}

type metricsRecorder struct {
	mu            sync.Mutex
	transitions   []string
	failed        int
	onTransaction func()
}

func (m *metricsRecorder) RecordStreamTransition(from, to string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, from+">"+to)
}

func (m *metricsRecorder) ObserveTransaction(_ time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.failed++
	}
	if m.onTransaction != nil {
		m.onTransaction()
	}
}

func (m *metricsRecorder) failures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failed
}
