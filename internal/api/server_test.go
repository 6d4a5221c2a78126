package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/echopi/echopi-go/internal/audiocore"
	"github.com/echopi/echopi-go/internal/audiocore/sources/simulated"
	"github.com/echopi/echopi-go/internal/clock"
	"github.com/echopi/echopi-go/internal/logger"
	"github.com/echopi/echopi-go/internal/observability"
	"github.com/echopi/echopi-go/internal/ranging"
	"github.com/echopi/echopi-go/internal/sonar"
	"github.com/echopi/echopi-go/internal/stream"
)

// stubController records reconfigurations and serves a prepared history.
type stubController struct {
	mu      sync.Mutex
	cfg     ranging.Config
	history *sonar.History
	running bool
}

func newStub() *stubController {
	cfg := ranging.DefaultConfig()
	return &stubController{cfg: cfg, history: sonar.NewHistory(cfg.HistorySize)}
}

func (s *stubController) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return sonar.ErrControllerNotIdle
	}
	s.running = true
	return nil
}

func (s *stubController) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return sonar.ErrControllerNotRunning
	}
	s.running = false
	return nil
}

func (s *stubController) Reconfigure(cfg ranging.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	return nil
}

func (s *stubController) Config() ranging.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *stubController) Status() sonar.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := sonar.StateIdle
	if s.running {
		state = sonar.StateRunning
	}
	return sonar.Status{State: state.String(), Config: s.cfg, HistoryLen: s.history.Len()}
}

func (s *stubController) History() *sonar.History { return s.history }

func newTestServer(t *testing.T, ctl Controller, opts ...ServerOption) *Server {
	t.Helper()
	opts = append([]ServerOption{WithLogger(logger.NewDiscardLogger())}, opts...)
	srv, err := New(DefaultConfig(), ctl, opts...)
	require.NoError(t, err)
	return srv
}

func do(t *testing.T, srv *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, http.NoBody)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func sample(d float64) *ranging.DistanceSample {
	return &ranging.DistanceSample{Timestamp: time.Now(), DistanceMeters: d, Confidence: 0.5}
}

func TestHistoryEndpoint(t *testing.T) {
	t.Parallel()

	ctl := newStub()
	for i := range 5 {
		ctl.history.Append(sonar.Entry{Sample: sample(float64(i))})
	}
	ctl.history.Append(sonar.Entry{Gap: ranging.OutcomeNoEcho, Reason: "no echo detected"})
	srv := newTestServer(t, ctl)

	rec := do(t, srv, http.MethodGet, "/api/v1/history?limit=3", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HistoryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 3, resp.Count)
	assert.Equal(t, ctl.cfg.HistorySize, resp.Capacity)
	assert.InDelta(t, 3.0, resp.Entries[0].Sample.DistanceMeters, 0)
	assert.InDelta(t, 4.0, resp.Entries[1].Sample.DistanceMeters, 0)
	assert.True(t, resp.Entries[2].IsGap())
	assert.Equal(t, ranging.OutcomeNoEcho, resp.Entries[2].Gap)

	rec = do(t, srv, http.MethodGet, "/api/v1/history", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 6, resp.Count)
}

func TestHistoryRejectsBadLimit(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, newStub())

	for _, q := range []string{"0", "-2", "many"} {
		rec := do(t, srv, http.MethodGet, "/api/v1/history?limit="+q, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestEmptyHistoryIsAnEmptyList(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, newStub())

	rec := do(t, srv, http.MethodGet, "/api/v1/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"entries":[]`)
}

func TestCurrentSkipsGaps(t *testing.T) {
	t.Parallel()

	ctl := newStub()
	srv := newTestServer(t, ctl)
	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodGet, "/api/v1/current", "").Code)

	ctl.history.Append(sonar.Entry{Sample: sample(1.5)})
	ctl.history.Append(sonar.Entry{Gap: ranging.OutcomeOutOfRange})

	rec := do(t, srv, http.MethodGet, "/api/v1/current", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var e sonar.Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	require.NotNil(t, e.Sample)
	assert.InDelta(t, 1.5, e.Sample.DistanceMeters, 0)
}

func TestPutConfigMergesFields(t *testing.T) {
	t.Parallel()

	ctl := newStub()
	srv := newTestServer(t, ctl)

	rec := do(t, srv, http.MethodPut, "/api/v1/config", `{"max_distance_meters": 5, "medium": "water"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	cfg := ctl.Config()
	assert.InDelta(t, 5.0, cfg.MaxDistanceMeters, 0)
	assert.Equal(t, ranging.MediumWater, cfg.Medium)
	assert.Equal(t, ranging.DefaultConfig().SampleRate, cfg.SampleRate)
}

func TestPutConfigRejectsInvalid(t *testing.T) {
	t.Parallel()

	ctl := newStub()
	srv := newTestServer(t, ctl)

	rec := do(t, srv, http.MethodPut, "/api/v1/config", `{"max_distance_meters": -1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "validation", body.Category)

	rec = do(t, srv, http.MethodPut, "/api/v1/config", `{"no_such_field": 1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	for _, body := range []string{
		`{"max_distance_meters": 1e12}`,
		`{"extra_record_seconds": 86400}`,
		`{"history_size": 2000000000}`,
		`{"smoothing_window_size": 1000000000}`,
		`{"update_rate_hz": 1e9}`,
		`{"duration_seconds": 1e6}`,
	} {
		rec = do(t, srv, http.MethodPut, "/api/v1/config", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}

	assert.Equal(t, ranging.DefaultConfig(), ctl.Config())
}

func TestStartStopConflicts(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, newStub())

	assert.Equal(t, http.StatusConflict, do(t, srv, http.MethodPost, "/api/v1/stop", "").Code)
	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/api/v1/start", "").Code)
	assert.Equal(t, http.StatusConflict, do(t, srv, http.MethodPost, "/api/v1/start", "").Code)
	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/api/v1/stop", "").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	m, err := observability.NewMetrics()
	require.NoError(t, err)
	m.Ranging.SetControllerState("idle")
	srv := newTestServer(t, newStub(), WithMetrics(m))

	rec := do(t, srv, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `echopi_controller_state{state="idle"} 1`)
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()

	_, err := New(&Config{}, newStub())
	require.Error(t, err)
	_, err = New(nil, nil)
	require.Error(t, err)
}

func TestControllerLifecycleOverHTTP(t *testing.T) {
	t.Parallel()

	provider := simulated.NewProvider(simulated.Config{
		LatencySeconds: 0.00121,
		Echoes:         []simulated.Echo{{DelaySeconds: 2.0 / ranging.SpeedOfSoundAir, Gain: 0.5}},
	})
	cfg := ranging.DefaultConfig()
	ctl, err := sonar.New(provider, audiocore.DeviceConfig{}, cfg,
		sonar.WithClock(clock.NewFake(time.Unix(0, 0))),
		sonar.WithLogger(logger.NewDiscardLogger()),
		sonar.WithStreamOptions(
			stream.WithSettleDelay(0),
			stream.WithCooldown(0),
			stream.WithRegistry(stream.NewRegistry()),
			stream.WithLogger(logger.NewDiscardLogger()),
		),
	)
	require.NoError(t, err)
	srv := newTestServer(t, ctl)

	rec := do(t, srv, http.MethodPost, "/api/v1/start", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var st sonar.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "running", st.State)
	assert.NotEmpty(t, st.RunID)

	rec = do(t, srv, http.MethodPut, "/api/v1/config", `{"sample_rate": 44100}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, srv, http.MethodPost, "/api/v1/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "idle", st.State)
	assert.Equal(t, 1, provider.Closes())
}
