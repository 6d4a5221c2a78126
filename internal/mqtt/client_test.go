package mqtt

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/echopi/echopi-go/internal/errors"
	"github.com/echopi/echopi-go/internal/logger"
	"github.com/echopi/echopi-go/internal/observability/metrics"
	"github.com/echopi/echopi-go/internal/ranging"
	"github.com/echopi/echopi-go/internal/sonar"
)

// fakeToken is a completed (or never completing) paho.Token.
type fakeToken struct {
	done chan struct{}
	err  error
}

func doneToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func pendingToken() *fakeToken { return &fakeToken{done: make(chan struct{})} }

func (t *fakeToken) Wait() bool { <-t.done; return true }

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error          { return t.err }

type published struct {
	topic   string
	qos     byte
	retain  bool
	payload []byte
}

type fakeBroker struct {
	mu           sync.Mutex
	connectToken paho.Token
	publishErr   error
	block        chan struct{}
	connected    bool
	messages     []published
	disconnects  int
}

func (b *fakeBroker) Connect() paho.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connectToken == nil {
		b.connected = true
		return doneToken(nil)
	}
	return b.connectToken
}

func (b *fakeBroker) Publish(topic string, qos byte, retained bool, payload any) paho.Token {
	if b.block != nil {
		<-b.block
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, published{topic, qos, retained, payload.([]byte)})
	return doneToken(b.publishErr)
}

func (b *fakeBroker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *fakeBroker) Disconnect(uint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	b.disconnects++
}

func (b *fakeBroker) sent() []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]published(nil), b.messages...)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Broker = "tcp://localhost:1883"
	cfg.Topic = "lab/sonar"
	cfg.PublishTimeout = time.Second
	cfg.ConnectTimeout = time.Second
	return cfg
}

func newTestPublisher(t *testing.T, cfg Config, b *fakeBroker) (*Publisher, *metrics.MQTTMetrics) {
	t.Helper()
	m, err := metrics.NewMQTTMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	p, err := NewPublisher(cfg, withBroker(b), WithMetrics(m), WithLogger(logger.NewDiscardLogger()))
	require.NoError(t, err)
	return p, m
}

func sampleEntry(seq uint64, d float64) sonar.Entry {
	return sonar.Entry{
		Seq:                    seq,
		Timestamp:              time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC),
		Sample:                 &ranging.DistanceSample{DistanceMeters: d, TimeOfFlightSeconds: 2 * d / 343, Confidence: 0.4},
		SmoothedDistanceMeters: d,
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing broker", func(c *Config) { c.Broker = "" }},
		{"broker without scheme", func(c *Config) { c.Broker = "localhost" }},
		{"missing topic", func(c *Config) { c.Topic = "" }},
		{"bad qos", func(c *Config) { c.QoS = 3 }},
		{"zero queue", func(c *Config) { c.QueueSize = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
		})
	}

	cfg := testConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "lab/sonar/distance", cfg.DistanceTopic())
}

func TestPublishesSamplesAndGaps(t *testing.T) {
	t.Parallel()

	b := &fakeBroker{}
	cfg := testConfig()
	cfg.QoS = 1
	p, m := newTestPublisher(t, cfg, b)
	require.NoError(t, p.Connect(context.Background()))

	entries := make(chan sonar.Entry, 2)
	entries <- sampleEntry(1, 1.5)
	entries <- sonar.Entry{Seq: 2, Gap: ranging.OutcomeNoEcho, Reason: "no echo detected"}
	close(entries)
	require.NoError(t, p.Run(context.Background(), entries))

	sent := b.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "lab/sonar/distance", sent[0].topic)
	assert.Equal(t, byte(1), sent[0].qos)

	var first DistanceMessage
	require.NoError(t, json.Unmarshal(sent[0].payload, &first))
	require.NotNil(t, first.DistanceMeters)
	assert.InDelta(t, 1.5, *first.DistanceMeters, 0)
	assert.Empty(t, first.Gap)

	var second map[string]any
	require.NoError(t, json.Unmarshal(sent[1].payload, &second))
	assert.Equal(t, "no_echo", second["gap"])
	assert.NotContains(t, second, "distance_meters")

	assert.InDelta(t, 2, testutil.ToFloat64(m.MessagesDelivered), 0)
	assert.Equal(t, 1, b.disconnects)
}

func TestEnqueueNeverBlocks(t *testing.T) {
	t.Parallel()

	b := &fakeBroker{connected: true}
	cfg := testConfig()
	cfg.QueueSize = 2
	p, m := newTestPublisher(t, cfg, b)

	assert.True(t, p.Enqueue(sampleEntry(1, 1)))
	assert.True(t, p.Enqueue(sampleEntry(2, 1)))
	assert.False(t, p.Enqueue(sampleEntry(3, 1)))
	assert.InDelta(t, 1, testutil.ToFloat64(m.MessagesDropped), 0)
}

func TestSlowBrokerDoesNotBlockForwarding(t *testing.T) {
	t.Parallel()

	b := &fakeBroker{connected: true, block: make(chan struct{})}
	cfg := testConfig()
	cfg.QueueSize = 1
	p, m := newTestPublisher(t, cfg, b)

	entries := make(chan sonar.Entry)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, entries) }()

	for i := range 5 {
		select {
		case entries <- sampleEntry(uint64(i+1), 1):
		case <-time.After(time.Second):
			t.Fatal("forwarding blocked on a slow broker")
		}
	}
	assert.Positive(t, testutil.ToFloat64(m.MessagesDropped))

	cancel()
	close(b.block)
	require.NoError(t, <-done)
}

func TestPublishErrorsAreCounted(t *testing.T) {
	t.Parallel()

	b := &fakeBroker{connected: true, publishErr: errors.NewStd("broker refused")}
	p, m := newTestPublisher(t, testConfig(), b)

	err := p.publish(sampleEntry(1, 2))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryMQTTPublish))
	assert.InDelta(t, 1, testutil.ToFloat64(m.Errors), 0)
}

func TestPublishWhileDisconnected(t *testing.T) {
	t.Parallel()

	b := &fakeBroker{}
	p, m := newTestPublisher(t, testConfig(), b)

	require.Error(t, p.publish(sampleEntry(1, 2)))
	assert.Empty(t, b.sent())
	assert.InDelta(t, 1, testutil.ToFloat64(m.MessagesDropped), 0)
}

func TestConnectFailure(t *testing.T) {
	t.Parallel()

	b := &fakeBroker{connectToken: doneToken(errors.NewStd("connection refused"))}
	p, _ := newTestPublisher(t, testConfig(), b)

	err := p.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryMQTTConnection))
}

func TestConnectTimeoutKeepsRetrying(t *testing.T) {
	t.Parallel()

	b := &fakeBroker{connectToken: pendingToken()}
	cfg := testConfig()
	cfg.ConnectTimeout = 10 * time.Millisecond
	p, _ := newTestPublisher(t, cfg, b)
	assert.NoError(t, p.Connect(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Connect(ctx), context.Canceled)
}
