package mqtt

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/echopi/echopi-go/internal/errors"
	"github.com/echopi/echopi-go/internal/logger"
	"github.com/echopi/echopi-go/internal/observability/metrics"
	"github.com/echopi/echopi-go/internal/sonar"
)

// broker is the subset of paho.Client the publisher uses.
type broker interface {
	Connect() paho.Token
	Publish(topic string, qos byte, retained bool, payload any) paho.Token
	IsConnected() bool
	Disconnect(quiesce uint)
}

// Publisher forwards history entries to the broker from its own goroutine so
// a slow or unreachable broker never holds up measurements.
type Publisher struct {
	config  Config
	client  broker
	metrics *metrics.MQTTMetrics
	log     logger.Logger

	queue chan sonar.Entry
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithMetrics records connection and publish metrics.
func WithMetrics(m *metrics.MQTTMetrics) Option {
	return func(p *Publisher) { p.metrics = m }
}

// WithLogger sets the publisher logger.
func WithLogger(l logger.Logger) Option {
	return func(p *Publisher) { p.log = l }
}

// withBroker replaces the paho client.
func withBroker(b broker) Option {
	return func(p *Publisher) { p.client = b }
}

// NewPublisher validates cfg and prepares a paho client. It does not connect.
func NewPublisher(cfg Config, opts ...Option) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Publisher{config: cfg, queue: make(chan sonar.Entry, cfg.QueueSize)}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = logger.Global().Module("mqtt")
	}
	if p.client == nil {
		p.client = paho.NewClient(p.clientOptions())
	}
	return p, nil
}

func (p *Publisher) clientOptions() *paho.ClientOptions {
	opts := paho.NewClientOptions()
	opts.AddBroker(p.config.Broker)
	opts.SetClientID(p.config.ClientID)
	opts.SetUsername(p.config.Username)
	opts.SetPassword(p.config.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(p.config.ConnectTimeout)
	opts.SetOnConnectHandler(func(paho.Client) {
		p.log.Info("connected to MQTT broker", logger.String("broker", p.config.Broker))
		p.metrics.UpdateConnectionStatus(true)
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		p.log.Warn("connection to MQTT broker lost",
			logger.String("broker", p.config.Broker),
			logger.Error(err))
		p.metrics.UpdateConnectionStatus(false)
	})
	return opts
}

// Connect starts the connection. With connect retry enabled paho keeps
// trying in the background, so a broker that is down at startup only delays
// publishing.
func (p *Publisher) Connect(ctx context.Context) error {
	token := p.client.Connect()
	timer := time.NewTimer(p.config.ConnectTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		p.log.Warn("MQTT broker not reachable yet, retrying in background",
			logger.String("broker", p.config.Broker))
		return nil
	}
	if err := token.Error(); err != nil {
		return errors.New(err).
			Component("mqtt").
			Category(errors.CategoryMQTTConnection).
			Context("broker", p.config.Broker).
			Build()
	}
	return nil
}

// Enqueue queues e for publishing without blocking. It reports false when
// the queue is full and the entry was dropped.
func (p *Publisher) Enqueue(e sonar.Entry) bool {
	select {
	case p.queue <- e:
		return true
	default:
		p.metrics.IncrementDropped()
		return false
	}
}

// Run forwards entries into the queue and publishes them until ctx is
// cancelled, then disconnects.
func (p *Publisher) Run(ctx context.Context, entries <-chan sonar.Entry) error {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Go(func() { p.drain(stop) })

	defer func() {
		close(stop)
		wg.Wait()
		p.client.Disconnect(uint(p.config.DisconnectTimeout.Milliseconds()))
		p.metrics.UpdateConnectionStatus(false)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-entries:
			if !ok {
				return nil
			}
			if !p.Enqueue(e) {
				p.log.Debug("MQTT queue full, entry dropped", logger.Int64("seq", int64(e.Seq)))
			}
		}
	}
}

// drain publishes queued entries. After stop it flushes what is already
// queued and returns.
func (p *Publisher) drain(stop <-chan struct{}) {
	for {
		select {
		case e := <-p.queue:
			p.publishLogged(e)
		case <-stop:
			for {
				select {
				case e := <-p.queue:
					p.publishLogged(e)
				default:
					return
				}
			}
		}
	}
}

func (p *Publisher) publishLogged(e sonar.Entry) {
	if err := p.publish(e); err != nil {
		p.log.Warn("failed to publish entry", logger.Int64("seq", int64(e.Seq)), logger.Error(err))
	}
}

func (p *Publisher) publish(e sonar.Entry) error {
	payload, err := json.Marshal(NewDistanceMessage(e))
	if err != nil {
		return err
	}
	if !p.client.IsConnected() {
		p.metrics.IncrementDropped()
		return errors.NewStd("not connected to MQTT broker")
	}

	start := time.Now()
	token := p.client.Publish(p.config.DistanceTopic(), p.config.QoS, p.config.Retain, payload)
	if !token.WaitTimeout(p.config.PublishTimeout) {
		err = errors.NewStd("publish timeout")
	} else {
		err = token.Error()
	}
	p.metrics.ObservePublish(len(payload), time.Since(start), err)
	if err != nil {
		return errors.New(err).
			Component("mqtt").
			Category(errors.CategoryMQTTPublish).
			Context("topic", p.config.DistanceTopic()).
			Build()
	}
	return nil
}
