// Package mqtt publishes ranging history entries to an MQTT broker.
package mqtt

import (
	"net/url"
	"time"

	"github.com/echopi/echopi-go/internal/errors"
)

// DistanceSubtopic is appended to the configured base topic.
const DistanceSubtopic = "distance"

// Config holds the configuration for the MQTT publisher.
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string // base topic, entries go to <Topic>/distance
	QoS      byte
	Retain   bool

	ConnectTimeout    time.Duration
	PublishTimeout    time.Duration
	DisconnectTimeout time.Duration

	// QueueSize bounds entries waiting to be published. Newer entries are
	// dropped while the queue is full.
	QueueSize int
}

// DefaultConfig returns a Config with reasonable default values
func DefaultConfig() Config {
	return Config{
		ClientID:          "echopi",
		Topic:             "echopi",
		ConnectTimeout:    30 * time.Second,
		PublishTimeout:    10 * time.Second,
		DisconnectTimeout: 250 * time.Millisecond,
		QueueSize:         64,
	}
}

// Validate checks the broker URL and topic.
func (c *Config) Validate() error {
	if c.Broker == "" {
		return invalid("broker is required", c)
	}
	u, err := url.Parse(c.Broker)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return invalid("broker must be a URL such as tcp://host:1883", c)
	}
	if c.Topic == "" {
		return invalid("topic is required", c)
	}
	if c.QoS > 2 {
		return invalid("qos must be 0, 1 or 2", c)
	}
	if c.QueueSize < 1 {
		return invalid("queue size must be positive", c)
	}
	return nil
}

// DistanceTopic returns the topic entries are published to.
func (c *Config) DistanceTopic() string {
	return c.Topic + "/" + DistanceSubtopic
}

func invalid(msg string, c *Config) error {
	return errors.Newf("invalid MQTT configuration: %s", msg).
		Component("mqtt").
		Category(errors.CategoryValidation).
		Context("broker", c.Broker).
		Build()
}
