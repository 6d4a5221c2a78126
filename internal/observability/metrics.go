// Package observability wires the Prometheus collectors of the ranging engine
// into one registry and exposes them over HTTP.
package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/echopi/echopi-go/internal/logger"
	"github.com/echopi/echopi-go/internal/observability/metrics"
)

// Metrics holds all the metric collectors for the application.
type Metrics struct {
	registry *prometheus.Registry
	Ranging  *metrics.RangingMetrics
	MQTT     *metrics.MQTTMetrics
}

// NewMetrics creates a registry with the process and Go runtime collectors
// plus every component collector.
func NewMetrics() (*Metrics, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	rangingMetrics, err := metrics.NewRangingMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create ranging metrics: %w", err)
	}

	mqttMetrics, err := metrics.NewMQTTMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create MQTT metrics: %w", err)
	}

	return &Metrics{
		registry: registry,
		Ranging:  rangingMetrics,
		MQTT:     mqttMetrics,
	}, nil
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorLog:      errorLog{logger.Global().Module("metrics")},
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// errorLog adapts the structured logger to promhttp.Logger.
type errorLog struct{ log logger.Logger }

func (l errorLog) Println(v ...any) {
	l.log.Error("metrics handler error", logger.String("detail", fmt.Sprint(v...)))
}
