// Package metrics provides Prometheus collectors for the ranging engine.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RangingMetrics covers measurements, stream sessions and the controller.
// All methods are safe on a nil receiver so components can run without metrics.
type RangingMetrics struct {
	Measurements        *prometheus.CounterVec
	MeasurementDuration prometheus.Histogram
	LastDistance        prometheus.Gauge
	LastConfidence      prometheus.Gauge
	LastSampleTime      prometheus.Gauge

	OpenSessions        prometheus.Gauge
	StreamTransitions   *prometheus.CounterVec
	TransactionDuration *prometheus.HistogramVec

	WaveformCacheSize prometheus.Gauge
	ControllerState   *prometheus.GaugeVec
}

// NewRangingMetrics creates the collectors and registers them with registry.
func NewRangingMetrics(registry prometheus.Registerer) (*RangingMetrics, error) {
	m := &RangingMetrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register ranging metrics: %w", err)
	}
	return m, nil
}

func (m *RangingMetrics) initMetrics() {
	m.Measurements = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "measurements_total",
		Help:      "Ranging measurements by outcome",
	}, []string{"outcome"})

	m.MeasurementDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      "measurement_duration_seconds",
		Help:      "Wall time of one measurement including device I/O",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
	})

	m.LastDistance = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "last_distance_meters",
		Help:      "Distance of the most recent successful measurement",
	})

	m.LastConfidence = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "last_confidence",
		Help:      "Normalized correlation peak of the most recent successful measurement",
	})

	m.LastSampleTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "last_sample_timestamp_seconds",
		Help:      "Unix time of the most recent successful measurement",
	})

	m.OpenSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "stream_sessions_open",
		Help:      "Number of open duplex stream sessions",
	})

	m.StreamTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "stream_transitions_total",
		Help:      "Stream session state transitions",
	}, []string{"from", "to"})

	m.TransactionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      "stream_transaction_duration_seconds",
		Help:      "Duration of playback and capture transactions",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
	}, []string{"status"})

	m.WaveformCacheSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "waveform_cache_entries",
		Help:      "Number of cached chirp waveforms",
	})

	m.ControllerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "controller_state",
		Help:      "Continuous controller state (1 for the current state)",
	}, []string{"state"})
}

// ObserveMeasurement counts a measurement outcome and records its duration.
func (m *RangingMetrics) ObserveMeasurement(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Measurements.WithLabelValues(outcome).Inc()
	m.MeasurementDuration.Observe(d.Seconds())
}

// SetLastSample records the latest successful distance and confidence.
func (m *RangingMetrics) SetLastSample(distance, confidence float64) {
	if m == nil {
		return
	}
	m.LastDistance.Set(distance)
	m.LastConfidence.Set(confidence)
	m.LastSampleTime.SetToCurrentTime()
}

// SetWaveformCacheSize records the waveform cache occupancy.
func (m *RangingMetrics) SetWaveformCacheSize(n int) {
	if m == nil {
		return
	}
	m.WaveformCacheSize.Set(float64(n))
}

// RecordStreamTransition counts a session transition and tracks open sessions.
func (m *RangingMetrics) RecordStreamTransition(from, to string) {
	if m == nil {
		return
	}
	m.StreamTransitions.WithLabelValues(from, to).Inc()
	switch {
	case to == StreamStateOpen:
		m.OpenSessions.Inc()
	case from == StreamStateOpen:
		m.OpenSessions.Dec()
	}
}

// ObserveTransaction records the duration of one stream transaction.
func (m *RangingMetrics) ObserveTransaction(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.TransactionDuration.WithLabelValues(statusLabel(err)).Observe(d.Seconds())
}

// SetControllerState marks state as the current controller state.
func (m *RangingMetrics) SetControllerState(state string) {
	if m == nil {
		return
	}
	for _, s := range ControllerStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.ControllerState.WithLabelValues(s).Set(v)
	}
}

func statusLabel(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusOK
}

// Collect implements the prometheus.Collector interface.
func (m *RangingMetrics) Collect(ch chan<- prometheus.Metric) {
	m.Measurements.Collect(ch)
	ch <- m.MeasurementDuration
	ch <- m.LastDistance
	ch <- m.LastConfidence
	ch <- m.LastSampleTime
	ch <- m.OpenSessions
	m.StreamTransitions.Collect(ch)
	m.TransactionDuration.Collect(ch)
	ch <- m.WaveformCacheSize
	m.ControllerState.Collect(ch)
}

// Describe implements the prometheus.Collector interface.
func (m *RangingMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.Measurements.Describe(ch)
	ch <- m.MeasurementDuration.Desc()
	ch <- m.LastDistance.Desc()
	ch <- m.LastConfidence.Desc()
	ch <- m.LastSampleTime.Desc()
	ch <- m.OpenSessions.Desc()
	m.StreamTransitions.Describe(ch)
	m.TransactionDuration.Describe(ch)
	ch <- m.WaveformCacheSize.Desc()
	m.ControllerState.Describe(ch)
}
