package metrics

import (
	"time"

	"github.com/flowdriver/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for flowdriver.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	BytesSent        *prometheus.CounterVec
	BytesReceived    *prometheus.CounterVec
	RequestsInFlight prometheus.Gauge
	CurrentRPS       prometheus.Gauge
	TargetRPS        prometheus.Gauge
	ActiveWorkers    prometheus.Gauge
	QueuedRequests   prometheus.Gauge
	DroppedEvents    *prometheus.GaugeVec
}

// NewMetrics creates the metrics and registers them with reg. A nil reg
// uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "flowdriver",
				Name:      "requests_total",
				Help:      "Total number of requests by protocol and outcome",
			},
			[]string{"protocol", "outcome"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "flowdriver",
				Name:      "request_duration_seconds",
				Help:      "Request latency histogram",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
			},
			[]string{"protocol"},
		),
		BytesSent: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "flowdriver",
				Name:      "bytes_sent_total",
				Help:      "Request payload bytes written",
			},
			[]string{"protocol"},
		),
		BytesReceived: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "flowdriver",
				Name:      "bytes_received_total",
				Help:      "Response payload bytes read",
			},
			[]string{"protocol"},
		),
		RequestsInFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "flowdriver",
				Name:      "requests_in_flight",
				Help:      "Current number of requests being processed",
			},
		),
		CurrentRPS: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "flowdriver",
				Name:      "current_rps",
				Help:      "Requests completed during the last second",
			},
		),
		TargetRPS: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "flowdriver",
				Name:      "target_rps",
				Help:      "Configured request rate, 0 when unlimited",
			},
		),
		ActiveWorkers: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "flowdriver",
				Name:      "active_workers",
				Help:      "Number of workers executing a request",
			},
		),
		QueuedRequests: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "flowdriver",
				Name:      "queued_requests",
				Help:      "Number of requests waiting in queue",
			},
		),
		DroppedEvents: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "flowdriver",
				Name:      "dropped_events",
				Help:      "Inbound events discarded because the event channel was full",
			},
			[]string{"protocol"},
		),
	}
}

// Outcome classifies a finished request: success, failure for a remote
// error status, or the error kind for a local failure.
func Outcome(resp *protocol.Response, err error) string {
	switch {
	case err != nil:
		return protocol.KindOf(err).String()
	case resp == nil || resp.Failed():
		return "failure"
	}
	return "success"
}

// RecordRequest records metrics for a completed request.
func (m *Metrics) RecordRequest(proto string, resp *protocol.Response, err error, elapsed time.Duration) {
	m.RequestsTotal.WithLabelValues(proto, Outcome(resp, err)).Inc()
	m.RequestDuration.WithLabelValues(proto).Observe(elapsed.Seconds())
	if resp != nil {
		m.BytesSent.WithLabelValues(proto).Add(float64(resp.Metrics.BytesSent))
		m.BytesReceived.WithLabelValues(proto).Add(float64(resp.Metrics.BytesReceived))
	}
}

// SetCurrentRPS updates the measured request rate.
func (m *Metrics) SetCurrentRPS(rps float64) {
	m.CurrentRPS.Set(rps)
}

// SetTargetRPS updates the configured request rate.
func (m *Metrics) SetTargetRPS(rps float64) {
	m.TargetRPS.Set(rps)
}

// SetActiveWorkers updates the active workers metric.
func (m *Metrics) SetActiveWorkers(count int) {
	m.ActiveWorkers.Set(float64(count))
}

// SetQueuedRequests updates the queued requests metric.
func (m *Metrics) SetQueuedRequests(count int) {
	m.QueuedRequests.Set(float64(count))
}

// SetDroppedEvents reports the drop counter of a streaming handler.
func (m *Metrics) SetDroppedEvents(proto string, n int64) {
	m.DroppedEvents.WithLabelValues(proto).Set(float64(n))
}

// IncRequestsInFlight increments the in-flight requests counter.
func (m *Metrics) IncRequestsInFlight() {
	m.RequestsInFlight.Inc()
}

// DecRequestsInFlight decrements the in-flight requests counter.
func (m *Metrics) DecRequestsInFlight() {
	m.RequestsInFlight.Dec()
}
