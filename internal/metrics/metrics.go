// Package metrics defines the Prometheus metric sets for the two binaries.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Ingestor holds all Prometheus metrics for the gateway ingestor.
type Ingestor struct {
	// Gateway metrics
	EventsReceived *prometheus.CounterVec
	Guilds         prometheus.Gauge
	LatencyMS      prometheus.Gauge
	Reconnects     prometheus.Counter

	// Publish metrics
	EventsPublished *prometheus.CounterVec
	PublishFailures *prometheus.CounterVec
	EventsDropped   *prometheus.CounterVec
	PublishDuration prometheus.Histogram
}

// NewIngestor creates and registers the ingestor metrics. A nil registerer
// falls back to the default registry.
func NewIngestor(reg prometheus.Registerer) *Ingestor {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Ingestor{
		EventsReceived: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_events_received_total",
				Help: "Total gateway dispatch events received",
			},
			[]string{"shard", "kind"},
		),

		Guilds: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_guilds",
				Help: "Approximate number of guilds served by this shard",
			},
		),

		LatencyMS: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_latency_ms",
				Help: "Heartbeat round trip to the gateway in milliseconds",
			},
		),

		Reconnects: f.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_reconnects_total",
				Help: "Total gateway reconnect cycles",
			},
		),

		EventsPublished: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_events_published_total",
				Help: "Total envelopes confirmed by the broker",
			},
			[]string{"kind"},
		),

		PublishFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_publish_failures_total",
				Help: "Total envelope publishes that failed or were nacked",
			},
			[]string{"kind"},
		),

		EventsDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_events_dropped_total",
				Help: "Total events dropped before reaching the broker",
			},
			[]string{"reason"}, // reason: buffer_full, publish_failed, dm_interaction
		),

		PublishDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "publish_duration_seconds",
				Help:    "Time from publish to broker confirm",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
		),
	}
}

// RecordReceived counts one inbound gateway event.
func (m *Ingestor) RecordReceived(shard, kind string) {
	m.EventsReceived.WithLabelValues(shard, kind).Inc()
}

// RecordPublished counts one broker-confirmed envelope.
func (m *Ingestor) RecordPublished(kind string, seconds float64) {
	m.EventsPublished.WithLabelValues(kind).Inc()
	m.PublishDuration.Observe(seconds)
}

// RecordPublishFailure counts one failed or nacked publish.
func (m *Ingestor) RecordPublishFailure(kind string) {
	m.PublishFailures.WithLabelValues(kind).Inc()
}

// RecordDropped counts one event dropped before the broker.
func (m *Ingestor) RecordDropped(reason string) {
	m.EventsDropped.WithLabelValues(reason).Inc()
}

// Worker holds all Prometheus metrics for the worker pool.
type Worker struct {
	// Delivery metrics
	Deliveries      *prometheus.CounterVec
	Handled         *prometheus.CounterVec
	Inflight        prometheus.Gauge
	HandlerDuration *prometheus.HistogramVec

	// Failure metrics
	HandlerErrors   *prometheus.CounterVec
	DeadlineMisses  prometheus.Counter
	MalformedEvents prometheus.Counter
	Duplicates      prometheus.Counter

	// Policy metrics
	AdminDenied prometheus.Counter
	RateLimited *prometheus.CounterVec
}

// NewWorker creates and registers the worker metrics. A nil registerer
// falls back to the default registry.
func NewWorker(reg prometheus.Registerer) *Worker {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Worker{
		Deliveries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "worker_deliveries_total",
				Help: "Total broker deliveries received",
			},
			[]string{"queue"},
		),

		Handled: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "worker_handled_total",
				Help: "Total deliveries settled, by disposition",
			},
			[]string{"disposition"}, // disposition: ack, retry, drop, reject
		),

		Inflight: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "worker_inflight",
				Help: "Deliveries currently being processed",
			},
		),

		HandlerDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "handler_duration_seconds",
				Help:    "Handler execution time",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"event"},
		),

		HandlerErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "worker_handler_errors_total",
				Help: "Total handler failures, by error kind",
			},
			[]string{"kind"}, // kind: transient, permanent, deadline_miss, degraded, fatal
		),

		DeadlineMisses: f.NewCounter(
			prometheus.CounterOpts{
				Name: "worker_deadline_misses_total",
				Help: "Total interactions whose defer window expired before dispatch",
			},
		),

		MalformedEvents: f.NewCounter(
			prometheus.CounterOpts{
				Name: "worker_malformed_events_total",
				Help: "Total deliveries that failed envelope decoding",
			},
		),

		Duplicates: f.NewCounter(
			prometheus.CounterOpts{
				Name: "worker_duplicates_total",
				Help: "Total deliveries skipped by the idempotency check",
			},
		),

		AdminDenied: f.NewCounter(
			prometheus.CounterOpts{
				Name: "worker_admin_denied_total",
				Help: "Total admin commands denied for missing permissions",
			},
		),

		RateLimited: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "worker_rate_limited_total",
				Help: "Total actions denied by tenant rate limits",
			},
			[]string{"action"},
		),
	}
}

// RecordDelivery counts one consumed delivery.
func (m *Worker) RecordDelivery(queue string) {
	m.Deliveries.WithLabelValues(queue).Inc()
}

// RecordHandled counts one settled delivery.
func (m *Worker) RecordHandled(disposition string) {
	m.Handled.WithLabelValues(disposition).Inc()
}

// RecordHandlerError counts one handler failure by taxonomy kind.
func (m *Worker) RecordHandlerError(kind string) {
	m.HandlerErrors.WithLabelValues(kind).Inc()
}

// ObserveHandler records one handler execution.
func (m *Worker) ObserveHandler(event string, seconds float64) {
	m.HandlerDuration.WithLabelValues(event).Observe(seconds)
}

// RecordRateLimited counts one rate limit denial.
func (m *Worker) RecordRateLimited(action string) {
	m.RateLimited.WithLabelValues(action).Inc()
}
