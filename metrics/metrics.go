// Package metrics exports the bridge's operational counters and gauges
// in Prometheus format. Components record through a shared *Metrics;
// a nil receiver is a no-op so tests and trimmed-down deployments can
// skip the wiring.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fedbridge"

// Metrics owns the registry and every instrument the bridge records to.
type Metrics struct {
	registry *prometheus.Registry

	// Fed-side inbox pipeline, by processing stage.
	inboxRequests *prometheus.CounterVec

	// Chat-side transactions and the events inside them.
	transactions *prometheus.CounterVec
	intakeEvents *prometheus.CounterVec

	// Queue consumers, by queue and outcome.
	queueJobs *prometheus.CounterVec

	// Outbound deliveries, by classification.
	deliveries *prometheus.CounterVec
}

// Config configures the exporter.
type Config struct {
	// Registry to use; a fresh private one when nil.
	Registry *prometheus.Registry
}

// New builds the exporter and registers its instruments.
func New(cfg Config) *Metrics {
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{registry: registry}

	m.inboxRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inbox",
			Name:      "requests_total",
			Help:      "Inbound fed activity POSTs by processing stage",
		},
		[]string{"stage"},
	)

	m.transactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "intake",
			Name:      "transactions_total",
			Help:      "Homeserver transactions by outcome",
		},
		[]string{"outcome"},
	)

	m.intakeEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "intake",
			Name:      "events_total",
			Help:      "Chat events seen in transactions, by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	m.queueJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "jobs_total",
			Help:      "Queue jobs by queue and outcome",
		},
		[]string{"queue", "outcome"},
	)

	m.deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "attempts_total",
			Help:      "Outbound inbox POST attempts by classification",
		},
		[]string{"outcome"},
	)

	registry.MustRegister(
		m.inboxRequests,
		m.transactions,
		m.intakeEvents,
		m.queueJobs,
		m.deliveries,
	)

	return m
}

// Probes are pull-style gauges sampled at scrape time. Any nil field is
// skipped.
type Probes struct {
	TranslateOutDepth func() float64
	TranslateInDepth  func() float64
	DeliverDepth      func() float64
	OpenCircuits      func() float64
	MediaCacheBytes   func() float64
	MediaCacheItems   func() float64
}

// RegisterProbes attaches the state gauges. Call once during wiring.
func (m *Metrics) RegisterProbes(p Probes) {
	if m == nil {
		return
	}
	gauge := func(subsystem, name, help string, fn func() float64) {
		if fn == nil {
			return
		}
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      name,
				Help:      help,
			},
			fn,
		))
	}
	gauge("queue", "translate_out_depth", "Messages waiting in the translate-out stream", p.TranslateOutDepth)
	gauge("queue", "translate_in_depth", "Messages waiting in the translate-in stream", p.TranslateInDepth)
	gauge("queue", "deliver_depth", "Messages waiting in the deliver stream", p.DeliverDepth)
	gauge("federation", "open_circuits", "Remote hosts with an open circuit breaker", p.OpenCircuits)
	gauge("media", "cache_bytes", "Bytes held by the media proxy cache", p.MediaCacheBytes)
	gauge("media", "cache_items", "Objects held by the media proxy cache", p.MediaCacheItems)
}

// RecordInbox counts an inbox request reaching a pipeline stage.
func (m *Metrics) RecordInbox(stage string) {
	if m == nil {
		return
	}
	m.inboxRequests.WithLabelValues(stage).Inc()
}

// RecordTransaction counts a homeserver transaction outcome.
func (m *Metrics) RecordTransaction(outcome string) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(outcome).Inc()
}

// RecordIntakeEvent counts one chat event's intake outcome.
func (m *Metrics) RecordIntakeEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.intakeEvents.WithLabelValues(eventType, outcome).Inc()
}

// RecordQueueJob counts one consumed job's outcome.
func (m *Metrics) RecordQueueJob(queue, outcome string) {
	if m == nil {
		return
	}
	m.queueJobs.WithLabelValues(queue, outcome).Inc()
}

// RecordDelivery counts one outbound delivery attempt's classification.
func (m *Metrics) RecordDelivery(outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(outcome).Inc()
}

// Handler serves the scrape endpoint for this exporter's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for additional collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
