// Package metrics defines the Prometheus collectors of the pipeline.
//
// All methods are safe on a nil *Metrics so callers can run without a registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "callbot"

type Metrics struct {
	reg *prometheus.Registry

	BatchesTotal    *prometheus.CounterVec // status
	EventsReceived  *prometheus.CounterVec // source
	EventsRejected  prometheus.Counter
	EventsDropped   *prometheus.CounterVec // reason
	EventsAccepted  prometheus.Counter
	EventLatency    prometheus.Histogram
	PostsPublished  *prometheus.CounterVec // driver
	PostsFailed     *prometheus.CounterVec // driver, kind
	PublishDuration *prometheus.HistogramVec
	ThreadResets    prometheus.Counter
	EnrichLookups   *prometheus.CounterVec // status
	BreakerState    *prometheus.GaugeVec   // state
	QueueDepth      prometheus.Gauge
	DedupEntries    prometheus.Gauge
}

// New registers every collector on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		BatchesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Batches delivered by the event source, by status",
		}, []string{"status"}),
		EventsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Valid call events received",
		}, []string{"source"}),
		EventsRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_rejected_total",
			Help:      "Call objects that failed validation",
		}),
		EventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events not posted, by reason",
		}, []string{"reason"}), // "duplicate", "stale", "below_threshold"
		EventsAccepted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_accepted_total",
			Help:      "Events that passed dedup and filter",
		}),
		EventLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_latency_seconds",
			Help:      "Delay between the call time and its arrival",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~34m
		}),
		PostsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "posts_published_total",
			Help:      "Posts published, by driver",
		}, []string{"driver"}),
		PostsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "posts_failed_total",
			Help:      "Publish failures, by driver and error kind",
		}, []string{"driver", "kind"}),
		PublishDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_duration_seconds",
			Help:      "Duration of a single publish call",
			Buckets:   prometheus.DefBuckets,
		}, []string{"driver"}),
		ThreadResets: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "thread_resets_total",
			Help:      "Times a new reply chain was started",
		}),
		EnrichLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enrichment_lookups_total",
			Help:      "Participant lookups, by result status",
		}, []string{"status"}),
		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "enrichment_breaker_state",
			Help:      "1 for the current circuit breaker state",
		}, []string{"state"}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Batches waiting for the pipeline worker",
		}),
		DedupEntries: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dedup_entries",
			Help:      "Live ids in the dedup cache",
		}),
	}
}

// Registry exposes the underlying registry (tests, custom collectors).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) Batch(status string) {
	if m == nil {
		return
	}
	m.BatchesTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) Received(source string) {
	if m == nil {
		return
	}
	m.EventsReceived.WithLabelValues(source).Inc()
}

func (m *Metrics) Rejected(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.EventsRejected.Add(float64(n))
}

func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.EventsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) Accepted(latency time.Duration) {
	if m == nil {
		return
	}
	m.EventsAccepted.Inc()
	m.EventLatency.Observe(latency.Seconds())
}

func (m *Metrics) Published(driver string, took time.Duration) {
	if m == nil {
		return
	}
	m.PostsPublished.WithLabelValues(driver).Inc()
	m.PublishDuration.WithLabelValues(driver).Observe(took.Seconds())
}

func (m *Metrics) PublishFailed(driver, kind string) {
	if m == nil {
		return
	}
	m.PostsFailed.WithLabelValues(driver, kind).Inc()
}

func (m *Metrics) ThreadReset() {
	if m == nil {
		return
	}
	m.ThreadResets.Inc()
}

func (m *Metrics) Enrichment(status string) {
	if m == nil {
		return
	}
	m.EnrichLookups.WithLabelValues(status).Inc()
}

// Breaker marks state as the current breaker state.
func (m *Metrics) Breaker(state string) {
	if m == nil {
		return
	}
	for _, s := range []string{"closed", "open", "half-open"} {
		v := 0.0
		if s == state {
			v = 1
		}
		m.BreakerState.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) Queue(depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(depth))
}

func (m *Metrics) Dedup(n int) {
	if m == nil {
		return
	}
	m.DedupEntries.Set(float64(n))
}
