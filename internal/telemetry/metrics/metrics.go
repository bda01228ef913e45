// Package metrics exposes broker counters in Prometheus format. A nil *Metrics is valid and
// records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "auction_tracker"

// Metrics holds the broker collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	bidsAccepted   prometheus.Counter
	bidsRejected   *prometheus.CounterVec
	eventsRelayed  *prometheus.CounterVec
	directSent     prometheus.Counter
	directMissed   prometheus.Counter
	fanoutSize     prometheus.Histogram
	slowConnDrops  prometheus.Counter
	authFailures   prometheus.Counter
	superseded     prometheus.Counter
	rateLimited    prometheus.Counter
	storeWriteErrs *prometheus.CounterVec
}

// New registers the broker collectors plus Go and process collectors. activeSessions, when
// non-nil, is sampled on every scrape.
func New(activeSessions func() float64) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		bidsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bids_accepted_total",
			Help: "Bids that passed validation and were fanned out.",
		}),
		bidsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "bids_rejected_total",
			Help: "Bids rejected before fan-out, by reason.",
		}, []string{"reason"}),
		eventsRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_relayed_total",
			Help: "Public events fanned out, by event type.",
		}, []string{"type"}),
		directSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "direct_messages_sent_total",
			Help: "Direct messages delivered to a connected peer.",
		}),
		directMissed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "direct_messages_unroutable_total",
			Help: "Direct messages addressed to a peer that is not connected.",
		}),
		fanoutSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "fanout_receivers",
			Help:    "Connections a public event was enqueued to.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		slowConnDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "slow_connections_dropped_total",
			Help: "Connections closed because their outbound queue was full.",
		}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "authentication_failures_total",
			Help: "Session tokens rejected on authenticate, broadcast, direct or heartbeat.",
		}),
		superseded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_superseded_total",
			Help: "Sessions replaced by a newer connection of the same identity.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rate_limited_total",
			Help: "Publish or direct requests refused by the per-identity limiter.",
		}),
		storeWriteErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "store_write_failures_total",
			Help: "Leader or resolution writes kept in memory only.",
		}, []string{"store"}),
	}
	reg.MustRegister(
		m.bidsAccepted, m.bidsRejected, m.eventsRelayed, m.directSent, m.directMissed,
		m.fanoutSize, m.slowConnDrops, m.authFailures, m.superseded, m.rateLimited, m.storeWriteErrs,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if activeSessions != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sessions_active",
			Help: "Authenticated sessions currently registered.",
		}, activeSessions))
	}
	return m
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) IncBidAccepted() {
	if m != nil {
		m.bidsAccepted.Inc()
	}
}

func (m *Metrics) IncBidRejected(reason string) {
	if m != nil {
		m.bidsRejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) ObserveFanout(eventType string, receivers int) {
	if m != nil {
		m.eventsRelayed.WithLabelValues(eventType).Inc()
		m.fanoutSize.Observe(float64(receivers))
	}
}

func (m *Metrics) IncDirectSent() {
	if m != nil {
		m.directSent.Inc()
	}
}

func (m *Metrics) IncDirectUnroutable() {
	if m != nil {
		m.directMissed.Inc()
	}
}

func (m *Metrics) IncSlowConnDropped() {
	if m != nil {
		m.slowConnDrops.Inc()
	}
}

func (m *Metrics) IncAuthFailure() {
	if m != nil {
		m.authFailures.Inc()
	}
}

func (m *Metrics) IncSuperseded() {
	if m != nil {
		m.superseded.Inc()
	}
}

func (m *Metrics) IncRateLimited() {
	if m != nil {
		m.rateLimited.Inc()
	}
}

// IncStoreWriteFailure counts a write that did not reach the backing store ("leader" or "resolution").
func (m *Metrics) IncStoreWriteFailure(store string) {
	if m != nil {
		m.storeWriteErrs.WithLabelValues(store).Inc()
	}
}
