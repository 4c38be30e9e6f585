// Package metrics exposes Prometheus instrumentation for a running
// GossipNode: a promauto-constructed Metrics struct covering the gossip
// engine's event/exchange/peer vocabulary.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every counter, gauge and histogram the engine reports.
type Metrics struct {
	eventsCreated   prometheus.Counter
	eventsReceived  *prometheus.CounterVec
	exchangesTotal  *prometheus.CounterVec
	exchangeLatency prometheus.Histogram
	eventsPerExchange prometheus.Histogram

	peersKnown       prometheus.Gauge
	peerReliability  *prometheus.GaugeVec
	vectorClockNodes prometheus.Gauge
	eventsStored     prometheus.Gauge

	vectorClockGCRemoved prometheus.Counter
}

// New constructs and registers every metric against the default Prometheus
// registry.
func New() *Metrics {
	return &Metrics{
		eventsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "gossip_events_created_total",
			Help: "Total number of events authored locally via Create.",
		}),
		eventsReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gossip_events_received_total",
			Help: "Total number of previously-unknown events learned from peers.",
		}, []string{"from_peer"}),
		exchangesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gossip_exchanges_total",
			Help: "Total number of digest exchanges attempted, by outcome.",
		}, []string{"outcome"}),
		exchangeLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "gossip_exchange_duration_seconds",
			Help:    "Duration of a single digest exchange.",
			Buckets: prometheus.DefBuckets,
		}),
		eventsPerExchange: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "gossip_events_per_exchange",
			Help:    "Number of events moved in a single exchange.",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
		}),
		peersKnown: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "gossip_peers_known",
			Help: "Current number of known gossip-level peers.",
		}),
		peerReliability: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gossip_peer_reliability_score",
			Help: "Current reliability score [0,100] for a peer.",
		}, []string{"peer"}),
		vectorClockNodes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "gossip_vector_clock_nodes",
			Help: "Number of node entries currently tracked in the local vector clock.",
		}),
		eventsStored: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "gossip_events_stored",
			Help: "Total number of events currently retained in the event store.",
		}),
		vectorClockGCRemoved: promauto.NewCounter(prometheus.CounterOpts{
			Name: "gossip_vector_clock_gc_removed_total",
			Help: "Total number of stale node entries removed from the vector clock by garbage collection.",
		}),
	}
}

func (m *Metrics) RecordEventCreated() {
	m.eventsCreated.Inc()
}

func (m *Metrics) RecordEventReceived(fromPeer string) {
	m.eventsReceived.WithLabelValues(fromPeer).Inc()
}

func (m *Metrics) RecordExchange(success bool, duration time.Duration, eventsExchanged int) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.exchangesTotal.WithLabelValues(outcome).Inc()
	m.exchangeLatency.Observe(duration.Seconds())
	m.eventsPerExchange.Observe(float64(eventsExchanged))
}

func (m *Metrics) SetPeersKnown(n int) {
	m.peersKnown.Set(float64(n))
}

func (m *Metrics) SetPeerReliability(peer string, score int) {
	m.peerReliability.WithLabelValues(peer).Set(float64(score))
}

func (m *Metrics) SetVectorClockNodes(n int) {
	m.vectorClockNodes.Set(float64(n))
}

func (m *Metrics) SetEventsStored(n int) {
	m.eventsStored.Set(float64(n))
}

func (m *Metrics) RecordVectorClockGC(removed int) {
	m.vectorClockGCRemoved.Add(float64(removed))
}

// Registry returns the gatherer metrics were registered against, for
// wiring into an HTTP handler alongside debughttp's own routes.
func (m *Metrics) Registry() prometheus.Gatherer {
	return prometheus.DefaultGatherer
}
