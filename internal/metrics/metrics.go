// Package metrics exposes Prometheus collectors for claims and the change feed.
//
// All methods are safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "billsplit"

// Claim outcomes recorded by ClaimResult.
const (
	ClaimCreated  = "created"
	ClaimExisting = "existing"
	ClaimConflict = "conflict"
	ClaimRemoved  = "removed"
	ClaimAbsent   = "absent"
)

// Metrics holds the service collectors.
type Metrics struct {
	claims           *prometheus.CounterVec
	subscribers      prometheus.Gauge
	evictions        prometheus.Counter
	changesPublished *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claim_operations_total",
			Help:      "Claim and unclaim requests by outcome.",
		}, []string{"result"}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feed_subscribers",
			Help:      "Live change feed subscribers.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_evictions_total",
			Help:      "Subscribers dropped because their buffer was full.",
		}),
		changesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_changes_published_total",
			Help:      "Changes published to the relay by table.",
		}, []string{"table"}),
	}
	reg.MustRegister(m.claims, m.subscribers, m.evictions, m.changesPublished)
	return m
}

// ClaimResult counts one claim store outcome.
func (m *Metrics) ClaimResult(result string) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(result).Inc()
}

// SubscriberAdded increments the live subscriber gauge.
func (m *Metrics) SubscriberAdded() {
	if m == nil {
		return
	}
	m.subscribers.Inc()
}

// SubscriberRemoved decrements the live subscriber gauge.
func (m *Metrics) SubscriberRemoved() {
	if m == nil {
		return
	}
	m.subscribers.Dec()
}

// SubscriberEvicted counts a slow-subscriber eviction.
func (m *Metrics) SubscriberEvicted() {
	if m == nil {
		return
	}
	m.evictions.Inc()
}

// ChangePublished counts a change published for table.
func (m *Metrics) ChangePublished(table string) {
	if m == nil {
		return
	}
	m.changesPublished.WithLabelValues(table).Inc()
}

// Claims returns the claim outcome counter.
func (m *Metrics) Claims() *prometheus.CounterVec {
	return m.claims
}

// Subscribers returns the live subscriber gauge.
func (m *Metrics) Subscribers() prometheus.Gauge {
	return m.subscribers
}

// Evictions returns the eviction counter.
func (m *Metrics) Evictions() prometheus.Counter {
	return m.evictions
}
