// Package metrics holds the Prometheus collectors shared by the sync engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "valuation_sync"

type Metrics struct {
	CacheLookups     *prometheus.CounterVec
	CacheEvictions   *prometheus.CounterVec
	Verifications    *prometheus.CounterVec
	StreamState      prometheus.Gauge
	StreamReconnects prometheus.Counter
	StreamDropped    prometheus.Counter
	FieldUpdates     *prometheus.CounterVec
	Saves            *prometheus.CounterVec
	IdempotencyKeys  prometheus.Gauge
}

// New registers the collectors with reg. A nil reg leaves them unregistered,
// which suits tests that build many engines in one process.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Local cache lookups by cache and result (hit, miss, error).",
		}, []string{"cache", "result"}),
		CacheEvictions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Entries evicted on read by cache and reason (expired, corrupt).",
		}, []string{"cache", "reason"}),
		Verifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "background_verifications_total",
			Help:      "Background verifications by outcome.",
		}, []string{"outcome"}),
		StreamState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_state",
			Help:      "Streaming connection state (0 disconnected, 1 connecting, 2 connected, 3 failed, 4 closed).",
		}),
		StreamReconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_reconnect_attempts_total",
			Help:      "Reconnect attempts made after a streaming connection dropped.",
		}),
		StreamDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_dropped_frames_total",
			Help:      "Inbound frames dropped because they could not be decoded.",
		}),
		FieldUpdates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "field_updates_total",
			Help:      "Collected field values by result (applied, rejected).",
		}, []string{"result"}),
		Saves: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saves_total",
			Help:      "Session save attempts by outcome (saved, skipped, transient, permanent).",
		}, []string{"outcome"}),
		IdempotencyKeys: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "idempotency_keys",
			Help:      "Outstanding idempotency keys.",
		}),
	}
}

func (m *Metrics) CacheLookup(cache, result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(cache, result).Inc()
}

func (m *Metrics) CacheEviction(cache, reason string) {
	if m == nil {
		return
	}
	m.CacheEvictions.WithLabelValues(cache, reason).Inc()
}

func (m *Metrics) Verification(outcome string) {
	if m == nil {
		return
	}
	m.Verifications.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetStreamState(value float64) {
	if m == nil {
		return
	}
	m.StreamState.Set(value)
}

func (m *Metrics) StreamReconnect() {
	if m == nil {
		return
	}
	m.StreamReconnects.Inc()
}

func (m *Metrics) StreamDrop() {
	if m == nil {
		return
	}
	m.StreamDropped.Inc()
}

func (m *Metrics) FieldUpdate(result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.FieldUpdates.WithLabelValues(result).Add(float64(n))
}

func (m *Metrics) Save(outcome string) {
	if m == nil {
		return
	}
	m.Saves.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetIdempotencyKeys(n int) {
	if m == nil {
		return
	}
	m.IdempotencyKeys.Set(float64(n))
}
