// Package metrics exposes Prometheus collectors for the streaming client and
// the cache coordinator. A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"marketfeed/internal/model"
)

const namespace = "marketfeed"

// Metrics groups every collector the service exports.
type Metrics struct {
	StreamEvents   *prometheus.CounterVec
	Connected      prometheus.Gauge
	Reconnects     prometheus.Counter
	Failovers      prometheus.Counter
	CacheLookups   *prometheus.CounterVec
	SourceFetches  *prometheus.CounterVec
	FetchLatency   *prometheus.HistogramVec
	CacheEntries   *prometheus.GaugeVec
	Evictions      prometheus.Counter
	DataEvents     *prometheus.CounterVec
	DroppedEvents  *prometheus.CounterVec
	SinkWrites     *prometheus.CounterVec
	Subscriptions  prometheus.Gauge
	OrderBookDepth *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg. A nil reg skips
// registration, which keeps tests isolated from the default registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StreamEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "events_total",
			Help:      "Events emitted by the streaming client, by type.",
		}, []string{"type"}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "connected",
			Help:      "1 while the streaming connection is up.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "reconnect_attempts_total",
			Help:      "Scheduled reconnect attempts.",
		}),
		Failovers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "failovers_total",
			Help:      "Endpoint failovers.",
		}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Cache lookups by tier and result (hit, miss, stale).",
		}, []string{"tier", "result"}),
		SourceFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "source_fetches_total",
			Help:      "Fallback source fetches by tier and outcome.",
		}, []string{"tier", "outcome"}),
		FetchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "fetch_duration_seconds",
			Help:      "Fallback source fetch latency.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"tier"}),
		CacheEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Cached entries per tier after the last sweep.",
		}, []string{"tier"}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Entries removed by the cleanup sweep.",
		}),
		DataEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "data_events_total",
			Help:      "Data events emitted by the cache coordinator, by type.",
		}, []string{"type"}),
		DroppedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_events_total",
			Help:      "Events dropped because a consumer was too slow.",
		}, []string{"stage"}),
		SinkWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "writes_total",
			Help:      "Write-through sink calls by sink and outcome.",
		}, []string{"sink", "outcome"}),
		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "subscribed_symbols",
			Help:      "Symbols the cache coordinator is subscribed to.",
		}),
		OrderBookDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "orderbook",
			Name:      "levels",
			Help:      "Levels held per side of each merged order book.",
		}, []string{"symbol", "side"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.StreamEvents, m.Connected, m.Reconnects, m.Failovers,
			m.CacheLookups, m.SourceFetches, m.FetchLatency, m.CacheEntries,
			m.Evictions, m.DataEvents, m.DroppedEvents, m.SinkWrites,
			m.Subscriptions, m.OrderBookDepth,
		)
	}
	return m
}

// ObserveStreamEvent updates the stream collectors from a client event.
func (m *Metrics) ObserveStreamEvent(ev model.StreamEvent) {
	if m == nil {
		return
	}
	m.StreamEvents.WithLabelValues(ev.Type.String()).Inc()
	switch ev.Type {
	case model.StreamConnected:
		m.Connected.Set(1)
	case model.StreamDisconnected, model.StreamConnectionError:
		m.Connected.Set(0)
	case model.StreamReconnectAttempt:
		m.Reconnects.Inc()
	case model.StreamFailover:
		m.Failovers.Inc()
	}
}

// ObserveDataEvent counts a cache coordinator event.
func (m *Metrics) ObserveDataEvent(ev model.DataEvent) {
	if m == nil {
		return
	}
	m.DataEvents.WithLabelValues(ev.Type.String()).Inc()
}

func (m *Metrics) CacheLookup(tier, result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(tier, result).Inc()
}

// SourceFetch records one fallback fetch and its latency in seconds.
func (m *Metrics) SourceFetch(tier string, err error, seconds float64) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.SourceFetches.WithLabelValues(tier, outcome).Inc()
	m.FetchLatency.WithLabelValues(tier).Observe(seconds)
}

func (m *Metrics) SetCacheEntries(tier string, n int) {
	if m == nil {
		return
	}
	m.CacheEntries.WithLabelValues(tier).Set(float64(n))
}

func (m *Metrics) Evicted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Evictions.Add(float64(n))
}

func (m *Metrics) Dropped(stage string) {
	if m == nil {
		return
	}
	m.DroppedEvents.WithLabelValues(stage).Inc()
}

func (m *Metrics) SinkWrite(sink string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.SinkWrites.WithLabelValues(sink, outcome).Inc()
}

func (m *Metrics) SetSubscriptions(n int) {
	if m == nil {
		return
	}
	m.Subscriptions.Set(float64(n))
}

func (m *Metrics) SetBookDepth(symbol string, bids, asks int) {
	if m == nil {
		return
	}
	m.OrderBookDepth.WithLabelValues(symbol, "bid").Set(float64(bids))
	m.OrderBookDepth.WithLabelValues(symbol, "ask").Set(float64(asks))
}
