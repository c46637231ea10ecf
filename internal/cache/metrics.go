package cache

import "github.com/prometheus/client_golang/prometheus"

const (
	MetricHits      = "hits_total"
	MetricMisses    = "misses_total"
	MetricStores    = "stores_total"
	MetricRefused   = "refused_total"
	MetricEvictions = "evictions_total"
	MetricExpired   = "expired_total"
	MetricSize      = "size_bytes"
)

// Metrics are the cache counters. A nil *Metrics records nothing.
type Metrics struct {
	Hits      prometheus.Counter
	Misses    prometheus.Counter
	Stores    prometheus.Counter
	Refused   prometheus.Counter
	Evictions prometheus.Counter
	Expired   prometheus.Counter
	Size      prometheus.Gauge
}

func counter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "novads",
		Subsystem: "cache",
		Name:      name,
		Help:      help,
	})
}

// NewMetrics creates the cache metrics and registers them with reg when reg
// is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Hits:      counter(MetricHits, "Lookups served from the cache."),
		Misses:    counter(MetricMisses, "Lookups that found no fresh entry."),
		Stores:    counter(MetricStores, "Entries added."),
		Refused:   counter(MetricRefused, "Entries not added because the byte budget was exhausted."),
		Evictions: counter(MetricEvictions, "Expired entries removed to make room."),
		Expired:   counter(MetricExpired, "Expired entries removed on lookup."),
		Size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "novads",
			Subsystem: "cache",
			Name:      MetricSize,
			Help:      "Bytes held by cached entries.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Hits, m.Misses, m.Stores, m.Refused, m.Evictions, m.Expired, m.Size)
	}
	return m
}

func (m *Metrics) hit() {
	if m != nil {
		m.Hits.Inc()
	}
}

func (m *Metrics) miss() {
	if m != nil {
		m.Misses.Inc()
	}
}

func (m *Metrics) stored(size int64) {
	if m != nil {
		m.Stores.Inc()
		m.Size.Set(float64(size))
	}
}

func (m *Metrics) refused() {
	if m != nil {
		m.Refused.Inc()
	}
}

func (m *Metrics) evicted(size int64) {
	if m != nil {
		m.Evictions.Inc()
		m.Size.Set(float64(size))
	}
}

func (m *Metrics) expired(size int64) {
	if m != nil {
		m.Expired.Inc()
		m.Size.Set(float64(size))
	}
}

func (m *Metrics) resize(size int64) {
	if m != nil {
		m.Size.Set(float64(size))
	}
}
