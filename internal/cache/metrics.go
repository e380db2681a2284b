package cache

import "github.com/prometheus/client_golang/prometheus"

// metrics 缓存的 Prometheus 指标，nil 接收者上的方法都是空操作
type metrics struct {
	hits         prometheus.Counter
	misses       prometheus.Counter
	computations prometheus.Counter
	evictions    prometheus.Counter
	purges       prometheus.Counter
	size         prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer, component string) (*metrics, error) {
	labels := prometheus.Labels{"component": component}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "schema_retriever",
			Subsystem:   "cache",
			Name:        name,
			ConstLabels: labels,
			Help:        help,
		})
	}

	m := &metrics{
		hits:         counter("hits_total", "Total number of cache hits"),
		misses:       counter("misses_total", "Total number of cache misses"),
		computations: counter("computations_total", "Total number of computations run on a miss"),
		evictions:    counter("evictions_total", "Total number of LRU evictions"),
		purges:       counter("purged_total", "Total number of entries removed by version invalidation or purge"),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "schema_retriever",
			Subsystem:   "cache",
			Name:        "size",
			ConstLabels: labels,
			Help:        "Current number of entries in cache",
		}),
	}

	for _, c := range []prometheus.Collector{m.hits, m.misses, m.computations, m.evictions, m.purges, m.size} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *metrics) hit() {
	if m != nil {
		m.hits.Inc()
	}
}

func (m *metrics) miss() {
	if m != nil {
		m.misses.Inc()
	}
}

func (m *metrics) computation() {
	if m != nil {
		m.computations.Inc()
	}
}

func (m *metrics) eviction() {
	if m != nil {
		m.evictions.Inc()
	}
}

func (m *metrics) purge(n int) {
	if m != nil && n > 0 {
		m.purges.Add(float64(n))
	}
}

func (m *metrics) setSize(n int) {
	if m != nil {
		m.size.Set(float64(n))
	}
}
