package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics 编排层指标，nil 接收者上的方法都是空操作
type metrics struct {
	requests *prometheus.CounterVec
	latency  prometheus.Histogram
	stages   *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "schema_retriever",
			Subsystem: "pipeline",
			Name:      "requests_total",
			Help:      "Total number of ask requests by outcome",
		}, []string{"outcome"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "schema_retriever",
			Subsystem: "pipeline",
			Name:      "request_duration_seconds",
			Help:      "End to end ask latency",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
		stages: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "schema_retriever",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Per stage latency",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"stage"}),
	}
	for _, c := range []prometheus.Collector{m.requests, m.latency, m.stages} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *metrics) request(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
	m.latency.Observe(elapsed.Seconds())
}

func (m *metrics) stage(st Stage, elapsed time.Duration) {
	if m == nil || st == StageDone || st == StageCache {
		return
	}
	m.stages.WithLabelValues(string(st)).Observe(elapsed.Seconds())
}
