package repository

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	operations    *prometheus.CounterVec
	flushDuration prometheus.Histogram
	loadDuration  prometheus.Histogram
	contention    prometheus.Counter
	liveObjects   prometheus.Gauge
	incomplete    prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gridrepo",
			Subsystem: "repository",
			Name:      "operations_total",
			Help:      "Per-object repository operations by result.",
		}, []string{"op", "result"}),
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gridrepo",
			Subsystem: "repository",
			Name:      "flush_duration_seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
		loadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gridrepo",
			Subsystem: "repository",
			Name:      "load_duration_seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
		contention: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gridrepo",
			Subsystem: "repository",
			Name:      "lock_contention_total",
			Help:      "IDs a lock request could not obtain.",
		}),
		liveObjects: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gridrepo",
			Subsystem: "repository",
			Name:      "live_objects",
		}),
		incomplete: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gridrepo",
			Subsystem: "repository",
			Name:      "incomplete_objects",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.operations,
			m.flushDuration,
			m.loadDuration,
			m.contention,
			m.liveObjects,
			m.incomplete,
		)
	}
	return m
}

func (m *metrics) result(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.operations.WithLabelValues(op, result).Inc()
}
