package watcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type agentMetrics struct {
	ticks          prometheus.Counter
	sampleFailures prometheus.Counter
	exportFailures *prometheus.CounterVec
	tickDuration   prometheus.Histogram
}

func newAgentMetrics() *agentMetrics {
	return &agentMetrics{
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "memwatcher",
			Name:      "ticks_total",
			Help:      "Ticks started by the watcher agent.",
		}),
		sampleFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "memwatcher",
			Name:      "sample_failures_total",
			Help:      "Ticks whose sample read failed.",
		}),
		exportFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memwatcher",
			Name:      "export_failures_total",
			Help:      "Failed sink writes, by sink.",
		}, []string{"sink"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "memwatcher",
			Name:      "tick_duration_seconds",
			Help:      "Time spent sampling and exporting in one tick.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
	}
}

// register adds the collectors to reg. Registration failures are logged;
// the counters keep working unregistered.
func (m *agentMetrics) register(reg prometheus.Registerer, logger *zap.Logger) {
	if reg == nil {
		return
	}
	for _, c := range []prometheus.Collector{m.ticks, m.sampleFailures, m.exportFailures, m.tickDuration} {
		if err := reg.Register(c); err != nil {
			logger.Warn("failed to register agent metric", zap.Error(err))
		}
	}
}
