package sink

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/HerbHall/memwatcher/internal/export"
	"github.com/HerbHall/memwatcher/pkg/models"
)

// Prometheus keeps the most recent sample in gauges for scraping. Numeric
// metrics become memwatcher_sample_value{metric}; string metrics become
// memwatcher_sample_info{metric,value} set to 1.
type Prometheus struct {
	mu        sync.Mutex
	value     *prometheus.GaugeVec
	info      *prometheus.GaugeVec
	timestamp prometheus.Gauge
}

var _ export.Sink = (*Prometheus)(nil)

// NewPrometheus creates the gauges and registers them with reg.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	p := &Prometheus{
		value: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "memwatcher",
			Name:      "sample_value",
			Help:      "Latest sampled value of each numeric host metric.",
		}, []string{"metric"}),
		info: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "memwatcher",
			Name:      "sample_info",
			Help:      "Latest sampled value of each string host metric, as a label.",
		}, []string{"metric", "value"}),
		timestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "memwatcher",
			Name:      "sample_timestamp_seconds",
			Help:      "Capture time of the latest sample.",
		}),
	}
	for _, c := range []prometheus.Collector{p.value, p.info, p.timestamp} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return p, nil
}

func (p *Prometheus) Name() string { return "prometheus" }

func (p *Prometheus) Write(_ context.Context, s models.Sample) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, m := range s.Metrics {
		if f, ok := models.NumericValue(m.Value); ok {
			p.value.WithLabelValues(m.Name).Set(f)
			continue
		}
		p.info.DeletePartialMatch(prometheus.Labels{"metric": m.Name})
		p.info.WithLabelValues(m.Name, models.FormatValue(m.Value)).Set(1)
	}
	p.timestamp.Set(float64(s.Timestamp.UnixNano()) / 1e9)
	return nil
}
