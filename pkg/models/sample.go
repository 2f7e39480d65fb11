package models

import (
	"fmt"
	"strconv"
	"time"
)

// Metric is a single named observation inside a Sample.
// Value holds an int64, uint64, float64 or string.
type Metric struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// Sample is one timestamped snapshot of a Schema's metrics. Samples are
// built once by the sampler and never modified afterwards.
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	Metrics   []Metric  `json:"metrics"`
}

// NewSample returns a Sample that owns a copy of metrics.
func NewSample(ts time.Time, metrics []Metric) Sample {
	m := make([]Metric, len(metrics))
	copy(m, metrics)
	return Sample{Timestamp: ts, Metrics: m}
}

// Get returns the value recorded for name.
func (s Sample) Get(name string) (any, bool) {
	for _, m := range s.Metrics {
		if m.Name == name {
			return m.Value, true
		}
	}
	return nil, false
}

// Names returns the metric names in sample order.
func (s Sample) Names() []string {
	names := make([]string, len(s.Metrics))
	for i, m := range s.Metrics {
		names[i] = m.Name
	}
	return names
}

// Values returns every metric value rendered with FormatValue, in sample order.
func (s Sample) Values() []string {
	values := make([]string, len(s.Metrics))
	for i, m := range s.Metrics {
		values[i] = FormatValue(m.Value)
	}
	return values
}

// FormatValue renders a metric value for delimited or line-oriented output.
func FormatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	default:
		return fmt.Sprint(val)
	}
}

// NumericValue converts a numeric metric value to float64. ok is false for
// strings and unsupported types.
func NumericValue(v any) (f float64, ok bool) {
	switch val := v.(type) {
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint64:
		return float64(val), true
	case float64:
		return val, true
	case float32:
		return float64(val), true
	default:
		return 0, false
	}
}
