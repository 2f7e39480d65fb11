package models

import (
	"fmt"
	"slices"
	"sort"
)

// Metric names exposed by the host source.
const (
	MetricCPUUtilization        = "CPUUtilization"
	MetricCPUUtilizationRAW     = "CPUUtilizationRAW"
	MetricMaximumCPUUtilization = "MaximumCPUUtilization"
	MetricRAMFree               = "RAMFree"
	MetricRAMFreeMinimum        = "RAMFreeMinimum"
	MetricTotalRAMSize          = "TotalRAMSize"
	MetricTotalRamSize          = "TotalRamSize"
	MetricHardwareVersion       = "HardwareVersion"
	MetricSerialNumber          = "SerialNumber"
)

// TimeColumn is the first column of every delimited row.
const TimeColumn = "DateTime"

// Schema is the ordered set of metric names a deployment samples.
type Schema struct {
	Name    string   `json:"name"`
	Metrics []string `json:"metrics"`
}

// Built-in schemas.
var (
	SystemMonitorSchema = Schema{
		Name: "system-monitor",
		Metrics: []string{
			MetricCPUUtilization,
			MetricCPUUtilizationRAW,
			MetricMaximumCPUUtilization,
			MetricRAMFree,
			MetricRAMFreeMinimum,
			MetricTotalRAMSize,
		},
	}
	SystemInfoSchema = Schema{
		Name: "system-info",
		Metrics: []string{
			MetricRAMFree,
			MetricHardwareVersion,
			MetricSerialNumber,
			MetricTotalRamSize,
		},
	}
)

var builtinSchemas = map[string]Schema{
	SystemMonitorSchema.Name: SystemMonitorSchema.clone(),
	SystemInfoSchema.Name:    SystemInfoSchema.clone(),
}

// NewSchema builds a custom schema. Names must be non-empty and unique.
func NewSchema(name string, metrics ...string) (Schema, error) {
	if len(metrics) == 0 {
		return Schema{}, fmt.Errorf("schema %q: no metrics", name)
	}
	seen := make(map[string]struct{}, len(metrics))
	for _, m := range metrics {
		if m == "" {
			return Schema{}, fmt.Errorf("schema %q: empty metric name", name)
		}
		if _, dup := seen[m]; dup {
			return Schema{}, fmt.Errorf("schema %q: duplicate metric %q", name, m)
		}
		seen[m] = struct{}{}
	}
	out := make([]string, len(metrics))
	copy(out, metrics)
	return Schema{Name: name, Metrics: out}, nil
}

// SchemaByName returns a copy of one of the built-in schemas.
func SchemaByName(name string) (Schema, error) {
	s, ok := builtinSchemas[name]
	if !ok {
		return Schema{}, fmt.Errorf("unknown schema %q (known: %v)", name, SchemaNames())
	}
	return s.clone(), nil
}

// SchemaNames lists the built-in schema names in sorted order.
func SchemaNames() []string {
	names := make([]string, 0, len(builtinSchemas))
	for n := range builtinSchemas {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (s Schema) clone() Schema {
	return Schema{Name: s.Name, Metrics: slices.Clone(s.Metrics)}
}

// Header returns the delimited header columns: TimeColumn then every metric.
func (s Schema) Header() []string {
	return append([]string{TimeColumn}, s.Metrics...)
}
