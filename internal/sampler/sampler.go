// Package sampler turns host counter readings into Samples.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/memwatcher/internal/host"
	"github.com/HerbHall/memwatcher/pkg/models"
)

var (
	// ErrMissingMetric means the source returned no value for a schema metric.
	ErrMissingMetric = errors.New("metric missing from reading")
	// ErrInvalidValue means a numeric value was negative, NaN or infinite,
	// or the value had an unsupported type.
	ErrInvalidValue = errors.New("invalid metric value")
)

// ReadError reports a failed sample read. Metric is empty when the whole
// source was unavailable.
type ReadError struct {
	Metric string
	Err    error
}

func (e *ReadError) Error() string {
	if e.Metric == "" {
		return fmt.Sprintf("sample read failed: %v", e.Err)
	}
	return fmt.Sprintf("sample read failed: %s: %v", e.Metric, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// Clock supplies sample timestamps.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Reader produces one Sample per call.
type Reader interface {
	Read(ctx context.Context) (models.Sample, error)
}

// Sampler reads every metric of a Schema from a host.Source.
type Sampler struct {
	schema models.Schema
	source host.Source
	clock  Clock
	logger *zap.Logger

	mu   sync.Mutex
	last time.Time
}

// Compile-time guard.
var _ Reader = (*Sampler)(nil)

// Option configures a Sampler.
type Option func(*Sampler)

// WithClock overrides the timestamp source.
func WithClock(c Clock) Option {
	return func(s *Sampler) { s.clock = c }
}

// New creates a Sampler for schema backed by source.
func New(schema models.Schema, source host.Source, logger *zap.Logger, opts ...Option) *Sampler {
	s := &Sampler{
		schema: schema,
		source: source,
		clock:  systemClock{},
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schema returns the schema this sampler reads.
func (s *Sampler) Schema() models.Schema { return s.schema }

// Read returns a complete Sample or a *ReadError. Partial samples are never
// returned.
func (s *Sampler) Read(ctx context.Context) (models.Sample, error) {
	readings, err := s.source.Read(ctx, s.schema.Metrics)
	if err != nil {
		return models.Sample{}, &ReadError{Err: err}
	}

	metrics := make([]models.Metric, 0, len(s.schema.Metrics))
	for _, name := range s.schema.Metrics {
		v, ok := readings[name]
		if !ok {
			return models.Sample{}, &ReadError{Metric: name, Err: ErrMissingMetric}
		}
		nv, err := normalize(v)
		if err != nil {
			return models.Sample{}, &ReadError{Metric: name, Err: err}
		}
		metrics = append(metrics, models.Metric{Name: name, Value: nv})
	}

	return models.NewSample(s.timestamp(), metrics), nil
}

// timestamp returns the clock's time in UTC, never earlier than the
// previous sample's.
func (s *Sampler) timestamp() time.Time {
	now := s.clock.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	if now.Before(s.last) {
		s.logger.Warn("clock moved backwards; reusing previous sample time",
			zap.Time("now", now),
			zap.Time("previous", s.last),
		)
		now = s.last
	}
	s.last = now
	return now
}

// normalize widens integer types and rejects values that cannot be exported.
func normalize(v any) (any, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case uint64:
		return val, nil
	case uint32:
		return uint64(val), nil
	case uint:
		return uint64(val), nil
	case int:
		return checkInt(int64(val))
	case int32:
		return checkInt(int64(val))
	case int64:
		return checkInt(val)
	case float32:
		return checkFloat(float64(val))
	case float64:
		return checkFloat(val)
	default:
		return nil, fmt.Errorf("%w: unsupported type %T", ErrInvalidValue, v)
	}
}

func checkInt(v int64) (any, error) {
	if v < 0 {
		return nil, fmt.Errorf("%w: negative value %d", ErrInvalidValue, v)
	}
	return v, nil
}

func checkFloat(v float64) (any, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, v)
	}
	if v < 0 {
		return nil, fmt.Errorf("%w: negative value %v", ErrInvalidValue, v)
	}
	return v, nil
}
