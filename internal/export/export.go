// Package export fans samples out to the configured sinks.
package export

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/HerbHall/memwatcher/pkg/models"
)

// Sink is a destination for exported samples.
type Sink interface {
	// Name identifies the sink in logs and metrics (e.g., "file", "seq").
	Name() string
	// Write records one sample.
	Write(ctx context.Context, s models.Sample) error
}

// Preparer is implemented by sinks that need one-off setup before the
// first sample, such as writing a file header or connecting to a broker.
type Preparer interface {
	Prepare(ctx context.Context) error
}

// Error wraps a failure from a single sink.
type Error struct {
	Sink string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("export to %s: %v", e.Sink, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Failures returns the per-sink errors contained in err, which may be a
// single *Error or a join of several.
func Failures(err error) []*Error {
	if err == nil {
		return nil
	}
	var out []*Error
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			out = append(out, Failures(e)...)
		}
		return out
	}
	var ee *Error
	if errors.As(err, &ee) {
		out = append(out, ee)
	}
	return out
}

// Exporter writes each sample to every sink independently.
type Exporter struct {
	sinks  []Sink
	logger *zap.Logger
}

// New creates an Exporter over sinks, in the order given.
func New(logger *zap.Logger, sinks ...Sink) *Exporter {
	return &Exporter{sinks: sinks, logger: logger}
}

// Sinks returns the sink names in write order.
func (e *Exporter) Sinks() []string {
	names := make([]string, len(e.sinks))
	for i, s := range e.sinks {
		names[i] = s.Name()
	}
	return names
}

// Prepare runs Prepare on every sink that implements Preparer.
func (e *Exporter) Prepare(ctx context.Context) error {
	var errs []error
	for _, s := range e.sinks {
		p, ok := s.(Preparer)
		if !ok {
			continue
		}
		if err := guard(s.Name(), func() error { return p.Prepare(ctx) }); err != nil {
			errs = append(errs, err)
			continue
		}
		e.logger.Debug("sink prepared", zap.String("sink", s.Name()))
	}
	return errors.Join(errs...)
}

// Write sends sample to every sink. A failing sink does not stop the
// others; the result joins one *Error per failed sink, or is nil.
func (e *Exporter) Write(ctx context.Context, sample models.Sample) error {
	var errs []error
	for _, s := range e.sinks {
		if err := guard(s.Name(), func() error { return s.Write(ctx, sample) }); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that implements io.Closer.
func (e *Exporter) Close() error {
	var errs []error
	for _, s := range e.sinks {
		c, ok := s.(io.Closer)
		if !ok {
			continue
		}
		if err := guard(s.Name(), c.Close); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// guard runs fn, converting an error or panic into *Error.
func guard(sink string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &Error{Sink: sink, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if ferr := fn(); ferr != nil {
		return &Error{Sink: sink, Err: ferr}
	}
	return nil
}
