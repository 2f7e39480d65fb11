// Package sink holds the export.Sink implementations.
package sink

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/HerbHall/memwatcher/internal/export"
	"github.com/HerbHall/memwatcher/pkg/models"
)

// ErrUnsafeValue is returned when a value would break the delimited row
// format, which performs no quoting.
var ErrUnsafeValue = errors.New("value contains a delimiter or line break")

const fieldSeparator = ","

// File appends one comma-joined row per sample to a text file. The file is
// opened and closed on every write; no handle is held between ticks.
type File struct {
	fs         afero.Fs
	path       string
	schema     models.Schema
	timeFormat string
	logger     *zap.Logger

	mu         sync.Mutex
	headerDone bool
}

// Compile-time guards.
var (
	_ export.Sink     = (*File)(nil)
	_ export.Preparer = (*File)(nil)
)

// FileOption configures a File sink.
type FileOption func(*File)

// WithTimeFormat sets the time.Format layout of the DateTime column.
func WithTimeFormat(layout string) FileOption {
	return func(f *File) {
		if layout != "" {
			f.timeFormat = layout
		}
	}
}

// NewFile creates a file sink writing schema rows to path on fs.
func NewFile(fs afero.Fs, path string, schema models.Schema, logger *zap.Logger, opts ...FileOption) *File {
	f := &File{
		fs:         fs,
		path:       path,
		schema:     schema,
		timeFormat: time.RFC3339Nano,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *File) Name() string { return "file" }

// Path returns the file being written.
func (f *File) Path() string { return f.path }

// Prepare writes the header row if the file is missing or empty. An
// existing non-empty file is left untouched, so restarting against the
// same file does not repeat the header.
func (f *File) Prepare(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ensureHeader()
}

// Write appends the sample as one row. Either the whole row is appended or
// the file is left as it was.
func (f *File) Write(_ context.Context, s models.Sample) error {
	row, err := f.formatRow(s)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ensureHeader(); err != nil {
		return err
	}
	return f.appendLine(row)
}

// Must be called with f.mu held.
func (f *File) ensureHeader() error {
	if f.headerDone {
		return nil
	}

	info, err := f.fs.Stat(f.path)
	switch {
	case err == nil && info.Size() > 0:
		f.headerDone = true
		return nil
	case err != nil && !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("stat %s: %w", f.path, err)
	}

	if dir := filepath.Dir(f.path); dir != "." {
		if err := f.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	if err := f.appendLine(strings.Join(f.schema.Header(), fieldSeparator)); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	f.headerDone = true
	f.logger.Info("csv header written", zap.String("path", f.path))
	return nil
}

func (f *File) appendLine(line string) (err error) {
	fh, err := f.fs.OpenFile(f.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", f.path, err)
	}
	defer func() {
		if cerr := fh.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", f.path, cerr)
		}
	}()

	info, err := fh.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", f.path, err)
	}
	size := info.Size()

	if _, werr := fh.WriteString(line + "\n"); werr != nil {
		if terr := fh.Truncate(size); terr != nil {
			f.logger.Error("failed to roll back partial row",
				zap.String("path", f.path),
				zap.Error(terr),
			)
		}
		return fmt.Errorf("append to %s: %w", f.path, werr)
	}
	return nil
}

// formatRow renders the DateTime column then each schema metric in order.
func (f *File) formatRow(s models.Sample) (string, error) {
	fields := make([]string, 0, len(f.schema.Metrics)+1)
	fields = append(fields, s.Timestamp.Format(f.timeFormat))
	for _, name := range f.schema.Metrics {
		v, ok := s.Get(name)
		if !ok {
			return "", fmt.Errorf("sample has no value for %q", name)
		}
		val := models.FormatValue(v)
		if strings.ContainsAny(val, ",\r\n") {
			return "", fmt.Errorf("%s=%q: %w", name, val, ErrUnsafeValue)
		}
		fields = append(fields, val)
	}
	if strings.ContainsAny(fields[0], ",\r\n") {
		return "", fmt.Errorf("time format %q: %w", f.timeFormat, ErrUnsafeValue)
	}
	return strings.Join(fields, fieldSeparator), nil
}
