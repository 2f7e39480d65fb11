// Package host reads system counters from the machine memwatcher runs on.
package host

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/HerbHall/memwatcher/pkg/models"
)

var (
	// ErrUnsupported is returned when the platform cannot supply a counter.
	ErrUnsupported = errors.New("host metrics are not supported on this platform")
	// ErrUnknownMetric is returned for names the source does not recognise.
	ErrUnknownMetric = errors.New("unknown metric")
)

// Identifier files, tried in order.
var (
	hardwareVersionFiles = []string{
		"/sys/class/dmi/id/product_version",
		"/sys/class/dmi/id/board_version",
	}
	serialNumberFiles = []string{
		"/sys/class/dmi/id/product_serial",
		"/sys/class/dmi/id/board_serial",
		"/etc/machine-id",
	}
)

// Source reads the current values of the named host counters.
type Source interface {
	Read(ctx context.Context, names []string) (map[string]any, error)
}

type cpuTimes struct {
	busy  uint64
	total uint64
}

type memStats struct {
	total     uint64
	available uint64
}

// statsReader is the platform-specific counter backend.
type statsReader interface {
	cpuTimes() (cpuTimes, error)
	memory() (memStats, error)
	machine() (string, error)
}

// SystemSource reads counters from the local operating system. It keeps
// the previous CPU reading to compute utilization between calls, and the
// running extremes reported as MaximumCPUUtilization and RAMFreeMinimum.
type SystemSource struct {
	fs     afero.Fs
	stats  statsReader
	logger *zap.Logger

	mu       sync.Mutex
	prevCPU  *cpuTimes
	lastPct  float64
	maxCPU   int64
	minFree  uint64
	seenFree bool
}

// Compile-time guard.
var _ Source = (*SystemSource)(nil)

// NewSystemSource returns a platform-appropriate source. Identifier files
// are read through fs.
func NewSystemSource(fs afero.Fs, logger *zap.Logger) *SystemSource {
	return newSystemSource(fs, newPlatformStats(logger), logger)
}

func newSystemSource(fs afero.Fs, stats statsReader, logger *zap.Logger) *SystemSource {
	return &SystemSource{fs: fs, stats: stats, logger: logger}
}

// Supported reports whether name is a counter this source can read.
func Supported(name string) bool {
	switch name {
	case models.MetricCPUUtilization, models.MetricCPUUtilizationRAW, models.MetricMaximumCPUUtilization,
		models.MetricRAMFree, models.MetricRAMFreeMinimum, models.MetricTotalRAMSize, models.MetricTotalRamSize,
		models.MetricHardwareVersion, models.MetricSerialNumber:
		return true
	}
	return false
}

// Read returns a value for every requested name, or an error if any of
// them cannot be read.
func (s *SystemSource) Read(ctx context.Context, names []string) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var needCPU, needMem bool
	for _, name := range names {
		switch name {
		case models.MetricCPUUtilization, models.MetricCPUUtilizationRAW, models.MetricMaximumCPUUtilization:
			needCPU = true
		case models.MetricRAMFree, models.MetricRAMFreeMinimum, models.MetricTotalRAMSize, models.MetricTotalRamSize:
			needMem = true
		case models.MetricHardwareVersion, models.MetricSerialNumber:
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownMetric, name)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		pct float64
		mem memStats
	)
	if needCPU {
		p, err := s.readCPU()
		if err != nil {
			return nil, err
		}
		pct = p
	}
	if needMem {
		m, err := s.stats.memory()
		if err != nil {
			return nil, err
		}
		mem = m
		if !s.seenFree || mem.available < s.minFree {
			s.minFree = mem.available
			s.seenFree = true
		}
	}

	out := make(map[string]any, len(names))
	for _, name := range names {
		switch name {
		case models.MetricCPUUtilization:
			out[name] = int64(math.Round(pct))
		case models.MetricCPUUtilizationRAW:
			out[name] = math.Round(pct*100) / 100
		case models.MetricMaximumCPUUtilization:
			out[name] = s.maxCPU
		case models.MetricRAMFree:
			out[name] = mem.available
		case models.MetricRAMFreeMinimum:
			out[name] = s.minFree
		case models.MetricTotalRAMSize, models.MetricTotalRamSize:
			out[name] = mem.total
		case models.MetricHardwareVersion:
			v, err := s.hardwareVersion()
			if err != nil {
				return nil, err
			}
			out[name] = v
		case models.MetricSerialNumber:
			v, err := s.firstFile(serialNumberFiles)
			if err != nil {
				return nil, fmt.Errorf("read serial number: %w", err)
			}
			out[name] = v
		}
	}
	return out, nil
}

// readCPU returns utilization in percent since the previous call, or since
// boot on the first call. Must be called with s.mu held.
func (s *SystemSource) readCPU() (float64, error) {
	cur, err := s.stats.cpuTimes()
	if err != nil {
		return 0, err
	}

	busy, total := cur.busy, cur.total
	if s.prevCPU != nil && cur.total >= s.prevCPU.total && cur.busy >= s.prevCPU.busy {
		busy -= s.prevCPU.busy
		total -= s.prevCPU.total
	}
	s.prevCPU = &cur

	// No ticks elapsed between reads: report the previous value.
	if total == 0 {
		return s.lastPct, nil
	}
	pct := 100 * float64(busy) / float64(total)
	s.lastPct = pct
	if r := int64(math.Round(pct)); r > s.maxCPU {
		s.maxCPU = r
	}
	return pct, nil
}

func (s *SystemSource) hardwareVersion() (string, error) {
	if v, err := s.firstFile(hardwareVersionFiles); err == nil {
		return v, nil
	}
	m, err := s.stats.machine()
	if err != nil {
		return "", fmt.Errorf("read hardware version: %w", err)
	}
	return m, nil
}

// firstFile returns the trimmed contents of the first readable, non-empty file.
func (s *SystemSource) firstFile(paths []string) (string, error) {
	for _, p := range paths {
		b, err := afero.ReadFile(s.fs, p)
		if err != nil {
			s.logger.Debug("identifier file unavailable", zap.String("path", p), zap.Error(err))
			continue
		}
		if v := strings.TrimSpace(string(b)); v != "" {
			return v, nil
		}
	}
	return "", ErrUnsupported
}
