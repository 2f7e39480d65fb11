//go:build !linux

package host

import "go.uber.org/zap"

// unsupportedStats fails every read on platforms without a backend.
type unsupportedStats struct{}

func newPlatformStats(logger *zap.Logger) statsReader {
	logger.Warn("host metrics collection is only supported on Linux; every read will fail")
	return unsupportedStats{}
}

func (unsupportedStats) cpuTimes() (cpuTimes, error) { return cpuTimes{}, ErrUnsupported }
func (unsupportedStats) memory() (memStats, error)   { return memStats{}, ErrUnsupported }
func (unsupportedStats) machine() (string, error)    { return "", ErrUnsupported }
