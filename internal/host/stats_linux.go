//go:build linux

package host

import (
	"fmt"

	"github.com/mackerelio/go-osstat/cpu"
	"github.com/mackerelio/go-osstat/memory"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// linuxStats reads /proc through go-osstat.
type linuxStats struct{}

func newPlatformStats(_ *zap.Logger) statsReader {
	return linuxStats{}
}

func (linuxStats) cpuTimes() (cpuTimes, error) {
	st, err := cpu.Get()
	if err != nil {
		return cpuTimes{}, fmt.Errorf("read cpu stats: %w", err)
	}
	idle := st.Idle + st.Iowait
	return cpuTimes{busy: st.Total - idle, total: st.Total}, nil
}

func (linuxStats) memory() (memStats, error) {
	st, err := memory.Get()
	if err != nil {
		return memStats{}, fmt.Errorf("read memory stats: %w", err)
	}
	avail := st.Free
	if st.MemAvailableEnabled {
		avail = st.Available
	}
	return memStats{total: st.Total, available: avail}, nil
}

func (linuxStats) machine() (string, error) {
	var u unix.Utsname
	if err := unix.Uname(&u); err != nil {
		return "", fmt.Errorf("uname: %w", err)
	}
	return unix.ByteSliceToString(u.Machine[:]), nil
}
