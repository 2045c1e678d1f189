//go:build linux

package tool

import (
	"fmt"
	"os"
	"runtime"
	"syscall"
	"time"
)

// DefaultProbes returns probes backed by /proc and statfs.
func DefaultProbes() Probes {
	return Probes{
		Load: func() (LoadAvg, error) {
			data, err := os.ReadFile("/proc/loadavg")
			if err != nil {
				return LoadAvg{}, err
			}
			return parseLoadAvg(string(data))
		},
		Memory: func() (MemoryStat, error) {
			data, err := os.ReadFile("/proc/meminfo")
			if err != nil {
				return MemoryStat{}, err
			}
			return parseMemInfo(string(data))
		},
		Uptime: func() (time.Duration, error) {
			data, err := os.ReadFile("/proc/uptime")
			if err != nil {
				return 0, err
			}
			return parseUptime(string(data))
		},
		Disk: func(path string) (DiskStat, error) {
			var stat syscall.Statfs_t
			if err := syscall.Statfs(path, &stat); err != nil {
				return DiskStat{}, fmt.Errorf("statfs %s: %w", path, err)
			}
			bsize := uint64(stat.Bsize)
			return DiskStat{
				Path:       path,
				TotalBytes: stat.Blocks * bsize,
				FreeBytes:  stat.Bavail * bsize,
			}, nil
		},
		Network: func() (NetworkStat, error) {
			data, err := os.ReadFile("/proc/net/dev")
			if err != nil {
				return NetworkStat{}, err
			}
			return parseNetDev(string(data))
		},
		CPUCount: runtime.NumCPU,
	}
}
