//go:build !linux

package tool

import (
	"fmt"
	"runtime"
	"time"
)

// DefaultProbes returns error-producing probes on platforms without /proc.
// Deployments on non-linux hosts must inject their own probes.
func DefaultProbes() Probes {
	unsupported := fmt.Errorf("system probes not supported on %s", runtime.GOOS)
	return Probes{
		Load:     func() (LoadAvg, error) { return LoadAvg{}, unsupported },
		Memory:   func() (MemoryStat, error) { return MemoryStat{}, unsupported },
		Uptime:   func() (time.Duration, error) { return 0, unsupported },
		Disk:     func(string) (DiskStat, error) { return DiskStat{}, unsupported },
		Network:  func() (NetworkStat, error) { return NetworkStat{}, unsupported },
		CPUCount: runtime.NumCPU,
	}
}
